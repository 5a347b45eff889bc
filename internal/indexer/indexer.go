package indexer

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xssnick/tonutils-go/address"

	"github.com/smartdevs17/ton-liquidator/internal/codec"
	"github.com/smartdevs17/ton-liquidator/internal/connection"
	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/internal/storage"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// HistorySource pages the transaction history of an account, newest first
type HistorySource interface {
	FetchTransactions(ctx context.Context, account string, limit int, beforeLT uint64) ([]models.ChainTransaction, error)
}

// StateReader runs the account contract's state getter
type StateReader interface {
	ReadUserState(ctx context.Context, contract *address.Address) ([]any, error)
}

// Config holds indexer configuration
type Config struct {
	Master         *address.Address
	Testnet        bool
	PageSize       int
	IdleInterval   time.Duration
	ReadRetryDelay time.Duration
}

// Indexer follows the master contract's transactions and keeps accounts and
// task confirmations in storage up to date
type Indexer struct {
	storage  storage.Storage
	history  HistorySource
	state    StateReader
	registry *models.AssetRegistry
	config   Config
	master   string
	logger   *logrus.Entry
	metrics  *metrics.PrometheusMetrics
	now      func() time.Time

	mu    sync.RWMutex
	stats Stats
}

// Stats provides indexer statistics
type Stats struct {
	TransactionsProcessed uint64     `json:"transactions_processed"`
	TransactionsSkipped   uint64     `json:"transactions_skipped"`
	AccountsUpdated       uint64     `json:"accounts_updated"`
	TasksConfirmed        uint64     `json:"tasks_confirmed"`
	Cursor                uint64     `json:"cursor"`
	LastPollAt            time.Time  `json:"last_poll_at"`
	LastError             *string    `json:"last_error,omitempty"`
	LastErrorTime         *time.Time `json:"last_error_time,omitempty"`
}

// PollResult describes one fetched page
type PollResult struct {
	Fetched    int
	Processed  int
	NextCursor uint64
	CaughtUp   bool // the newest unseen transaction was reached, restart from the top
	Empty      bool
}

// New creates an indexer
func New(store storage.Storage, history HistorySource, state StateReader, registry *models.AssetRegistry,
	cfg Config, metricsManager *metrics.Manager) *Indexer {
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	return &Indexer{
		storage:  store,
		history:  history,
		state:    state,
		registry: registry,
		config:   cfg,
		master:   codec.RawAddress(cfg.Master),
		logger:   utils.ComponentLogger("indexer"),
		metrics:  metricsManager.GetPrometheusMetrics(),
		now:      time.Now,
	}
}

// Sync pages through unseen history until a fetch returns nothing.
// The caller restarts it; the position survives restarts through the indexed
// transaction records.
func (ix *Indexer) Sync(ctx context.Context) error {
	var cursor uint64
	for {
		res, err := ix.Poll(ctx, cursor)
		if err != nil {
			ix.recordError(err)
			return err
		}
		if res.Empty {
			ix.logger.WithField("before_lt", cursor).Debug("Empty history page, ending sync")
			return nil
		}

		cursor = res.NextCursor
		if res.CaughtUp {
			cursor = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ix.config.IdleInterval):
		}
	}
}

// Poll fetches one page before beforeLT and processes its unseen prefix oldest first
func (ix *Indexer) Poll(ctx context.Context, beforeLT uint64) (*PollResult, error) {
	txs, err := ix.history.FetchTransactions(ctx, ix.master, ix.config.PageSize, beforeLT)
	if err != nil {
		return nil, err
	}

	ix.mu.Lock()
	ix.stats.LastPollAt = ix.now()
	ix.mu.Unlock()

	res := &PollResult{Fetched: len(txs)}
	if len(txs) == 0 {
		res.Empty = true
		return res, nil
	}

	// The newest-hash check runs after sorting so an out-of-order page cannot
	// hide an unseen head behind an indexed one.
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].LT > txs[j].LT })

	seen, err := ix.storage.IsTransactionIndexed(ctx, txs[0].Hash)
	if err != nil {
		return nil, err
	}
	if seen {
		ix.logger.WithField("tx_hash", txs[0].Hash).Debug("Newest transaction already indexed")
		res.CaughtUp = true
		return res, nil
	}

	unseen := len(txs)
	for i := 1; i < len(txs); i++ {
		indexed, err := ix.storage.IsTransactionIndexed(ctx, txs[i].Hash)
		if err != nil {
			return nil, err
		}
		if indexed {
			unseen = i
			res.CaughtUp = true
			break
		}
	}

	for i := unseen - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		tx := txs[i]
		processed, err := ix.ProcessTransaction(ctx, tx)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, err
		}
		if processed {
			res.Processed++
		}
	}

	res.NextCursor = txs[unseen-1].LT
	ix.mu.Lock()
	ix.stats.Cursor = res.NextCursor
	ix.mu.Unlock()
	ix.metrics.UpdateIndexerCursor(res.NextCursor)

	ix.logger.WithFields(logrus.Fields{
		"fetched":   res.Fetched,
		"processed": res.Processed,
		"cursor":    res.NextCursor,
		"caught_up": res.CaughtUp,
	}).Debug("History page processed")
	return res, nil
}

// ProcessTransaction records tx as indexed and applies its effects. It returns
// false when the transaction was already indexed or carried nothing to apply.
// Only failures to record the transaction itself are returned; everything
// after that point is logged and skipped.
func (ix *Indexer) ProcessTransaction(ctx context.Context, tx models.ChainTransaction) (bool, error) {
	log := ix.logger.WithFields(logrus.Fields{"tx_hash": tx.Hash, "lt": tx.LT})

	inserted, err := ix.storage.AddIndexedTransaction(ctx, &models.IndexedTransaction{Hash: tx.Hash, Utime: tx.Utime})
	if err != nil {
		return false, err
	}
	if !inserted {
		ix.skip(log, "already_indexed")
		return false, nil
	}

	if !tx.InMsg.HasOpCode {
		ix.skip(log, "no_op_code")
		return false, nil
	}
	log = log.WithField("op", codec.OpName(tx.InMsg.OpCode))

	contract, ok := ix.resolveAccount(ctx, log, tx)
	if !ok {
		return false, nil
	}

	updated, err := ix.refreshAccount(ctx, log, contract, tx.Utime)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		ix.recordError(err)
		log.WithError(err).Error("Failed to refresh account")
		return false, nil
	}
	if !updated {
		return false, nil
	}

	ix.mu.Lock()
	ix.stats.TransactionsProcessed++
	ix.mu.Unlock()
	ix.metrics.RecordTransactionIndexed(codec.ClassifyOp(tx.InMsg.OpCode).String())
	return true, nil
}

// resolveAccount finds the account contract a transaction touched and handles
// liquidation reports on the way
func (ix *Indexer) resolveAccount(ctx context.Context, log *logrus.Entry, tx models.ChainTransaction) (*address.Address, bool) {
	var raw string

	switch codec.ClassifyOp(tx.InMsg.OpCode) {
	case codec.OpKindAccountMutating:
		if !tx.ComputeSuccess {
			ix.skip(log, "compute_failed")
			return nil, false
		}
		if len(tx.OutMsgs) != 1 {
			ix.skip(log.WithField("out_msgs", len(tx.OutMsgs)), "ambiguous_destination")
			return nil, false
		}
		raw = tx.OutMsgs[0].Destination

	case codec.OpKindReport:
		if !tx.ComputeSuccess {
			ix.skip(log, "compute_failed")
			return nil, false
		}
		raw = tx.InMsg.Source

		if tx.InMsg.OpCode == codec.OpLiquidateReport {
			if !ix.confirmLiquidation(ctx, log, tx) {
				return nil, false
			}
		}

	default:
		ix.skip(log, "ignored_op")
		return nil, false
	}

	addr, err := codec.ParseAddress(raw)
	if err != nil {
		ix.metrics.RecordDecodeError("address")
		log.WithError(err).WithField("address", raw).Warn("Invalid account address")
		ix.skip(log, "bad_address")
		return nil, false
	}
	return addr, true
}

// confirmLiquidation decodes the report carried by a liquidation report
// transaction and marks the matching task successful
func (ix *Indexer) confirmLiquidation(ctx context.Context, log *logrus.Entry, tx models.ChainTransaction) bool {
	if len(tx.OutMsgs) != 1 {
		ix.metrics.RecordDecodeError("report")
		log.WithField("out_msgs", len(tx.OutMsgs)).Warn("Liquidation report without a single outgoing message")
		ix.skip(log, "bad_report")
		return false
	}

	queryID, err := codec.DecodeLiquidationReportHex(tx.OutMsgs[0].RawBody)
	if err != nil {
		ix.metrics.RecordDecodeError("report")
		log.WithError(err).Warn("Failed to decode liquidation report")
		ix.skip(log, "bad_report")
		return false
	}

	log = log.WithField("query_id", queryID)
	confirmed, err := ix.storage.MarkTaskSuccess(ctx, queryID, ix.now())
	if err != nil {
		ix.recordError(err)
		log.WithError(err).Error("Failed to confirm liquidation task")
		return true
	}
	if confirmed {
		ix.mu.Lock()
		ix.stats.TasksConfirmed++
		ix.mu.Unlock()
		log.Info("Liquidation confirmed")
	} else {
		log.Debug("Liquidation report matches no open task")
	}
	return true
}

// refreshAccount reads the account's current state and upserts it. It
// returns false when the transaction was skipped for lack of usable state.
func (ix *Indexer) refreshAccount(ctx context.Context, log *logrus.Entry, contract *address.Address, observedAt time.Time) (bool, error) {
	stack, err := ix.readState(ctx, log, contract)
	if err != nil {
		return false, err
	}
	if stack == nil {
		ix.skip(log, "no_state")
		return false, nil
	}

	state, err := codec.DecodeAccountState(stack)
	if err != nil {
		ix.metrics.RecordDecodeError("account_state")
		log.WithError(err).Warn("Failed to decode account state")
		ix.skip(log, "bad_state")
		return false, nil
	}

	principals := make(map[string]*big.Int)
	for _, asset := range ix.registry.All() {
		principals[asset.Symbol] = state.Principal(asset.ID)
	}

	account := &models.Account{
		WalletAddress:   codec.FriendlyAddress(state.Owner, ix.config.Testnet),
		ContractAddress: codec.FriendlyAddress(contract, ix.config.Testnet),
		CodeVersion:     state.CodeVersion,
		CreatedAt:       observedAt,
		UpdatedAt:       observedAt,
		Principals:      principals,
		State:           models.AccountStateActive,
	}
	if err := ix.storage.UpsertAccount(ctx, account); err != nil {
		return false, err
	}

	ix.mu.Lock()
	ix.stats.AccountsUpdated++
	ix.mu.Unlock()
	ix.metrics.RecordAccountUpsert()
	log.WithFields(logrus.Fields{
		"contract":     account.ContractAddress,
		"wallet":       account.WalletAddress,
		"code_version": account.CodeVersion,
	}).Info("Account updated")
	return true, nil
}

// readState retries transient failures until the read succeeds. A non-zero
// exit code yields a nil stack.
func (ix *Indexer) readState(ctx context.Context, log *logrus.Entry, contract *address.Address) ([]any, error) {
	for attempt := 1; ; attempt++ {
		stack, err := ix.state.ReadUserState(ctx, contract)
		if err == nil {
			return stack, nil
		}

		var exitErr *connection.ExitCodeError
		if errors.As(err, &exitErr) {
			log.WithField("exit_code", exitErr.Code).Debug("Account state getter failed")
			return nil, nil
		}
		if !connection.IsTransient(err) {
			return nil, err
		}

		ix.metrics.RecordStateReadRetry()
		log.WithError(err).WithField("attempt", attempt).Warn("Account state read failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ix.config.ReadRetryDelay):
		}
	}
}

func (ix *Indexer) skip(log *logrus.Entry, reason string) {
	ix.mu.Lock()
	ix.stats.TransactionsSkipped++
	ix.mu.Unlock()
	ix.metrics.RecordTransactionSkipped(reason)
	log.WithField("reason", reason).Debug("Transaction skipped")
}

func (ix *Indexer) recordError(err error) {
	msg := err.Error()
	now := ix.now()
	ix.mu.Lock()
	ix.stats.LastError = &msg
	ix.stats.LastErrorTime = &now
	ix.mu.Unlock()
}

// GetStats returns a snapshot of indexer statistics
func (ix *Indexer) GetStats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.stats
}
