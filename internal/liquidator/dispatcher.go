package liquidator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/smartdevs17/ton-liquidator/internal/codec"
	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/internal/notification"
	"github.com/smartdevs17/ton-liquidator/internal/storage"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// Ledger is the bot wallet's view of the chain
type Ledger interface {
	WalletAddress() *address.Address
	BaseBalance(ctx context.Context) (*big.Int, error)
	JettonBalance(ctx context.Context, jettonWallet *address.Address) (*big.Int, error)
	Send(ctx context.Context, to *address.Address, amount *big.Int, body *cell.Cell) error
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Master         *address.Address
	TokenGasAmount *big.Int // value attached to jetton liquidations
	ForwardAmount  *big.Int // value forwarded from the jetton wallet to the master
	PendingExpiry  time.Duration
	BalanceWorkers int
}

// Dispatcher submits at most one funded pending task per run
type Dispatcher struct {
	storage  storage.Storage
	ledger   Ledger
	registry *models.AssetRegistry
	alerter  notification.Alerter
	config   DispatcherConfig
	pool     pond.Pool
	wallets  map[string]*address.Address // jetton wallet per asset symbol
	logger   *logrus.Entry
	metrics  *metrics.PrometheusMetrics
	now      func() time.Time
}

// DispatchResult summarises one run
type DispatchResult struct {
	Cancelled    int64   `json:"cancelled"`
	Pending      int     `json:"pending"`
	Insufficient []int64 `json:"insufficient"`
	Dispatched   int64   `json:"dispatched,omitempty"` // task id, zero when nothing was sent
}

// NewDispatcher creates a dispatcher. Jetton wallet addresses are parsed up front.
func NewDispatcher(store storage.Storage, ledger Ledger, registry *models.AssetRegistry, alerter notification.Alerter,
	cfg DispatcherConfig, metricsManager *metrics.Manager) (*Dispatcher, error) {
	if cfg.Master == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Master address is required", "")
	}
	if cfg.BalanceWorkers <= 0 {
		cfg.BalanceWorkers = 1
	}

	wallets := make(map[string]*address.Address)
	for _, asset := range registry.All() {
		if asset.IsBase() {
			continue
		}
		addr, err := codec.ParseAddress(asset.JettonWallet)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeConfiguration,
				fmt.Sprintf("Invalid jetton wallet for %s", asset.Symbol), err.Error())
		}
		wallets[asset.Symbol] = addr
	}

	return &Dispatcher{
		storage:  store,
		ledger:   ledger,
		registry: registry,
		alerter:  alerter,
		config:   cfg,
		pool:     pond.NewPool(cfg.BalanceWorkers),
		wallets:  wallets,
		logger:   utils.ComponentLogger("liquidator"),
		metrics:  metricsManager.GetPrometheusMetrics(),
		now:      time.Now,
	}, nil
}

// Close stops the balance worker pool
func (d *Dispatcher) Close() {
	d.pool.StopAndWait()
}

// Run ages out stale tasks, then dispatches the first pending task the bot can fund
func (d *Dispatcher) Run(ctx context.Context) (*DispatchResult, error) {
	res := &DispatchResult{}
	now := d.now()

	cancelled, err := d.storage.CancelStaleTasks(ctx, now, d.config.PendingExpiry)
	if err != nil {
		return res, err
	}
	res.Cancelled = cancelled
	if cancelled > 0 {
		d.logger.WithField("count", cancelled).Info("Cancelled stale pending tasks")
	}

	tasks, err := d.storage.GetPendingTasks(ctx)
	if err != nil {
		return res, err
	}
	res.Pending = len(tasks)
	if len(tasks) == 0 {
		return res, nil
	}

	balances, err := d.fetchBalances(ctx)
	if err != nil {
		return res, err
	}

	for _, task := range tasks {
		log := d.logger.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"query_id": task.QueryID,
			"wallet":   task.WalletAddress,
		})

		asset, ok := d.registry.Lookup(task.LoanAsset)
		if !ok {
			log.WithField("loan_asset", task.LoanAsset).Error("Task references an unknown loan asset")
			continue
		}

		if balances[asset.Symbol].Cmp(task.LiquidationAmount) < 0 {
			if err := d.markInsufficient(ctx, log, task, asset, balances); err != nil {
				return res, err
			}
			res.Insufficient = append(res.Insufficient, task.ID)
			continue
		}

		sent, err := d.dispatch(ctx, log, task, asset)
		if err != nil {
			return res, err
		}
		if sent {
			res.Dispatched = task.ID
			break
		}
	}

	return res, nil
}

// fetchBalances reads every asset balance in parallel. Any failure fails the whole fetch.
func (d *Dispatcher) fetchBalances(ctx context.Context) (map[string]*big.Int, error) {
	assets := d.registry.All()
	balances := make([]*big.Int, len(assets))
	errs := make([]error, len(assets))

	group := d.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, asset := range assets {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			if asset.IsBase() {
				balances[i], errs[i] = d.ledger.BaseBalance(groupCtx)
				return
			}
			balances[i], errs[i] = d.ledger.JettonBalance(groupCtx, d.wallets[asset.Symbol])
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		d.logger.WithError(err).Warn("Balance fetch group failed")
	}

	out := make(map[string]*big.Int, len(assets))
	for i, asset := range assets {
		if errs[i] != nil {
			return nil, fmt.Errorf("fetch %s balance: %w", asset.Symbol, errs[i])
		}
		if balances[i] == nil {
			return nil, fmt.Errorf("fetch %s balance: no value", asset.Symbol)
		}
		out[asset.Symbol] = balances[i]
		d.metrics.UpdateBotBalance(asset.Symbol, unitsFloat(balances[i], asset.Decimals))
	}
	return out, nil
}

func (d *Dispatcher) markInsufficient(ctx context.Context, log *logrus.Entry, task *models.LiquidationTask,
	asset *models.Asset, balances map[string]*big.Int) error {
	marked, err := d.storage.MarkTaskInsufficientBalance(ctx, task.ID, d.now())
	if err != nil {
		return err
	}
	if !marked {
		return nil
	}

	d.metrics.RecordDispatch(asset.Symbol, "insufficient_balance")
	log.WithFields(logrus.Fields{
		"loan_asset": asset.Symbol,
		"amount":     task.LiquidationAmount,
		"balance":    balances[asset.Symbol],
	}).Warn("Not enough balance for liquidation")

	if d.alerter != nil {
		msg := d.insufficientBalanceMessage(task, asset, balances)
		if err := d.alerter.Alert(ctx, models.AlertInsufficientBalance, msg); err != nil {
			log.WithError(err).Warn("Failed to send insufficient balance alert")
		}
	}
	return nil
}

func (d *Dispatcher) insufficientBalanceMessage(task *models.LiquidationTask, asset *models.Asset, balances map[string]*big.Int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Not enough balance for liquidation task %d\n", task.ID)
	fmt.Fprintf(&b, "Loan asset: %s\n", strings.ToUpper(asset.Symbol))
	fmt.Fprintf(&b, "Liquidation amount: %s\n", FormatUnits(task.LiquidationAmount, asset.Decimals))
	b.WriteString("My balance:")
	for _, a := range d.registry.All() {
		fmt.Fprintf(&b, "\n- %s: %s", strings.ToUpper(a.Symbol), FormatUnits(balances[a.Symbol], a.Decimals))
	}
	return b.String()
}

// dispatch encodes and submits task. A task that cannot be encoded is left
// pending for the escalation loop to cancel.
func (d *Dispatcher) dispatch(ctx context.Context, log *logrus.Entry, task *models.LiquidationTask, asset *models.Asset) (bool, error) {
	body, err := codec.EncodeLiquidationMessage(task, asset.Kind, codec.MessageParams{
		Master:        d.config.Master,
		BotWallet:     d.ledger.WalletAddress(),
		ForwardAmount: d.config.ForwardAmount,
	})
	if err != nil {
		d.metrics.RecordDispatch(asset.Symbol, "encode_error")
		log.WithError(err).Error("Failed to encode liquidation message")
		return false, nil
	}

	to, value := d.config.Master, task.LiquidationAmount
	if !asset.IsBase() {
		to, value = d.wallets[asset.Symbol], d.config.TokenGasAmount
	}

	if err := d.ledger.Send(ctx, to, value, body); err != nil {
		d.metrics.RecordDispatch(asset.Symbol, "send_error")
		return false, fmt.Errorf("send liquidation for task %d: %w", task.ID, err)
	}

	marked, err := d.storage.MarkTaskSent(ctx, task.ID, d.now())
	if err != nil {
		return true, err
	}
	if !marked {
		log.Warn("Task left pending state while it was being sent")
	}

	d.metrics.RecordDispatch(asset.Symbol, "sent")
	log.WithFields(logrus.Fields{
		"loan_asset":  asset.Symbol,
		"amount":      task.LiquidationAmount,
		"destination": to.String(),
		"value":       value,
	}).Info("Liquidation sent")
	return true, nil
}
