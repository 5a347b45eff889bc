package integration

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/smartdevs17/ton-liquidator/internal/codec"
	"github.com/smartdevs17/ton-liquidator/internal/config"
	"github.com/smartdevs17/ton-liquidator/internal/escalation"
	"github.com/smartdevs17/ton-liquidator/internal/indexer"
	"github.com/smartdevs17/ton-liquidator/internal/liquidator"
	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/internal/storage"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

var (
	tonID  = big.NewInt(11)
	usdtID = big.NewInt(22)
)

// chain stands in for both the bot wallet and the account state getter
type chain struct {
	mu     sync.Mutex
	wallet *address.Address
	base   *big.Int
	owners map[string]*address.Address // contract raw -> owner
	sent   int
}

func (c *chain) WalletAddress() *address.Address { return c.wallet }

func (c *chain) BaseBalance(context.Context) (*big.Int, error) { return c.base, nil }

func (c *chain) JettonBalance(context.Context, *address.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *chain) Send(context.Context, *address.Address, *big.Int, *cell.Cell) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return nil
}

func (c *chain) ReadUserState(_ context.Context, contract *address.Address) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owners[codec.RawAddress(contract)]
	if !ok {
		return nil, errors.New("unknown contract")
	}
	return []any{
		big.NewInt(1),
		cell.BeginCell().MustStoreAddr(contract).EndCell(),
		cell.BeginCell().MustStoreAddr(owner).EndCell(),
		nil,
	}, nil
}

type noHistory struct{}

func (noHistory) FetchTransactions(context.Context, string, int, uint64) ([]models.ChainTransaction, error) {
	return nil, nil
}

type alerts struct {
	mu       sync.Mutex
	messages []string
}

func (a *alerts) Alert(_ context.Context, _ models.AlertKind, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
	return nil
}

type system struct {
	store      storage.Storage
	chain      *chain
	alerts     *alerts
	intake     *liquidator.Intake
	dispatcher *liquidator.Dispatcher
	indexer    *indexer.Indexer
	escalator  *escalation.Escalator
}

func addr(fill string) *address.Address {
	a, err := address.ParseRawAddr("0:" + strings.Repeat(fill, 64))
	if err != nil {
		panic(err)
	}
	return a
}

func TestLiquidationLifecycle(t *testing.T) {
	utils.InitLogger("warn", "text", "stdout", "")

	cfg := &config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "lifecycle.db"),
		MaxConnections:   2,
		MaxIdleTime:      time.Minute,
	}

	store, err := storage.NewStorage(cfg)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	if err := store.Connect(); err != nil {
		t.Fatalf("Failed to connect storage: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("Failed to migrate storage: %v", err)
	}

	metricsManager := metrics.NewManager()
	sys := newSystem(t, storage.NewStorageWithMetrics(store, metricsManager), metricsManager)
	defer sys.dispatcher.Close()

	t.Run("Confirmed Liquidation", func(t *testing.T) { testConfirmedLiquidation(t, sys) })
	t.Run("Repeat Offender", func(t *testing.T) { testRepeatOffender(t, sys) })
}

func newSystem(t *testing.T, store storage.Storage, metricsManager *metrics.Manager) *system {
	registry, err := models.NewAssetRegistry([]*models.Asset{
		{Symbol: "ton", ID: tonID, Kind: models.AssetKindBase, Decimals: 9},
		{Symbol: "usdt", ID: usdtID, Kind: models.AssetKindJetton, JettonWallet: codec.FriendlyAddress(addr("e"), false), Decimals: 6},
	})
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	master := addr("f")
	sys := &system{
		store: store,
		chain: &chain{
			wallet: addr("b"),
			base:   new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000)),
			owners: map[string]*address.Address{},
		},
		alerts: &alerts{},
	}

	// zero windows let a wallet be retried immediately
	sys.intake = liquidator.NewIntake(store, registry, models.DedupWindows{}, false)

	sys.dispatcher, err = liquidator.NewDispatcher(store, sys.chain, registry, sys.alerts, liquidator.DispatcherConfig{
		Master:         master,
		TokenGasAmount: big.NewInt(1_000_000_000),
		ForwardAmount:  big.NewInt(500_000_000),
		PendingExpiry:  time.Hour,
		BalanceWorkers: 2,
	}, metricsManager)
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}

	sys.indexer = indexer.New(store, noHistory{}, sys.chain, registry, indexer.Config{
		Master:         master,
		PageSize:       10,
		IdleInterval:   time.Millisecond,
		ReadRetryDelay: time.Millisecond,
	}, metricsManager)

	sys.escalator = escalation.New(store, sys.alerts, escalation.Config{
		PendingExpiry:       time.Hour,
		ConfirmationTimeout: 0,
		FailureThreshold:    3,
	}, metricsManager)

	return sys
}

func request(wallet, contract *address.Address, queryID uint64) liquidator.TaskRequest {
	return liquidator.TaskRequest{
		QueryID:             queryID,
		WalletAddress:       codec.RawAddress(wallet),
		ContractAddress:     codec.RawAddress(contract),
		LoanAsset:           tonID,
		CollateralAsset:     usdtID,
		LiquidationAmount:   big.NewInt(5_000_000_000),
		MinCollateralAmount: big.NewInt(1_000),
		PricesCell:          cell.BeginCell().MustStoreUInt(0xdeadbeef, 32).EndCell().ToBOC(),
		Signature:           []byte{1, 2, 3},
	}
}

func taskState(t *testing.T, store storage.Storage, id int64) models.TaskState {
	task, err := store.GetTask(context.Background(), id)
	if err != nil || task == nil {
		t.Fatalf("Failed to get task %d: %v", id, err)
	}
	return task.State
}

func testConfirmedLiquidation(t *testing.T, sys *system) {
	ctx := context.Background()
	wallet, contract := addr("1"), addr("c")
	sys.chain.owners[codec.RawAddress(contract)] = wallet

	task, err := sys.intake.Submit(ctx, request(wallet, contract, 1001))
	if err != nil {
		t.Fatalf("Failed to submit task: %v", err)
	}
	t.Logf("✓ Task %d created", task.ID)

	res, err := sys.dispatcher.Run(ctx)
	if err != nil {
		t.Fatalf("Dispatcher run failed: %v", err)
	}
	if res.Dispatched != task.ID {
		t.Fatalf("Expected task %d to be dispatched, got %d", task.ID, res.Dispatched)
	}
	if got := taskState(t, sys.store, task.ID); got != models.TaskStateSent {
		t.Fatalf("Expected sent, got %s", got)
	}
	t.Logf("✓ Task dispatched")

	report := cell.BeginCell().
		MustStoreBigCoins(big.NewInt(3)).
		MustStoreBoolBit(false).
		MustStoreInt(0, 2).
		MustStoreUInt(uint64(codec.OpLiquidationSatisfied), 32).
		MustStoreUInt(1001, 64).
		EndCell()
	processed, err := sys.indexer.ProcessTransaction(ctx, models.ChainTransaction{
		Hash:           "report-1001",
		LT:             500,
		Utime:          time.Now(),
		InMsg:          models.InMessage{OpCode: codec.OpLiquidateReport, HasOpCode: true, Source: codec.RawAddress(contract)},
		OutMsgs:        []models.OutMessage{{Destination: codec.RawAddress(addr("8")), RawBody: hex.EncodeToString(report.ToBOC())}},
		ComputeSuccess: true,
	})
	if err != nil || !processed {
		t.Fatalf("Failed to process report: processed=%v err=%v", processed, err)
	}
	if got := taskState(t, sys.store, task.ID); got != models.TaskStateSuccess {
		t.Fatalf("Expected success, got %s", got)
	}
	t.Logf("✓ Liquidation confirmed by report")

	account, err := sys.store.GetAccount(ctx, codec.FriendlyAddress(contract, false))
	if err != nil || account == nil {
		t.Fatalf("Expected account to be indexed: %v", err)
	}
	if account.WalletAddress != task.WalletAddress {
		t.Errorf("Expected owner %s, got %s", task.WalletAddress, account.WalletAddress)
	}

	esc, err := sys.escalator.Run(ctx)
	if err != nil {
		t.Fatalf("Escalation failed: %v", err)
	}
	if esc.Failed != 0 {
		t.Errorf("Confirmed task must not be failed, got %d failures", esc.Failed)
	}
}

func testRepeatOffender(t *testing.T, sys *system) {
	ctx := context.Background()
	wallet, contract := addr("2"), addr("d")
	sys.chain.owners[codec.RawAddress(contract)] = wallet

	processed, err := sys.indexer.ProcessTransaction(ctx, models.ChainTransaction{
		Hash:           "supply-2",
		LT:             600,
		Utime:          time.Now(),
		InMsg:          models.InMessage{OpCode: codec.OpSupply, HasOpCode: true, Source: codec.RawAddress(wallet)},
		OutMsgs:        []models.OutMessage{{Destination: codec.RawAddress(contract)}},
		ComputeSuccess: true,
	})
	if err != nil || !processed {
		t.Fatalf("Failed to index supply: processed=%v err=%v", processed, err)
	}

	var blacklisted []string
	for i := uint64(1); i <= 3; i++ {
		task, err := sys.intake.Submit(ctx, request(wallet, contract, 2000+i))
		if err != nil {
			t.Fatalf("Failed to submit task %d: %v", i, err)
		}
		if _, err := sys.dispatcher.Run(ctx); err != nil {
			t.Fatalf("Dispatcher run failed: %v", err)
		}
		res, err := sys.escalator.Run(ctx)
		if err != nil {
			t.Fatalf("Escalation failed: %v", err)
		}
		if got := taskState(t, sys.store, task.ID); got != models.TaskStateFailed {
			t.Fatalf("Expected failed, got %s", got)
		}
		blacklisted = append(blacklisted, res.Blacklisted...)
	}

	expected := codec.FriendlyAddress(wallet, false)
	if len(blacklisted) != 1 || blacklisted[0] != expected {
		t.Fatalf("Expected %s to be blacklisted once, got %v", expected, blacklisted)
	}
	t.Logf("✓ Wallet blacklisted after three unconfirmed liquidations")

	found := false
	for _, msg := range sys.alerts.messages {
		if msg == "User "+expected+" blacklisted" {
			found = true
		}
	}
	if !found {
		t.Errorf("Missing blacklist alert, got %v", sys.alerts.messages)
	}

	if _, err := sys.intake.Submit(ctx, request(wallet, contract, 2100)); !errors.Is(err, liquidator.ErrBlacklisted) {
		t.Fatalf("Expected blacklisted wallet to be rejected, got %v", err)
	}
	t.Logf("✓ Blacklisted wallet rejected by intake")
}
