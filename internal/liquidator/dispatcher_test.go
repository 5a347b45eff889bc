package liquidator

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/smartdevs17/ton-liquidator/internal/codec"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/internal/storage"
)

var (
	tonID  = big.NewInt(11)
	usdtID = big.NewInt(22)
	ton    = big.NewInt(1_000_000_000)
)

func tons(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), ton)
}

type sentMessage struct {
	to    string
	value *big.Int
	body  *cell.Cell
}

type fakeLedger struct {
	mu       sync.Mutex
	wallet   *address.Address
	base     *big.Int
	jettons  map[string]*big.Int // keyed by raw jetton wallet address
	fetchErr error
	sendErr  error
	sent     []sentMessage
}

func (f *fakeLedger) WalletAddress() *address.Address { return f.wallet }

func (f *fakeLedger) BaseBalance(context.Context) (*big.Int, error) {
	return f.base, nil
}

func (f *fakeLedger) JettonBalance(_ context.Context, jettonWallet *address.Address) (*big.Int, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jettons[codec.RawAddress(jettonWallet)], nil
}

func (f *fakeLedger) Send(_ context.Context, to *address.Address, amount *big.Int, body *cell.Cell) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to: codec.RawAddress(to), value: amount, body: body})
	return nil
}

type fakeAlerter struct {
	mu       sync.Mutex
	messages []string
	kinds    []models.AlertKind
}

func (f *fakeAlerter) Alert(_ context.Context, kind models.AlertKind, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.messages = append(f.messages, message)
	return nil
}

func rawAddr(fill string) string {
	return "0:" + strings.Repeat(fill, 64)
}

func mustAddr(t *testing.T, raw string) *address.Address {
	t.Helper()
	addr, err := address.ParseRawAddr(raw)
	require.NoError(t, err)
	return addr
}

func friendly(t *testing.T, raw string) string {
	t.Helper()
	return codec.FriendlyAddress(mustAddr(t, raw), false)
}

type fixture struct {
	store      *storage.SQLiteStorage
	registry   *models.AssetRegistry
	ledger     *fakeLedger
	alerter    *fakeAlerter
	dispatcher *Dispatcher
	now        time.Time
}

func newTestStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "liquidator.db"),
		MaxConnections:   2,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func newRegistry(t *testing.T) *models.AssetRegistry {
	t.Helper()
	registry, err := models.NewAssetRegistry([]*models.Asset{
		{Symbol: "ton", ID: tonID, Kind: models.AssetKindBase, Decimals: 9},
		{Symbol: "usdt", ID: usdtID, Kind: models.AssetKindJetton, JettonWallet: friendly(t, rawAddr("e")), Decimals: 6},
	})
	require.NoError(t, err)
	return registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    newTestStore(t),
		registry: newRegistry(t),
		ledger: &fakeLedger{
			wallet:  mustAddr(t, rawAddr("b")),
			base:    tons(10),
			jettons: map[string]*big.Int{rawAddr("e"): big.NewInt(0)},
		},
		alerter: &fakeAlerter{},
		now:     time.UnixMilli(1_700_000_500_000),
	}

	d, err := NewDispatcher(f.store, f.ledger, f.registry, f.alerter, DispatcherConfig{
		Master:         mustAddr(t, rawAddr("f")),
		TokenGasAmount: new(big.Int).Set(ton),
		ForwardAmount:  big.NewInt(500_000_000),
		PendingExpiry:  45 * time.Second,
		BalanceWorkers: 2,
	}, nil)
	require.NoError(t, err)
	d.now = func() time.Time { return f.now }
	t.Cleanup(d.Close)
	f.dispatcher = d
	return f
}

func (f *fixture) addTask(t *testing.T, queryID uint64, walletFill string, loan *big.Int, amount *big.Int, age time.Duration) *models.LiquidationTask {
	t.Helper()
	collateral := usdtID
	if loan.Cmp(usdtID) == 0 {
		collateral = tonID
	}
	task := &models.LiquidationTask{
		QueryID:             queryID,
		WalletAddress:       friendly(t, rawAddr(walletFill)),
		ContractAddress:     friendly(t, rawAddr("c")),
		LoanAsset:           loan,
		CollateralAsset:     collateral,
		LiquidationAmount:   amount,
		MinCollateralAmount: big.NewInt(1_000),
		PricesCell:          cell.BeginCell().MustStoreUInt(0xdeadbeef, 32).EndCell().ToBOC(),
		Signature:           []byte{1, 2, 3, 4},
		CreatedAt:           f.now.Add(-age),
	}
	created, err := f.store.CreateTask(context.Background(), task, models.DedupWindows{})
	require.NoError(t, err)
	require.True(t, created)
	return task
}

func (f *fixture) state(t *testing.T, id int64) models.TaskState {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task.State
}

func opOf(t *testing.T, body *cell.Cell) uint64 {
	t.Helper()
	op, err := body.BeginParse().LoadUInt(32)
	require.NoError(t, err)
	return op
}

func TestRunDispatchesFundedBaseTask(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, 1, "1", tonID, tons(5), time.Second)

	res, err := f.dispatcher.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, task.ID, res.Dispatched)
	assert.Equal(t, models.TaskStateSent, f.state(t, task.ID))
	require.Len(t, f.ledger.sent, 1)
	assert.Equal(t, rawAddr("f"), f.ledger.sent[0].to)
	assert.Equal(t, tons(5), f.ledger.sent[0].value)
	assert.Equal(t, uint64(codec.OpLiquidate), opOf(t, f.ledger.sent[0].body))
	assert.Empty(t, f.alerter.messages)
}

func TestRunMarksInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.ledger.base = tons(3)
	task := f.addTask(t, 1, "1", tonID, tons(5), time.Second)

	res, err := f.dispatcher.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.Dispatched)
	assert.Equal(t, []int64{task.ID}, res.Insufficient)
	assert.Equal(t, models.TaskStateInsufficientBalance, f.state(t, task.ID))
	assert.Empty(t, f.ledger.sent)

	require.Len(t, f.alerter.messages, 1)
	assert.Equal(t, models.AlertInsufficientBalance, f.alerter.kinds[0])
	msg := f.alerter.messages[0]
	assert.Contains(t, msg, "Not enough balance for liquidation task")
	assert.Contains(t, msg, "Loan asset: TON")
	assert.Contains(t, msg, "Liquidation amount: 5")
	assert.Contains(t, msg, "- TON: 3")
	assert.Contains(t, msg, "- USDT: 0")
}

func TestRunDispatchesAtMostOneTask(t *testing.T) {
	f := newFixture(t)
	first := f.addTask(t, 1, "1", tonID, tons(2), 2*time.Second)
	second := f.addTask(t, 2, "2", tonID, tons(2), time.Second)

	res, err := f.dispatcher.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.ID, res.Dispatched)
	assert.Equal(t, models.TaskStateSent, f.state(t, first.ID))
	assert.Equal(t, models.TaskStatePending, f.state(t, second.ID))
	assert.Len(t, f.ledger.sent, 1)

	res, err = f.dispatcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.ID, res.Dispatched)
	assert.Len(t, f.ledger.sent, 2)
}

func TestRunSkipsUnfundedTaskAndDispatchesNext(t *testing.T) {
	f := newFixture(t)
	jetton := f.addTask(t, 1, "1", usdtID, big.NewInt(1_000_000), 2*time.Second)
	base := f.addTask(t, 2, "2", tonID, tons(1), time.Second)

	res, err := f.dispatcher.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{jetton.ID}, res.Insufficient)
	assert.Equal(t, base.ID, res.Dispatched)
	assert.Equal(t, models.TaskStateInsufficientBalance, f.state(t, jetton.ID))
	assert.Equal(t, models.TaskStateSent, f.state(t, base.ID))
	require.Len(t, f.alerter.messages, 1)
	assert.Contains(t, f.alerter.messages[0], "Loan asset: USDT")
	assert.Contains(t, f.alerter.messages[0], "Liquidation amount: 1")
}

func TestRunDispatchesJettonTaskThroughBotWallet(t *testing.T) {
	f := newFixture(t)
	f.ledger.jettons[rawAddr("e")] = big.NewInt(2_000_000)
	task := f.addTask(t, 1, "1", usdtID, big.NewInt(1_500_000), time.Second)

	res, err := f.dispatcher.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, task.ID, res.Dispatched)
	require.Len(t, f.ledger.sent, 1)
	msg := f.ledger.sent[0]
	assert.Equal(t, rawAddr("e"), msg.to)
	assert.Equal(t, ton, msg.value)
	assert.Equal(t, uint64(codec.OpJettonTransfer), opOf(t, msg.body))
}

func TestRunAbortsWhenBalanceFetchFails(t *testing.T) {
	f := newFixture(t)
	f.ledger.fetchErr = errors.New("lite server timeout")
	task := f.addTask(t, 1, "1", tonID, tons(5), time.Second)

	_, err := f.dispatcher.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usdt")

	assert.Equal(t, models.TaskStatePending, f.state(t, task.ID))
	assert.Empty(t, f.ledger.sent)
	assert.Empty(t, f.alerter.messages)
}

func TestRunCancelsStaleTasksBeforeDispatch(t *testing.T) {
	f := newFixture(t)
	stale := f.addTask(t, 1, "1", tonID, tons(1), 45*time.Second)
	fresh := f.addTask(t, 2, "2", tonID, tons(1), 44*time.Second)

	res, err := f.dispatcher.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, res.Cancelled)
	assert.Equal(t, models.TaskStateCancelled, f.state(t, stale.ID))
	assert.Equal(t, fresh.ID, res.Dispatched)
}

func TestRunLeavesTaskPendingWhenSendFails(t *testing.T) {
	f := newFixture(t)
	f.ledger.sendErr = errors.New("external message rejected")
	task := f.addTask(t, 1, "1", tonID, tons(1), time.Second)

	_, err := f.dispatcher.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.TaskStatePending, f.state(t, task.ID))
}

func TestRunWithoutPendingTasksSkipsBalanceFetch(t *testing.T) {
	f := newFixture(t)
	f.ledger.fetchErr = errors.New("should not be called")

	res, err := f.dispatcher.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Pending)
}

func TestNewDispatcherRequiresMaster(t *testing.T) {
	_, err := NewDispatcher(newTestStore(t), &fakeLedger{}, newRegistry(t), nil, DispatcherConfig{}, nil)
	assert.Error(t, err)
}

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		amount   *big.Int
		decimals uint8
		want     string
	}{
		{big.NewInt(5_000_000_000), 9, "5"},
		{big.NewInt(1_500_000_000), 9, "1.5"},
		{big.NewInt(1), 9, "0.000000001"},
		{big.NewInt(-2_500_000), 6, "-2.5"},
		{big.NewInt(42), 0, "42"},
		{nil, 6, "0"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatUnits(tc.amount, tc.decimals))
	}
}
