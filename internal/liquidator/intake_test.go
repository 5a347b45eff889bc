package liquidator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/internal/storage"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

func newIntake(t *testing.T) (*Intake, time.Time) {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	in := NewIntake(newTestStore(t), newRegistry(t), models.DedupWindows{
		Pending: 60 * time.Second,
		Sent:    45 * time.Second,
		Success: 10 * time.Second,
	}, false)
	in.now = func() time.Time { return now }
	return in, now
}

func validRequest(t *testing.T) TaskRequest {
	return TaskRequest{
		QueryID:             7,
		WalletAddress:       rawAddr("1"),
		ContractAddress:     rawAddr("c"),
		LoanAsset:           tonID,
		CollateralAsset:     usdtID,
		LiquidationAmount:   tons(5),
		MinCollateralAmount: big.NewInt(100),
		PricesCell:          cell.BeginCell().MustStoreUInt(0xdeadbeef, 32).EndCell().ToBOC(),
		Signature:           []byte{1, 2, 3},
	}
}

func TestSubmitCreatesPendingTask(t *testing.T) {
	in, now := newIntake(t)

	task, err := in.Submit(context.Background(), validRequest(t))
	require.NoError(t, err)

	assert.NotZero(t, task.ID)
	assert.Equal(t, models.TaskStatePending, task.State)
	assert.Equal(t, friendly(t, rawAddr("1")), task.WalletAddress)
	assert.Equal(t, friendly(t, rawAddr("c")), task.ContractAddress)
	assert.Equal(t, now.UnixMilli(), task.CreatedAt.UnixMilli())
}

func TestSubmitDeduplicatesWallet(t *testing.T) {
	in, now := newIntake(t)

	_, err := in.Submit(context.Background(), validRequest(t))
	require.NoError(t, err)

	req := validRequest(t)
	req.QueryID = 8
	_, err = in.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateTask)

	in.now = func() time.Time { return now.Add(60 * time.Second) }
	_, err = in.Submit(context.Background(), req)
	assert.NoError(t, err)
}

func TestSubmitRejectsReusedQueryID(t *testing.T) {
	in, _ := newIntake(t)

	_, err := in.Submit(context.Background(), validRequest(t))
	require.NoError(t, err)

	req := validRequest(t)
	req.WalletAddress = rawAddr("2")
	_, err = in.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateQueryID)
}

// staleLookupStore misses tasks on lookup, as when a concurrent submission
// inserts between the query id check and the insert
type staleLookupStore struct {
	storage.Storage
}

func (staleLookupStore) GetTaskByQueryID(context.Context, uint64) (*models.LiquidationTask, error) {
	return nil, nil
}

func TestSubmitReportsQueryIDConflictOnInsert(t *testing.T) {
	store := newTestStore(t)
	in := NewIntake(staleLookupStore{store}, newRegistry(t), models.DedupWindows{}, false)

	_, err := in.Submit(context.Background(), validRequest(t))
	require.NoError(t, err)

	req := validRequest(t)
	req.WalletAddress = rawAddr("2")
	_, err = in.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateQueryID)
	assert.False(t, utils.HasCode(err, utils.ErrCodeDatabase))
}

func TestSubmitGeneratesQueryID(t *testing.T) {
	in, _ := newIntake(t)
	req := validRequest(t)
	req.QueryID = 0

	task, err := in.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.NotZero(t, task.QueryID)
	assert.Less(t, task.QueryID, uint64(1)<<63)
}

func TestSubmitRejectsBlacklistedAccount(t *testing.T) {
	in, now := newIntake(t)
	require.NoError(t, in.storage.UpsertAccount(context.Background(), &models.Account{
		WalletAddress:   friendly(t, rawAddr("1")),
		ContractAddress: friendly(t, rawAddr("c")),
		CreatedAt:       now,
		UpdatedAt:       now,
		Principals:      map[string]*big.Int{},
		State:           models.AccountStateActive,
	}))
	for i := uint64(1); i <= 3; i++ {
		task := &models.LiquidationTask{
			QueryID:             100 + i,
			WalletAddress:       friendly(t, rawAddr("1")),
			ContractAddress:     friendly(t, rawAddr("c")),
			LoanAsset:           tonID,
			CollateralAsset:     usdtID,
			LiquidationAmount:   tons(1),
			MinCollateralAmount: big.NewInt(1),
			PricesCell:          []byte{1},
			Signature:           []byte{1},
			CreatedAt:           now.Add(-time.Hour),
		}
		created, err := in.storage.CreateTask(context.Background(), task, models.DedupWindows{})
		require.NoError(t, err)
		require.True(t, created)
		_, err = in.storage.MarkTaskSent(context.Background(), task.ID, now.Add(-time.Hour))
		require.NoError(t, err)
	}
	_, err := in.storage.FailUnconfirmedTasks(context.Background(), now, 30*time.Second)
	require.NoError(t, err)
	wallets, err := in.storage.BlacklistRepeatOffenders(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, wallets, 1)

	_, err = in.Submit(context.Background(), validRequest(t))
	assert.ErrorIs(t, err, ErrBlacklisted)
}

func TestSubmitValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TaskRequest)
	}{
		{"bad wallet", func(r *TaskRequest) { r.WalletAddress = "not-an-address" }},
		{"bad contract", func(r *TaskRequest) { r.ContractAddress = "" }},
		{"unknown loan asset", func(r *TaskRequest) { r.LoanAsset = big.NewInt(99) }},
		{"missing collateral asset", func(r *TaskRequest) { r.CollateralAsset = nil }},
		{"same assets", func(r *TaskRequest) { r.CollateralAsset = tonID }},
		{"zero amount", func(r *TaskRequest) { r.LiquidationAmount = big.NewInt(0) }},
		{"huge amount", func(r *TaskRequest) { r.LiquidationAmount = new(big.Int).Lsh(big.NewInt(1), 121) }},
		{"negative min collateral", func(r *TaskRequest) { r.MinCollateralAmount = big.NewInt(-1) }},
		{"min collateral over 64 bits", func(r *TaskRequest) { r.MinCollateralAmount = new(big.Int).Lsh(big.NewInt(1), 64) }},
		{"bad prices cell", func(r *TaskRequest) { r.PricesCell = []byte{0xde, 0xad} }},
		{"empty signature", func(r *TaskRequest) { r.Signature = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in, _ := newIntake(t)
			req := validRequest(t)
			tc.mutate(&req)

			_, err := in.Submit(context.Background(), req)
			require.Error(t, err)
			assert.True(t, utils.HasCode(err, utils.ErrCodeValidation), err.Error())
		})
	}
}
