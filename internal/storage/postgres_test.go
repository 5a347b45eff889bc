package storage

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

func newMockStore(t *testing.T) (*PostgreSQLStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgreSQLStorageWithDB(db), mock
}

func TestPostgresCreateTask(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.UnixMilli(1_700_000_000_000)
	ms := now.UnixMilli()
	task := newTask("wallet-a", 7, now)

	mock.ExpectQuery(`INSERT INTO liquidation_tasks .* SELECT \$1::TEXT, .* \$10::BIGINT, \$11::BIGINT, 'pending' WHERE NOT EXISTS .* wallet_address = \$12::TEXT .* RETURNING id`).
		WithArgs("7", "wallet-a", "contract-wallet-a", "1", "2", "5000000000", "100",
			"te6ccg==", "010203", ms, ms, "wallet-a",
			ms-60_000, ms-45_000, ms-10_000).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	created, err := store.CreateTask(context.Background(), task, testWindows)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(42), task.ID)
	assert.Equal(t, models.TaskStatePending, task.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateTaskDeduplicated(t *testing.T) {
	store, mock := newMockStore(t)
	task := newTask("wallet-a", 8, time.UnixMilli(1_700_000_000_000))

	mock.ExpectQuery(`INSERT INTO liquidation_tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	created, err := store.CreateTask(context.Background(), task, testWindows)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, task.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateTaskQueryIDConflict(t *testing.T) {
	store, mock := newMockStore(t)
	task := newTask("wallet-b", 7, time.UnixMilli(1_700_000_000_000))

	mock.ExpectQuery(`INSERT INTO liquidation_tasks`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "liquidation_tasks_query_id_key"})
	mock.ExpectQuery(`INSERT INTO liquidation_tasks`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "liquidation_tasks_pkey"})

	_, err := store.CreateTask(context.Background(), task, testWindows)
	assert.ErrorIs(t, err, ErrQueryIDTaken)

	_, err = store.CreateTask(context.Background(), task, testWindows)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQueryIDTaken)
	assert.True(t, utils.HasCode(err, utils.ErrCodeDatabase))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkTaskSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	mock.ExpectExec(`UPDATE liquidation_tasks SET state = \$1, updated_at = \$2 WHERE query_id = \$3 AND state IN \('sent', 'pending'\)`).
		WithArgs("success", now.UnixMilli(), "7").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.MarkTaskSuccess(context.Background(), 7, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEscalationCutoffs(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	mock.ExpectExec(`UPDATE liquidation_tasks SET state = \$1, updated_at = \$2 WHERE state = 'pending' AND created_at <= \$3`).
		WithArgs("cancelled", now.UnixMilli(), now.UnixMilli()-45_000).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE liquidation_tasks SET state = \$1, updated_at = \$2 WHERE state = 'sent' AND updated_at <= \$3`).
		WithArgs("failed", now.UnixMilli(), now.UnixMilli()-30_000).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cancelled, err := store.CancelStaleTasks(context.Background(), now, 45*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cancelled)

	failed, err := store.FailUnconfirmedTasks(context.Background(), now, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBlacklistDeduplicatesWallets(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE accounts SET state = 'blacklisted' WHERE state = 'active' .* >= \$1 RETURNING wallet_address`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"wallet_address"}).
			AddRow("wallet-a").AddRow("wallet-a").AddRow("wallet-b"))

	wallets, err := store.BlacklistRepeatOffenders(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"wallet-a", "wallet-b"}, wallets)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertAccountUsesLeastGreatest(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.UnixMilli(1_700_000_000_000)

	mock.ExpectExec(`ON CONFLICT \(contract_address\) DO UPDATE SET .* created_at = LEAST\(accounts.created_at, excluded.created_at\), updated_at = GREATEST\(accounts.updated_at, excluded.updated_at\)`).
		WithArgs("wallet-a", "contract-a", int64(2), at.UnixMilli(), at.UnixMilli(), `{"ton":"9"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.UpsertAccount(context.Background(), &models.Account{
		WalletAddress:   "wallet-a",
		ContractAddress: "contract-a",
		CodeVersion:     2,
		CreatedAt:       at,
		UpdatedAt:       at,
		Principals:      map[string]*big.Int{"ton": big.NewInt(9)},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresErrorsAreDatabaseErrors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO indexed_transactions`).
		WillReturnError(errors.New("connection reset"))

	_, err := store.AddIndexedTransaction(context.Background(), &models.IndexedTransaction{
		Hash:  "abc",
		Utime: time.Now(),
	})
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeDatabase))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	query := `SELECT 1 FROM t WHERE a = ? AND b IN (?, ?)`
	assert.Equal(t, query, sqliteDialect.rebind(query))
	assert.Equal(t, `SELECT 1 FROM t WHERE a = $1 AND b IN ($2, $3)`, postgresDialect.rebind(query))
}
