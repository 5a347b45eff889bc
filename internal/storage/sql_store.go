package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

const taskColumns = `id, query_id, wallet_address, contract_address, loan_asset, collateral_asset,
	liquidation_amount, min_collateral_amount, prices_cell, signature, created_at, updated_at, state`

const accountColumns = `id, wallet_address, contract_address, code_version, created_at, updated_at, principals, state`

const defaultListLimit = 100

// sqlStore implements the Storage operations shared by every SQL backend
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *logrus.Entry
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *sqlStore) ready() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return nil
}

// Ping checks database connectivity
func (s *sqlStore) Ping() error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.Ping()
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("Database connection closed")
		return err
	}
	return nil
}

func (s *sqlStore) applyMigrations(migrations []*Migration) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.logger.Info("Starting database migrations")
	for _, migration := range migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}
	s.logger.Info("Database migrations completed")
	return nil
}

// IsTransactionIndexed reports whether hash was already recorded
func (s *sqlStore) IsTransactionIndexed(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM indexed_transactions WHERE hash = ?`), hash).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to check indexed transaction", err.Error())
	}
	return true, nil
}

// AddIndexedTransaction records tx; it returns false when the hash was already present
func (s *sqlStore) AddIndexedTransaction(ctx context.Context, tx *models.IndexedTransaction) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO indexed_transactions (hash, utime, indexed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (hash) DO NOTHING`),
		tx.Hash, tx.Utime.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to add indexed transaction", err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to add indexed transaction", err.Error())
	}
	return n > 0, nil
}

// UpsertAccount inserts the account or widens its timestamps and replaces
// code version and principals. The wallet and state of an existing row are kept.
func (s *sqlStore) UpsertAccount(ctx context.Context, account *models.Account) error {
	principals, err := encodePrincipals(account.Principals)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal principals", err.Error())
	}

	query := fmt.Sprintf(`
		INSERT INTO accounts (wallet_address, contract_address, code_version, created_at, updated_at, principals, state)
		VALUES (?, ?, ?, ?, ?, ?, '%s')
		ON CONFLICT (contract_address) DO UPDATE SET
			code_version = excluded.code_version,
			principals = excluded.principals,
			created_at = %s(accounts.created_at, excluded.created_at),
			updated_at = %s(accounts.updated_at, excluded.updated_at)`,
		models.AccountStateActive, s.dialect.least, s.dialect.greatest)

	_, err = s.db.ExecContext(ctx, s.q(query),
		account.WalletAddress, account.ContractAddress, account.CodeVersion,
		account.CreatedAt.UnixMilli(), account.UpdatedAt.UnixMilli(), principals)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to upsert account", err.Error())
	}
	return nil
}

// GetAccount returns the account for a contract address, nil when unknown
func (s *sqlStore) GetAccount(ctx context.Context, contractAddress string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+accountColumns+` FROM accounts WHERE contract_address = ?`), contractAddress)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get account", err.Error())
	}
	return account, nil
}

// ListAccounts lists accounts, optionally filtered by state
func (s *sqlStore) ListAccounts(ctx context.Context, state *models.AccountState, limit, offset int) ([]*models.Account, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + accountColumns + ` FROM accounts`
	args := []any{}
	if state != nil {
		query += ` WHERE state = ?`
		args = append(args, string(*state))
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to list accounts", err.Error())
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan account", err.Error())
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// CreateTask inserts task in state pending unless the wallet already has a
// fresh pending, sent or success task. The check and the insert are one statement.
func (s *sqlStore) CreateTask(ctx context.Context, task *models.LiquidationTask, windows models.DedupWindows) (bool, error) {
	t, b := s.dialect.textParam, s.dialect.bigint
	query := fmt.Sprintf(`
		INSERT INTO liquidation_tasks
			(query_id, wallet_address, contract_address, loan_asset, collateral_asset,
			 liquidation_amount, min_collateral_amount, prices_cell, signature,
			 created_at, updated_at, state)
		SELECT ?%[1]s, ?%[1]s, ?%[1]s, ?%[1]s, ?%[1]s, ?%[1]s, ?%[1]s, ?%[1]s, ?%[1]s, ?%[2]s, ?%[2]s, '%[3]s'
		WHERE NOT EXISTS (
			SELECT 1 FROM liquidation_tasks
			WHERE wallet_address = ?%[1]s AND (%[4]s)
		)
		RETURNING id`, t, b, models.TaskStatePending, activeTaskPredicate)

	now := task.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	args := append(taskInsertArgs(task, now), task.WalletAddress)
	args = append(args, dedupCutoffs(windows, now)...)

	var id int64
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if s.dialect.queryIDConflict != nil && s.dialect.queryIDConflict(err) {
			return false, ErrQueryIDTaken
		}
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to create task", err.Error())
	}

	task.ID = id
	task.CreatedAt = time.UnixMilli(now.UnixMilli())
	task.UpdatedAt = task.CreatedAt
	task.State = models.TaskStatePending
	return true, nil
}

// activeTaskPredicate matches tasks that block a new task for the same wallet
const activeTaskPredicate = `(state = 'pending' AND updated_at > ?) OR
				(state = 'sent' AND updated_at > ?) OR
				(state = 'success' AND updated_at > ?)`

func dedupCutoffs(windows models.DedupWindows, now time.Time) []any {
	ms := now.UnixMilli()
	return []any{
		ms - windows.Pending.Milliseconds(),
		ms - windows.Sent.Milliseconds(),
		ms - windows.Success.Milliseconds(),
	}
}

// HasActiveTask reports whether the wallet has a task inside its freshness window
func (s *sqlStore) HasActiveTask(ctx context.Context, walletAddress string, windows models.DedupWindows, now time.Time) (bool, error) {
	args := append([]any{walletAddress}, dedupCutoffs(windows, now)...)

	var one int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT 1 FROM liquidation_tasks
		WHERE wallet_address = ? AND (`+activeTaskPredicate+`)
		LIMIT 1`), args...).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to check active task", err.Error())
	}
	return true, nil
}

// GetTask returns a task by id, nil when unknown
func (s *sqlStore) GetTask(ctx context.Context, id int64) (*models.LiquidationTask, error) {
	return s.getTask(ctx, `id = ?`, id)
}

// GetTaskByQueryID returns a task by its correlation id, nil when unknown
func (s *sqlStore) GetTaskByQueryID(ctx context.Context, queryID uint64) (*models.LiquidationTask, error) {
	return s.getTask(ctx, `query_id = ?`, strconv.FormatUint(queryID, 10))
}

func (s *sqlStore) getTask(ctx context.Context, where string, arg any) (*models.LiquidationTask, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM liquidation_tasks WHERE `+where), arg)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get task", err.Error())
	}
	return task, nil
}

// ListTasks lists tasks newest first
func (s *sqlStore) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.LiquidationTask, error) {
	var conditions []string
	var args []any

	if filter.State != nil {
		conditions = append(conditions, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.WalletAddress != "" {
		conditions = append(conditions, "wallet_address = ?")
		args = append(args, filter.WalletAddress)
	}

	query := `SELECT ` + taskColumns + ` FROM liquidation_tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	return s.queryTasks(ctx, query, args...)
}

// GetPendingTasks returns pending tasks in creation order
func (s *sqlStore) GetPendingTasks(ctx context.Context) ([]*models.LiquidationTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM liquidation_tasks WHERE state = ? ORDER BY id`,
		string(models.TaskStatePending))
}

func (s *sqlStore) queryTasks(ctx context.Context, query string, args ...any) ([]*models.LiquidationTask, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query tasks", err.Error())
	}
	defer rows.Close()

	var tasks []*models.LiquidationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan task", err.Error())
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate tasks", err.Error())
	}
	return tasks, nil
}

// MarkTaskSent moves a pending task to sent
func (s *sqlStore) MarkTaskSent(ctx context.Context, id int64, now time.Time) (bool, error) {
	return s.transition(ctx, `id = ? AND state = 'pending'`, models.TaskStateSent, now, id)
}

// MarkTaskInsufficientBalance moves a pending task to insufficient_balance
func (s *sqlStore) MarkTaskInsufficientBalance(ctx context.Context, id int64, now time.Time) (bool, error) {
	return s.transition(ctx, `id = ? AND state = 'pending'`, models.TaskStateInsufficientBalance, now, id)
}

// MarkTaskSuccess confirms the task with queryID. Tasks outside pending or sent are left alone.
func (s *sqlStore) MarkTaskSuccess(ctx context.Context, queryID uint64, now time.Time) (bool, error) {
	return s.transition(ctx, `query_id = ? AND state IN ('sent', 'pending')`,
		models.TaskStateSuccess, now, strconv.FormatUint(queryID, 10))
}

func (s *sqlStore) transition(ctx context.Context, where string, to models.TaskState, now time.Time, args ...any) (bool, error) {
	n, err := s.update(ctx, where, to, now, args...)
	return n > 0, err
}

func (s *sqlStore) update(ctx context.Context, where string, to models.TaskState, now time.Time, args ...any) (int64, error) {
	all := append([]any{string(to), now.UnixMilli()}, args...)
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE liquidation_tasks SET state = ?, updated_at = ? WHERE `+where), all...)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase,
			fmt.Sprintf("Failed to move tasks to %s", to), err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read affected rows", err.Error())
	}
	return n, nil
}

// CancelStaleTasks cancels pending tasks created at least expiry before now
func (s *sqlStore) CancelStaleTasks(ctx context.Context, now time.Time, expiry time.Duration) (int64, error) {
	cutoff := now.Add(-expiry).UnixMilli()
	return s.update(ctx, `state = 'pending' AND created_at <= ?`, models.TaskStateCancelled, now, cutoff)
}

// FailUnconfirmedTasks fails sent tasks not updated for at least timeout
func (s *sqlStore) FailUnconfirmedTasks(ctx context.Context, now time.Time, timeout time.Duration) (int64, error) {
	cutoff := now.Add(-timeout).UnixMilli()
	return s.update(ctx, `state = 'sent' AND updated_at <= ?`, models.TaskStateFailed, now, cutoff)
}

// BlacklistRepeatOffenders blacklists active accounts whose wallet has at least
// threshold failed tasks and returns the wallets changed by this call.
func (s *sqlStore) BlacklistRepeatOffenders(ctx context.Context, threshold int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		UPDATE accounts SET state = 'blacklisted'
		WHERE state = 'active' AND (
			SELECT COUNT(*) FROM liquidation_tasks t
			WHERE t.wallet_address = accounts.wallet_address AND t.state = 'failed'
		) >= ?
		RETURNING wallet_address`), threshold)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to blacklist accounts", err.Error())
	}
	defer rows.Close()

	seen := map[string]bool{}
	var wallets []string
	for rows.Next() {
		var wallet string
		if err := rows.Scan(&wallet); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan wallet", err.Error())
		}
		if !seen[wallet] {
			seen[wallet] = true
			wallets = append(wallets, wallet)
		}
	}
	return wallets, rows.Err()
}

// GetStats summarises the store contents
func (s *sqlStore) GetStats(ctx context.Context) (*models.TaskStats, error) {
	stats := &models.TaskStats{TasksByState: map[models.TaskState]int64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM liquidation_tasks GROUP BY state`)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count tasks", err.Error())
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan task counts", err.Error())
		}
		stats.TasksByState[models.TaskState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count tasks", err.Error())
	}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM accounts`, &stats.TotalAccounts},
		{`SELECT COUNT(*) FROM accounts WHERE state = 'blacklisted'`, &stats.BlacklistedAccounts},
		{`SELECT COUNT(*) FROM indexed_transactions`, &stats.IndexedTransactions},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to collect stats", err.Error())
		}
	}

	return stats, nil
}

func taskInsertArgs(task *models.LiquidationTask, now time.Time) []any {
	ms := now.UnixMilli()
	return []any{
		strconv.FormatUint(task.QueryID, 10),
		task.WalletAddress,
		task.ContractAddress,
		bigString(task.LoanAsset),
		bigString(task.CollateralAsset),
		bigString(task.LiquidationAmount),
		bigString(task.MinCollateralAmount),
		base64.StdEncoding.EncodeToString(task.PricesCell),
		hex.EncodeToString(task.Signature),
		ms,
		ms,
	}
}

func scanTask(row rowScanner) (*models.LiquidationTask, error) {
	var (
		task                                 models.LiquidationTask
		queryID, loan, collateral, amount    string
		minCollateral, pricesCell, signature string
		createdAt, updatedAt                 int64
		state                                string
	)
	if err := row.Scan(&task.ID, &queryID, &task.WalletAddress, &task.ContractAddress,
		&loan, &collateral, &amount, &minCollateral, &pricesCell, &signature,
		&createdAt, &updatedAt, &state); err != nil {
		return nil, err
	}

	var err error
	if task.QueryID, err = strconv.ParseUint(queryID, 10, 64); err != nil {
		return nil, fmt.Errorf("task %d: query id: %w", task.ID, err)
	}
	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&task.LoanAsset, loan},
		{&task.CollateralAsset, collateral},
		{&task.LiquidationAmount, amount},
		{&task.MinCollateralAmount, minCollateral},
	} {
		v, ok := new(big.Int).SetString(f.src, 10)
		if !ok {
			return nil, fmt.Errorf("task %d: invalid integer %q", task.ID, f.src)
		}
		*f.dst = v
	}
	if task.PricesCell, err = base64.StdEncoding.DecodeString(pricesCell); err != nil {
		return nil, fmt.Errorf("task %d: prices cell: %w", task.ID, err)
	}
	if task.Signature, err = hex.DecodeString(signature); err != nil {
		return nil, fmt.Errorf("task %d: signature: %w", task.ID, err)
	}

	task.CreatedAt = time.UnixMilli(createdAt)
	task.UpdatedAt = time.UnixMilli(updatedAt)
	task.State = models.TaskState(state)
	return &task, nil
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		account              models.Account
		createdAt, updatedAt int64
		principals, state    string
	)
	if err := row.Scan(&account.ID, &account.WalletAddress, &account.ContractAddress,
		&account.CodeVersion, &createdAt, &updatedAt, &principals, &state); err != nil {
		return nil, err
	}

	decoded, err := decodePrincipals(principals)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", account.ContractAddress, err)
	}
	account.Principals = decoded
	account.CreatedAt = time.UnixMilli(createdAt)
	account.UpdatedAt = time.UnixMilli(updatedAt)
	account.State = models.AccountState(state)
	return &account, nil
}

func encodePrincipals(p map[string]*big.Int) (string, error) {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = bigString(v)
	}
	data, err := json.Marshal(out)
	return string(data), err
}

func decodePrincipals(raw string) (map[string]*big.Int, error) {
	var in map[string]string
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("principals: %w", err)
	}
	out := make(map[string]*big.Int, len(in))
	for k, v := range in {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("principal %s: invalid integer %q", k, v)
		}
		out[k] = n
	}
	return out, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
