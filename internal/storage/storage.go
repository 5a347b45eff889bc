// File: internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/smartdevs17/ton-liquidator/internal/models"
)

// ErrQueryIDTaken is returned by CreateTask when another task holds the query id
var ErrQueryIDTaken = errors.New("query id already used")

// Storage defines the durable store shared by the indexer, the dispatcher and the escalation loop.
// Every state transition is a single statement; callers need no extra locking.
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Indexed transaction ledger
	IsTransactionIndexed(ctx context.Context, hash string) (bool, error)
	AddIndexedTransaction(ctx context.Context, tx *models.IndexedTransaction) (bool, error)

	// Account operations
	UpsertAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, contractAddress string) (*models.Account, error)
	ListAccounts(ctx context.Context, state *models.AccountState, limit, offset int) ([]*models.Account, error)

	// Task operations
	CreateTask(ctx context.Context, task *models.LiquidationTask, windows models.DedupWindows) (bool, error)
	HasActiveTask(ctx context.Context, walletAddress string, windows models.DedupWindows, now time.Time) (bool, error)
	GetTask(ctx context.Context, id int64) (*models.LiquidationTask, error)
	GetTaskByQueryID(ctx context.Context, queryID uint64) (*models.LiquidationTask, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.LiquidationTask, error)
	GetPendingTasks(ctx context.Context) ([]*models.LiquidationTask, error)

	// Task state transitions
	MarkTaskSent(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkTaskInsufficientBalance(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkTaskSuccess(ctx context.Context, queryID uint64, now time.Time) (bool, error)
	CancelStaleTasks(ctx context.Context, now time.Time, expiry time.Duration) (int64, error)
	FailUnconfirmedTasks(ctx context.Context, now time.Time, timeout time.Duration) (int64, error)
	BlacklistRepeatOffenders(ctx context.Context, threshold int) ([]string, error)

	// Statistics
	GetStats(ctx context.Context) (*models.TaskStats, error)
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}
