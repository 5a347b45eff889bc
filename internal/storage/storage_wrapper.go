package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metrics *metrics.PrometheusMetrics
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage: storage,
		metrics: metricsManager.GetPrometheusMetrics(),
	}
}

func (s *StorageWithMetrics) observe(operation, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// AddIndexedTransaction records a transaction and its latency
func (s *StorageWithMetrics) AddIndexedTransaction(ctx context.Context, tx *models.IndexedTransaction) (bool, error) {
	start := time.Now()
	inserted, err := s.Storage.AddIndexedTransaction(ctx, tx)
	s.observe("insert", "indexed_transactions", start, err)
	return inserted, err
}

// UpsertAccount writes an account and records metrics
func (s *StorageWithMetrics) UpsertAccount(ctx context.Context, account *models.Account) error {
	start := time.Now()
	err := s.Storage.UpsertAccount(ctx, account)
	s.observe("upsert", "accounts", start, err)
	return err
}

// CreateTask inserts a task and records metrics
func (s *StorageWithMetrics) CreateTask(ctx context.Context, task *models.LiquidationTask, windows models.DedupWindows) (bool, error) {
	start := time.Now()
	created, err := s.Storage.CreateTask(ctx, task, windows)
	s.observe("insert", "liquidation_tasks", start, err)
	if created {
		s.metrics.RecordTaskTransition(string(models.TaskStatePending), 1)
	}
	return created, err
}

// MarkTaskSent records the pending to sent transition
func (s *StorageWithMetrics) MarkTaskSent(ctx context.Context, id int64, now time.Time) (bool, error) {
	start := time.Now()
	ok, err := s.Storage.MarkTaskSent(ctx, id, now)
	s.observe("update", "liquidation_tasks", start, err)
	if ok {
		s.metrics.RecordTaskTransition(string(models.TaskStateSent), 1)
	}
	return ok, err
}

// MarkTaskInsufficientBalance records the pending to insufficient_balance transition
func (s *StorageWithMetrics) MarkTaskInsufficientBalance(ctx context.Context, id int64, now time.Time) (bool, error) {
	start := time.Now()
	ok, err := s.Storage.MarkTaskInsufficientBalance(ctx, id, now)
	s.observe("update", "liquidation_tasks", start, err)
	if ok {
		s.metrics.RecordTaskTransition(string(models.TaskStateInsufficientBalance), 1)
	}
	return ok, err
}

// MarkTaskSuccess records the confirmation transition
func (s *StorageWithMetrics) MarkTaskSuccess(ctx context.Context, queryID uint64, now time.Time) (bool, error) {
	start := time.Now()
	ok, err := s.Storage.MarkTaskSuccess(ctx, queryID, now)
	s.observe("update", "liquidation_tasks", start, err)
	if ok {
		s.metrics.RecordTaskTransition(string(models.TaskStateSuccess), 1)
	}
	return ok, err
}

// CancelStaleTasks records cancelled tasks
func (s *StorageWithMetrics) CancelStaleTasks(ctx context.Context, now time.Time, expiry time.Duration) (int64, error) {
	start := time.Now()
	n, err := s.Storage.CancelStaleTasks(ctx, now, expiry)
	s.observe("update", "liquidation_tasks", start, err)
	s.metrics.RecordTaskTransition(string(models.TaskStateCancelled), n)
	return n, err
}

// FailUnconfirmedTasks records failed tasks
func (s *StorageWithMetrics) FailUnconfirmedTasks(ctx context.Context, now time.Time, timeout time.Duration) (int64, error) {
	start := time.Now()
	n, err := s.Storage.FailUnconfirmedTasks(ctx, now, timeout)
	s.observe("update", "liquidation_tasks", start, err)
	s.metrics.RecordTaskTransition(string(models.TaskStateFailed), n)
	return n, err
}

// BlacklistRepeatOffenders records blacklisted wallets
func (s *StorageWithMetrics) BlacklistRepeatOffenders(ctx context.Context, threshold int) ([]string, error) {
	start := time.Now()
	wallets, err := s.Storage.BlacklistRepeatOffenders(ctx, threshold)
	s.observe("update", "accounts", start, err)
	s.metrics.RecordBlacklisted(len(wallets))
	return wallets, err
}
