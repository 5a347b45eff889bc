package connection

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/ton"

	"github.com/smartdevs17/ton-liquidator/internal/config"
	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// Manager defines the lite server connection manager interface
type Manager interface {
	Connect(ctx context.Context) error
	API() (ton.APIClientWrapped, error)
	HealthCheck(ctx context.Context) error
	IsConnected() bool
	Close() error
	Stats() ConnectionStats
}

// ConnectionManager keeps a pool of lite server connections behind one API client
type ConnectionManager struct {
	config         *config.TONConfig
	pool           *liteclient.ConnectionPool
	api            ton.APIClientWrapped
	mu             sync.RWMutex
	logger         *logrus.Entry
	stats          ConnectionStats
	isHealthy      bool
	metricsManager *metrics.Manager
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	ConfigURL        string    `json:"config_url"`
	FailedAttempts   uint64    `json:"failed_attempts"`
	LastConnectedAt  time.Time `json:"last_connected_at"`
	LastHealthCheck  time.Time `json:"last_health_check"`
	IsHealthy        bool      `json:"is_healthy"`
	MasterchainSeqno uint32    `json:"masterchain_seqno"`
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(cfg *config.TONConfig, metricsManager *metrics.Manager) *ConnectionManager {
	return &ConnectionManager{
		config:         cfg,
		logger:         utils.ComponentLogger("connection"),
		stats:          ConnectionStats{ConfigURL: cfg.LiteConfigURL},
		metricsManager: metricsManager,
	}
}

// Connect loads the network config and connects to its lite servers
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.api != nil {
		return nil
	}

	attempts := cm.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		cm.logger.WithFields(logrus.Fields{
			"config_url": cm.config.LiteConfigURL,
			"attempt":    attempt + 1,
		}).Info("Connecting to lite servers")

		pool := liteclient.NewConnectionPool()
		dialCtx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
		err := pool.AddConnectionsFromConfigUrl(dialCtx, cm.config.LiteConfigURL)
		cancel()
		if err == nil {
			cm.pool = pool
			cm.api = ton.NewAPIClient(pool, ton.ProofCheckPolicyFast).WithRetry()
			cm.stats.LastConnectedAt = time.Now()
			cm.isHealthy = true
			cm.logger.Info("Connected to lite servers")
			cm.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("lite_client", true)
			return nil
		}

		cm.stats.FailedAttempts++
		cm.logger.WithError(err).Warn("Lite server connection failed")

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cm.config.RetryDelay):
			}
		}
	}

	cm.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("lite_client", false)
	return utils.NewAppError(utils.ErrCodeConnection, "Failed to connect to any lite server",
		"All connection attempts exhausted")
}

// API returns the connected API client
func (cm *ConnectionManager) API() (ton.APIClientWrapped, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.api == nil {
		return nil, utils.NewAppError(utils.ErrCodeConnection, "Lite client not connected", "")
	}
	return cm.api, nil
}

// HealthCheck fetches the latest masterchain block
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	api, err := cm.API()
	if err != nil {
		return err
	}

	checkCtx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
	defer cancel()

	block, err := api.CurrentMasterchainInfo(checkCtx)

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.stats.LastHealthCheck = time.Now()
	if err != nil {
		cm.isHealthy = false
		cm.stats.IsHealthy = false
		cm.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("lite_client", false)
		return utils.NewAppError(utils.ErrCodeConnection, "Failed to get masterchain info", err.Error())
	}

	cm.isHealthy = true
	cm.stats.IsHealthy = true
	cm.stats.MasterchainSeqno = block.SeqNo
	cm.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("lite_client", true)
	cm.logger.WithField("seqno", block.SeqNo).Debug("Health check passed")
	return nil
}

// IsConnected returns whether the manager is connected
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.api != nil && cm.isHealthy
}

// Close stops the lite server connections
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.pool != nil {
		cm.pool.Stop()
		cm.pool = nil
	}
	cm.api = nil
	cm.isHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
