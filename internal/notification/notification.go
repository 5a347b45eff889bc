package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/ton-liquidator/internal/config"
	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// Alerter delivers operator alerts
type Alerter interface {
	Alert(ctx context.Context, kind models.AlertKind, message string) error
}

// Channel is one alert delivery target
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *models.Alert) error
}

// NotificationManager fans alerts out to every configured channel
type NotificationManager struct {
	config *ManagerConfig
	logger *logrus.Entry

	mu       sync.RWMutex
	running  bool
	channels []Channel

	stats *NotificationStats
}

// ManagerConfig holds notification manager configuration
type ManagerConfig struct {
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	MaxRetryDelay time.Duration `json:"max_retry_delay"`
}

// NotificationStats provides notification statistics
type NotificationStats struct {
	TotalAlerts         uint64        `json:"total_alerts"`
	TotalDeliveries     uint64        `json:"total_deliveries"`
	TotalFailures       uint64        `json:"total_failures"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	ActiveChannels      int           `json:"active_channels"`
	LastError           *string       `json:"last_error,omitempty"`
	LastErrorTime       *time.Time    `json:"last_error_time,omitempty"`
}

// NotificationHealth reports whether alerts are being delivered
type NotificationHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// NewNotificationManager creates a manager without channels
func NewNotificationManager(cfg *ManagerConfig) *NotificationManager {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	return &NotificationManager{
		config: cfg,
		logger: utils.ComponentLogger("notification"),
		stats:  &NotificationStats{},
	}
}

// NewFromConfig builds the manager and its channels from configuration.
// The log channel is always present.
func NewFromConfig(cfg *config.NotificationConfig, metricsManager *metrics.Manager) (*NotificationManager, error) {
	nm := NewNotificationManager(&ManagerConfig{
		Timeout:       cfg.Timeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
	})

	prom := metricsManager.GetPrometheusMetrics()
	nm.AddChannel(WithMetrics(NewLogChannel(), prom))

	if !cfg.Enabled {
		return nm, nil
	}

	if cfg.Telegram.BotToken != "" {
		ch, err := NewTelegramChannel(&cfg.Telegram, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		nm.AddChannel(WithMetrics(ch, prom))
	}
	if cfg.Webhook.URL != "" {
		nm.AddChannel(WithMetrics(NewWebhookChannel(&cfg.Webhook, cfg.Timeout), prom))
	}
	if cfg.Redis.Addr != "" {
		nm.AddChannel(WithMetrics(NewRedisChannel(&cfg.Redis, cfg.Timeout), prom))
	}
	return nm, nil
}

// AddChannel registers a delivery channel
func (nm *NotificationManager) AddChannel(channel Channel) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.channels = append(nm.channels, channel)
	nm.logger.WithField("channel", channel.Name()).Info("Notification channel added")
}

// Start starts the notification manager
func (nm *NotificationManager) Start(ctx context.Context) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Notification manager already running", "")
	}
	nm.running = true
	nm.logger.WithField("channels", len(nm.channels)).Info("Notification manager started")
	return nil
}

// Stop stops the notification manager and closes channels that hold connections
func (nm *NotificationManager) Stop() error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if !nm.running {
		return nil
	}
	nm.running = false

	var errs []error
	for _, ch := range nm.channels {
		if closer, ok := ch.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	nm.logger.Info("Notification manager stopped")
	return errors.Join(errs...)
}

// IsHealthy returns whether the notification manager is running
func (nm *NotificationManager) IsHealthy() bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.running
}

// Alert sends message to every channel. Each channel is retried on its own;
// the returned error joins the channels that never succeeded.
func (nm *NotificationManager) Alert(ctx context.Context, kind models.AlertKind, message string) error {
	alert := &models.Alert{
		ID:        utils.GenerateID(),
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now(),
	}

	nm.mu.RLock()
	channels := make([]Channel, len(nm.channels))
	copy(channels, nm.channels)
	nm.mu.RUnlock()

	start := time.Now()
	var errs []error
	for _, ch := range channels {
		if err := nm.sendWithRetry(ctx, ch, alert); err != nil {
			nm.logger.WithFields(logrus.Fields{
				"channel":  ch.Name(),
				"alert_id": alert.ID,
				"error":    err,
			}).Error("Alert delivery failed")
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	nm.updateStats(start, len(channels), len(errs), err)
	return err
}

func (nm *NotificationManager) sendWithRetry(ctx context.Context, ch Channel, alert *models.Alert) error {
	var lastErr error
	for attempt := 1; attempt <= nm.config.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := nm.retryDelay(attempt)
			nm.logger.WithFields(logrus.Fields{
				"channel": ch.Name(),
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Retrying alert delivery")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		sendCtx := ctx
		var cancel context.CancelFunc
		if nm.config.Timeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, nm.config.Timeout)
		}
		lastErr = ch.Send(sendCtx, alert)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// retryDelay doubles the base delay per attempt, capped at MaxRetryDelay
func (nm *NotificationManager) retryDelay(attempt int) time.Duration {
	delay := nm.config.RetryDelay << uint(attempt-2)
	if delay > nm.config.MaxRetryDelay || delay < 0 {
		delay = nm.config.MaxRetryDelay
	}
	return delay
}

func (nm *NotificationManager) updateStats(start time.Time, channels, failures int, err error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.stats.TotalAlerts++
	nm.stats.TotalDeliveries += uint64(channels - failures)
	nm.stats.TotalFailures += uint64(failures)

	if err != nil {
		msg := err.Error()
		now := time.Now()
		nm.stats.LastError = &msg
		nm.stats.LastErrorTime = &now
	}

	responseTime := time.Since(start)
	if nm.stats.TotalAlerts == 1 {
		nm.stats.AverageResponseTime = responseTime
	} else {
		nm.stats.AverageResponseTime = (nm.stats.AverageResponseTime + responseTime) / 2
	}
}

// GetStats returns notification statistics
func (nm *NotificationManager) GetStats() NotificationStats {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	stats := *nm.stats
	stats.ActiveChannels = len(nm.channels)
	return stats
}

// GetHealth reports the running state and the last delivery error
func (nm *NotificationManager) GetHealth() *NotificationHealth {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	health := &NotificationHealth{Healthy: nm.running}
	if nm.stats.LastError != nil {
		health.Error = *nm.stats.LastError
	}
	return health
}
