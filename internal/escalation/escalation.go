package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/internal/notification"
	"github.com/smartdevs17/ton-liquidator/internal/storage"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// Config holds task aging thresholds
type Config struct {
	PendingExpiry       time.Duration
	ConfirmationTimeout time.Duration
	FailureThreshold    int
}

// Result summarises one escalation pass
type Result struct {
	Cancelled   int64    `json:"cancelled"`
	Failed      int64    `json:"failed"`
	Blacklisted []string `json:"blacklisted"`
}

// Escalator ages out tasks and blacklists wallets that keep failing
type Escalator struct {
	storage storage.Storage
	alerter notification.Alerter
	config  Config
	logger  *logrus.Entry
	metrics *metrics.PrometheusMetrics
	now     func() time.Time
}

// New creates an escalator
func New(store storage.Storage, alerter notification.Alerter, cfg Config, metricsManager *metrics.Manager) *Escalator {
	return &Escalator{
		storage: store,
		alerter: alerter,
		config:  cfg,
		logger:  utils.ComponentLogger("escalation"),
		metrics: metricsManager.GetPrometheusMetrics(),
		now:     time.Now,
	}
}

// Run cancels expired pending tasks, fails unconfirmed sent tasks and then
// blacklists wallets at the failure threshold. It returns the newly blacklisted wallets.
func (e *Escalator) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	now := e.now()

	cancelled, err := e.storage.CancelStaleTasks(ctx, now, e.config.PendingExpiry)
	if err != nil {
		return res, fmt.Errorf("cancel stale tasks: %w", err)
	}
	res.Cancelled = cancelled

	failed, err := e.storage.FailUnconfirmedTasks(ctx, now, e.config.ConfirmationTimeout)
	if err != nil {
		return res, fmt.Errorf("fail unconfirmed tasks: %w", err)
	}
	res.Failed = failed

	wallets, err := e.storage.BlacklistRepeatOffenders(ctx, e.config.FailureThreshold)
	if err != nil {
		return res, fmt.Errorf("blacklist accounts: %w", err)
	}
	res.Blacklisted = wallets
	e.metrics.RecordBlacklisted(len(wallets))

	if cancelled > 0 || failed > 0 || len(wallets) > 0 {
		e.logger.WithFields(logrus.Fields{
			"cancelled":   cancelled,
			"failed":      failed,
			"blacklisted": len(wallets),
		}).Info("Escalation pass completed")
	}

	for _, wallet := range wallets {
		e.logger.WithField("wallet", wallet).Warn("User blacklisted")
		if e.alerter == nil {
			continue
		}
		if err := e.alerter.Alert(ctx, models.AlertBlacklisted, fmt.Sprintf("User %s blacklisted", wallet)); err != nil {
			e.logger.WithError(err).WithField("wallet", wallet).Warn("Failed to send blacklist alert")
		}
	}

	return res, nil
}
