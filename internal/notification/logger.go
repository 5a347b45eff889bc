package notification

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// LogChannel writes alerts to the application log
type LogChannel struct {
	logger *logrus.Entry
}

// NewLogChannel creates a log channel
func NewLogChannel() *LogChannel {
	return &LogChannel{logger: utils.ComponentLogger("alert")}
}

// Name returns the channel name
func (lc *LogChannel) Name() string {
	return "log"
}

// Send logs the alert at warn level
func (lc *LogChannel) Send(_ context.Context, alert *models.Alert) error {
	lc.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"kind":     alert.Kind,
	}).Warn(alert.Message)
	return nil
}
