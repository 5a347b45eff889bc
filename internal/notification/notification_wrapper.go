package notification

import (
	"context"
	"time"

	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/models"
)

// channelWithMetrics records delivery latency and failures of a channel
type channelWithMetrics struct {
	Channel
	metrics *metrics.PrometheusMetrics
}

// WithMetrics wraps channel so every delivery is recorded
func WithMetrics(channel Channel, m *metrics.PrometheusMetrics) Channel {
	if m == nil {
		return channel
	}
	return &channelWithMetrics{Channel: channel, metrics: m}
}

// Send delivers the alert and records the outcome
func (c *channelWithMetrics) Send(ctx context.Context, alert *models.Alert) error {
	start := time.Now()
	err := c.Channel.Send(ctx, alert)
	if err != nil {
		c.metrics.RecordNotificationFailure(c.Name(), string(alert.Kind))
	} else {
		c.metrics.RecordNotificationSent(c.Name(), string(alert.Kind), time.Since(start))
	}
	return err
}

// Close closes the wrapped channel when it holds resources
func (c *channelWithMetrics) Close() error {
	if closer, ok := c.Channel.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
