package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smartdevs17/ton-liquidator/internal/config"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

const defaultRedisChannel = "ton-liquidator:alerts"

// RedisChannel publishes alerts on a redis pub/sub channel
type RedisChannel struct {
	client  *redis.Client
	channel string
}

// NewRedisChannel creates a redis channel. The connection is established lazily.
func NewRedisChannel(cfg *config.RedisConfig, timeout time.Duration) *RedisChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultRedisChannel
	}
	return &RedisChannel{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     4,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}),
		channel: channel,
	}
}

// Name returns the channel name
func (rc *RedisChannel) Name() string {
	return "redis"
}

// Send publishes the alert as JSON
func (rc *RedisChannel) Send(ctx context.Context, alert *models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal alert", err.Error())
	}
	if err := rc.client.Publish(ctx, rc.channel, payload).Err(); err != nil {
		return utils.WrapAppError(utils.ErrCodeExternal, "Failed to publish alert", err)
	}
	return nil
}

// Close closes the redis connection pool
func (rc *RedisChannel) Close() error {
	return rc.client.Close()
}
