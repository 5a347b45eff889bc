package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/ton-liquidator/internal/config"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

const webhookSource = "ton-liquidator"

// WebhookChannel posts alerts as JSON to an HTTP endpoint
type WebhookChannel struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *logrus.Entry
}

// WebhookPayload defines the webhook payload structure
type WebhookPayload struct {
	ID        string           `json:"id"`
	Kind      models.AlertKind `json:"kind"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	Source    string           `json:"source"`
	Version   string           `json:"version"`
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(cfg *config.WebhookConfig, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		url:     cfg.URL,
		headers: cfg.Headers,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: utils.ComponentLogger("webhook"),
	}
}

// Name returns the channel name
func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Send posts one alert
func (wc *WebhookChannel) Send(ctx context.Context, alert *models.Alert) error {
	payload, err := json.Marshal(&WebhookPayload{
		ID:        alert.ID,
		Kind:      alert.Kind,
		Message:   alert.Message,
		Timestamp: alert.CreatedAt,
		Source:    webhookSource,
		Version:   "1.0",
	})
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, bytes.NewReader(payload))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to create webhook request", err.Error())
	}
	setRequestHeaders(req, wc.headers)

	start := time.Now()
	resp, err := wc.httpClient.Do(req)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeExternal, "Failed to send webhook", err)
	}
	defer resp.Body.Close()

	wc.logger.WithFields(logrus.Fields{
		"status_code":   resp.StatusCode,
		"response_time": time.Since(start),
	}).Debug("Webhook response")

	return checkResponse("Webhook", resp)
}

// setRequestHeaders applies custom headers and fills in the defaults
func setRequestHeaders(req *http.Request, headers map[string]string) {
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "TON-Liquidator/1.0")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Request-ID", utils.GenerateID())
}

// checkResponse turns a non-2xx response into an error carrying the body prefix
func checkResponse(target string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return utils.NewAppError(utils.ErrCodeExternal,
		target+" returned non-success status",
		fmt.Sprintf("status: %d, body: %s", resp.StatusCode, body))
}
