package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smartdevs17/ton-liquidator/internal/config"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramChannel sends alerts to a chat through the bot API
type TelegramChannel struct {
	endpoint   string
	chatID     string
	httpClient *http.Client
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// NewTelegramChannel creates a telegram channel
func NewTelegramChannel(cfg *config.TelegramConfig, timeout time.Duration) (*TelegramChannel, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Telegram bot token and chat id are required", "")
	}
	base := cfg.APIURL
	if base == "" {
		base = defaultTelegramAPI
	}
	return &TelegramChannel{
		endpoint:   fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(base, "/"), cfg.BotToken),
		chatID:     cfg.ChatID,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the channel name
func (tc *TelegramChannel) Name() string {
	return "telegram"
}

// Send posts the alert text to the chat
func (tc *TelegramChannel) Send(ctx context.Context, alert *models.Alert) error {
	payload, err := json.Marshal(&telegramMessage{ChatID: tc.chatID, Text: alert.Message})
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal telegram message", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.endpoint, bytes.NewReader(payload))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to create telegram request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		// the request URL embeds the bot token
		return utils.NewAppError(utils.ErrCodeExternal, "Failed to send telegram message", redactToken(err.Error()))
	}
	defer resp.Body.Close()

	return checkResponse("Telegram", resp)
}

func redactToken(s string) string {
	if i := strings.Index(s, "/bot"); i >= 0 {
		if j := strings.Index(s[i+4:], "/"); j >= 0 {
			return s[:i+4] + "***" + s[i+4+j:]
		}
	}
	return s
}
