package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/smartdevs17/ton-liquidator/internal/config"
	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// HistoryClient reads account transaction history from an indexing HTTP API
type HistoryClient struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	limiter       *rate.Limiter
	retryAttempts int
	retryDelay    time.Duration
	logger        *logrus.Entry
	metrics       *metrics.PrometheusMetrics
}

// NewHistoryClient creates a rate limited history client
func NewHistoryClient(cfg *config.TONConfig, metricsManager *metrics.Manager) *HistoryClient {
	rps := cfg.APIRateLimit
	if rps <= 0 {
		rps = 1
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &HistoryClient{
		baseURL:       strings.TrimRight(cfg.APIEndpoint, "/"),
		apiKey:        cfg.APIKey,
		httpClient:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter:       rate.NewLimiter(rate.Limit(rps), 1),
		retryAttempts: attempts,
		retryDelay:    cfg.RetryDelay,
		logger:        utils.ComponentLogger("history"),
		metrics:       metricsManager.GetPrometheusMetrics(),
	}
}

type transactionsResponse struct {
	Transactions []apiTransaction `json:"transactions"`
}

type apiTransaction struct {
	Hash         string           `json:"hash"`
	LT           uint64           `json:"lt"`
	Utime        int64            `json:"utime"`
	InMsg        *apiMessage      `json:"in_msg"`
	OutMsgs      []apiMessage     `json:"out_msgs"`
	ComputePhase *apiComputePhase `json:"compute_phase"`
}

type apiMessage struct {
	OpCode      string      `json:"op_code"`
	Source      *apiAccount `json:"source"`
	Destination *apiAccount `json:"destination"`
	RawBody     string      `json:"raw_body"`
}

type apiAccount struct {
	Address string `json:"address"`
}

type apiComputePhase struct {
	Skipped bool `json:"skipped"`
	Success bool `json:"success"`
}

// FetchTransactions returns up to limit transactions of account, newest first.
// beforeLT of zero starts from the newest transaction.
func (c *HistoryClient) FetchTransactions(ctx context.Context, account string, limit int, beforeLT uint64) ([]models.ChainTransaction, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if beforeLT > 0 {
		query.Set("before_lt", strconv.FormatUint(beforeLT, 10))
	}
	endpoint := fmt.Sprintf("%s/v2/blockchain/accounts/%s/transactions?%s",
		c.baseURL, url.PathEscape(account), query.Encode())

	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		start := time.Now()
		page, err := c.fetchPage(ctx, endpoint)
		status := "success"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordHistoryRequest(status, time.Since(start))

		if err == nil {
			return page, nil
		}
		if !IsTransient(err) {
			return nil, err
		}

		lastErr = err
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("History request failed")

		if attempt < c.retryAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
	return nil, lastErr
}

func (c *HistoryClient) fetchPage(ctx context.Context, endpoint string) ([]models.ChainTransaction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeExternal, "Failed to create history request", err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient("history request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient("history response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient("history request", fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, utils.NewAppError(utils.ErrCodeExternal,
			fmt.Sprintf("History request rejected with HTTP %d", resp.StatusCode), string(body))
	}

	var decoded transactionsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDecode, "Failed to parse history response", err.Error())
	}

	txs := make([]models.ChainTransaction, 0, len(decoded.Transactions))
	for _, raw := range decoded.Transactions {
		tx, err := raw.toModel()
		if err != nil {
			// Kept in the page without an op code so the indexer records and skips it
			c.metrics.RecordDecodeError("history")
			c.logger.WithError(err).WithField("tx_hash", raw.Hash).Warn("Malformed transaction in history")
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// toModel converts an API transaction. On an unparsable op code it still
// returns the transaction, without an op code, alongside the error.
func (t apiTransaction) toModel() (models.ChainTransaction, error) {
	tx := models.ChainTransaction{
		Hash:  t.Hash,
		LT:    t.LT,
		Utime: time.Unix(t.Utime, 0),
	}
	if t.ComputePhase != nil {
		tx.ComputeSuccess = !t.ComputePhase.Skipped && t.ComputePhase.Success
	}

	var opErr error
	if t.InMsg != nil {
		if t.InMsg.OpCode != "" {
			op, err := parseOpCode(t.InMsg.OpCode)
			if err != nil {
				opErr = fmt.Errorf("transaction %s: %w", t.Hash, err)
			} else {
				tx.InMsg.OpCode = op
				tx.InMsg.HasOpCode = true
			}
		}
		if t.InMsg.Source != nil {
			tx.InMsg.Source = t.InMsg.Source.Address
		}
	}

	for _, m := range t.OutMsgs {
		out := models.OutMessage{RawBody: m.RawBody}
		if m.Destination != nil {
			out.Destination = m.Destination.Address
		}
		tx.OutMsgs = append(tx.OutMsgs, out)
	}
	return tx, opErr
}

func parseOpCode(s string) (uint32, error) {
	op, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("op code %q: %w", s, err)
	}
	return uint32(op), nil
}
