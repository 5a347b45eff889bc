// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/ton-liquidator/internal/codec"
	"github.com/smartdevs17/ton-liquidator/internal/connection"
	"github.com/smartdevs17/ton-liquidator/internal/indexer"
	"github.com/smartdevs17/ton-liquidator/internal/liquidator"
	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/internal/notification"
	"github.com/smartdevs17/ton-liquidator/internal/scheduler"
	"github.com/smartdevs17/ton-liquidator/internal/storage"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port             int           `json:"port"`
	Host             string        `json:"host"`
	ReadTimeout      time.Duration `json:"read_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	EnableMetrics    bool          `json:"enable_metrics"`
	EnableHealth     bool          `json:"enable_health"`
	EnableTaskIntake bool          `json:"enable_task_intake"`
	Testnet          bool          `json:"testnet"`
	Version          string        `json:"version"`
}

// TaskSubmitter accepts new liquidation tasks
type TaskSubmitter interface {
	Submit(ctx context.Context, req liquidator.TaskRequest) (*models.LiquidationTask, error)
}

// Dependencies are the components the server reports on. Only Storage is required.
type Dependencies struct {
	Storage      storage.Storage
	Intake       TaskSubmitter
	Connection   connection.Manager
	Indexer      *indexer.Indexer
	Scheduler    *scheduler.Scheduler
	Notification *notification.NotificationManager
	Metrics      *metrics.Manager
}

// HTTPServer serves the operator API
type HTTPServer struct {
	config *ServerConfig
	server *http.Server
	router *mux.Router
	deps   Dependencies
	logger *logrus.Entry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(config *ServerConfig, deps Dependencies) (*HTTPServer, error) {
	if deps.Storage == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Storage is required", "")
	}
	if config.Version == "" {
		config.Version = "dev"
	}

	server := &HTTPServer{
		config: config,
		deps:   deps,
		logger: utils.ComponentLogger("server"),
		stopCh: make(chan struct{}),
	}

	server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server, nil
}

// Handler returns the configured router
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.deps.Metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods("GET")
	}

	if s.config.EnableMetrics && s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler())
	}
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")

	// Task endpoints
	api.HandleFunc("/tasks", s.listTasksHandler).Methods("GET")
	api.HandleFunc("/tasks/{id:[0-9]+}", s.getTaskHandler).Methods("GET")
	if s.config.EnableTaskIntake && s.deps.Intake != nil {
		api.HandleFunc("/tasks", s.createTaskHandler).Methods("POST")
	} else {
		api.HandleFunc("/tasks", s.intakeDisabledHandler).Methods("POST")
	}

	// Account endpoints
	api.HandleFunc("/accounts", s.listAccountsHandler).Methods("GET")
	api.HandleFunc("/accounts/{address}", s.getAccountHandler).Methods("GET")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
		"task_intake":     s.config.EnableTaskIntake,
	}).Info("Starting HTTP server")

	if s.deps.Metrics != nil {
		s.updateComponentMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Give the server a moment to start and check for immediate binding errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system and component metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.updateComponentMetrics()
		}
	}
}

func (s *HTTPServer) updateComponentMetrics() {
	s.deps.Metrics.UpdateSystemMetrics()
	prom := s.deps.Metrics.GetPrometheusMetrics()
	for name, healthy := range s.componentHealth() {
		prom.UpdateComponentHealth(name, healthy)
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	s.stopOnce.Do(func() { close(s.stopCh) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Health Handlers

// componentHealth reports each wired component
func (s *HTTPServer) componentHealth() map[string]bool {
	health := map[string]bool{
		"storage": s.deps.Storage.Ping() == nil,
	}
	if s.deps.Connection != nil {
		health["lite_client"] = s.deps.Connection.IsConnected()
	}
	if s.deps.Scheduler != nil {
		health["scheduler"] = s.deps.Scheduler.IsRunning()
	}
	if s.deps.Notification != nil {
		health["notification"] = s.deps.Notification.IsHealthy()
	}
	return health
}

// healthHandler returns 200 when every component is healthy and 503 otherwise
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	for _, healthy := range s.componentHealth() {
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"version":   s.config.Version,
	})
}

// detailedHealthHandler returns per-component health
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	components := s.componentHealth()
	status, code := "healthy", http.StatusOK
	for _, healthy := range components {
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}

	resp := map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now(),
		"version":    s.config.Version,
		"components": components,
	}
	if s.deps.Connection != nil {
		resp["lite_client"] = s.deps.Connection.Stats()
	}
	s.writeJSON(w, code, resp)
}

// statsHandler returns application statistics
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	storageStats, err := s.deps.Storage.GetStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
		return
	}

	stats := map[string]interface{}{
		"timestamp": time.Now(),
		"storage":   storageStats,
	}
	if s.deps.Indexer != nil {
		stats["indexer"] = s.deps.Indexer.GetStats()
	}
	if s.deps.Scheduler != nil {
		stats["jobs"] = s.deps.Scheduler.GetStats()
	}
	if s.deps.Notification != nil {
		stats["notification"] = s.deps.Notification.GetStats()
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// Task Handlers

// listTasksHandler lists tasks newest first
func (s *HTTPServer) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid pagination", err)
		return
	}

	filter := models.TaskFilter{Limit: limit, Offset: offset}
	if v := r.URL.Query().Get("state"); v != "" {
		state := models.TaskState(v)
		if !state.Valid() {
			s.writeError(w, http.StatusBadRequest, "Invalid task state", fmt.Errorf("unknown state %q", v))
			return
		}
		filter.State = &state
	}
	if v := r.URL.Query().Get("wallet"); v != "" {
		wallet, err := codec.NormalizeAddress(v, s.config.Testnet)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid wallet address", err)
			return
		}
		filter.WalletAddress = wallet
	}

	tasks, err := s.deps.Storage.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve tasks", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
		"total":  len(tasks),
	})
}

// getTaskHandler gets a task by id
func (s *HTTPServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid task id", err)
		return
	}

	task, err := s.deps.Storage.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve task", err)
		return
	}
	if task == nil {
		s.writeError(w, http.StatusNotFound, "Task not found", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

// createTaskRequest carries amounts and ids as decimal or 0x-prefixed hex strings
type createTaskRequest struct {
	QueryID             string        `json:"query_id"`
	WalletAddress       string        `json:"wallet_address"`
	ContractAddress     string        `json:"contract_address"`
	LoanAsset           string        `json:"loan_asset"`
	CollateralAsset     string        `json:"collateral_asset"`
	LiquidationAmount   string        `json:"liquidation_amount"`
	MinCollateralAmount string        `json:"min_collateral_amount"`
	PricesCell          hexutil.Bytes `json:"prices_cell"`
	Signature           hexutil.Bytes `json:"signature"`
}

func (c *createTaskRequest) toTaskRequest() (liquidator.TaskRequest, error) {
	req := liquidator.TaskRequest{
		WalletAddress:   c.WalletAddress,
		ContractAddress: c.ContractAddress,
		PricesCell:      c.PricesCell,
		Signature:       c.Signature,
	}

	if c.QueryID != "" {
		q, err := strconv.ParseUint(c.QueryID, 0, 64)
		if err != nil {
			return req, fmt.Errorf("query_id: %w", err)
		}
		req.QueryID = q
	}

	fields := []struct {
		name string
		src  string
		dst  **big.Int
	}{
		{"loan_asset", c.LoanAsset, &req.LoanAsset},
		{"collateral_asset", c.CollateralAsset, &req.CollateralAsset},
		{"liquidation_amount", c.LiquidationAmount, &req.LiquidationAmount},
		{"min_collateral_amount", c.MinCollateralAmount, &req.MinCollateralAmount},
	}
	for _, f := range fields {
		v, err := parseBig(f.src)
		if err != nil {
			return req, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return req, nil
}

// createTaskHandler accepts a liquidation task from the risk engine
func (s *HTTPServer) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var body createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req, err := body.toTaskRequest()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	task, err := s.deps.Intake.Submit(r.Context(), req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, task)
	case errors.Is(err, liquidator.ErrDuplicateTask), errors.Is(err, liquidator.ErrDuplicateQueryID):
		s.writeError(w, http.StatusConflict, "Task rejected", err)
	case errors.Is(err, liquidator.ErrBlacklisted):
		s.writeError(w, http.StatusForbidden, "Task rejected", err)
	case utils.HasCode(err, utils.ErrCodeValidation):
		s.writeError(w, http.StatusBadRequest, "Task rejected", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "Failed to create task", err)
	}
}

// Account Handlers

// listAccountsHandler lists accounts, optionally by state
func (s *HTTPServer) listAccountsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid pagination", err)
		return
	}

	var state *models.AccountState
	switch v := models.AccountState(r.URL.Query().Get("state")); v {
	case "":
	case models.AccountStateActive, models.AccountStateBlacklisted:
		state = &v
	default:
		s.writeError(w, http.StatusBadRequest, "Invalid account state", fmt.Errorf("unknown state %q", v))
		return
	}

	accounts, err := s.deps.Storage.ListAccounts(r.Context(), state, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve accounts", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"limit":    limit,
		"offset":   offset,
		"total":    len(accounts),
	})
}

// getAccountHandler gets an account by contract address in any accepted form
func (s *HTTPServer) getAccountHandler(w http.ResponseWriter, r *http.Request) {
	contract, err := codec.NormalizeAddress(mux.Vars(r)["address"], s.config.Testnet)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid address", err)
		return
	}

	account, err := s.deps.Storage.GetAccount(r.Context(), contract)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve account", err)
		return
	}
	if account == nil {
		s.writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, account)
}

// Utility Methods

func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// parseBig accepts decimal or 0x-prefixed hex
func parseBig(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("value is required")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hexutil.DecodeBig(s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func (s *HTTPServer) intakeDisabledHandler(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusForbidden, "Task intake is disabled", nil)
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		entry := s.logger.WithError(err).WithField("status", status)
		if status >= http.StatusInternalServerError {
			entry.Error(message)
		} else {
			entry.Debug(message)
		}
	}

	s.writeJSON(w, status, errorResponse)
}
