package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/ton-liquidator/internal/metrics"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/internal/notification"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

// JobFunc is one unit of scheduled work
type JobFunc func(ctx context.Context) error

// Scheduler runs periodic jobs on cron and long-running loops under supervision.
// Errors from either are reported to the operator as "[Name]: error".
type Scheduler struct {
	cron    *cron.Cron
	alerter notification.Alerter
	logger  *logrus.Entry
	metrics *metrics.PrometheusMetrics

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	loops   []loop
	stats   map[string]*JobStats
}

type loop struct {
	name         string
	fn           JobFunc
	restartDelay time.Duration
}

// JobStats tracks runs of one job or loop
type JobStats struct {
	Runs          int64     `json:"runs"`
	Failures      int64     `json:"failures"`
	LastRun       time.Time `json:"last_run"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
}

// New creates a scheduler. Overlapping runs of the same job are skipped.
func New(alerter notification.Alerter, metricsManager *metrics.Manager) *Scheduler {
	logger := utils.ComponentLogger("scheduler")
	cronLogger := cron.PrintfLogger(logger)

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		alerter: alerter,
		logger:  logger,
		metrics: metricsManager.GetPrometheusMetrics(),
		stats:   make(map[string]*JobStats),
	}
}

// Every registers fn to run at a fixed interval
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stats[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	s.stats[name] = &JobStats{}

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.runJob(s.context(), name, fn)
	})
	return err
}

// Supervise registers fn to run continuously. When it returns, it is restarted after restartDelay.
func (s *Scheduler) Supervise(name string, restartDelay time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("loop %s: scheduler already running", name)
	}
	if _, exists := s.stats[name]; exists {
		return fmt.Errorf("loop %s already registered", name)
	}
	s.stats[name] = &JobStats{}
	s.loops = append(s.loops, loop{name: name, fn: fn, restartDelay: restartDelay})
	return nil
}

// Start starts the cron scheduler and every supervised loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, l := range s.loops {
		s.wg.Add(1)
		go s.supervise(s.ctx, l)
	}
	s.cron.Start()

	s.logger.WithFields(logrus.Fields{
		"jobs":  len(s.cron.Entries()),
		"loops": len(s.loops),
	}).Info("Scheduler started")
	return nil
}

// Stop cancels supervised loops and waits for running jobs to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	// In-flight periodic jobs finish with a live context; only the loops are cancelled.
	<-s.cron.Stop().Done()
	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// IsRunning reports whether the scheduler is started
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetStats returns a copy of per-job statistics
func (s *Scheduler) GetStats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.stats))
	for name, st := range s.stats {
		out[name] = *st
	}
	return out
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) supervise(ctx context.Context, l loop) {
	defer s.wg.Done()
	for {
		s.runJob(ctx, l.name, l.fn)
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.restartDelay):
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, name string, fn JobFunc) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := s.call(ctx, name, fn)
	duration := time.Since(start)

	status := "success"
	if err != nil && !errors.Is(err, context.Canceled) {
		status = "error"
	}
	s.metrics.RecordJobRun(name, status, duration)

	s.mu.Lock()
	st := s.stats[name]
	st.Runs++
	st.LastRun = start
	if status == "error" {
		st.Failures++
		st.LastError = err.Error()
		st.LastErrorTime = time.Now()
	}
	s.mu.Unlock()

	if status != "error" {
		return
	}

	s.logger.WithError(err).WithField("job", name).Error("Job failed")
	if s.alerter == nil {
		return
	}
	if alertErr := s.alerter.Alert(ctx, models.AlertComponentError, fmt.Sprintf("[%s]: %v", name, err)); alertErr != nil {
		s.logger.WithError(alertErr).WithField("job", name).Warn("Failed to send job failure alert")
	}
}

// call runs fn, turning a panic into an error so supervised loops keep running
func (s *Scheduler) call(ctx context.Context, name string, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}
