package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/ton-liquidator/internal/models"
)

type recordingAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingAlerter) Alert(_ context.Context, kind models.AlertKind, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == models.AlertComponentError {
		r.messages = append(r.messages, message)
	}
	return nil
}

func (r *recordingAlerter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func TestSuperviseRestartsAndAlerts(t *testing.T) {
	alerter := &recordingAlerter{}
	s := New(alerter, nil)

	var runs atomic.Int32
	require.NoError(t, s.Supervise("Indexer", time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("history api unavailable")
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	msgs := alerter.all()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "[Indexer]: history api unavailable", msgs[0])

	stats := s.GetStats()["Indexer"]
	assert.GreaterOrEqual(t, stats.Failures, int64(3))
	assert.Equal(t, "history api unavailable", stats.LastError)
}

func TestSuperviseRecoversPanics(t *testing.T) {
	alerter := &recordingAlerter{}
	s := New(alerter, nil)

	var runs atomic.Int32
	require.NoError(t, s.Supervise("Indexer", time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("nil stack")
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	msgs := alerter.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "[Indexer]: Indexer panicked: nil stack")
}

func TestStopCancelsLoopsWithoutAlert(t *testing.T) {
	alerter := &recordingAlerter{}
	s := New(alerter, nil)

	started := make(chan struct{})
	require.NoError(t, s.Supervise("Indexer", time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, s.IsRunning())
	assert.Empty(t, alerter.all())
}

func TestEveryReportsJobErrors(t *testing.T) {
	alerter := &recordingAlerter{}
	s := New(alerter, nil)

	var runs atomic.Int32
	require.NoError(t, s.Every("Liquidator", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("not enough gas")
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(alerter.all()) >= 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "[Liquidator]: not enough gas", alerter.all()[0])
}

func TestEverySuccessfulJobDoesNotAlert(t *testing.T) {
	alerter := &recordingAlerter{}
	s := New(alerter, nil)

	var runs atomic.Int32
	require.NoError(t, s.Every("Escalation", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	s.Stop()

	assert.Empty(t, alerter.all())
	stats := s.GetStats()["Escalation"]
	assert.GreaterOrEqual(t, stats.Runs, int64(1))
	assert.Zero(t, stats.Failures)
}

func TestRegistrationErrors(t *testing.T) {
	s := New(nil, nil)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Every("Liquidator", 0, noop))
	require.NoError(t, s.Every("Liquidator", time.Second, noop))
	assert.Error(t, s.Every("Liquidator", time.Second, noop))
	assert.Error(t, s.Supervise("Liquidator", time.Second, noop))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.Supervise("Indexer", time.Second, noop))
}
