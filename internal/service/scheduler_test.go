package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrota/ctask-backend/internal/console"
)

func newTestScheduler(ticketing *fakeTicketing, interval, retry time.Duration) *Scheduler {
	assigner := newTestAssigner(nightRoster(), ticketing)
	return NewScheduler(assigner, console.NewAudit(zerolog.Nop()), zerolog.Nop(), interval, retry)
}

func waitForFetches(t *testing.T, ticketing *fakeTicketing, min int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, fetches := ticketing.counts(); fetches >= min {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, fetches := ticketing.counts()
	t.Fatalf("expected at least %d poll fetches, got %d", min, fetches)
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	ticketing := &fakeTicketing{configured: true}
	s := newTestScheduler(ticketing, 10*time.Millisecond, 10*time.Millisecond)

	s.Start()
	s.Start()
	defer s.Stop()

	status := s.Status()
	require.True(t, status.Running)
	require.NotNil(t, status.LastStarted)

	waitForFetches(t, ticketing, 3)
}

func TestSchedulerStopJoinsWorker(t *testing.T) {
	ticketing := &fakeTicketing{configured: true}
	s := newTestScheduler(ticketing, 10*time.Millisecond, 10*time.Millisecond)

	s.Start()
	waitForFetches(t, ticketing, 1)
	s.Stop()

	status := s.Status()
	require.False(t, status.Running)
	require.NotNil(t, status.LastStopped)
	assert.Nil(t, status.NextCheck)

	_, before := ticketing.counts()
	time.Sleep(50 * time.Millisecond)
	_, after := ticketing.counts()
	assert.Equal(t, before, after, "worker kept polling after Stop")
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := newTestScheduler(&fakeTicketing{configured: true}, time.Minute, time.Second)
	s.Stop() // must not panic or block
	assert.False(t, s.Status().Running)
}

func TestSchedulerRestartCycle(t *testing.T) {
	ticketing := &fakeTicketing{configured: true}
	s := newTestScheduler(ticketing, 10*time.Millisecond, 10*time.Millisecond)

	s.Start()
	waitForFetches(t, ticketing, 1)
	s.Stop()
	s.Start()
	defer s.Stop()

	require.True(t, s.Status().Running)
	waitForFetches(t, ticketing, 2)
}

func TestSchedulerKeepsRunningAfterErrors(t *testing.T) {
	ticketing := &fakeTicketing{configured: true, tasksErr: errors.New("backend down")}
	s := newTestScheduler(ticketing, time.Minute, 5*time.Millisecond)

	s.Start()
	defer s.Stop()

	// Each failed cycle retries after the short backoff, not the full minute.
	waitForFetches(t, ticketing, 3)
	require.True(t, s.Status().Running)
}

func TestForceCheckWorksWithoutStart(t *testing.T) {
	ticketing := &fakeTicketing{configured: true}
	s := newTestScheduler(ticketing, time.Minute, time.Second)

	summary, err := s.ForceCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
	assert.False(t, s.Status().Running)
	require.NotNil(t, s.Status().LastCheck)

	_, fetches := ticketing.counts()
	assert.Equal(t, 1, fetches)
}

func TestSchedulerDefaults(t *testing.T) {
	s := NewScheduler(newTestAssigner(nightRoster(), &fakeTicketing{}), console.NewAudit(zerolog.Nop()), zerolog.Nop(), 0, 0)
	status := s.Status()
	assert.Equal(t, defaultCheckInterval, status.CheckInterval)
}
