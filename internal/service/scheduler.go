package service

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsrota/ctask-backend/internal/console"
	"github.com/opsrota/ctask-backend/internal/metrics"
	"github.com/opsrota/ctask-backend/internal/models"
)

const (
	defaultCheckInterval = 120 * time.Second
	defaultRetryInterval = 30 * time.Second
	stopJoinTimeout      = 5 * time.Second
)

// Scheduler owns the single background goroutine that polls for unassigned
// change tasks. It is constructed once by the composition root and shared by
// whatever exposes the management surface.
type Scheduler struct {
	assigner      *Assigner
	console       *console.Audit
	logger        zerolog.Logger
	interval      time.Duration
	retryInterval time.Duration

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastCheck   *time.Time
	nextCheck   *time.Time
	lastStarted *time.Time
	lastStopped *time.Time
}

func NewScheduler(assigner *Assigner, audit *console.Audit, logger zerolog.Logger, interval, retryInterval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	return &Scheduler{
		assigner:      assigner,
		console:       audit,
		logger:        logger,
		interval:      interval,
		retryInterval: retryInterval,
	}
}

// Start launches the polling loop. Calling Start while already running is a
// no-op; exactly one worker exists at a time.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("scheduler already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	now := time.Now()
	s.lastStarted = &now

	metrics.SchedulerRunning.Set(1)
	s.console.Info("auto-assignment scheduler started", map[string]any{
		"check_interval": s.interval.String(),
	})
	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")

	go s.run(ctx, s.done)
}

// Stop signals the loop to exit and waits up to the join timeout. In-flight
// outbound calls are not cancelled mid-flight, only further cycles.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		s.logger.Warn().Msg("scheduler worker did not exit within join timeout")
	}

	s.mu.Lock()
	s.running = false
	now := time.Now()
	s.lastStopped = &now
	s.nextCheck = nil
	s.mu.Unlock()

	metrics.SchedulerRunning.Set(0)
	s.console.Warning("auto-assignment scheduler stopped", nil)
	s.logger.Info().Msg("scheduler stopped")
}

// ForceCheck runs one assignment pass synchronously, outside the schedule.
// It works whether or not the background loop is running.
func (s *Scheduler) ForceCheck(ctx context.Context) (BatchSummary, error) {
	s.logger.Info().Msg("forcing immediate assignment check")
	summary, err := s.assigner.ProcessPending(ctx)
	now := time.Now()
	s.mu.Lock()
	s.lastCheck = &now
	s.mu.Unlock()
	return summary, err
}

func (s *Scheduler) Status() models.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SchedulerStatus{
		Running:       s.running,
		CheckInterval: s.interval,
		LastCheck:     s.lastCheck,
		NextCheck:     s.nextCheck,
		LastStarted:   s.lastStarted,
		LastStopped:   s.lastStopped,
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait := s.interval
		if err := s.cycle(ctx); err != nil {
			// The loop never dies on an error; it retries sooner.
			metrics.PollErrorsTotal.Inc()
			s.logger.Error().Err(err).Dur("retry_in", s.retryInterval).Msg("scheduler cycle failed")
			wait = s.retryInterval
		} else {
			metrics.PollCyclesTotal.Inc()
		}

		now := time.Now()
		next := now.Add(wait)
		s.mu.Lock()
		s.lastCheck = &now
		s.nextCheck = &next
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
			s.console.Error("panic in scheduler cycle", map[string]any{"panic": r})
			s.logger.Error().Any("panic", r).Bytes("stack", debug.Stack()).Msg("recovered panic in scheduler cycle")
		}
	}()

	summary, err := s.assigner.ProcessPending(ctx)
	if err != nil {
		return err
	}
	if summary.Total > 0 {
		s.console.Info("scheduled assignment check complete", map[string]any{
			"total":      summary.Total,
			"successful": summary.Successful,
			"failed":     summary.Failed,
		})
	}
	return nil
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return "panic in scheduler cycle"
}
