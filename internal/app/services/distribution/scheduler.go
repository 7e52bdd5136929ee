package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/internal/app/system"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// DefaultSchedule runs one round at the top of every hour.
const DefaultSchedule = "0 * * * *"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler triggers distribution rounds on a cron schedule. The run ID is
// derived from the scheduled slot, so a slot interrupted by a restart is
// resumed rather than planned twice.
type Scheduler struct {
	engine   *Engine
	schedule cron.Schedule
	timeout  time.Duration
	log      *logger.Logger
	now      func() time.Time
	onRound  func(reward.Result, error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler parses spec as a five-field cron expression or descriptor.
// timeout bounds each round; zero means no bound beyond shutdown.
func NewScheduler(engine *Engine, spec string, timeout time.Duration, log *logger.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse round schedule %q: %w", spec, err)
	}
	if log == nil {
		log = logger.NewDefault("distribution-scheduler")
	}
	return &Scheduler{
		engine:   engine,
		schedule: schedule,
		timeout:  timeout,
		log:      log,
		now:      time.Now,
	}, nil
}

// OnRound registers a callback invoked after every scheduled round.
func (s *Scheduler) OnRound(fn func(reward.Result, error)) {
	s.mu.Lock()
	s.onRound = fn
	s.mu.Unlock()
}

func (s *Scheduler) Name() string { return "distribution-scheduler" }

// Next returns the first slot strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.UTC())
}

// RunID names the round for a slot.
func RunID(slot time.Time) string {
	return "round-" + slot.UTC().Format("20060102T1504")
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			slot := s.Next(s.now())
			timer := time.NewTimer(time.Until(slot))
			select {
			case <-runCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.fire(runCtx, slot)
			}
		}
	}()

	s.log.WithField("next", s.Next(s.now()).Format(time.RFC3339)).Info("distribution scheduler started")
	return nil
}

// Stop cancels the in-flight round, which defers its remaining targets, and
// waits for the loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("distribution scheduler stopped")
	return nil
}

func (s *Scheduler) fire(ctx context.Context, slot time.Time) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	id := RunID(slot)
	res, err := s.engine.RunRound(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrAlreadyRunning):
		s.log.WithField("run_id", id).Info("distribution round skipped, another round is running")
	case err != nil:
		s.log.WithError(err).WithField("run_id", id).Warn("scheduled distribution round failed")
	}

	s.mu.Lock()
	fn := s.onRound
	s.mu.Unlock()
	if fn != nil {
		fn(res, err)
	}
}
