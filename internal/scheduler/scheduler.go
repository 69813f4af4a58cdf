package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"feed_relay/internal/domain"
	"feed_relay/internal/service"
)

// Cycler runs one relay cycle.
type Cycler interface {
	Cycle(ctx context.Context) (*domain.CycleStats, error)
}

type Config struct {
	// Schedule is a cron spec (descriptors such as "@every 2m" allowed).
	// When empty, Interval is used.
	Schedule string
	Interval time.Duration
	// Budget bounds a single cycle.
	Budget time.Duration
}

type Scheduler struct {
	cycler   Cycler
	schedule cron.Schedule
	spec     string
	budget   time.Duration
	logger   *slog.Logger
}

func NewScheduler(cycler Cycler, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	spec := cfg.Schedule
	var schedule cron.Schedule
	if spec != "" {
		parsed, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
		}
		schedule = parsed
	} else {
		if cfg.Interval <= 0 {
			return nil, errors.New("interval must be positive")
		}
		schedule = cron.Every(cfg.Interval)
		spec = "@every " + cfg.Interval.String()
	}

	return &Scheduler{
		cycler:   cycler,
		schedule: schedule,
		spec:     spec,
		budget:   cfg.Budget,
		logger:   logger,
	}, nil
}

// Start runs one cycle immediately and then follows the schedule until ctx
// is cancelled or the state turns out to be corrupt. Ticks that fire while a
// cycle is still running are skipped. Start returns after the running cycle
// has finished.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "schedule", s.spec, "budget", s.budget)

	if err := s.runCycle(ctx); err != nil {
		return err
	}

	fatal := make(chan error, 1)
	log := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if err := s.runCycle(ctx); err != nil {
			select {
			case fatal <- err:
			default:
			}
		}
	}))
	c.Start()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-fatal:
	}

	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return err
}

// runCycle returns an error only when relaying must stop.
func (s *Scheduler) runCycle(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	cycleCtx := ctx
	if s.budget > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, s.budget)
		defer cancel()
	}

	_, err := s.cycler.Cycle(cycleCtx)
	switch {
	case err == nil:
		return nil
	case domain.IsStateCorrupt(err):
		s.logger.Error("state is corrupt, stopping relay", "error", err)
		return err
	case errors.Is(err, service.ErrLeaseHeld):
		s.logger.Info("cycle skipped, lease held by another relay")
	default:
		s.logger.Error("cycle failed", "error", err)
	}
	return nil
}

// cronLogger routes cron's chatter to slog. Only skipped ticks are worth
// more than debug level.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" {
		l.logger.Warn("tick skipped, previous cycle still running")
		return
	}
	l.logger.Debug("cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron "+msg, append(keysAndValues, "error", err)...)
}
