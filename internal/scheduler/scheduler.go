package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SweepFunc runs one full sweep for the given cycle start.
type SweepFunc func(ctx context.Context, cycle time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives aligned execution of sweep cycles. A manual trigger
// channel lets operators force an out-of-band sweep without disturbing the
// aligned cadence.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	trigger chan struct{}
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:    opts,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests an immediate sweep. Coalesces if one is already pending.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, invoking the sweep function at each aligned interval or on a
// manual trigger, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, sweep SweepFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextCycle(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextCycle(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_cycle", next).Msg("waiting for next sweep cycle")

		var manual bool
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.trigger:
			timer.Stop()
			manual = true
		case <-timer.C:
			timer.Stop()
		}

		cycle := time.Now().UTC()
		if !manual {
			cycle = s.cycleStart(next)
		}
		s.logger.Info().Time("cycle", cycle).Bool("manual", manual).Msg("executing sweep")

		if err := sweep(ctx, cycle); err != nil {
			s.logger.Error().Err(err).Time("cycle", cycle).Msg("sweep execution failed")
		}

		if !manual {
			next = next.Add(s.opts.Interval)
		}
	}
}

func (s *Scheduler) nextCycle(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	cycle := now.Truncate(s.opts.Interval)
	if !cycle.After(now) {
		cycle = cycle.Add(s.opts.Interval)
	}
	return cycle
}

func (s *Scheduler) cycleStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
