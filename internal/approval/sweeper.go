package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweeper once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper expires stale pending approvals and removes resolved ones older than 2×TTL.
type Sweeper struct {
	store    Store
	ttl      time.Duration
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper parses spec as a five-field cron expression or a descriptor such as "@every 1m".
func NewSweeper(store Store, ttl time.Duration, spec string, logger *slog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{store: store, ttl: ttl, schedule: sched, now: time.Now, logger: logger}, nil
}

// Sweep runs one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	expired, err := s.store.ExpireOld(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "expiring approvals", slog.String("error", err.Error()))
	}
	deleted, err := s.store.DeleteResolved(ctx, now.Add(-2*s.ttl))
	if err != nil {
		s.logger.ErrorContext(ctx, "deleting resolved approvals", slog.String("error", err.Error()))
	}
	if expired > 0 || deleted > 0 {
		s.logger.InfoContext(ctx, "approval sweep",
			slog.Int("expired", expired),
			slog.Int("deleted", deleted),
		)
	}
}

// Start runs Sweep on the schedule until ctx is done. Returns a cancel function.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			next := s.schedule.Next(s.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.Sweep(ctx)
			}
		}
	}()
	return cancel
}
