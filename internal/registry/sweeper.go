package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper periodically marks machines offline when their heartbeats stop.
type Sweeper struct {
	reg        *Registry
	schedule   cron.Schedule
	staleAfter time.Duration
	log        *zap.Logger
}

// NewSweeper parses expr and returns a Sweeper that marks machines silent
// for longer than staleAfter offline.
func NewSweeper(reg *Registry, expr string, staleAfter time.Duration, logger *zap.Logger) (*Sweeper, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("registry: parse sweep schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{reg: reg, schedule: sched, staleAfter: staleAfter, log: logger}, nil
}

// Sweep runs one pass and returns how many machines went offline.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.reg.MarkStale(ctx, s.reg.now().Add(-s.staleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("marked stale machines offline", zap.Int64("count", n))
	}
	return n, nil
}

// Run sweeps on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	timer := time.NewTimer(s.next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Warn("registry sweep failed", zap.Error(err))
			}
			timer.Reset(s.next())
		}
	}
}

func (s *Sweeper) next() time.Duration {
	now := time.Now()
	d := s.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
