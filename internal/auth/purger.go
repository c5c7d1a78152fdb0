package auth

import (
	"context"
	"log/slog"
	"time"
)

// Purgeable is anything that can delete expired refresh tokens.
type Purgeable interface {
	Purge(ctx context.Context) (int64, error)
}

// Purger runs Purge on a schedule: every Interval when one is set,
// otherwise once a day at local midnight.
type Purger struct {
	target   Purgeable
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewPurger creates a purge scheduler. A zero interval means daily at midnight.
func NewPurger(target Purgeable, interval time.Duration, logger *slog.Logger) *Purger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Purger{target: target, interval: interval, logger: logger, now: time.Now}
}

// Run blocks, purging on schedule until ctx is cancelled.
func (p *Purger) Run(ctx context.Context) {
	timer := time.NewTimer(p.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.RunOnce(ctx)
			timer.Reset(p.untilNext())
		}
	}
}

// RunOnce performs a single purge and logs the outcome.
func (p *Purger) RunOnce(ctx context.Context) {
	count, err := p.target.Purge(ctx)
	if err != nil {
		p.logger.Error("purging expired refresh tokens", "error", err)
		return
	}
	p.logger.Info("purged expired refresh tokens", "count", count)
}

func (p *Purger) untilNext() time.Duration {
	if p.interval > 0 {
		return p.interval
	}
	now := p.now()
	return nextMidnight(now).Sub(now)
}

// nextMidnight returns the first local midnight strictly after t.
func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
