package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Clock drives a Simulation forward on a timer (autoplay).
type Clock struct {
	mu       sync.Mutex
	interval time.Duration
	paused   bool
	running  bool

	// Callbacks, set before Run.
	OnPeriod   func(*PeriodResult) // After every settled period
	OnComplete func(*Report)       // Once the horizon is reached
}

// NewClock creates a clock that advances one period per interval.
func NewClock(interval time.Duration) *Clock {
	if interval <= 0 {
		interval = time.Second
	}
	return &Clock{interval: interval}
}

// Run advances sim until it completes or ctx is cancelled. Blocks.
func (c *Clock) Run(ctx context.Context, sim *Simulation) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("clock already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	slog.Info("autoplay started", "run", sim.RunID(), "period", sim.Period(), "interval", c.Interval())

	for {
		if c.Paused() {
			// Paused: sleep briefly and check again.
			if !sleep(ctx, 100*time.Millisecond) {
				return ctx.Err()
			}
			continue
		}

		start := time.Now()

		res, err := sim.AdvancePeriod(ctx, nil)
		if errors.Is(err, ErrComplete) {
			break
		}
		if err != nil {
			return err
		}
		if c.OnPeriod != nil {
			c.OnPeriod(res)
		}
		if res.Phase == PhaseComplete {
			break
		}

		// Sleep for the remainder of the interval.
		if elapsed := time.Since(start); elapsed < c.Interval() {
			if !sleep(ctx, c.Interval()-elapsed) {
				return ctx.Err()
			}
		}
	}

	slog.Info("autoplay stopped", "run", sim.RunID(), "period", sim.Period())
	if c.OnComplete != nil {
		c.OnComplete(sim.Report())
	}
	return nil
}

// Pause stops advancing until Resume.
func (c *Clock) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume continues after Pause.
func (c *Clock) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Paused reports whether the clock is paused.
func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Running reports whether Run is in progress.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetInterval changes the time between periods. Non-positive values are ignored.
func (c *Clock) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
}

// Interval reports the time between periods.
func (c *Clock) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
