package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Guard wraps a Policy so that every call yields a usable decision.
type Guard struct {
	Policy   Policy
	Fallback Rule
	Timeout  time.Duration // 0 = wait as long as ctx allows
	Cap      int           // 0 = uncapped
}

// NewGuard wraps p with fallback, a per-call timeout and an order cap.
func NewGuard(p Policy, fallback Rule, timeout time.Duration, orderCap int) *Guard {
	return &Guard{Policy: p, Fallback: fallback, Timeout: timeout, Cap: orderCap}
}

// Name reports the wrapped policy's name.
func (g *Guard) Name() string {
	return g.Policy.Name()
}

// Decide queries the wrapped policy. Errors, panics, timeouts and orders above
// MaxOrder produce the fallback rule's decision marked Degraded. The result is
// always within [0, Cap], or [0, MaxOrder] when uncapped.
func (g *Guard) Decide(ctx context.Context, s Snapshot) Decision {
	d, err := g.query(ctx, s)
	if err == nil && d.Order > MaxOrder {
		err = fmt.Errorf("order %d above the ceiling of %d", d.Order, MaxOrder)
	}
	if err != nil {
		slog.Debug("policy failed, using fallback",
			"line", s.Line, "period", s.Period, "policy", g.Policy.Name(), "error", err)
		fb := g.Fallback.Apply(s)
		fb.Degraded = true
		fb.Source = g.Fallback.Name()
		fb.Rationale = fmt.Sprintf("degraded: %s unavailable (%v); %s", g.Policy.Name(), err, fb.Rationale)
		fb.Order = g.clamp(fb.Order)
		return fb
	}

	if d.Source == "" {
		d.Source = g.Policy.Name()
	}
	if o := g.clamp(d.Order); o != d.Order {
		d.Rationale = fmt.Sprintf("%s (order %d clamped to %d)", d.Rationale, d.Order, o)
		d.Order = o
	}
	return d
}

func (g *Guard) query(ctx context.Context, s Snapshot) (Decision, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	type result struct {
		d   Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		d, err := g.Policy.Decide(ctx, s)
		ch <- result{d: d, err: err}
	}()

	select {
	case r := <-ch:
		return r.d, r.err
	case <-ctx.Done():
		return Decision{}, fmt.Errorf("no decision in time: %w", ctx.Err())
	}
}

func (g *Guard) clamp(order int) int {
	ceiling := MaxOrder
	if g.Cap > 0 && g.Cap < ceiling {
		ceiling = g.Cap
	}
	return max(0, min(order, ceiling))
}
