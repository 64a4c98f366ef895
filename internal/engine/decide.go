package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/chainsim/internal/policy"
)

// snapshots builds each line's view for the current period, in line order.
// Callers hold at least the read lock.
func (s *Simulation) snapshots() []policy.Snapshot {
	sc := s.scenario
	out := make([]policy.Snapshot, len(s.net.lines))
	for i, ln := range s.net.lines {
		e := s.echelons[ln.index]
		rates := sc.Costs.RatesFor(string(e.Role))

		snap := policy.Snapshot{
			Period:      s.period,
			MaxPeriods:  sc.MaxPeriods,
			Line:        ln.key,
			Echelon:     e.Name,
			Role:        string(e.Role),
			Kind:        ln.kind,
			Inventory:   e.Inventory[ln.kind],
			InTransit:   s.ledger.Pending(supplyQueue(e.Name, ln.kind)),
			LeadTime:    ln.leadTime(sc.LeadTimes),
			OrderCap:    sc.OrderCap,
			HoldingCost: rates.Holding,
			BacklogCost: rates.Backlog,
		}
		if ln.supplier >= 0 {
			snap.OnOrder = s.ledger.Pending(ordersQueue(s.echelons[ln.supplier].Name, ln.kind))
		}

		// What the line's customers ask of it this period.
		served := []string{ln.kind}
		if e.Pooled() {
			served = s.net.served[ln.index]
		}
		for _, k := range served {
			snap.Backlog += e.Backlog[k]
			if ln.index == 0 {
				snap.Incoming += s.current[k]
			} else {
				snap.Incoming += s.ledger.Due(ordersQueue(e.Name, k), s.period)
			}
		}

		hist := s.lineHist[ln.key]
		if w := sc.HistoryWindow; len(hist) > w {
			hist = hist[len(hist)-w:]
		}
		snap.History = append([]policy.HistoryPoint(nil), hist...)
		out[i] = snap
	}
	return out
}

// decide queries every line and waits for all of them. Console lines are
// prompted one after another in line order while the rest run concurrently.
// Guards never fail, so every line has a decision when decide returns.
func (s *Simulation) decide(ctx context.Context, snaps []policy.Snapshot, overrides map[string]int) map[string]policy.Decision {
	results := make([]policy.Decision, len(snaps))

	g, gctx := errgroup.WithContext(ctx)
	if n := s.scenario.Concurrency; n > 0 {
		g.SetLimit(n)
	}
	var prompts []int
	for i, ln := range s.net.lines {
		qty, overridden := overrides[ln.key]
		if overridden && ln.manual == nil {
			results[i] = policy.Decision{Order: qty, Rationale: "set by operator", Source: "override"}
			continue
		}
		if overridden {
			// Range checked by checkOverrides.
			_ = ln.manual.Stage(qty)
		}
		if ln.console {
			prompts = append(prompts, i)
			continue
		}
		g.Go(func() error {
			results[i] = ln.guard.Decide(gctx, snaps[i])
			return nil
		})
	}
	for _, i := range prompts {
		results[i] = s.net.lines[i].guard.Decide(gctx, snaps[i])
	}
	_ = g.Wait()

	out := make(map[string]policy.Decision, len(results))
	for i, ln := range s.net.lines {
		d := results[i]
		if s.scenario.OrderCap > 0 && d.Order > s.scenario.OrderCap {
			d.Order = s.scenario.OrderCap
		}
		out[ln.key] = d
	}
	return out
}
