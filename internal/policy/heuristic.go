package policy

import (
	"context"
	"fmt"
	"math"
)

// Constant always orders the same quantity.
type Constant struct {
	Quantity int
}

func (Constant) Name() string { return "constant" }

func (c Constant) Apply(Snapshot) Decision {
	return Decision{Order: max(c.Quantity, 0), Rationale: fmt.Sprintf("fixed order of %d", c.Quantity), Source: c.Name()}
}

func (c Constant) Decide(_ context.Context, s Snapshot) (Decision, error) {
	return c.Apply(s), nil
}

// PassThrough orders exactly what was just received.
type PassThrough struct{}

func (PassThrough) Name() string { return "pass_through" }

func (p PassThrough) Apply(s Snapshot) Decision {
	return Decision{Order: s.Incoming, Rationale: fmt.Sprintf("pass on incoming %d", s.Incoming), Source: p.Name()}
}

func (p PassThrough) Decide(_ context.Context, s Snapshot) (Decision, error) {
	return p.Apply(s), nil
}

// DemandPlusBacklog orders the incoming quantity plus a fraction of backlog.
type DemandPlusBacklog struct {
	Fraction float64
}

func (DemandPlusBacklog) Name() string { return "demand_plus_backlog" }

func (d DemandPlusBacklog) Apply(s Snapshot) Decision {
	extra := int(math.Ceil(d.Fraction * float64(s.Backlog)))
	return Decision{
		Order:     max(s.Incoming+extra, 0),
		Rationale: fmt.Sprintf("incoming %d plus %d toward backlog %d", s.Incoming, extra, s.Backlog),
		Source:    d.Name(),
	}
}

func (d DemandPlusBacklog) Decide(_ context.Context, s Snapshot) (Decision, error) {
	return d.Apply(s), nil
}

// Anchor is anchor-and-adjust: replace what was demanded and close a share
// Alpha of the gap between Target and the net stock. It ignores the supply
// line, which is what makes chains of it amplify demand shocks.
type Anchor struct {
	Alpha  float64
	Target int
}

func (Anchor) Name() string { return "anchor" }

func (a Anchor) Apply(s Snapshot) Decision {
	gap := a.Target - s.Inventory + s.Backlog
	adjust := int(math.Ceil(a.Alpha * float64(gap)))
	return Decision{
		Order:     max(s.Incoming+adjust, 0),
		Rationale: fmt.Sprintf("anchor %d, stock gap %d, adjust %d", s.Incoming, gap, adjust),
		Source:    a.Name(),
	}
}

func (a Anchor) Decide(_ context.Context, s Snapshot) (Decision, error) {
	return a.Apply(s), nil
}

// OrderUpTo forecasts demand as a moving average of incoming orders and orders
// up to forecast × (lead time + 1) plus safety stock, net of the inventory
// position including the pipeline.
type OrderUpTo struct {
	Window      int
	SafetyStock int
	LeadTime    int // 0 = use the line's lead time
}

func (OrderUpTo) Name() string { return "order_up_to" }

func (o OrderUpTo) Apply(s Snapshot) Decision {
	forecast := movingAverage(s, o.Window)
	lead := o.LeadTime
	if lead <= 0 {
		lead = s.LeadTime
	}
	target := forecast*(lead+1) + o.SafetyStock
	order := max(target-s.Position(), 0)
	return Decision{
		Order:     order,
		Rationale: fmt.Sprintf("forecast %d over lead %d, target %d, position %d", forecast, lead, target, s.Position()),
		Source:    o.Name(),
	}
}

func (o OrderUpTo) Decide(_ context.Context, s Snapshot) (Decision, error) {
	return o.Apply(s), nil
}

// movingAverage averages the current incoming quantity with up to window-1
// earlier ones, in integers.
func movingAverage(s Snapshot, window int) int {
	if window < 1 {
		window = 1
	}
	sum, n := s.Incoming, 1
	for i := len(s.History) - 1; i >= 0 && n < window; i-- {
		sum += s.History[i].Incoming
		n++
	}
	return sum / n
}
