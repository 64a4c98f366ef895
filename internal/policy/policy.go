// Package policy decides how much each stocking line orders from its supplier.
// Policies see a value snapshot of their own line and nothing else; they never
// hold simulation state. Every policy runs behind a Guard, which turns slow,
// failing or panicking providers into a local fallback decision.
package policy

import (
	"context"
	"errors"
)

var (
	// ErrNoInput is returned by human policies with nothing to submit.
	ErrNoInput = errors.New("no order submitted")
	// ErrInvalidOrder is returned for an order that is not a whole number in
	// [0, MaxOrder].
	ErrInvalidOrder = errors.New("invalid order")
)

// MaxOrder is the largest order any line may place in one period, whether or
// not the scenario sets an order cap. Larger replies are treated as malformed.
const MaxOrder = 1_000_000

// HistoryPoint is one settled period of a line, as the line saw it.
type HistoryPoint struct {
	Period    int `json:"period"`
	Inventory int `json:"inventory"`
	Backlog   int `json:"backlog"`
	Incoming  int `json:"incoming"`
	Arrived   int `json:"arrived"`
	Ordered   int `json:"ordered"`
	Shipped   int `json:"shipped"`
}

// Snapshot is the information available to a line when it decides.
type Snapshot struct {
	Period     int    `json:"period"`
	MaxPeriods int    `json:"max_periods"`
	Line       string `json:"line"`
	Echelon    string `json:"echelon"`
	Role       string `json:"role"`
	Kind       string `json:"kind"`

	Inventory int `json:"inventory"`
	Backlog   int `json:"backlog"`
	Incoming  int `json:"incoming"`   // Order (or demand) received this period
	InTransit int `json:"in_transit"` // Supply on its way to this line
	OnOrder   int `json:"on_order"`   // Orders still travelling to the supplier
	LeadTime  int `json:"lead_time"`  // Order delay plus shipping or production delay
	OrderCap  int `json:"order_cap"`  // 0 = uncapped

	HoldingCost float64 `json:"holding_cost"`
	BacklogCost float64 `json:"backlog_cost"`

	History []HistoryPoint `json:"history"` // Oldest first
}

// Position is inventory minus backlog plus everything already in the pipeline.
func (s Snapshot) Position() int {
	return s.Inventory - s.Backlog + s.InTransit + s.OnOrder
}

// Decision is a line's order for the period.
type Decision struct {
	Order     int    `json:"order"`
	Rationale string `json:"rationale"`
	Degraded  bool   `json:"degraded"`
	Source    string `json:"source"`
}

// Policy produces an order for a snapshot. Implementations may block, fail or
// be slow; callers wrap them in a Guard.
type Policy interface {
	Name() string
	Decide(ctx context.Context, s Snapshot) (Decision, error)
}

// Rule is a local policy defined for every snapshot. Rules serve as fallbacks.
type Rule interface {
	Name() string
	Apply(s Snapshot) Decision
}
