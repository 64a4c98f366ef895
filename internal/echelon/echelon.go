// Package echelon models one node of a supply chain: what it holds, what it
// owes downstream, and how a period's supply and demand settle against them.
package echelon

import (
	"maps"

	"github.com/shopspring/decimal"
)

// Kind is a resource kind held in inventory (beer, bun, hbm, ...).
type Kind = string

// Role is the echelon's position in the chain. Cost rates may differ by role.
type Role string

const (
	RoleRetailer     Role = "retailer"
	RoleWholesaler   Role = "wholesaler"
	RoleDistributor  Role = "distributor"
	RoleManufacturer Role = "manufacturer"
	RoleOperator     Role = "operator"
	RoleSupplier     Role = "supplier"
)

// Rates are per-unit, per-period cost rates.
type Rates struct {
	Holding decimal.Decimal `json:"holding"`
	Backlog decimal.Decimal `json:"backlog"`
}

// Cost returns the period cost of holding inventory and owing backlog.
func (r Rates) Cost(inventory, backlog int) decimal.Decimal {
	h := r.Holding.Mul(decimal.NewFromInt(int64(inventory)))
	b := r.Backlog.Mul(decimal.NewFromInt(int64(backlog)))
	return h.Add(b)
}

// Echelon is the mutable state of one node. Only the orchestrator mutates it.
type Echelon struct {
	Name  string `json:"name"`
	Role  Role   `json:"role"`
	Rates Rates  `json:"rates"`

	// Pool is set when the echelon keeps one combined inventory for several
	// served kinds. Inventory is then keyed by Pool, Backlog by served kind.
	Pool Kind `json:"pool,omitempty"`

	Inventory map[Kind]int `json:"inventory"`
	Backlog   map[Kind]int `json:"backlog"`

	// Last-period diagnostics for display and policy context.
	LastOrderReceived map[Kind]int `json:"last_order_received"`
	LastShipped       map[Kind]int `json:"last_shipped"`
	LastOrderPlaced   map[Kind]int `json:"last_order_placed"`
	LastRationale     string       `json:"last_rationale"`
	LastDegraded      bool         `json:"last_degraded"`
}

// New creates an echelon holding the given opening inventory and no backlog.
func New(name string, role Role, rates Rates, initial map[Kind]int) *Echelon {
	inv := make(map[Kind]int, len(initial))
	for k, v := range initial {
		inv[k] = clamp(v)
	}
	return &Echelon{
		Name:              name,
		Role:              role,
		Rates:             rates,
		Inventory:         inv,
		Backlog:           make(map[Kind]int),
		LastOrderReceived: make(map[Kind]int),
		LastShipped:       make(map[Kind]int),
		LastOrderPlaced:   make(map[Kind]int),
	}
}

// Pooled reports whether the echelon uses a combined inventory pool.
func (e *Echelon) Pooled() bool {
	return e.Pool != ""
}

// TotalInventory sums inventory across kinds.
func (e *Echelon) TotalInventory() int {
	return sum(e.Inventory)
}

// TotalBacklog sums backlog across kinds.
func (e *Echelon) TotalBacklog() int {
	return sum(e.Backlog)
}

// PeriodCost prices the echelon's current position.
func (e *Echelon) PeriodCost() decimal.Decimal {
	return e.Rates.Cost(e.TotalInventory(), e.TotalBacklog())
}

// Clone returns a deep copy safe to hand to readers.
func (e *Echelon) Clone() *Echelon {
	c := *e
	c.Inventory = maps.Clone(e.Inventory)
	c.Backlog = maps.Clone(e.Backlog)
	c.LastOrderReceived = maps.Clone(e.LastOrderReceived)
	c.LastShipped = maps.Clone(e.LastShipped)
	c.LastOrderPlaced = maps.Clone(e.LastOrderPlaced)
	return &c
}

// ResetDiagnostics clears the last-period fields before a new period settles.
func (e *Echelon) ResetDiagnostics() {
	clear(e.LastOrderReceived)
	clear(e.LastShipped)
	clear(e.LastOrderPlaced)
	e.LastRationale = ""
	e.LastDegraded = false
}

func sum(m map[Kind]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
