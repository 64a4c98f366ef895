package echelon

import "sort"

// Outcome is the settlement of one resource kind for one period.
type Outcome struct {
	PriorInventory int `json:"prior_inventory"`
	PriorBacklog   int `json:"prior_backlog"`
	Arriving       int `json:"arriving"`
	Incoming       int `json:"incoming"`
	Shipped        int `json:"shipped"`
	Inventory      int `json:"inventory"`
	Backlog        int `json:"backlog"`
}

// Owed is the total due to the customer this period.
func (o Outcome) Owed() int {
	return o.Incoming + o.PriorBacklog
}

// Stockout reports whether backlog was newly incurred or grew.
func (o Outcome) Stockout() bool {
	return o.Backlog > o.PriorBacklog
}

// Partial reports a shipment that covered some but not all of what was owed.
func (o Outcome) Partial() bool {
	return o.Shipped > 0 && o.Shipped < o.Owed()
}

// Resolve settles a single kind: ship as much of the owed quantity as the
// available stock allows and carry the rest as backlog.
func Resolve(inventory, backlog, arriving, incoming int) Outcome {
	inventory, backlog = clamp(inventory), clamp(backlog)
	arriving, incoming = clamp(arriving), clamp(incoming)

	available := inventory + arriving
	owed := incoming + backlog
	shipped := min(available, owed)

	return Outcome{
		PriorInventory: inventory,
		PriorBacklog:   backlog,
		Arriving:       arriving,
		Incoming:       incoming,
		Shipped:        shipped,
		Inventory:      available - shipped,
		Backlog:        owed - shipped,
	}
}

// PooledOutcome is the settlement of a combined-pool echelon.
type PooledOutcome struct {
	PriorInventory int              `json:"prior_inventory"`
	Arriving       int              `json:"arriving"`
	Inventory      int              `json:"inventory"`
	ServiceLevel   float64          `json:"service_level"`
	Kinds          map[Kind]Outcome `json:"kinds"` // Per served kind; inventory fields unused
}

// Shipped sums the shipment across served kinds.
func (p PooledOutcome) Shipped() int {
	total := 0
	for _, o := range p.Kinds {
		total += o.Shipped
	}
	return total
}

// ResolvePooled settles a pool that serves several kinds from one inventory.
// When stock is short every kind receives the same service level
// (available / total owed), floored per kind. Units lost to flooring stay in
// the pool and the unshipped remainder of each kind is carried as its backlog.
func ResolvePooled(inventory int, backlog map[Kind]int, arriving int, incoming map[Kind]int) PooledOutcome {
	inventory, arriving = clamp(inventory), clamp(arriving)
	available := inventory + arriving

	kinds := servedKinds(backlog, incoming)
	owed := make(map[Kind]int, len(kinds))
	totalOwed := 0
	for _, k := range kinds {
		owed[k] = clamp(incoming[k]) + clamp(backlog[k])
		totalOwed += owed[k]
	}

	out := PooledOutcome{
		PriorInventory: inventory,
		Arriving:       arriving,
		ServiceLevel:   1,
		Kinds:          make(map[Kind]Outcome, len(kinds)),
	}
	if totalOwed > available {
		out.ServiceLevel = float64(available) / float64(totalOwed)
	}

	shippedTotal := 0
	for _, k := range kinds {
		shipped := owed[k]
		if totalOwed > available {
			// Integer arithmetic keeps floor(owed × available / totalOwed) exact.
			shipped = owed[k] * available / totalOwed
		}
		shippedTotal += shipped
		out.Kinds[k] = Outcome{
			PriorBacklog: clamp(backlog[k]),
			Incoming:     clamp(incoming[k]),
			Shipped:      shipped,
			Backlog:      owed[k] - shipped,
		}
	}
	out.Inventory = available - shippedTotal
	return out
}

// Apply commits a single-kind outcome into the echelon's state.
func (e *Echelon) Apply(kind Kind, o Outcome) {
	e.Inventory[kind] = o.Inventory
	e.Backlog[kind] = o.Backlog
	e.LastOrderReceived[kind] = o.Incoming
	e.LastShipped[kind] = o.Shipped
}

// ApplyPooled commits a pooled outcome into the echelon's state.
func (e *Echelon) ApplyPooled(p PooledOutcome) {
	e.Inventory[e.Pool] = p.Inventory
	for k, o := range p.Kinds {
		e.Backlog[k] = o.Backlog
		e.LastOrderReceived[k] = o.Incoming
		e.LastShipped[k] = o.Shipped
	}
}

func servedKinds(a, b map[Kind]int) []Kind {
	seen := make(map[Kind]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	out := make([]Kind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
