package engine

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/talgya/chainsim/internal/echelon"
	"github.com/talgya/chainsim/internal/policy"
)

type resolution struct {
	cost    decimal.Decimal
	entries []HistoryEntry
	events  []Event
}

// resolve settles period p. Echelons go upstream-first so that everything a
// supplier ships this period, with any shipping delay, is still ahead of its
// customer's collection. Callers hold the write lock.
func (s *Simulation) resolve(p int, decisions map[string]policy.Decision) (*resolution, error) {
	out := &resolution{cost: decimal.Zero}
	entries := make([]HistoryEntry, len(s.echelons))

	for i := len(s.echelons) - 1; i >= 0; i-- {
		e := s.echelons[i]
		e.ResetDiagnostics()

		entry := HistoryEntry{Period: p, Echelon: e.Name, Role: string(e.Role)}
		var rationales []string

		for _, ln := range s.net.linesOf[i] {
			d := decisions[ln.key]
			rec, events, err := s.resolveLine(p, ln, d)
			if err != nil {
				return nil, fmt.Errorf("line %s: %w", ln.key, err)
			}
			out.events = append(out.events, events...)

			if d.Degraded {
				entry.Degraded = true
				e.LastDegraded = true
			}
			rationales = append(rationales, prefixLine(ln, d.Rationale))
			entry.Lines = append(entry.Lines, rec)
			entry.Incoming += rec.Incoming
			entry.Arrived += rec.Arrived
			entry.Ordered += rec.Ordered
			entry.Shipped += rec.Shipped

			s.lineHist[ln.key] = append(s.lineHist[ln.key], policy.HistoryPoint{
				Period:    p,
				Inventory: rec.Inventory,
				Backlog:   rec.Backlog,
				Incoming:  rec.Incoming,
				Arrived:   rec.Arrived,
				Ordered:   rec.Ordered,
				Shipped:   rec.Shipped,
			})
		}

		e.LastRationale = strings.Join(rationales, "; ")
		entry.Rationale = e.LastRationale
		entry.Inventory = e.TotalInventory()
		entry.Backlog = e.TotalBacklog()
		entry.Cost = e.PeriodCost()
		out.cost = out.cost.Add(entry.Cost)
		entries[i] = entry
	}

	out.entries = entries
	return out, nil
}

// resolveLine runs one line through the period: place its order, take in
// arrivals and customer orders, ship what stock allows and record the outcome.
func (s *Simulation) resolveLine(p int, ln *line, d policy.Decision) (LineRecord, []Event, error) {
	e := s.echelons[ln.index]
	lt := s.scenario.LeadTimes

	// Place the order: to the supplier's order queue, or into production.
	if ln.supplier >= 0 {
		sup := s.echelons[ln.supplier].Name
		if err := s.ledger.Schedule(ordersQueue(sup, ln.kind), p+lt.Order, d.Order); err != nil {
			return LineRecord{}, nil, fmt.Errorf("place order: %w", err)
		}
	} else {
		if err := s.ledger.Schedule(supplyQueue(e.Name, ln.kind), p+lt.Production, d.Order); err != nil {
			return LineRecord{}, nil, fmt.Errorf("start production: %w", err)
		}
	}
	e.LastOrderPlaced[ln.kind] = d.Order

	arriving, err := s.ledger.CollectDue(supplyQueue(e.Name, ln.kind), p)
	if err != nil {
		return LineRecord{}, nil, fmt.Errorf("collect supply: %w", err)
	}

	rec := LineRecord{
		Line:      ln.key,
		Kind:      ln.kind,
		Arrived:   arriving,
		Ordered:   d.Order,
		Source:    d.Source,
		Rationale: d.Rationale,
		Degraded:  d.Degraded,
	}
	var events []Event
	if arriving > 0 {
		events = append(events, Event{
			Period: p, Echelon: e.Name, Line: ln.key, Severity: SeverityInfo,
			Description: fmt.Sprintf("%s received %d %s", e.Name, arriving, ln.kind),
		})
	}
	if d.Degraded {
		events = append(events, Event{
			Period: p, Echelon: e.Name, Line: ln.key, Severity: SeverityWarning,
			Description: fmt.Sprintf("%s ordered %d by fallback: %s", ln.key, d.Order, d.Rationale),
		})
	}

	if e.Pooled() {
		incoming := make(map[echelon.Kind]int)
		for _, k := range s.net.served[ln.index] {
			incoming[k], err = s.collectOrders(p, ln.index, k)
			if err != nil {
				return LineRecord{}, nil, err
			}
		}
		po := echelon.ResolvePooled(e.Inventory[e.Pool], e.Backlog, arriving, incoming)
		e.ApplyPooled(po)
		for _, k := range s.net.served[ln.index] {
			o := po.Kinds[k]
			if err := s.ship(p, ln.index, k, o.Shipped); err != nil {
				return LineRecord{}, nil, err
			}
			events = append(events, outcomeEvents(p, e.Name, ln.key, k, o)...)
			rec.Incoming += o.Incoming
			rec.Shipped += o.Shipped
			rec.Backlog += o.Backlog
		}
		rec.Inventory = po.Inventory
		return rec, events, nil
	}

	incoming, err := s.collectOrders(p, ln.index, ln.kind)
	if err != nil {
		return LineRecord{}, nil, err
	}
	o := echelon.Resolve(e.Inventory[ln.kind], e.Backlog[ln.kind], arriving, incoming)
	e.Apply(ln.kind, o)
	if err := s.ship(p, ln.index, ln.kind, o.Shipped); err != nil {
		return LineRecord{}, nil, err
	}
	events = append(events, outcomeEvents(p, e.Name, ln.key, ln.kind, o)...)
	rec.Incoming = o.Incoming
	rec.Shipped = o.Shipped
	rec.Inventory = o.Inventory
	rec.Backlog = o.Backlog
	return rec, events, nil
}

// collectOrders releases what customers ordered of kind from echelon i this
// period; for the demand-facing echelon that is end-customer demand.
func (s *Simulation) collectOrders(p, i int, kind echelon.Kind) (int, error) {
	if i == 0 {
		return s.current[kind], nil
	}
	n, err := s.ledger.CollectDue(ordersQueue(s.echelons[i].Name, kind), p)
	if err != nil {
		return 0, fmt.Errorf("collect orders: %w", err)
	}
	return n, nil
}

// ship sends qty of kind from echelon i to its customer. Shipments to end
// consumers leave the system.
func (s *Simulation) ship(p, i int, kind echelon.Kind, qty int) error {
	c, ok := s.net.customer[i][kind]
	if !ok || c < 0 || qty == 0 {
		return nil
	}
	to := supplyQueue(s.echelons[c].Name, kind)
	if err := s.ledger.Schedule(to, p+s.scenario.LeadTimes.Shipping, qty); err != nil {
		return fmt.Errorf("ship to %s: %w", s.echelons[c].Name, err)
	}
	return nil
}

func outcomeEvents(p int, name, key string, kind echelon.Kind, o echelon.Outcome) []Event {
	var events []Event
	if o.Stockout() {
		events = append(events, Event{
			Period: p, Echelon: name, Line: key, Severity: SeverityStockout,
			Description: fmt.Sprintf("%s short of %s: backlog %d → %d", name, kind, o.PriorBacklog, o.Backlog),
		})
	}
	if o.Partial() {
		events = append(events, Event{
			Period: p, Echelon: name, Line: key, Severity: SeverityWarning,
			Description: fmt.Sprintf("%s shipped %d of %d %s owed", name, o.Shipped, o.Owed(), kind),
		})
	}
	return events
}

func prefixLine(ln *line, rationale string) string {
	if !strings.Contains(ln.key, "/") {
		return rationale
	}
	return ln.kind + ": " + rationale
}
