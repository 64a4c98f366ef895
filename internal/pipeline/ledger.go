// Package pipeline tracks quantities in transit between echelons.
// Orders travel upstream, shipments and production travel downstream; both are
// entries keyed by the period they become due and are released exactly once.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

// Flow distinguishes the two directions goods and information move in.
type Flow string

const (
	FlowOrders Flow = "orders" // Orders in transit toward a supplier
	FlowSupply Flow = "supply" // Shipments or production in transit toward a stocking point
)

var (
	// ErrPastDue is returned when an entry is scheduled for a period the queue
	// has already released.
	ErrPastDue = errors.New("arrival period already collected")
	// ErrAlreadyCollected is returned on a second collection for the same period.
	ErrAlreadyCollected = errors.New("queue already collected for period")
)

// QueueID names one in-transit queue.
type QueueID struct {
	Flow    Flow   `json:"flow"`
	Echelon string `json:"echelon"` // Receiving echelon
	Kind    string `json:"kind"`
}

func (q QueueID) String() string {
	return fmt.Sprintf("%s/%s/%s", q.Flow, q.Echelon, q.Kind)
}

// Entry is a single scheduled quantity.
type Entry struct {
	Arrival  int `json:"arrival"`
	Quantity int `json:"quantity"`
}

type queue struct {
	due           map[int]int // arrival period → quantity
	lastCollected int
	collected     bool
	scheduled     int
	released      int
}

// Ledger holds every queue of a simulation. It is not safe for concurrent use;
// the orchestrator owns it.
type Ledger struct {
	queues map[QueueID]*queue
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{queues: make(map[QueueID]*queue)}
}

func (l *Ledger) get(id QueueID) *queue {
	q, ok := l.queues[id]
	if !ok {
		q = &queue{due: make(map[int]int)}
		l.queues[id] = q
	}
	return q
}

// Schedule appends qty to queue id, due at arrival.
func (l *Ledger) Schedule(id QueueID, arrival, qty int) error {
	if qty < 0 {
		return fmt.Errorf("schedule %s: negative quantity %d", id, qty)
	}
	q := l.get(id)
	if q.collected && arrival <= q.lastCollected {
		return fmt.Errorf("schedule %s at period %d: %w", id, arrival, ErrPastDue)
	}
	if qty == 0 {
		return nil
	}
	q.due[arrival] += qty
	q.scheduled += qty
	return nil
}

// CollectDue releases everything due at period. Nothing due is not an error.
// A queue may be collected at most once per period, in increasing period order.
func (l *Ledger) CollectDue(id QueueID, period int) (int, error) {
	q := l.get(id)
	if q.collected && period <= q.lastCollected {
		return 0, fmt.Errorf("collect %s at period %d: %w", id, period, ErrAlreadyCollected)
	}
	q.collected = true
	q.lastCollected = period

	qty := q.due[period]
	delete(q.due, period)
	q.released += qty
	return qty, nil
}

// Due reports what CollectDue would release for period, without releasing it.
func (l *Ledger) Due(id QueueID, period int) int {
	q, ok := l.queues[id]
	if !ok {
		return 0
	}
	if q.collected && period <= q.lastCollected {
		return 0
	}
	return q.due[period]
}

// Pending returns the total scheduled into id and not yet released.
func (l *Ledger) Pending(id QueueID) int {
	q, ok := l.queues[id]
	if !ok {
		return 0
	}
	return q.scheduled - q.released
}

// Entries lists the unreleased entries of id ordered by arrival.
func (l *Ledger) Entries(id QueueID) []Entry {
	q, ok := l.queues[id]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(q.due))
	for arrival, qty := range q.due {
		out = append(out, Entry{Arrival: arrival, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Arrival < out[j].Arrival })
	return out
}

// Totals returns the running scheduled and released sums for id.
func (l *Ledger) Totals(id QueueID) (scheduled, released int) {
	q, ok := l.queues[id]
	if !ok {
		return 0, 0
	}
	return q.scheduled, q.released
}

// Queues lists every queue the ledger has seen, in a stable order.
func (l *Ledger) Queues() []QueueID {
	ids := make([]QueueID, 0, len(l.queues))
	for id := range l.queues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
