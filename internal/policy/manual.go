package policy

import (
	"context"
	"sync"
)

// Manual is a human policy fed from outside the simulation, typically by the
// HTTP API. A staged quantity is consumed by the next decision.
type Manual struct {
	mu     sync.Mutex
	staged *int
}

// NewManual returns a Manual with nothing staged.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Name() string { return "manual" }

// Stage sets the order submitted at the next decision.
func (m *Manual) Stage(n int) error {
	if err := CheckOrder(n); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged = &n
	return nil
}

func (m *Manual) Decide(context.Context, Snapshot) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staged == nil {
		return Decision{}, ErrNoInput
	}
	n := *m.staged
	m.staged = nil
	return Decision{Order: n, Rationale: "submitted by player", Source: m.Name()}, nil
}
