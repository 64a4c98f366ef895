package engine

import (
	"maps"

	"github.com/shopspring/decimal"

	"github.com/talgya/chainsim/internal/echelon"
	"github.com/talgya/chainsim/internal/pipeline"
)

// Snapshot is a read-only copy of the simulation for presentation.
type Snapshot struct {
	RunID      string               `json:"run_id"`
	Scenario   string               `json:"scenario"`
	Period     int                  `json:"period"`
	MaxPeriods int                  `json:"max_periods"`
	Phase      Phase                `json:"phase"`
	Seed       int64                `json:"seed"`
	Demand     map[echelon.Kind]int `json:"demand,omitempty"` // Current period, not yet served
	Echelons   []*echelon.Echelon   `json:"echelons"`
	Lines      []string             `json:"lines"`
	Pipeline   []QueueView          `json:"pipeline"`
	TotalCost  decimal.Decimal      `json:"total_cost"`
	History    []HistoryEntry       `json:"history"`
	Events     []Event              `json:"events"`
}

// QueueView lists what is in transit on one queue.
type QueueView struct {
	Queue   pipeline.QueueID `json:"queue"`
	Entries []pipeline.Entry `json:"entries"`
}

// Snapshot copies the current state.
func (s *Simulation) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		RunID:      s.runID,
		Scenario:   s.scenario.Name,
		Period:     s.period,
		MaxPeriods: s.scenario.MaxPeriods,
		Phase:      s.phase,
		Seed:       s.seed,
		Demand:     maps.Clone(s.current),
		TotalCost:  s.totalCost,
		History:    cloneHistory(s.history),
		Events:     append([]Event(nil), s.events...),
	}
	for _, e := range s.echelons {
		snap.Echelons = append(snap.Echelons, e.Clone())
	}
	for _, ln := range s.net.lines {
		snap.Lines = append(snap.Lines, ln.key)
	}
	for _, id := range s.ledger.Queues() {
		if entries := s.ledger.Entries(id); len(entries) > 0 {
			snap.Pipeline = append(snap.Pipeline, QueueView{Queue: id, Entries: entries})
		}
	}
	return snap
}
