package engine

import (
	"slices"

	"github.com/shopspring/decimal"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"     // Goods arrived
	SeverityWarning  Severity = "warning"  // Degraded decision or partial shipment
	SeverityStockout Severity = "stockout" // Backlog incurred or grew
)

// Event is a notable occurrence in the chain.
type Event struct {
	Period      int      `json:"period"`
	Echelon     string   `json:"echelon"`
	Line        string   `json:"line"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// HistoryEntry records one echelon at the end of one period. Entries are
// appended once and never changed.
type HistoryEntry struct {
	Period    int             `json:"period"`
	Echelon   string          `json:"echelon"`
	Role      string          `json:"role"`
	Inventory int             `json:"inventory"`
	Backlog   int             `json:"backlog"`
	Incoming  int             `json:"incoming"`
	Arrived   int             `json:"arrived"`
	Ordered   int             `json:"ordered"`
	Shipped   int             `json:"shipped"`
	Cost      decimal.Decimal `json:"cost"`
	Rationale string          `json:"rationale"`
	Degraded  bool            `json:"degraded"`
	Lines     []LineRecord    `json:"lines"`
}

// LineRecord is the per-line detail of a history entry.
type LineRecord struct {
	Line      string `json:"line"`
	Kind      string `json:"kind"`
	Inventory int    `json:"inventory"`
	Backlog   int    `json:"backlog"`
	Incoming  int    `json:"incoming"`
	Arrived   int    `json:"arrived"`
	Ordered   int    `json:"ordered"`
	Shipped   int    `json:"shipped"`
	Source    string `json:"source"`
	Rationale string `json:"rationale"`
	Degraded  bool   `json:"degraded"`
}

func cloneHistory(h []HistoryEntry) []HistoryEntry {
	out := slices.Clone(h)
	for i := range out {
		out[i].Lines = slices.Clone(out[i].Lines)
	}
	return out
}
