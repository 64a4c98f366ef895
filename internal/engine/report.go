package engine

import (
	"math"

	"github.com/shopspring/decimal"
)

// Report summarises a run from its history ledger.
type Report struct {
	RunID        string          `json:"run_id"`
	Scenario     string          `json:"scenario"`
	Seed         int64           `json:"seed"`
	Periods      int             `json:"periods"` // Settled periods
	Complete     bool            `json:"complete"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	AvgInventory float64         `json:"avg_inventory"` // Chain-wide, per period
	AvgBacklog   float64         `json:"avg_backlog"`   // Chain-wide, per period
	Degraded     int             `json:"degraded_decisions"`
	Stockouts    int             `json:"stockout_events"`
	DemandStdDev float64         `json:"demand_std_dev"`
	Echelons     []EchelonReport `json:"echelons"` // Downstream first
}

// EchelonReport is one echelon's share of the run.
type EchelonReport struct {
	Name          string          `json:"name"`
	Role          string          `json:"role"`
	Cost          decimal.Decimal `json:"cost"`
	AvgInventory  float64         `json:"avg_inventory"`
	AvgBacklog    float64         `json:"avg_backlog"`
	PeakOrder     int             `json:"peak_order"`
	MeanOrder     float64         `json:"mean_order"`
	OrderStdDev   float64         `json:"order_std_dev"`
	Amplification float64         `json:"amplification"` // Order std dev over demand std dev; 0 when demand is flat
	Degraded      int             `json:"degraded_decisions"`
}

// Report builds the termination report. It may be called mid-run.
func (s *Simulation) Report() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := &Report{
		RunID:     s.runID,
		Scenario:  s.scenario.Name,
		Seed:      s.seed,
		Periods:   s.period - 1,
		Complete:  s.phase == PhaseComplete,
		TotalCost: s.totalCost,
	}
	for _, ev := range s.events {
		if ev.Severity == SeverityStockout {
			r.Stockouts++
		}
	}

	n := len(s.echelons)
	orders := make([][]float64, n)
	byName := make(map[string]int, n)
	r.Echelons = make([]EchelonReport, n)
	for i, e := range s.echelons {
		byName[e.Name] = i
		r.Echelons[i] = EchelonReport{Name: e.Name, Role: string(e.Role), Cost: decimal.Zero}
	}

	var demandSeries []float64
	for _, h := range s.history {
		i := byName[h.Echelon]
		er := &r.Echelons[i]
		er.Cost = er.Cost.Add(h.Cost)
		er.AvgInventory += float64(h.Inventory)
		er.AvgBacklog += float64(h.Backlog)
		er.PeakOrder = max(er.PeakOrder, h.Ordered)
		orders[i] = append(orders[i], float64(h.Ordered))
		for _, l := range h.Lines {
			if l.Degraded {
				er.Degraded++
			}
		}
		if i == 0 {
			demandSeries = append(demandSeries, float64(h.Incoming))
		}
		r.AvgInventory += float64(h.Inventory)
		r.AvgBacklog += float64(h.Backlog)
	}

	_, r.DemandStdDev = meanStdDev(demandSeries)
	if r.Periods > 0 {
		periods := float64(r.Periods)
		r.AvgInventory /= periods
		r.AvgBacklog /= periods
		for i := range r.Echelons {
			er := &r.Echelons[i]
			er.AvgInventory /= periods
			er.AvgBacklog /= periods
			er.MeanOrder, er.OrderStdDev = meanStdDev(orders[i])
			if r.DemandStdDev > 0 {
				er.Amplification = er.OrderStdDev / r.DemandStdDev
			}
			r.Degraded += er.Degraded
		}
	}
	return r
}

func meanStdDev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		stddev += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(stddev / float64(len(xs)))
}
