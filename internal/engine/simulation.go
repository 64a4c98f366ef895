// Package engine runs a supply chain simulation period by period: it gathers
// every line's order decision, resolves arrivals, shipments and backlog
// upstream-first, and keeps an immutable ledger of what happened.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/chainsim/internal/config"
	"github.com/talgya/chainsim/internal/demand"
	"github.com/talgya/chainsim/internal/echelon"
	"github.com/talgya/chainsim/internal/entropy"
	"github.com/talgya/chainsim/internal/llm"
	"github.com/talgya/chainsim/internal/pipeline"
	"github.com/talgya/chainsim/internal/policy"
)

var (
	// ErrComplete is returned by AdvancePeriod once the horizon is reached.
	ErrComplete = errors.New("simulation complete")
	// ErrUnknownLine is returned for an override naming no line.
	ErrUnknownLine = errors.New("unknown line")
)

// Phase is where the simulation stands within a period.
type Phase string

const (
	PhaseAwaitingDecisions Phase = "awaiting_decisions"
	PhaseResolving         Phase = "resolving"
	PhaseSettled           Phase = "settled"
	PhaseComplete          Phase = "complete"
)

// Option configures a Simulation.
type Option func(*options)

type options struct {
	policies map[string]policy.Policy
	llm      *llm.Client
	console  *policy.Console
	entropy  *entropy.Client
}

// WithPolicies replaces the configured policy of the named lines.
func WithPolicies(byLine map[string]policy.Policy) Option {
	return func(o *options) { o.policies = byLine }
}

// WithLLM supplies the client used by remote policies.
func WithLLM(c *llm.Client) Option {
	return func(o *options) { o.llm = c }
}

// WithConsole attaches a terminal for console policies.
func WithConsole(c *policy.Console) Option {
	return func(o *options) { o.console = c }
}

// WithEntropy draws unset demand seeds from random.org.
func WithEntropy(c *entropy.Client) Option {
	return func(o *options) { o.entropy = c }
}

// Simulation holds the complete chain state and advances it one period at a time.
type Simulation struct {
	scenario *config.Scenario
	opts     options

	advanceMu sync.Mutex   // One AdvancePeriod or Reset at a time
	mu        sync.RWMutex // Guards everything below

	runID     string
	seed      int64
	period    int // Period awaiting decisions; MaxPeriods+1 once complete
	phase     Phase
	echelons  []*echelon.Echelon
	net       *network
	ledger    *pipeline.Ledger
	demand    *demand.Generator
	current   map[echelon.Kind]int // Demand for the current period
	totalCost decimal.Decimal
	history   []HistoryEntry
	lineHist  map[string][]policy.HistoryPoint
	events    []Event
}

// New validates the scenario and builds a simulation ready for period 1.
// Configuration errors are fatal: no simulation is returned.
func New(sc *config.Scenario, opts ...Option) (*Simulation, error) {
	if sc == nil {
		return nil, fmt.Errorf("nil scenario")
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", sc.Name, err)
	}
	s := &Simulation{scenario: sc}
	for _, opt := range opts {
		opt(&s.opts)
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// init builds fresh state from the scenario. Callers hold no lock or the write lock.
func (s *Simulation) init() error {
	sc := s.scenario

	seed := sc.Demand.Seed
	if seed == 0 {
		seed = entropy.Seed(context.Background(), s.opts.entropy)
	}
	dcfg := sc.Demand
	dcfg.Seed = seed
	gen, err := demand.New(dcfg)
	if err != nil {
		return fmt.Errorf("demand: %w", err)
	}

	echelons := make([]*echelon.Echelon, len(sc.Echelons))
	for i, ec := range sc.Echelons {
		r := sc.Costs.RatesFor(ec.Role)
		rates := echelon.Rates{Holding: decimal.NewFromFloat(r.Holding), Backlog: decimal.NewFromFloat(r.Backlog)}
		initial := make(map[echelon.Kind]int)
		for _, k := range ec.Stocked() {
			initial[k] = ec.InitialInventory[k]
		}
		e := echelon.New(ec.Name, echelon.Role(ec.Role), rates, initial)
		e.Pool = ec.Pool
		echelons[i] = e
	}

	net, err := buildNetwork(sc, s.opts)
	if err != nil {
		return err
	}
	ledger := pipeline.NewLedger()
	if err := net.warmUp(sc, ledger); err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}
	for i, e := range echelons {
		if e.Pooled() {
			for _, k := range net.served[i] {
				e.Backlog[k] = 0
			}
		}
	}

	s.runID = uuid.NewString()
	s.seed = seed
	s.period = 1
	s.phase = PhaseAwaitingDecisions
	s.echelons = echelons
	s.net = net
	s.ledger = ledger
	s.demand = gen
	s.current = gen.At(1)
	s.totalCost = decimal.Zero
	s.history = nil
	s.lineHist = make(map[string][]policy.HistoryPoint)
	s.events = nil

	slog.Info("simulation ready",
		"run", s.runID,
		"scenario", sc.Name,
		"echelons", len(echelons),
		"lines", len(net.lines),
		"periods", sc.MaxPeriods,
		"seed", seed,
	)
	return nil
}

// Reset discards all state and restarts from the scenario under a new run ID.
func (s *Simulation) Reset() error {
	s.advanceMu.Lock()
	defer s.advanceMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init()
}

// PeriodResult summarises one settled period.
type PeriodResult struct {
	Period    int                        `json:"period"`
	Demand    map[echelon.Kind]int       `json:"demand"`
	Decisions map[string]policy.Decision `json:"decisions"`
	Cost      decimal.Decimal            `json:"cost"`
	TotalCost decimal.Decimal            `json:"total_cost"`
	Events    []Event                    `json:"events"`
	Phase     Phase                      `json:"phase"`
}

// AdvancePeriod runs one period. Overrides map line keys to order quantities
// and take precedence over the lines' policies (a manual line receives the
// override as its submitted order). Invalid overrides are rejected before
// anything changes.
func (s *Simulation) AdvancePeriod(ctx context.Context, overrides map[string]int) (*PeriodResult, error) {
	s.advanceMu.Lock()
	defer s.advanceMu.Unlock()

	// AWAITING_DECISIONS
	s.mu.RLock()
	if s.phase == PhaseComplete {
		s.mu.RUnlock()
		return nil, ErrComplete
	}
	if err := s.checkOverrides(overrides); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	period := s.period
	snaps := s.snapshots()
	s.mu.RUnlock()

	decisions := s.decide(ctx, snaps, overrides)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("period %d: %w", period, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// RESOLVING
	s.phase = PhaseResolving
	out, err := s.resolve(period, decisions)
	if err != nil {
		return nil, fmt.Errorf("period %d: %w", period, err)
	}

	// SETTLED
	s.phase = PhaseSettled
	s.totalCost = s.totalCost.Add(out.cost)
	s.history = append(s.history, out.entries...)
	s.events = append(s.events, out.events...)

	degraded := 0
	for key, d := range decisions {
		if d.Degraded {
			degraded++
			slog.Warn("degraded decision", "period", period, "line", key, "order", d.Order, "rationale", d.Rationale)
		}
	}
	slog.Info("period settled",
		"period", period,
		"cost", out.cost.StringFixed(2),
		"total_cost", s.totalCost.StringFixed(2),
		"degraded", degraded,
		"events", len(out.events),
	)

	result := &PeriodResult{
		Period:    period,
		Demand:    s.current,
		Decisions: decisions,
		Cost:      out.cost,
		TotalCost: s.totalCost,
		Events:    out.events,
	}

	s.period++
	if s.period > s.scenario.MaxPeriods {
		s.phase = PhaseComplete
		s.current = nil
		slog.Info("simulation complete", "run", s.runID, "total_cost", s.totalCost.StringFixed(2))
	} else {
		s.phase = PhaseAwaitingDecisions
		s.current = s.demand.At(s.period)
	}
	result.Phase = s.phase
	return result, nil
}

func (s *Simulation) checkOverrides(overrides map[string]int) error {
	var errs []error
	for key, qty := range overrides {
		if _, ok := s.net.byKey[key]; !ok {
			errs = append(errs, fmt.Errorf("%w %q", ErrUnknownLine, key))
			continue
		}
		if err := policy.CheckOrder(qty); err != nil {
			errs = append(errs, fmt.Errorf("line %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// RunToCompletion advances with no overrides until the horizon.
func (s *Simulation) RunToCompletion(ctx context.Context) error {
	for {
		_, err := s.AdvancePeriod(ctx, nil)
		if errors.Is(err, ErrComplete) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// RunID identifies the current run; Reset issues a new one.
func (s *Simulation) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// Seed reports the demand seed in use.
func (s *Simulation) Seed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seed
}

// Scenario returns the configuration the simulation runs.
func (s *Simulation) Scenario() *config.Scenario {
	return s.scenario
}

// Phase reports the current phase.
func (s *Simulation) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Period reports the period awaiting decisions (MaxPeriods+1 once complete).
func (s *Simulation) Period() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.period
}

// Complete reports whether the horizon has been reached.
func (s *Simulation) Complete() bool {
	return s.Phase() == PhaseComplete
}

// TotalCost is the accumulated cost of all settled periods.
func (s *Simulation) TotalCost() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalCost
}

// History returns a copy of the history ledger.
func (s *Simulation) History() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneHistory(s.history)
}

// Events returns a copy of the event log.
func (s *Simulation) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// Lines lists the line keys in decision order.
func (s *Simulation) Lines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, len(s.net.lines))
	for i, ln := range s.net.lines {
		keys[i] = ln.key
	}
	return keys
}
