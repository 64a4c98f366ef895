package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/chainsim/internal/config"
	"github.com/talgya/chainsim/internal/demand"
	"github.com/talgya/chainsim/internal/pipeline"
	"github.com/talgya/chainsim/internal/policy"
)

// beerChain is a serial single-kind chain whose last echelon produces.
func beerChain(n, initial, warmup int, lt config.LeadTimes, schedule []int, p config.Policy) *config.Scenario {
	roles := []string{"retailer", "wholesaler", "distributor", "manufacturer", "manufacturer"}
	sc := &config.Scenario{
		Name:          "test",
		MaxPeriods:    20,
		LeadTimes:     lt,
		Costs:         config.Costs{Holding: 0.5, Backlog: 1},
		WarmupRate:    warmup,
		HistoryWindow: 3,
		PolicyTimeout: time.Second,
		Fallback:      config.Policy{Type: config.PolicyDemandPlusBacklog, Fraction: 0.5},
		Demand: demand.Config{Seed: 1, Streams: []demand.Stream{
			{Customer: "town", Product: "beer", Schedule: schedule},
		}},
	}
	for i := 0; i < n; i++ {
		ec := config.Echelon{
			Name:             fmt.Sprintf("e%d", i),
			Role:             roles[i],
			Kinds:            []string{"beer"},
			InitialInventory: map[string]int{"beer": initial},
			Policy:           p,
		}
		if i < n-1 {
			ec.Suppliers = map[string]string{"beer": fmt.Sprintf("e%d", i+1)}
		}
		sc.Echelons = append(sc.Echelons, ec)
	}
	return sc
}

func mustNew(t *testing.T, sc *config.Scenario, opts ...Option) *Simulation {
	t.Helper()
	sim, err := New(sc, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sim
}

func TestEquilibriumStart(t *testing.T) {
	sc := beerChain(4, 12, 4, config.LeadTimes{Order: 1, Shipping: 2, Production: 2}, []int{4},
		config.Policy{Type: config.PolicyConstant, Quantity: 4})
	sim := mustNew(t, sc)

	if err := sim.RunToCompletion(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, h := range sim.History() {
		if h.Inventory != 12 || h.Backlog != 0 {
			t.Fatalf("period %d %s: inventory %d backlog %d, want 12 and 0", h.Period, h.Echelon, h.Inventory, h.Backlog)
		}
		if h.Shipped != 4 || h.Arrived != 4 {
			t.Fatalf("period %d %s: shipped %d arrived %d, want 4", h.Period, h.Echelon, h.Shipped, h.Arrived)
		}
	}
	// 4 echelons × 12 units × 0.5 × 20 periods.
	if got := sim.TotalCost(); !got.Equal(decimal.NewFromInt(480)) {
		t.Fatalf("total cost %s, want 480", got)
	}
	for _, ev := range sim.Events() {
		if ev.Severity != SeverityInfo {
			t.Fatalf("unexpected event in equilibrium: %+v", ev)
		}
	}
}

func TestShockAmplifiesUpstreamAndShrinksWithDelay(t *testing.T) {
	anchor := config.Policy{Type: config.PolicyAnchor, Alpha: 0.5, Target: 12}
	var excess []int
	for _, delay := range []int{2, 1, 0} {
		sc := beerChain(4, 12, 4, config.LeadTimes{Order: 1, Shipping: delay, Production: delay}, []int{4, 4, 4, 4, 8}, anchor)
		sim := mustNew(t, sc)
		if err := sim.RunToCompletion(context.Background()); err != nil {
			t.Fatalf("delay %d: %v", delay, err)
		}
		rep := sim.Report()
		peak := rep.Echelons[len(rep.Echelons)-1].PeakOrder
		excess = append(excess, peak-4)
		t.Logf("delay %d: peak orders %v", delay, peaks(rep))
	}

	for i, e := range excess {
		if e <= 4 {
			t.Fatalf("excess %v: upstream peak must exceed the demand jump of 4", excess)
		}
		if i > 0 && e >= excess[i-1] {
			t.Fatalf("excess %v must strictly decrease as delays shrink", excess)
		}
	}
}

func peaks(r *Report) []int {
	out := make([]int, len(r.Echelons))
	for i, e := range r.Echelons {
		out[i] = e.PeakOrder
	}
	return out
}

func TestStockoutFromEmpty(t *testing.T) {
	sc := beerChain(2, 0, 0, config.LeadTimes{Order: 1, Shipping: 1, Production: 1}, []int{100},
		config.Policy{Type: config.PolicyConstant, Quantity: 0})
	sim := mustNew(t, sc)

	res, err := sim.AdvancePeriod(context.Background(), nil)
	if err != nil {
		t.Fatalf("AdvancePeriod: %v", err)
	}
	h := sim.History()
	retailer := h[0]
	if retailer.Echelon != "e0" || retailer.Shipped != 0 || retailer.Backlog != 100 || retailer.Inventory != 0 {
		t.Fatalf("retailer %+v, want shipped 0 backlog 100", retailer)
	}
	found := false
	for _, ev := range res.Events {
		if ev.Severity == SeverityStockout && ev.Echelon == "e0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no stockout event in %+v", res.Events)
	}
	if !res.Cost.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("period cost %s, want 100", res.Cost)
	}
}

// unitsInSystem counts every unit of stock: on hand, in transit, and shipped
// to end customers so far.
func unitsInSystem(s *Simulation, shippedToConsumers int) int {
	total := shippedToConsumers
	for _, e := range s.echelons {
		total += e.TotalInventory()
	}
	for _, id := range s.ledger.Queues() {
		if id.Flow == pipeline.FlowSupply {
			total += s.ledger.Pending(id)
		}
	}
	return total
}

func checkConservation(t *testing.T, sim *Simulation) {
	t.Helper()
	start := unitsInSystem(sim, 0)
	produced, consumed := 0, 0
	lastCost := decimal.Zero

	for !sim.Complete() {
		res, err := sim.AdvancePeriod(context.Background(), nil)
		if err != nil {
			t.Fatalf("AdvancePeriod: %v", err)
		}
		for _, ln := range sim.net.lines {
			if ln.supplier < 0 {
				produced += res.Decisions[ln.key].Order
			}
		}
		for _, h := range sim.History() {
			if h.Period == res.Period && h.Echelon == sim.echelons[0].Name {
				consumed += h.Shipped
			}
			if h.Inventory < 0 || h.Backlog < 0 {
				t.Fatalf("negative state %+v", h)
			}
		}
		if got, want := unitsInSystem(sim, consumed), start+produced; got != want {
			t.Fatalf("period %d: %d units accounted for, want %d", res.Period, got, want)
		}
		if res.TotalCost.LessThan(lastCost) {
			t.Fatalf("period %d: total cost fell from %s to %s", res.Period, lastCost, res.TotalCost)
		}
		lastCost = res.TotalCost

		for _, id := range sim.ledger.Queues() {
			scheduled, released := sim.ledger.Totals(id)
			if scheduled-released != sim.ledger.Pending(id) {
				t.Fatalf("queue %s: scheduled %d released %d pending %d", id, scheduled, released, sim.ledger.Pending(id))
			}
			for _, e := range sim.ledger.Entries(id) {
				if e.Arrival < sim.Period() {
					t.Fatalf("queue %s holds %+v, overdue at period %d", id, e, sim.Period())
				}
			}
		}
	}

	sum := decimal.Zero
	for _, h := range sim.History() {
		sum = sum.Add(h.Cost)
	}
	if !sum.Equal(sim.TotalCost()) {
		t.Fatalf("history cost %s != total %s", sum, sim.TotalCost())
	}
}

func TestConservationSerialChain(t *testing.T) {
	sc := beerChain(4, 12, 4, config.LeadTimes{Order: 2, Shipping: 1, Production: 3}, []int{4, 9, 2, 15, 0, 7},
		config.Policy{Type: config.PolicyOrderUpTo, Window: 3, SafetyStock: 2})
	checkConservation(t, mustNew(t, sc))
}

func TestConservationZeroShippingDelay(t *testing.T) {
	sc := beerChain(3, 5, 2, config.LeadTimes{Order: 1, Shipping: 0, Production: 0}, []int{6, 1, 12},
		config.Policy{Type: config.PolicyDemandPlusBacklog, Fraction: 1})
	checkConservation(t, mustNew(t, sc))
}

func TestPooledFastfoodRun(t *testing.T) {
	sc, err := config.Builtin("fastfood")
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	sim := mustNew(t, sc)
	checkConservation(t, sim)

	snap := sim.Snapshot()
	pool := snap.Echelons[1]
	if _, ok := pool.Inventory["bakery-and-meat"]; !ok || len(pool.Inventory) != 1 {
		t.Fatalf("pooled inventory %v", pool.Inventory)
	}
	for k := range pool.Backlog {
		if k != "bun" && k != "beef" {
			t.Fatalf("pooled backlog keyed by %q", k)
		}
	}
	// Manual and remote lines have no input, so every decision fell back.
	if rep := sim.Report(); rep.Degraded != 5*20 {
		t.Fatalf("degraded decisions %d, want %d", rep.Degraded, 5*20)
	}
}

type failing struct {
	mode string
	hits atomic.Int32
}

func (f *failing) Name() string { return "flaky-" + f.mode }

func (f *failing) Decide(ctx context.Context, _ policy.Snapshot) (policy.Decision, error) {
	f.hits.Add(1)
	switch f.mode {
	case "panic":
		panic("agent crashed")
	case "slow":
		<-ctx.Done()
		return policy.Decision{}, ctx.Err()
	case "negative":
		return policy.Decision{Order: -7, Rationale: "sell it back"}, nil
	case "huge":
		return policy.Decision{Order: math.MaxInt / 2, Rationale: "corner the market"}, nil
	}
	return policy.Decision{}, errors.New("provider unavailable")
}

func TestFallbackTotality(t *testing.T) {
	sc := beerChain(4, 12, 4, config.LeadTimes{Order: 1, Shipping: 2, Production: 2}, []int{4, 8},
		config.Policy{Type: config.PolicyPassThrough})
	sc.PolicyTimeout = 10 * time.Millisecond
	errPolicy, panicPolicy, slowPolicy := &failing{mode: "error"}, &failing{mode: "panic"}, &failing{mode: "slow"}
	negative := &failing{mode: "negative"}
	sim := mustNew(t, sc, WithPolicies(map[string]policy.Policy{
		"e0": errPolicy, "e1": panicPolicy, "e2": slowPolicy, "e3": negative,
	}))

	if err := sim.RunToCompletion(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sim.Period() != 21 || !sim.Complete() {
		t.Fatalf("period %d phase %s", sim.Period(), sim.Phase())
	}
	for _, h := range sim.History() {
		wantDegraded := h.Echelon != "e3"
		if h.Degraded != wantDegraded {
			t.Fatalf("%s period %d degraded=%v", h.Echelon, h.Period, h.Degraded)
		}
		if wantDegraded && !strings.HasPrefix(h.Lines[0].Rationale, "degraded:") {
			t.Fatalf("rationale %q", h.Lines[0].Rationale)
		}
		if h.Ordered < 0 {
			t.Fatalf("negative order %+v", h)
		}
	}
	if errPolicy.hits.Load() != 20 || panicPolicy.hits.Load() != 20 {
		t.Fatalf("policies not queried every period: %d %d", errPolicy.hits.Load(), panicPolicy.hits.Load())
	}
	warnings := 0
	for _, ev := range sim.Events() {
		if ev.Severity == SeverityWarning && strings.Contains(ev.Description, "fallback") {
			warnings++
		}
	}
	if warnings != 3*20 {
		t.Fatalf("%d fallback warnings, want 60", warnings)
	}
}

func TestUncappedHugeOrdersFallBack(t *testing.T) {
	sc := beerChain(2, 12, 4, config.LeadTimes{Order: 1, Shipping: 1, Production: 1}, []int{4, 4, 9, 4},
		config.Policy{Type: config.PolicyPassThrough})
	sc.MaxPeriods = 8
	if sc.OrderCap != 0 {
		t.Fatalf("scenario should be uncapped, has cap %d", sc.OrderCap)
	}
	huge := &failing{mode: "huge"}
	sim := mustNew(t, sc, WithPolicies(map[string]policy.Policy{"e0": huge, "e1": huge}))

	checkConservation(t, sim)

	for _, h := range sim.History() {
		if !h.Degraded || h.Ordered > policy.MaxOrder || h.Shipped < 0 || h.Cost.IsNegative() {
			t.Fatalf("entry %+v", h)
		}
	}
	if huge.hits.Load() != 2*8 {
		t.Fatalf("policy queried %d times, want 16", huge.hits.Load())
	}
}

func TestConsoleLinesPromptInLineOrder(t *testing.T) {
	sc, err := config.Builtin("fastfood")
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	sc.MaxPeriods = 5
	sc.Echelons[0].Policy = config.Policy{Type: config.PolicyConsole}

	var in strings.Builder
	for n := 1; n <= 3*sc.MaxPeriods; n++ {
		fmt.Fprintf(&in, "%d\n", n)
	}
	var out strings.Builder
	sim := mustNew(t, sc, WithConsole(policy.NewConsole(strings.NewReader(in.String()), &out)))

	kinds := []string{"bun", "beef", "fish"}
	for p := 1; p <= sc.MaxPeriods; p++ {
		res, err := sim.AdvancePeriod(context.Background(), nil)
		if err != nil {
			t.Fatalf("AdvancePeriod: %v", err)
		}
		for j, k := range kinds {
			d := res.Decisions["regional-dc/"+k]
			if want := 3*(p-1) + j + 1; d.Order != want || d.Degraded {
				t.Fatalf("period %d %s: decision %+v, want order %d", p, k, d, want)
			}
		}
	}

	last := -1
	for p := 1; p <= sc.MaxPeriods; p++ {
		for _, k := range kinds {
			at := strings.Index(out.String(), fmt.Sprintf("period %d · regional-dc/%s\n", p, k))
			if at <= last {
				t.Fatalf("prompt for period %d %s out of order:\n%s", p, k, out.String())
			}
			last = at
		}
	}
}

func TestOverridesValidatedBeforeMutation(t *testing.T) {
	sc := beerChain(2, 12, 4, config.LeadTimes{Order: 1, Shipping: 2, Production: 2}, []int{4},
		config.Policy{Type: config.PolicyConstant, Quantity: 4})
	sim := mustNew(t, sc)

	if _, err := sim.AdvancePeriod(context.Background(), map[string]int{"nobody": 3}); !errors.Is(err, ErrUnknownLine) {
		t.Fatalf("err = %v, want ErrUnknownLine", err)
	}
	if _, err := sim.AdvancePeriod(context.Background(), map[string]int{"e0": -1}); !errors.Is(err, policy.ErrInvalidOrder) {
		t.Fatalf("err = %v, want ErrInvalidOrder", err)
	}
	if _, err := sim.AdvancePeriod(context.Background(), map[string]int{"e0": math.MaxInt}); !errors.Is(err, policy.ErrInvalidOrder) {
		t.Fatalf("err = %v, want ErrInvalidOrder for an order above the ceiling", err)
	}
	if sim.Period() != 1 || len(sim.History()) != 0 {
		t.Fatalf("rejected overrides changed state: period %d", sim.Period())
	}

	res, err := sim.AdvancePeriod(context.Background(), map[string]int{"e0": 9})
	if err != nil {
		t.Fatalf("AdvancePeriod: %v", err)
	}
	if d := res.Decisions["e0"]; d.Order != 9 || d.Source != "override" {
		t.Fatalf("override decision %+v", d)
	}
	if d := res.Decisions["e1"]; d.Order != 4 {
		t.Fatalf("e1 decision %+v", d)
	}
}

func TestManualLineTakesOverride(t *testing.T) {
	sc, err := config.Builtin("beer")
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	sim := mustNew(t, sc)
	if lines := sim.Lines(); len(lines) != 4 || lines[0] != "retailer" {
		t.Fatalf("lines %v", lines)
	}

	res, err := sim.AdvancePeriod(context.Background(), map[string]int{"retailer": 6})
	if err != nil {
		t.Fatalf("AdvancePeriod: %v", err)
	}
	if d := res.Decisions["retailer"]; d.Order != 6 || d.Degraded || d.Source != "manual" {
		t.Fatalf("retailer decision %+v", d)
	}
	// No API key: remote agents fall back.
	if d := res.Decisions["factory"]; !d.Degraded {
		t.Fatalf("factory decision %+v", d)
	}

	// Without input the manual line falls back too.
	res, err = sim.AdvancePeriod(context.Background(), nil)
	if err != nil {
		t.Fatalf("AdvancePeriod: %v", err)
	}
	if d := res.Decisions["retailer"]; !d.Degraded {
		t.Fatalf("retailer decision %+v", d)
	}
}

func TestCompleteAndReset(t *testing.T) {
	sc := beerChain(2, 12, 4, config.LeadTimes{Order: 1, Shipping: 2, Production: 2}, []int{4},
		config.Policy{Type: config.PolicyPassThrough})
	sc.MaxPeriods = 3
	sim := mustNew(t, sc)
	first := sim.RunID()

	for i := 0; i < 3; i++ {
		if _, err := sim.AdvancePeriod(context.Background(), nil); err != nil {
			t.Fatalf("period %d: %v", i+1, err)
		}
	}
	if sim.Phase() != PhaseComplete {
		t.Fatalf("phase %s", sim.Phase())
	}
	if _, err := sim.AdvancePeriod(context.Background(), nil); !errors.Is(err, ErrComplete) {
		t.Fatalf("err = %v, want ErrComplete", err)
	}
	rep := sim.Report()
	if !rep.Complete || rep.Periods != 3 || len(rep.Echelons) != 2 {
		t.Fatalf("report %+v", rep)
	}

	if err := sim.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if sim.RunID() == first {
		t.Fatal("Reset kept the run ID")
	}
	if sim.Period() != 1 || sim.Phase() != PhaseAwaitingDecisions || len(sim.History()) != 0 || !sim.TotalCost().IsZero() {
		t.Fatalf("state after reset: period %d phase %s", sim.Period(), sim.Phase())
	}
}

func TestNewRejectsInvalidScenario(t *testing.T) {
	sc := beerChain(2, 12, 4, config.LeadTimes{Order: 0, Shipping: 2, Production: 2}, []int{4},
		config.Policy{Type: config.PolicyPassThrough})
	if _, err := New(sc); err == nil {
		t.Fatal("expected order delay 0 to be fatal")
	}
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil scenario")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	sc := beerChain(2, 12, 4, config.LeadTimes{Order: 1, Shipping: 2, Production: 2}, []int{4},
		config.Policy{Type: config.PolicyPassThrough})
	sim := mustNew(t, sc)
	if _, err := sim.AdvancePeriod(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	snap := sim.Snapshot()
	if snap.Period != 2 || len(snap.History) != 2 || len(snap.Pipeline) == 0 {
		t.Fatalf("snapshot %+v", snap)
	}
	snap.Echelons[0].Inventory["beer"] = -99
	snap.History[0].Lines[0].Ordered = -99
	if sim.Snapshot().Echelons[0].Inventory["beer"] == -99 || sim.History()[0].Lines[0].Ordered == -99 {
		t.Fatal("snapshot shares state with the simulation")
	}
}

func TestClockRunsToCompletion(t *testing.T) {
	sc := beerChain(2, 12, 4, config.LeadTimes{Order: 1, Shipping: 2, Production: 2}, []int{4},
		config.Policy{Type: config.PolicyPassThrough})
	sc.MaxPeriods = 5
	sim := mustNew(t, sc)

	clock := NewClock(time.Millisecond)
	var periods int
	var report *Report
	clock.OnPeriod = func(*PeriodResult) { periods++ }
	clock.OnComplete = func(r *Report) { report = r }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.Run(ctx, sim); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if periods != 5 || report == nil || !report.Complete {
		t.Fatalf("periods %d report %+v", periods, report)
	}
	if clock.Running() {
		t.Fatal("clock still marked running")
	}
}

func TestClockPauseAndCancel(t *testing.T) {
	sc := beerChain(2, 12, 4, config.LeadTimes{Order: 1, Shipping: 2, Production: 2}, []int{4},
		config.Policy{Type: config.PolicyPassThrough})
	sim := mustNew(t, sc)

	clock := NewClock(time.Millisecond)
	clock.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := clock.Run(ctx, sim); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}
	if sim.Period() != 1 {
		t.Fatalf("paused clock advanced to period %d", sim.Period())
	}

	clock.SetInterval(-time.Second)
	if clock.Interval() != time.Millisecond {
		t.Fatalf("interval %v", clock.Interval())
	}
}
