package engine

import (
	"fmt"
	"sort"

	"github.com/talgya/chainsim/internal/config"
	"github.com/talgya/chainsim/internal/echelon"
	"github.com/talgya/chainsim/internal/pipeline"
	"github.com/talgya/chainsim/internal/policy"
)

// line is one echelon's stock of one kind (or its pool) and the policy that
// replenishes it.
type line struct {
	key      string
	index    int          // Echelon index, 0 = demand-facing
	kind     echelon.Kind // Stocked kind; the pool name for pooled echelons
	supplier int          // Echelon index, -1 when produced in-house
	guard    *policy.Guard
	manual   *policy.Manual // Set when the policy takes staged input
	console  bool           // Prompts a person; queried one at a time in line order
}

// network is the static shape of the chain.
type network struct {
	lines    []*line
	byKey    map[string]*line
	linesOf  [][]*line
	served   [][]echelon.Kind       // Kinds each echelon's customers order from it
	customer []map[echelon.Kind]int // Served kind → customer index; -1 = end consumers
}

func buildNetwork(sc *config.Scenario, opts options) (*network, error) {
	n := len(sc.Echelons)
	index := make(map[string]int, n)
	for i, ec := range sc.Echelons {
		index[ec.Name] = i
	}

	net := &network{
		byKey:    make(map[string]*line),
		linesOf:  make([][]*line, n),
		served:   make([][]echelon.Kind, n),
		customer: make([]map[echelon.Kind]int, n),
	}
	for i := range sc.Echelons {
		net.customer[i] = make(map[echelon.Kind]int)
	}
	for _, k := range sc.Echelons[0].Kinds {
		net.served[0] = append(net.served[0], k)
		net.customer[0][k] = -1
	}
	for c, ec := range sc.Echelons {
		for kind, sup := range ec.Suppliers {
			j := index[sup]
			net.served[j] = append(net.served[j], kind)
			net.customer[j][kind] = c
		}
	}
	for i := range net.served {
		sort.Strings(net.served[i])
	}

	fallback, err := policy.BuildRule(sc.Fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	deps := policy.Deps{LLM: opts.llm, Console: opts.console}

	for i, ec := range sc.Echelons {
		stocked := ec.Stocked()
		for _, kind := range stocked {
			key := ec.Name
			if len(stocked) > 1 {
				key = ec.Name + "/" + kind
			}
			supplier := -1
			if sup, ok := ec.Suppliers[kind]; ok {
				supplier = index[sup]
			}

			p, ok := opts.policies[key]
			if !ok {
				p, err = policy.Build(ec.Policy, deps)
				if err != nil {
					return nil, fmt.Errorf("line %s: %w", key, err)
				}
			}
			timeout := sc.PolicyTimeout
			if ec.Policy.Type == config.PolicyConsole && !ok {
				timeout = 0 // A person at a terminal takes as long as they take
			}

			ln := &line{
				key:      key,
				index:    i,
				kind:     kind,
				supplier: supplier,
				guard:    policy.NewGuard(p, fallback, timeout, sc.OrderCap),
			}
			if m, isManual := p.(*policy.Manual); isManual {
				ln.manual = m
			}
			_, ln.console = p.(*policy.Console)
			net.lines = append(net.lines, ln)
			net.byKey[key] = ln
			net.linesOf[i] = append(net.linesOf[i], ln)
		}
	}
	return net, nil
}

// leadTime is the periods between placing an order and receiving the goods,
// assuming the supplier has stock.
func (ln *line) leadTime(lt config.LeadTimes) int {
	if ln.supplier < 0 {
		return lt.Production
	}
	return lt.Order + lt.Shipping
}

func supplyQueue(name string, kind echelon.Kind) pipeline.QueueID {
	return pipeline.QueueID{Flow: pipeline.FlowSupply, Echelon: name, Kind: kind}
}

func ordersQueue(name string, kind echelon.Kind) pipeline.QueueID {
	return pipeline.QueueID{Flow: pipeline.FlowOrders, Echelon: name, Kind: kind}
}

// warmUp pre-loads every pipeline as if the chain had been running at
// WarmupRate: orders already travelling to each supplier and goods already on
// their way to each line.
func (net *network) warmUp(sc *config.Scenario, l *pipeline.Ledger) error {
	rate := sc.WarmupRate
	if rate == 0 {
		return nil
	}
	lt := sc.LeadTimes
	for i, ec := range sc.Echelons {
		if i > 0 {
			for _, k := range net.served[i] {
				for p := 1; p <= lt.Order; p++ {
					if err := l.Schedule(ordersQueue(ec.Name, k), p, rate); err != nil {
						return err
					}
				}
			}
		}
		for _, ln := range net.linesOf[i] {
			delay, qty := lt.Shipping, rate
			if ln.supplier < 0 {
				delay = lt.Production
			}
			if ec.Pool != "" {
				qty = rate * len(net.served[i])
			}
			for p := 1; p <= delay; p++ {
				if err := l.Schedule(supplyQueue(ec.Name, ln.kind), p, qty); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
