// Package config defines the scenario surface of the simulation: chain
// topology, lead times, cost rates, policies and demand. Each game variant is
// one Scenario value; the built-in variants ship as embedded YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/chainsim/internal/demand"
)

// Policy types understood by the policy factory.
const (
	PolicyConstant          = "constant"
	PolicyPassThrough       = "pass_through"
	PolicyDemandPlusBacklog = "demand_plus_backlog"
	PolicyAnchor            = "anchor"
	PolicyOrderUpTo         = "order_up_to"
	PolicyManual            = "manual"
	PolicyConsole           = "console"
	PolicyRemote            = "remote"
)

var policyTypes = map[string]bool{
	PolicyConstant: true, PolicyPassThrough: true, PolicyDemandPlusBacklog: true,
	PolicyAnchor: true, PolicyOrderUpTo: true,
	PolicyManual: true, PolicyConsole: true, PolicyRemote: true,
}

// Heuristic reports whether a policy type is a local, always-defined rule
// suitable as a fallback.
func Heuristic(policyType string) bool {
	switch policyType {
	case PolicyConstant, PolicyPassThrough, PolicyDemandPlusBacklog, PolicyAnchor, PolicyOrderUpTo:
		return true
	}
	return false
}

const (
	MinEchelons = 2
	MaxEchelons = 5

	DefaultMaxPeriods    = 20
	DefaultHistoryWindow = 3
	DefaultPolicyTimeout = 10 * time.Second
)

// Scenario is a complete simulation configuration.
type Scenario struct {
	Name          string        `yaml:"name" json:"name"`
	Description   string        `yaml:"description,omitempty" json:"description,omitempty"`
	MaxPeriods    int           `yaml:"max_periods" json:"max_periods"`
	LeadTimes     LeadTimes     `yaml:"lead_times" json:"lead_times"`
	Costs         Costs         `yaml:"costs" json:"costs"`
	OrderCap      int           `yaml:"order_cap,omitempty" json:"order_cap,omitempty"`           // 0 = uncapped
	WarmupRate    int           `yaml:"warmup_rate,omitempty" json:"warmup_rate,omitempty"`       // Equilibrium flow pre-loaded into every pipeline
	HistoryWindow int           `yaml:"history_window,omitempty" json:"history_window,omitempty"` // Periods of own history shown to a policy
	PolicyTimeout time.Duration `yaml:"policy_timeout,omitempty" json:"policy_timeout,omitempty"`
	Concurrency   int           `yaml:"concurrency,omitempty" json:"concurrency,omitempty"` // Max policies queried at once; 0 = all
	Fallback      Policy        `yaml:"fallback" json:"fallback"`
	Echelons      []Echelon     `yaml:"echelons" json:"echelons"`
	Demand        demand.Config `yaml:"demand" json:"demand"`
}

// LeadTimes are the fixed delays, in periods.
type LeadTimes struct {
	Order      int `yaml:"order" json:"order"`           // Order transmission to a supplier
	Shipping   int `yaml:"shipping" json:"shipping"`     // Shipment to a customer
	Production int `yaml:"production" json:"production"` // Own production, for echelons without a supplier
}

// Costs are per-unit, per-period rates with optional per-role overrides.
type Costs struct {
	Holding float64         `yaml:"holding" json:"holding"`
	Backlog float64         `yaml:"backlog" json:"backlog"`
	Roles   map[string]Rate `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// Rate is one role's cost pair.
type Rate struct {
	Holding float64 `yaml:"holding" json:"holding"`
	Backlog float64 `yaml:"backlog" json:"backlog"`
}

// RatesFor returns the cost rates that apply to role.
func (c Costs) RatesFor(role string) Rate {
	if r, ok := c.Roles[role]; ok {
		return r
	}
	return Rate{Holding: c.Holding, Backlog: c.Backlog}
}

// Echelon configures one node. Listed downstream first.
type Echelon struct {
	Name             string            `yaml:"name" json:"name"`
	Role             string            `yaml:"role" json:"role"`
	Kinds            []string          `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	Pool             string            `yaml:"pool,omitempty" json:"pool,omitempty"` // Combined inventory serving several kinds
	InitialInventory map[string]int    `yaml:"initial_inventory,omitempty" json:"initial_inventory,omitempty"`
	Suppliers        map[string]string `yaml:"suppliers,omitempty" json:"suppliers,omitempty"` // Stocked kind → supplier; absent = own production
	Policy           Policy            `yaml:"policy" json:"policy"`
}

// Stocked lists the kinds the echelon holds inventory of.
func (e Echelon) Stocked() []string {
	if e.Pool != "" {
		return []string{e.Pool}
	}
	return e.Kinds
}

// Policy selects and parameterises a decision policy.
type Policy struct {
	Type        string  `yaml:"type" json:"type"`
	Quantity    int     `yaml:"quantity,omitempty" json:"quantity,omitempty"`         // constant
	Fraction    float64 `yaml:"fraction,omitempty" json:"fraction,omitempty"`         // demand_plus_backlog
	Alpha       float64 `yaml:"alpha,omitempty" json:"alpha,omitempty"`               // anchor
	Target      int     `yaml:"target,omitempty" json:"target,omitempty"`             // anchor
	Window      int     `yaml:"window,omitempty" json:"window,omitempty"`             // order_up_to
	SafetyStock int     `yaml:"safety_stock,omitempty" json:"safety_stock,omitempty"` // order_up_to
	LeadTime    int     `yaml:"lead_time,omitempty" json:"lead_time,omitempty"`       // order_up_to; 0 = chain lead time
}

// Load reads a scenario from a YAML file, applies defaults and validates it.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes YAML, rejecting unknown fields, then applies defaults and validates.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	sc.Defaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Defaults fills optional fields that were left unset.
func (s *Scenario) Defaults() {
	if s.MaxPeriods == 0 {
		s.MaxPeriods = DefaultMaxPeriods
	}
	if s.HistoryWindow == 0 {
		s.HistoryWindow = DefaultHistoryWindow
	}
	if s.PolicyTimeout == 0 {
		s.PolicyTimeout = DefaultPolicyTimeout
	}
	if s.Fallback.Type == "" {
		s.Fallback = Policy{Type: PolicyDemandPlusBacklog, Fraction: 0.5}
	}
	for i := range s.Echelons {
		if s.Echelons[i].Policy.Type == "" {
			s.Echelons[i].Policy = s.Fallback
		}
	}
}

// Validate reports every configuration error found, joined. A scenario that
// fails validation must not be simulated.
func (s *Scenario) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if s.MaxPeriods <= 0 {
		add("max_periods must be positive, got %d", s.MaxPeriods)
	}
	if s.LeadTimes.Order < 1 {
		add("lead_times.order must be at least 1, got %d", s.LeadTimes.Order)
	}
	if s.LeadTimes.Shipping < 0 || s.LeadTimes.Production < 0 {
		add("lead times must not be negative (shipping %d, production %d)", s.LeadTimes.Shipping, s.LeadTimes.Production)
	}
	if s.Costs.Holding < 0 || s.Costs.Backlog < 0 {
		add("cost rates must not be negative")
	}
	for role, r := range s.Costs.Roles {
		if r.Holding < 0 || r.Backlog < 0 {
			add("cost rates for role %q must not be negative", role)
		}
	}
	if s.OrderCap < 0 || s.WarmupRate < 0 || s.HistoryWindow < 0 || s.Concurrency < 0 || s.PolicyTimeout < 0 {
		add("order_cap, warmup_rate, history_window, concurrency and policy_timeout must not be negative")
	}
	if !Heuristic(s.Fallback.Type) {
		add("fallback policy must be a local heuristic, got %q", s.Fallback.Type)
	}

	if n := len(s.Echelons); n < MinEchelons || n > MaxEchelons {
		add("a chain needs %d to %d echelons, got %d", MinEchelons, MaxEchelons, n)
	}
	errs = append(errs, s.validateTopology()...)
	errs = append(errs, s.validateDemand()...)

	return errors.Join(errs...)
}

func (s *Scenario) validateTopology() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	index := make(map[string]int, len(s.Echelons))
	for i, e := range s.Echelons {
		if e.Name == "" {
			add("echelon %d has no name", i)
			continue
		}
		if _, dup := index[e.Name]; dup {
			add("echelon %q is listed twice", e.Name)
		}
		index[e.Name] = i
	}

	type link struct{ supplier, kind string }
	customers := make(map[link]string)

	for i, e := range s.Echelons {
		if e.Role == "" {
			add("echelon %q has no role", e.Name)
		}
		if e.Pool != "" && len(e.Kinds) > 0 {
			add("echelon %q sets both kinds and pool", e.Name)
		}
		if len(e.Stocked()) == 0 {
			add("echelon %q stocks nothing", e.Name)
		}
		if i == 0 && e.Pool != "" {
			add("demand-facing echelon %q cannot use a pool", e.Name)
		}
		if !policyTypes[e.Policy.Type] {
			add("echelon %q: unknown policy type %q", e.Name, e.Policy.Type)
		}

		stocked := make(map[string]bool)
		for _, k := range e.Stocked() {
			if stocked[k] {
				add("echelon %q lists kind %q twice", e.Name, k)
			}
			stocked[k] = true
		}
		for k, v := range e.InitialInventory {
			if !stocked[k] {
				add("echelon %q: initial inventory for unstocked kind %q", e.Name, k)
			}
			if v < 0 {
				add("echelon %q: negative initial inventory for %q", e.Name, k)
			}
		}

		for kind, supplier := range e.Suppliers {
			if !stocked[kind] {
				add("echelon %q: supplier for unstocked kind %q", e.Name, kind)
				continue
			}
			j, ok := index[supplier]
			if !ok {
				add("echelon %q: unknown supplier %q for %q", e.Name, supplier, kind)
				continue
			}
			if j <= i {
				add("echelon %q: supplier %q must be listed after its customer", e.Name, supplier)
				continue
			}
			up := s.Echelons[j]
			if up.Pool == "" && !slices.Contains(up.Kinds, kind) {
				add("echelon %q: supplier %q does not stock %q", e.Name, supplier, kind)
			}
			l := link{supplier, kind}
			if other, taken := customers[l]; taken {
				add("supplier %q already ships %q to %q", supplier, kind, other)
			}
			customers[l] = e.Name
		}
	}
	return errs
}

func (s *Scenario) validateDemand() []error {
	var errs []error
	if len(s.Demand.Streams) == 0 {
		return []error{errors.New("demand needs at least one stream")}
	}
	if err := s.Demand.Conversion.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(s.Echelons) == 0 {
		return errs
	}

	front := s.Echelons[0]
	for i := range s.Demand.Streams {
		st := &s.Demand.Streams[i]
		if err := st.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		kinds := []string{st.Product}
		if row, ok := s.Demand.Conversion[st.Product]; ok {
			kinds = kinds[:0]
			for k := range row {
				kinds = append(kinds, k)
			}
		}
		for _, k := range kinds {
			if !slices.Contains(front.Kinds, k) {
				errs = append(errs, fmt.Errorf("demand for %q reaches %q, which does not stock it", k, front.Name))
			}
		}
	}
	return errs
}
