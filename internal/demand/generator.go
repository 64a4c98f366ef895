// Package demand produces exogenous end-customer demand per period, either
// from a literal schedule or from a base rate shaped by shocks and noise.
package demand

import (
	"fmt"
	"math"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// Mode selects how a stream computes its demand.
type Mode string

const (
	ModeSchedule Mode = "schedule"
	ModeFormula  Mode = "formula"
)

// NoiseKind selects the random multiplier used outside shock windows.
type NoiseKind string

const (
	NoiseNone    NoiseKind = "none"
	NoiseUniform NoiseKind = "uniform" // Independent draws in [Low, High]
	NoiseSimplex NoiseKind = "simplex" // Coherent noise in [Low, High], drifts smoothly between periods
)

// Config describes every demand stream feeding the chain.
type Config struct {
	Seed       int64    `yaml:"seed" json:"seed"`
	Streams    []Stream `yaml:"streams" json:"streams"`
	Conversion Matrix   `yaml:"conversion,omitempty" json:"conversion,omitempty"`
}

// Stream is one customer's demand for one finished product.
type Stream struct {
	Customer string  `yaml:"customer" json:"customer"`
	Product  string  `yaml:"product" json:"product"`
	Mode     Mode    `yaml:"mode,omitempty" json:"mode,omitempty"`
	Schedule []int   `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	BaseRate float64 `yaml:"base_rate,omitempty" json:"base_rate,omitempty"`
	Noise    Noise   `yaml:"noise,omitempty" json:"noise,omitempty"`
	Shocks   []Shock `yaml:"shocks,omitempty" json:"shocks,omitempty"`
}

// Noise bounds the random multiplier.
type Noise struct {
	Kind      NoiseKind `yaml:"kind" json:"kind"`
	Low       float64   `yaml:"low" json:"low"`
	High      float64   `yaml:"high" json:"high"`
	Frequency float64   `yaml:"frequency,omitempty" json:"frequency,omitempty"` // Simplex only; periods are scaled by this
}

// Shock multiplies demand by Factor from Period for Duration periods.
// A zero Duration lasts until the end of the run.
type Shock struct {
	Name     string  `yaml:"name" json:"name"`
	Period   int     `yaml:"period" json:"period"`
	Duration int     `yaml:"duration,omitempty" json:"duration,omitempty"`
	Factor   float64 `yaml:"factor" json:"factor"`
}

// Active reports whether the shock applies at period.
func (s Shock) Active(period int) bool {
	if period < s.Period {
		return false
	}
	return s.Duration == 0 || period < s.Period+s.Duration
}

// Validate checks a stream in isolation.
func (s *Stream) Validate() error {
	if s.Product == "" {
		return fmt.Errorf("stream %q: product is required", s.Customer)
	}
	if s.Mode == "" {
		s.Mode = ModeFormula
		if len(s.Schedule) > 0 {
			s.Mode = ModeSchedule
		}
	}
	switch s.Mode {
	case ModeSchedule:
		if len(s.Schedule) == 0 {
			return fmt.Errorf("stream %s/%s: schedule mode needs a non-empty schedule", s.Customer, s.Product)
		}
		for i, v := range s.Schedule {
			if v < 0 {
				return fmt.Errorf("stream %s/%s: schedule[%d] is negative", s.Customer, s.Product, i)
			}
		}
	case ModeFormula:
		if s.BaseRate < 0 {
			return fmt.Errorf("stream %s/%s: negative base rate", s.Customer, s.Product)
		}
	default:
		return fmt.Errorf("stream %s/%s: unknown mode %q", s.Customer, s.Product, s.Mode)
	}

	if s.Noise.Kind == "" {
		s.Noise.Kind = NoiseNone
	}
	switch s.Noise.Kind {
	case NoiseNone:
	case NoiseUniform, NoiseSimplex:
		if s.Noise.Low < 0 || s.Noise.High < s.Noise.Low {
			return fmt.Errorf("stream %s/%s: noise bounds [%v, %v] invalid", s.Customer, s.Product, s.Noise.Low, s.Noise.High)
		}
	default:
		return fmt.Errorf("stream %s/%s: unknown noise kind %q", s.Customer, s.Product, s.Noise.Kind)
	}

	for _, sh := range s.Shocks {
		if sh.Period < 1 || sh.Duration < 0 || sh.Factor < 0 {
			return fmt.Errorf("stream %s/%s: shock %q needs period >= 1, duration >= 0, factor >= 0",
				s.Customer, s.Product, sh.Name)
		}
	}
	return nil
}

// Generator evaluates demand streams period by period.
type Generator struct {
	cfg     Config
	streams []*streamState
}

type streamState struct {
	Stream
	rng     *rand.Rand
	simplex opensimplex.Noise
	draws   []float64 // draws[i] is the uniform multiplier for period i+1
}

// New validates cfg and prepares seeded random sources for each stream.
func New(cfg Config) (*Generator, error) {
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("demand: at least one stream is required")
	}
	if err := cfg.Conversion.Validate(); err != nil {
		return nil, err
	}
	g := &Generator{cfg: cfg}
	for i := range cfg.Streams {
		s := cfg.Streams[i]
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("demand: %w", err)
		}
		// Distinct, reproducible seed per stream.
		seed := cfg.Seed + int64(i)*1_000_003
		st := &streamState{Stream: s, rng: rand.New(rand.NewSource(seed))}
		if s.Noise.Kind == NoiseSimplex {
			st.simplex = opensimplex.NewNormalized(seed)
		}
		g.streams = append(g.streams, st)
	}
	return g, nil
}

// Products returns the finished-unit demand for period, summed over customers.
func (g *Generator) Products(period int) map[string]int {
	out := make(map[string]int)
	for i, s := range g.streams {
		out[s.Product] += s.at(period, i)
	}
	return out
}

// At returns the demand for period expressed in resource kinds.
func (g *Generator) At(period int) map[string]int {
	return g.cfg.Conversion.Apply(g.Products(period))
}

func (s *streamState) at(period, index int) int {
	if s.Mode == ModeSchedule {
		i := period - 1
		if i < 0 {
			i = 0
		}
		if i >= len(s.Schedule) {
			i = len(s.Schedule) - 1
		}
		return s.Schedule[i]
	}

	mult := s.multiplier(period, index)
	v := math.Round(s.BaseRate * mult)
	if v < 0 {
		return 0
	}
	return int(v)
}

func (s *streamState) multiplier(period, index int) float64 {
	noise := 1.0
	switch s.Noise.Kind {
	case NoiseUniform:
		noise = s.uniform(period)
	case NoiseSimplex:
		freq := s.Noise.Frequency
		if freq <= 0 {
			freq = 0.35
		}
		v := s.simplex.Eval2(float64(period)*freq, float64(index))
		noise = s.Noise.Low + (s.Noise.High-s.Noise.Low)*v
	}

	for _, sh := range s.Shocks {
		if sh.Active(period) {
			return sh.Factor
		}
	}
	return noise
}

// uniform draws for every period up to this one first, so the series for a
// seed is the same no matter which periods are asked for or in what order.
func (s *streamState) uniform(period int) float64 {
	if period < 1 {
		period = 1
	}
	for len(s.draws) < period {
		s.draws = append(s.draws, s.rng.Float64())
	}
	u := s.draws[period-1]
	return s.Noise.Low + (s.Noise.High-s.Noise.Low)*u
}
