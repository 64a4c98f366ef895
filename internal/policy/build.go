package policy

import (
	"fmt"

	"github.com/talgya/chainsim/internal/config"
	"github.com/talgya/chainsim/internal/llm"
)

// Deps are the shared resources policies may need.
type Deps struct {
	LLM     *llm.Client
	Console *Console
}

// Build creates the policy a configuration entry names. Manual policies are
// created fresh per call; the console is shared.
func Build(cfg config.Policy, deps Deps) (Policy, error) {
	switch cfg.Type {
	case config.PolicyManual:
		return NewManual(), nil
	case config.PolicyConsole:
		if deps.Console == nil {
			return nil, fmt.Errorf("console policy needs an attached console")
		}
		return deps.Console, nil
	case config.PolicyRemote:
		return NewRemote(deps.LLM), nil
	}
	r, err := BuildRule(cfg)
	if err != nil {
		return nil, err
	}
	return r.(Policy), nil
}

// BuildRule creates a local heuristic. It fails for human and remote types.
func BuildRule(cfg config.Policy) (Rule, error) {
	switch cfg.Type {
	case config.PolicyConstant:
		return Constant{Quantity: cfg.Quantity}, nil
	case config.PolicyPassThrough:
		return PassThrough{}, nil
	case config.PolicyDemandPlusBacklog:
		return DemandPlusBacklog{Fraction: cfg.Fraction}, nil
	case config.PolicyAnchor:
		return Anchor{Alpha: cfg.Alpha, Target: cfg.Target}, nil
	case config.PolicyOrderUpTo:
		return OrderUpTo{Window: cfg.Window, SafetyStock: cfg.SafetyStock, LeadTime: cfg.LeadTime}, nil
	}
	return nil, fmt.Errorf("policy %q is not a local heuristic", cfg.Type)
}
