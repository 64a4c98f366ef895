package policy

import (
	"context"
	"fmt"

	"github.com/talgya/chainsim/internal/llm"
)

// Remote asks a language-model agent for the order. It may be slow or fail;
// the Guard around it supplies the fallback.
type Remote struct {
	client *llm.Client
}

// NewRemote returns a Remote backed by client. A nil client is allowed and
// makes every decision fail.
func NewRemote(client *llm.Client) *Remote {
	return &Remote{client: client}
}

func (r *Remote) Name() string { return "remote" }

func (r *Remote) Decide(ctx context.Context, s Snapshot) (Decision, error) {
	reply, err := llm.GenerateOrder(ctx, r.client, orderContext(s))
	if err != nil {
		return Decision{}, err
	}
	return Decision{Order: reply.Order, Rationale: reply.Rationale, Source: r.Name() + ":" + r.client.Model()}, nil
}

func orderContext(s Snapshot) *llm.OrderContext {
	oc := &llm.OrderContext{
		Echelon:     s.Echelon,
		Role:        s.Role,
		Kind:        s.Kind,
		Period:      s.Period,
		MaxPeriods:  s.MaxPeriods,
		Inventory:   s.Inventory,
		Backlog:     s.Backlog,
		Incoming:    s.Incoming,
		InTransit:   s.InTransit,
		OnOrder:     s.OnOrder,
		LeadTime:    s.LeadTime,
		OrderCap:    s.OrderCap,
		HoldingCost: s.HoldingCost,
		BacklogCost: s.BacklogCost,
	}
	for _, h := range s.History {
		oc.History = append(oc.History, fmt.Sprintf(
			"period %d: received order %d, goods arrived %d, shipped %d, ordered %d, ended with inventory %d and backlog %d",
			h.Period, h.Incoming, h.Arrived, h.Shipped, h.Ordered, h.Inventory, h.Backlog))
	}
	return oc
}
