// Remote ordering agents: one call per line per period, reply parsed from JSON
// embedded in the text.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// OrderContext is what an ordering agent is told about its line.
type OrderContext struct {
	Echelon    string
	Role       string
	Kind       string
	Period     int
	MaxPeriods int

	Inventory int
	Backlog   int
	Incoming  int
	InTransit int
	OnOrder   int
	LeadTime  int
	OrderCap  int

	HoldingCost float64
	BacklogCost float64

	History []string // One line per recent period, oldest first
}

// OrderReply is the agent's decision.
type OrderReply struct {
	Order     int    `json:"order"`
	Rationale string `json:"rationale"`
}

// GenerateOrder asks the model for this period's order quantity.
func GenerateOrder(ctx context.Context, client *Client, oc *OrderContext) (OrderReply, error) {
	if !client.Enabled() {
		return OrderReply{}, ErrDisabled
	}

	response, err := client.Complete(ctx, buildOrderSystemPrompt(oc), buildOrderUserPrompt(oc), 300)
	if err != nil {
		return OrderReply{}, fmt.Errorf("order decision: %w", err)
	}
	return parseOrderReply(response)
}

func buildOrderSystemPrompt(oc *OrderContext) string {
	return fmt.Sprintf(
		`You manage the %s stock at %s, a %s in a multi-stage supply chain.
Each period you see only the order your customer just placed, your own stock and what is already in your pipeline.
Goods you order arrive about %d periods later. Unshipped customer orders become backlog and are owed later.
Holding one unit costs %.2f per period; one unit of backlog costs %.2f per period. Minimise total cost over %d periods.

Respond ONLY with a JSON object:
{"order": <non-negative whole number>, "rationale": "<one sentence>"}`,
		oc.Kind, oc.Echelon, oc.Role,
		oc.LeadTime,
		oc.HoldingCost, oc.BacklogCost, oc.MaxPeriods,
	)
}

func buildOrderUserPrompt(oc *OrderContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Period %d of %d.\n\n", oc.Period, oc.MaxPeriods)
	fmt.Fprintf(&b, "Inventory: %d\nBacklog: %d\nOrder just received: %d\nIn transit to you: %d\nOrdered, not yet received by your supplier: %d\n",
		oc.Inventory, oc.Backlog, oc.Incoming, oc.InTransit, oc.OnOrder)
	if oc.OrderCap > 0 {
		fmt.Fprintf(&b, "Largest order accepted: %d\n", oc.OrderCap)
	}

	if len(oc.History) > 0 {
		b.WriteString("\nRecent periods:\n")
		for _, h := range oc.History {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	b.WriteString("\nHow much do you order this period? Respond with the JSON object only.")
	return b.String()
}

func parseOrderReply(response string) (OrderReply, error) {
	// Find the JSON object in the response (the model may wrap it in prose or a code fence).
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return OrderReply{}, fmt.Errorf("no JSON object found in response")
	}

	var raw struct {
		Order     *json.Number `json:"order"`
		Rationale string       `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &raw); err != nil {
		return OrderReply{}, fmt.Errorf("parse order: %w", err)
	}
	if raw.Order == nil {
		return OrderReply{}, fmt.Errorf("reply has no order")
	}
	n, err := raw.Order.Int64()
	if err != nil {
		return OrderReply{}, fmt.Errorf("order %q is not a whole number", raw.Order.String())
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return OrderReply{}, fmt.Errorf("order %d out of range", n)
	}

	return OrderReply{Order: int(n), Rationale: strings.TrimSpace(raw.Rationale)}, nil
}
