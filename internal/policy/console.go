package policy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Console asks a person at a terminal for each order. One Console is shared
// by every console-driven line; prompts are serialised.
type Console struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewConsole reads answers from in and writes prompts to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

func (c *Console) Name() string { return "console" }

// Decide prompts until a valid quantity is entered or input ends.
func (c *Console) Decide(ctx context.Context, s Snapshot) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\nperiod %d · %s\n", s.Period, s.Line)
	fmt.Fprintf(c.out, "  inventory %d  backlog %d  incoming %d  in transit %d  on order %d\n",
		s.Inventory, s.Backlog, s.Incoming, s.InTransit, s.OnOrder)
	for {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		fmt.Fprint(c.out, "  order> ")
		line, err := c.in.ReadString('\n')
		if line == "" && err != nil {
			if errors.Is(err, io.EOF) {
				return Decision{}, ErrNoInput
			}
			return Decision{}, fmt.Errorf("read order: %w", err)
		}
		n, perr := ParseOrder(line)
		if perr != nil {
			fmt.Fprintf(c.out, "  %v, try again\n", perr)
			if err != nil {
				return Decision{}, ErrNoInput
			}
			continue
		}
		return Decision{Order: n, Rationale: "entered at console", Source: c.Name()}, nil
	}
}
