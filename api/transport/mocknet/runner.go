package mocknet

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/xxtea01/shareserve/api/transport"
)

// NodeFunc is the body of one node's side of a protocol run. It receives the
// node's index and its messenger and returns when the node is done.
type NodeFunc func(ctx context.Context, self int, msgr transport.Messenger) error

// Runner executes one function per node of an in-process mesh, one goroutine
// each, and waits for all of them. The first error cancels the shared context
// so nodes blocked in a receive unwind instead of hanging.
type Runner struct {
	nodes      int
	messengers []*Messenger
}

// NewRunner creates a runner over a fresh mesh with the given node count.
func NewRunner(nodes int) *Runner {
	if nodes < 2 {
		panic("mocknet: runner requires at least two nodes")
	}
	return &Runner{nodes: nodes, messengers: NewNetwork(nodes)}
}

// Messenger returns the messenger for the given node index so callers can
// abort or inspect individual nodes mid-run.
func (r *Runner) Messenger(index int) *Messenger {
	return r.messengers[index]
}

// Run invokes fns[i] for node i, each on its own goroutine, and blocks until
// every node returns. Queues are cleared afterwards so the runner can be
// reused for another round of the protocol.
func (r *Runner) Run(ctx context.Context, fns []NodeFunc) error {
	if len(fns) != r.nodes {
		return fmt.Errorf("mocknet: runner has %d nodes, got %d functions", r.nodes, len(fns))
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i, fn := range fns {
		eg.Go(func() error {
			if err := fn(ctx, i, r.messengers[i]); err != nil {
				return fmt.Errorf("node %d: %w", i, err)
			}
			return nil
		})
	}
	err := eg.Wait()

	for _, m := range r.messengers {
		m.Reset()
	}
	return err
}
