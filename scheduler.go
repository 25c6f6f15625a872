package flowstream

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Scheduler drives the runtime nodes with a pool of workers. A node
// becomes runnable when one of its input queues receives data; it is
// never enqueued twice and never runs concurrently with itself.
type Scheduler struct {
	log     *slog.Logger
	workers int
	exec    *ExecGraph

	mu     sync.Mutex
	queued map[*Node]bool
	ready  chan *Node
}

func newScheduler(exec *ExecGraph, workers int, log *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		log:     log,
		workers: workers,
		exec:    exec,
		queued:  make(map[*Node]bool),
		ready:   make(chan *Node, len(exec.order)+1),
	}
	for _, node := range exec.Nodes() {
		node := node
		notify := func() { s.wake(node) }
		for _, q := range node.externPorts {
			q.setNotify(notify)
		}
		for _, queues := range node.inPorts {
			for _, q := range queues {
				q.setNotify(notify)
			}
		}
	}
	return s
}

// wake marks a node runnable. The ready channel holds at most one entry
// per node, so the send below cannot block.
func (s *Scheduler) wake(n *Node) {
	s.mu.Lock()
	if s.queued[n] {
		s.mu.Unlock()
		return
	}
	s.queued[n] = true
	s.mu.Unlock()
	s.ready <- n
}

// Run blocks until the context is cancelled, executing node ticks on the
// worker pool. Node processing errors are logged and stop the engine.
func (s *Scheduler) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		worker := i
		grp.Go(func() error {
			log := s.log.With("worker", worker)
			for {
				select {
				case <-ctx.Done():
					return nil
				case node := <-s.ready:
					s.mu.Lock()
					delete(s.queued, node)
					s.mu.Unlock()

					if err := node.Run(ctx, RunData); err != nil {
						log.Error("node run failed", "node", node.Name(), "error", err)
						return err
					}
					if node.hasPendingInput() {
						s.wake(node)
					}
				}
			}
		})
	}
	return grp.Wait()
}
