package flowstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/flowstream-io/flowstream/fgraph"
	"go.uber.org/multierr"
)

// ErrNotBuilt is returned by operations that need a built graph.
var ErrNotBuilt = errors.New("flow has no built graph")

// Flow owns everything one graph execution needs: the flowunit
// registry, the checked and assembled graph, the session manager and
// the scheduler. Lifecycle: New -> Build -> Start -> sessions -> Close.
type Flow struct {
	reg      *FlowunitRegistry
	log      *slog.Logger
	workers  int
	nodeCfg  NodeConfig
	sessions *SessionManager

	mu      sync.Mutex
	exec    *ExecGraph
	sched   *Scheduler
	cancel  context.CancelFunc
	runDone chan error
}

// Option configures a Flow.
type Option func(*Flow)

// WithLogger sets the structured logger. The default discards.
func WithLogger(log *slog.Logger) Option {
	return func(f *Flow) { f.log = log }
}

// WithWorkers sets the scheduler worker count.
func WithWorkers(n int) Option {
	return func(f *Flow) { f.workers = n }
}

// WithNodeConfig sets the default node configuration (queue sizes,
// batch size).
func WithNodeConfig(cfg NodeConfig) Option {
	return func(f *Flow) { f.nodeCfg = cfg }
}

func nullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New creates a flow around a flowunit registry.
func New(reg *FlowunitRegistry, opts ...Option) *Flow {
	f := &Flow{
		reg:      reg,
		log:      nullLogger(),
		workers:  4,
		sessions: NewSessionManager(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Registry returns the flowunit registry.
func (f *Flow) Registry() *FlowunitRegistry { return f.reg }

// Build checks the raw graph and assembles the runtime nodes. Any
// structural violation surfaces here, wrapped in fgraph.ErrBadConf.
func (f *Flow) Build(g *fgraph.Graph) error {
	checked, err := fgraph.Check(g)
	if err != nil {
		return err
	}

	exec, err := Assemble(checked, f.reg, f.sessions, f.log, f.nodeCfg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.exec = exec
	f.sched = newScheduler(exec, f.workers, f.log.WithGroup("scheduler"))
	f.mu.Unlock()

	f.log.Info("graph built", "nodes", len(exec.order))
	return nil
}

// Checked returns the checker output of the built graph, or nil.
func (f *Flow) Checked() *fgraph.CheckedGraph {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exec == nil {
		return nil
	}
	return f.exec.Checked()
}

// GetNode returns a runtime node of the built graph, or nil.
func (f *Flow) GetNode(name string) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exec == nil {
		return nil
	}
	return f.exec.GetNode(name)
}

// Start opens all nodes and launches the scheduler in the background.
func (f *Flow) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exec == nil {
		return ErrNotBuilt
	}
	if f.cancel != nil {
		return nil // already running
	}

	if err := f.exec.Open(ctx); err != nil {
		f.log.Error("node open failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	runDone := make(chan error, 1)
	f.runDone = runDone
	sched := f.sched
	go func() {
		runDone <- sched.Run(runCtx)
	}()

	f.log.Info("flow started", "workers", f.workers)
	return nil
}

// StartSession creates a new session on the running flow and returns its
// IO handle.
func (f *Flow) StartSession() (*SessionIO, error) {
	f.mu.Lock()
	exec := f.exec
	f.mu.Unlock()
	if exec == nil {
		return nil, ErrNotBuilt
	}
	sess := f.sessions.Create()
	return newSessionIO(sess, exec), nil
}

// Sessions returns the session manager.
func (f *Flow) Sessions() *SessionManager { return f.sessions }

// Close stops the scheduler, aborts live sessions and closes every node.
func (f *Flow) Close() error {
	f.mu.Lock()
	cancel := f.cancel
	runDone := f.runDone
	exec := f.exec
	f.cancel = nil
	f.runDone = nil
	f.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = multierr.Append(err, <-runDone)
	}
	f.sessions.AbortAll()
	if exec != nil {
		err = multierr.Append(err, exec.Close())
	}
	f.log.Info("flow closed")
	return err
}
