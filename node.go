package flowstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowstream-io/flowstream/fgraph"
	"go.uber.org/multierr"
)

// ErrNodeUnknown is returned when a name does not resolve to a node of
// the assembled graph.
var ErrNodeUnknown = errors.New("unknown node")

// ErrNodeState is returned on an illegal node state transition.
var ErrNodeState = errors.New("illegal node state transition")

// NodeState is the lifecycle state of a runtime node.
type NodeState int

const (
	NodeCreated NodeState = iota
	NodeInitialized
	NodeOpened
	NodeRunning
	NodeClosed
)

func (s NodeState) String() string {
	switch s {
	case NodeCreated:
		return "CREATED"
	case NodeInitialized:
		return "INITIALIZED"
	case NodeOpened:
		return "OPENED"
	case NodeRunning:
		return "RUNNING"
	case NodeClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// NodeKind is the runtime variant of a node. Run dispatches on it; each
// variant only touches its own state.
type NodeKind int

const (
	NodeNormal NodeKind = iota
	NodeInputVirtual
	NodeOutputVirtual
	NodeOutputUnmatchVirtual
)

func (k NodeKind) String() string {
	switch k {
	case NodeNormal:
		return "Normal"
	case NodeInputVirtual:
		return "InputVirtual"
	case NodeOutputVirtual:
		return "OutputVirtual"
	case NodeOutputUnmatchVirtual:
		return "OutputUnmatchVirtual"
	default:
		return "Unknown"
	}
}

// RunType selects the work of one scheduling tick.
type RunType int

const (
	// RunData processes available input buffers.
	RunData RunType = iota
	// RunDrain is accepted by Run and handled exactly like RunData; the
	// scheduler only issues RunData.
	RunDrain
)

// NodeConfig carries the recognised per-node options. Zero values mean
// defaults: unbounded queues, batch size 1.
type NodeConfig struct {
	// QueueSize bounds every input queue of the node.
	QueueSize int
	// QueueSizeExternal overrides QueueSize for the externally fed
	// queues of input virtual nodes.
	QueueSizeExternal int
	// BatchSize is the maximum number of buffers handed to the
	// flowunit per invocation and port.
	BatchSize int
}

func (c NodeConfig) externalQueueSize() int {
	if c.QueueSizeExternal > 0 {
		return c.QueueSizeExternal
	}
	return c.QueueSize
}

func (c NodeConfig) batch() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return 1
}

// Node is one runtime node of an assembled graph. Input queues are the
// synchronisation boundary: producers push into them, the node drains
// them on its scheduling ticks. A node never runs concurrently with
// itself.
type Node struct {
	name     string
	kind     NodeKind
	desc     *fgraph.Descriptor
	category fgraph.Category
	match    *Node
	unit     Flowunit
	log      *slog.Logger
	cfg      NodeConfig
	sessions *SessionManager

	stateMu sync.Mutex
	state   NodeState

	// runMu provides node-level mutual exclusion for Run.
	runMu sync.Mutex

	inPorts  map[string][]*queue // input port -> one queue per edge
	inOrder  []string
	outPorts map[string][]*queue // output port -> downstream queues
	outOrder []string

	// externPorts are the externally fed queues of input virtual nodes.
	externPorts map[string]*queue

	// foldDepth is the stream depth a collapse node consumes, derived
	// statically from its hierarchy path by the assembler.
	foldDepth int

	// Stream bookkeeping, guarded by runMu.
	staged       map[string]map[string][]*Buffer // session|stream -> port -> pending data
	outPos       map[string]int64                // port|stream -> next position
	endForwarded map[string]bool                 // port|stream markers already sent
	collected    map[string]map[string][]*Buffer // collapse: substream -> port -> data
	substreamEnd map[string]map[string]bool      // collapse: substream -> port -> end seen
	unmatch      map[string]*SessionUnmatchCache // unmatch output: session -> cache
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Kind returns the runtime variant.
func (n *Node) Kind() NodeKind { return n.kind }

// GetMatchNode returns the runtime node this node's input streams are
// paired against, or nil at the top level.
func (n *Node) GetMatchNode() *Node { return n.match }

// State returns the current lifecycle state.
func (n *Node) State() NodeState {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state
}

func (n *Node) setState(next NodeState) {
	n.stateMu.Lock()
	prev := n.state
	n.state = next
	n.stateMu.Unlock()
	if prev != next {
		n.log.Debug("change state", "from", prev.String(), "to", next.String())
	}
}

// Init sets up the node's port structure. Queues are attached afterwards
// by the assembler, one per edge.
func (n *Node) Init(inputs, outputs []string, cfg NodeConfig) error {
	if s := n.State(); s != NodeCreated {
		return fmt.Errorf("%w: Init in state %s", ErrNodeState, s)
	}
	n.cfg = cfg
	n.inOrder = inputs
	n.outOrder = outputs
	n.inPorts = make(map[string][]*queue, len(inputs))
	n.outPorts = make(map[string][]*queue, len(outputs))

	if n.kind == NodeInputVirtual {
		n.externPorts = make(map[string]*queue, len(outputs))
		for _, port := range outputs {
			n.externPorts[port] = newQueue(cfg.externalQueueSize())
		}
	}

	n.staged = make(map[string]map[string][]*Buffer)
	n.outPos = make(map[string]int64)
	n.endForwarded = make(map[string]bool)
	n.collected = make(map[string]map[string][]*Buffer)
	n.substreamEnd = make(map[string]map[string]bool)
	n.unmatch = make(map[string]*SessionUnmatchCache)

	n.setState(NodeInitialized)
	return nil
}

func (n *Node) addInputQueue(port string, q *queue) {
	n.inPorts[port] = append(n.inPorts[port], q)
}

func (n *Node) addOutputQueue(port string, q *queue) {
	n.outPorts[port] = append(n.outPorts[port], q)
}

// Open acquires the flowunit's resources. Failure demotes the node to
// CLOSED and propagates an errored end-of-stream marker on every output
// edge so downstream nodes terminate.
func (n *Node) Open(ctx context.Context) error {
	if s := n.State(); s != NodeInitialized {
		return fmt.Errorf("%w: Open in state %s", ErrNodeState, s)
	}
	if n.unit != nil {
		if err := n.unit.Open(ctx); err != nil {
			n.setState(NodeClosed)
			n.propagateOpenFailure(err)
			return fmt.Errorf("node %s: open: %w", n.name, err)
		}
	}
	n.setState(NodeOpened)
	return nil
}

func (n *Node) propagateOpenFailure(cause error) {
	marker := &Buffer{
		Index: IndexInfo{End: true},
		Err:   &FlowUnitError{Node: n.name, Desc: cause.Error()},
	}
	for _, port := range n.outOrder {
		for _, q := range n.outPorts[port] {
			_ = q.Send(marker)
		}
	}
}

// Run executes one scheduling tick. It is safe to call from any worker;
// the node's run lock serialises invocations.
func (n *Node) Run(ctx context.Context, typ RunType) error {
	n.runMu.Lock()
	defer n.runMu.Unlock()

	switch n.State() {
	case NodeOpened:
		n.setState(NodeRunning)
	case NodeRunning:
	case NodeClosed:
		return nil
	default:
		return fmt.Errorf("%w: Run in state %s", ErrNodeState, n.State())
	}

	switch n.kind {
	case NodeInputVirtual:
		return n.runInputVirtual()
	case NodeOutputVirtual:
		return n.runOutputVirtual()
	case NodeOutputUnmatchVirtual:
		return n.runOutputUnmatch()
	default:
		return n.runProcess(ctx, typ)
	}
}

// Close releases the node's resources. It is idempotent and runs on all
// exit paths.
func (n *Node) Close() error {
	if n.State() == NodeClosed {
		return nil
	}
	n.setState(NodeClosed)

	var err error
	if n.unit != nil {
		err = multierr.Append(err, n.unit.Close())
	}
	for _, q := range n.externPorts {
		q.Close()
	}
	for _, queues := range n.inPorts {
		for _, q := range queues {
			q.Close()
		}
	}
	if err != nil {
		return fmt.Errorf("node %s: close: %w", n.name, err)
	}
	return nil
}

// pushExternal feeds an externally produced buffer into an input virtual
// node. Blocks when the external queue is bounded and full.
func (n *Node) pushExternal(buf *Buffer) error {
	if n.kind != NodeInputVirtual {
		return fmt.Errorf("node %s: not an input virtual node", n.name)
	}
	q := n.externPorts[fgraph.VirtualOutPort]
	if q == nil {
		return fmt.Errorf("node %s: not initialized", n.name)
	}
	return q.Send(buf)
}

// hasPendingInput reports whether a further tick could make progress.
func (n *Node) hasPendingInput() bool {
	for _, q := range n.externPorts {
		if q.Len() > 0 {
			return true
		}
	}
	for _, queues := range n.inPorts {
		for _, q := range queues {
			if q.Len() > 0 {
				return true
			}
		}
	}
	return false
}

// session resolves a buffer's session; nil when it is gone or aborted.
func (n *Node) session(buf *Buffer) *Session {
	sess := n.sessions.Get(buf.Index.SessionID)
	if sess == nil || sess.IsAbort() {
		return nil
	}
	return sess
}
