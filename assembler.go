package flowstream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowstream-io/flowstream/fgraph"
	"go.uber.org/multierr"
)

// ExecGraph is the frozen runtime form of a checked graph: one runtime
// node per graph node, one queue per edge, match pointers resolved to
// runtime nodes.
type ExecGraph struct {
	nodes map[string]*Node
	order []string

	inputs  []*Node
	outputs []*Node

	checked *fgraph.CheckedGraph
}

// Assemble freezes a checked graph into runtime nodes. Iteration is
// deterministic: nodes in raw-graph insertion order, edges in
// declaration order, ties broken by name ascending.
func Assemble(checked *fgraph.CheckedGraph, reg *FlowunitRegistry, sessions *SessionManager, log *slog.Logger, cfg NodeConfig) (*ExecGraph, error) {
	g := checked.Graph()
	exec := &ExecGraph{
		nodes:   make(map[string]*Node),
		order:   g.Nodes(),
		checked: checked,
	}

	outputsMatched := checked.OutputsMatched()

	for _, name := range exec.order {
		gn := g.Node(name)
		node := &Node{
			name:     name,
			desc:     gn.Desc,
			category: gn.Desc.Category,
			log:      log.With("node", name),
			sessions: sessions,
		}
		switch gn.Kind {
		case fgraph.KindInput:
			node.kind = NodeInputVirtual
			exec.inputs = append(exec.inputs, node)
		case fgraph.KindOutput:
			if outputsMatched {
				node.kind = NodeOutputVirtual
			} else {
				node.kind = NodeOutputUnmatchVirtual
			}
			exec.outputs = append(exec.outputs, node)
		default:
			node.kind = NodeNormal
			factory, err := reg.factory(gn.Desc.Name)
			if err != nil {
				return nil, fmt.Errorf("assemble node %q: %w", name, err)
			}
			node.unit = factory()
		}

		if err := node.Init(gn.Desc.Inputs, gn.Desc.Outputs, cfg); err != nil {
			return nil, fmt.Errorf("assemble node %q: %w", name, err)
		}
		exec.nodes[name] = node
	}

	// Resolve match pointers onto runtime nodes, and derive the stream
	// depth every collapse consumes: one below each enclosing expand,
	// plus the level its own expand opened.
	for _, name := range exec.order {
		node := exec.nodes[name]
		if m := checked.MatchNode(name); m != nil {
			node.match = exec.nodes[m.Name]
		}
		if node.category == fgraph.CategoryCollapse {
			depth := 2
			for _, opener := range checked.HierarchyPath(name) {
				if opener.Desc.Category == fgraph.CategoryExpand {
					depth++
				}
			}
			node.foldDepth = depth
		}
	}

	// One queue per edge.
	for _, e := range g.Edges() {
		q := newQueue(cfg.QueueSize)
		exec.nodes[e.Src].addOutputQueue(e.SrcPort, q)
		exec.nodes[e.Dst].addInputQueue(e.DstPort, q)
	}

	return exec, nil
}

// GetNode returns the runtime node with the given name, or nil.
func (e *ExecGraph) GetNode(name string) *Node {
	return e.nodes[name]
}

// Nodes returns all runtime nodes in assembly order.
func (e *ExecGraph) Nodes() []*Node {
	out := make([]*Node, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.nodes[name])
	}
	return out
}

// Checked returns the checker output the graph was assembled from.
func (e *ExecGraph) Checked() *fgraph.CheckedGraph {
	return e.checked
}

func (e *ExecGraph) inputNode(name string) *Node {
	n := e.nodes[name]
	if n == nil || n.kind != NodeInputVirtual {
		return nil
	}
	return n
}

func (e *ExecGraph) inputNodes() []*Node  { return e.inputs }
func (e *ExecGraph) outputNodes() []*Node { return e.outputs }

// Open opens every node in assembly order. A failed Open demotes its
// node and propagates end markers downstream; the remaining nodes still
// open so the drain can complete.
func (e *ExecGraph) Open(ctx context.Context) error {
	var err error
	for _, name := range e.order {
		err = multierr.Append(err, e.nodes[name].Open(ctx))
	}
	return err
}

// Close closes every node and its queues.
func (e *ExecGraph) Close() error {
	var err error
	for _, name := range e.order {
		err = multierr.Append(err, e.nodes[name].Close())
	}
	return err
}
