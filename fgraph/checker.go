package fgraph

import (
	"fmt"

	"github.com/go-logr/logr"
)

// CheckOption configures a Check run.
type CheckOption func(*checkConfig)

type checkConfig struct {
	log logr.Logger
}

// WithLogr attaches a trace logger to the checker. Resolution steps are
// logged at V(1). The default discards everything.
func WithLogr(log logr.Logger) CheckOption {
	return func(c *checkConfig) {
		c.log = log
	}
}

// CheckedGraph is a validated graph enriched with the hierarchy metadata
// the execution engine needs. It is immutable.
type CheckedGraph struct {
	graph *Graph
	info  map[string]*nodeInfo
}

// Check validates the structural rules of a raw graph and computes every
// node's hierarchy path and match node. Rules run in a fixed order:
// descriptor cardinality, edge port existence, hierarchy resolution,
// port cardinality (the latter two interleaved per node in topological
// order). The first violation aborts the check; the returned error wraps
// both ErrBadConf and the precise kind.
func Check(g *Graph, opts ...CheckOption) (*CheckedGraph, error) {
	cfg := checkConfig{log: logr.Discard()}
	for _, opt := range opts {
		opt(&cfg)
	}

	// (i) descriptor cardinality constraints, per node in insertion
	// order.
	for _, name := range g.nodeOrder {
		node := g.nodes[name]
		if node.Kind != KindFlowunit {
			continue
		}
		if err := node.Desc.checkCardinality(); err != nil {
			return nil, badConf(fmt.Errorf("node %q: %w", name, err))
		}
	}

	// (ii) edge-level port existence. AddEdge already validated this;
	// re-verify here so graphs assembled by other front-ends cannot
	// smuggle dangling references past the checker.
	for _, e := range g.edges {
		src, ok := g.nodes[e.Src]
		if !ok {
			return nil, badConf(fmt.Errorf("%w: edge source %q", ErrNodeNotFound, e.Src))
		}
		dst, ok := g.nodes[e.Dst]
		if !ok {
			return nil, badConf(fmt.Errorf("%w: edge target %q", ErrNodeNotFound, e.Dst))
		}
		if !src.Desc.HasOutput(e.SrcPort) {
			return nil, badConf(fmt.Errorf("%w: %q has no output port %q", ErrUnknownPort, e.Src, e.SrcPort))
		}
		if !dst.Desc.HasInput(e.DstPort) {
			return nil, badConf(fmt.Errorf("%w: %q has no input port %q", ErrUnknownPort, e.Dst, e.DstPort))
		}
	}

	// (iii)+(iv) hierarchy resolution and port fan-in rules.
	r := newResolver(g, cfg.log)
	if err := r.run(); err != nil {
		return nil, badConf(err)
	}

	return &CheckedGraph{graph: g, info: r.info}, nil
}

// MustCheck is like Check but panics on error.
func MustCheck(g *Graph, opts ...CheckOption) *CheckedGraph {
	cg, err := Check(g, opts...)
	if err != nil {
		panic(err)
	}
	return cg
}

func badConf(err error) error {
	return fmt.Errorf("%w: %w", ErrBadConf, err)
}

// Graph returns the underlying raw graph.
func (c *CheckedGraph) Graph() *Graph {
	return c.graph
}

// MatchNode returns the match node computed for the named node, or nil
// when the node sits at the top level (or is unknown).
func (c *CheckedGraph) MatchNode(name string) *GraphNode {
	info, ok := c.info[name]
	if !ok {
		return nil
	}
	return info.match
}

// HierarchyPath returns the stack of openers enclosing the named node's
// level, outermost first. Closers (collapse, condition join) report the
// parent level they emit on.
func (c *CheckedGraph) HierarchyPath(name string) []*GraphNode {
	info, ok := c.info[name]
	if !ok {
		return nil
	}
	out := make([]*GraphNode, len(info.path))
	for i, e := range info.path {
		out[i] = e.node
	}
	return out
}

// Depth returns the hierarchy depth of the named node: the length of its
// opener stack. A collapse and the expand it folds report the same
// depth, as both sit on the parent level of the region between them.
func (c *CheckedGraph) Depth(name string) int {
	info, ok := c.info[name]
	if !ok {
		return 0
	}
	return info.depth()
}

// Closes returns the opener the named node closes (the expand of a
// collapse, the condition of a join), or nil.
func (c *CheckedGraph) Closes(name string) *GraphNode {
	info, ok := c.info[name]
	if !ok {
		return nil
	}
	return info.closes
}

// OutputsMatched reports whether every output virtual node sits at the
// top hierarchy level. When false the assembler must use the unmatched
// output delivery path, since buffers of different levels cannot be
// paired at the graph boundary.
func (c *CheckedGraph) OutputsMatched() bool {
	for _, name := range c.graph.nodeOrder {
		node := c.graph.nodes[name]
		if node.Kind != KindOutput {
			continue
		}
		if info, ok := c.info[name]; ok && len(info.path) > 0 {
			return false
		}
	}
	return true
}
