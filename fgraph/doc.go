// Package fgraph implements the static side of the flowstream engine:
// flowunit descriptors, the raw post-parse graph, and the structural
// checker that decides whether a graph is a legal program.
//
// # Overview
//
// A graph is a directed multigraph of flowunit nodes with named, typed
// ports, framed by synthetic input/output virtual nodes. Beyond plain
// data flow, four categories change the shape of the streams travelling
// through a node:
//
//   - CONDITION routes each buffer down exactly one of its output
//     branches; branches that meet again must rejoin all together on a
//     single input port, while a branch that only ends in sinks needs no
//     join.
//   - EXPAND fans one buffer out into a sub-stream one hierarchy level
//     deeper; COLLAPSE folds that sub-stream back into one buffer.
//   - LOOP feeds its first output into a body sub-graph whose terminus
//     links back to the loop input; remaining outputs exit the loop.
//
// The checker validates that these constructs nest properly and computes,
// for every node, its hierarchy path (the stack of enclosing openers)
// and its match node (the innermost opener). The execution engine uses
// the match node to pair buffers arriving on different input ports of
// the same node.
//
// # Usage
//
//	reg := fgraph.NewRegistry()
//	reg.MustRegister(&fgraph.Descriptor{
//		Name:    "resize",
//		Inputs:  []string{"in"},
//		Outputs: []string{"out"},
//	})
//
//	g := fgraph.NewGraph(reg)
//	_ = g.AddInput("input1")
//	_ = g.AddNode("resize1", "resize", "cpu", "0")
//	_ = g.AddOutput("output1")
//	_ = g.AddEdge("input1", "", "resize1", "in")
//	_ = g.AddEdge("resize1", "out", "output1", "")
//
//	checked, err := fgraph.Check(g)
//
// # Validation
//
// Check runs a fixed rule sequence and fails fast on the first
// violation:
//
//   - descriptor cardinality invariants (condition/expand/collapse/loop
//     port shapes)
//   - edge-level port existence
//   - hierarchy resolution: loop back-edge folding, one topological
//     pass computing every node's opener stack, condition join
//     resolution, collapse pairing
//   - port fan-in rules: an input port accepts multiple edges only as
//     the join of all branches of a single condition, or as loop
//     back-edges
//
// Every error wraps fgraph.ErrBadConf plus a precise sentinel
// (ErrHierarchyMismatch, ErrUncollapsedExpand, ...), both checkable with
// errors.Is.
//
// # Determinism
//
// The verdict, the reported error and all computed metadata are
// invariant under re-ordering of node and edge declarations: traversal
// uses Kahn's algorithm with a sorted queue and all tie-breaks are by
// name.
//
// # Thread safety
//
// Registry and Graph are not safe for concurrent mutation. A
// CheckedGraph is immutable and safe to share.
package fgraph
