package fgraph

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/go-logr/logr"
)

// scopeKind tags one entry of a hierarchy stack.
type scopeKind int

const (
	scopeExpand scopeKind = iota
	scopeCondition
	scopeLoop
)

// scopeEntry is one opener on a node's hierarchy stack. Condition entries
// additionally carry the branch (the condition's output port) the data
// travelled through; two branches of the same condition are distinct
// levels until they join.
type scopeEntry struct {
	node   *GraphNode
	kind   scopeKind
	branch string
}

func (s scopeEntry) equal(o scopeEntry) bool {
	return s.node == o.node && s.kind == o.kind && s.branch == o.branch
}

func (s scopeEntry) key() string {
	if s.branch != "" {
		return s.node.Name + ":" + s.branch
	}
	return s.node.Name
}

// level is a hierarchy stack, outermost first.
type level []scopeEntry

func (l level) equal(o level) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if !l[i].equal(o[i]) {
			return false
		}
	}
	return true
}

func (l level) push(e scopeEntry) level {
	out := make(level, len(l), len(l)+1)
	copy(out, l)
	return append(out, e)
}

func (l level) key() string {
	parts := make([]string, len(l))
	for i, e := range l {
		parts[i] = e.key()
	}
	return strings.Join(parts, "/")
}

// nodeInfo is the resolver's output for one node.
type nodeInfo struct {
	node *GraphNode

	// path is the node's own hierarchy stack. For closers (collapse,
	// condition join) it is already the parent level: the closed opener
	// is recorded in closes instead.
	path level

	// match is the node the execution engine pairs this node's input
	// streams against: the stack tail for ordinary nodes, the closed
	// opener for closers.
	match *GraphNode

	// closes is the opener this node closed, if any.
	closes *GraphNode
}

// depth is the length of the node's own hierarchy stack. A closer and
// the opener it closes report the same depth: both live on the parent
// level of the region between them.
func (i *nodeInfo) depth() int {
	return len(i.path)
}

// resolver computes hierarchy stacks and match nodes for every node of a
// raw graph, reporting the first structural violation it meets.
type resolver struct {
	g   *Graph
	log logr.Logger

	backEdge map[int]bool // index into g.edges
	info     map[string]*nodeInfo
}

func newResolver(g *Graph, log logr.Logger) *resolver {
	return &resolver{
		g:        g,
		log:      log,
		backEdge: make(map[int]bool),
		info:     make(map[string]*nodeInfo, len(g.nodeOrder)),
	}
}

func (r *resolver) run() error {
	if err := r.foldLoops(); err != nil {
		return err
	}

	order, err := r.topoSort()
	if err != nil {
		return err
	}

	for _, name := range order {
		if err := r.resolveNode(name); err != nil {
			return err
		}
	}

	if err := r.checkBackEdges(); err != nil {
		return err
	}
	return r.checkCollapseClaims()
}

// category returns the checker-relevant category of a node. Virtual nodes
// behave like NORMAL flowunits.
func category(n *GraphNode) Category {
	if n.Kind != KindFlowunit {
		return CategoryNormal
	}
	return n.Desc.Category
}

// foldLoops recognises loop back-edges so the traversal below sees an
// acyclic graph. A back-edge is an edge into a LOOP's input port whose
// source is the loop itself or reachable from the loop's body output.
func (r *resolver) foldLoops() error {
	for _, name := range r.g.nodeOrder {
		loop := r.g.nodes[name]
		if category(loop) != CategoryLoop {
			continue
		}
		bodyPort := loop.Desc.Outputs[0]
		inPort := loop.Desc.Inputs[0]

		reach := map[string]bool{}
		var stack []string
		for _, e := range r.g.edgesFrom(name) {
			if e.SrcPort == bodyPort {
				stack = append(stack, e.Dst)
			}
		}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if reach[cur] {
				continue
			}
			reach[cur] = true
			if cur == name {
				// do not traverse through the loop node itself
				continue
			}
			for _, e := range r.g.edgesFrom(cur) {
				stack = append(stack, e.Dst)
			}
		}

		for i, e := range r.g.edges {
			if e.Dst != name || e.DstPort != inPort {
				continue
			}
			if e.Src == name || reach[e.Src] {
				r.backEdge[i] = true
				r.log.V(1).Info("folded loop back-edge", "loop", name, "edge", e.String())
			}
		}
	}
	return nil
}

// topoSort orders nodes over the folded graph using Kahn's algorithm with
// a sorted queue, so the result (and with it the verdict) is independent
// of node and edge declaration order.
func (r *resolver) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(r.g.nodeOrder))
	for _, name := range r.g.nodeOrder {
		inDegree[name] = 0
	}
	for i, e := range r.g.edges {
		if r.backEdge[i] {
			continue
		}
		inDegree[e.Dst]++
	}

	var queue []string
	for _, name := range r.g.nodeOrder {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	slices.Sort(queue)

	result := make([]string, 0, len(r.g.nodeOrder))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		result = append(result, name)

		for i, e := range r.g.edges {
			if r.backEdge[i] || e.Src != name {
				continue
			}
			inDegree[e.Dst]--
			if inDegree[e.Dst] == 0 {
				idx := sort.SearchStrings(queue, e.Dst)
				queue = slices.Insert(queue, idx, e.Dst)
			}
		}
	}

	if len(result) != len(r.g.nodeOrder) {
		// The only legal cycles are loop back-edges, and those were
		// folded out above. Whatever is left links across hierarchy.
		var stuck []string
		for _, name := range r.g.nodeOrder {
			if !slices.Contains(result, name) {
				stuck = append(stuck, name)
			}
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("%w: node %q is part of an undeclared cycle", ErrOverHierarchyLink, stuck[0])
	}
	return result, nil
}

// edgeLevel computes the hierarchy level the source side of an edge
// presents to its consumer. Openers deepen their emissions; a loop only
// deepens its body output, its remaining outputs exit at the loop's own
// level.
func (r *resolver) edgeLevel(e Edge) level {
	src := r.g.nodes[e.Src]
	si := r.info[e.Src]
	switch category(src) {
	case CategoryExpand:
		return si.path.push(scopeEntry{node: src, kind: scopeExpand})
	case CategoryCondition:
		return si.path.push(scopeEntry{node: src, kind: scopeCondition, branch: e.SrcPort})
	case CategoryLoop:
		if e.SrcPort == src.Desc.Outputs[0] {
			return si.path.push(scopeEntry{node: src, kind: scopeLoop})
		}
		return si.path
	default:
		return si.path
	}
}

// resolveNode derives the node's hierarchy stack from its resolved
// predecessors and applies the closer semantics of collapse and
// condition-join nodes.
func (r *resolver) resolveNode(name string) error {
	node := r.g.nodes[name]
	incoming := r.incomingByPort(name)

	info := &nodeInfo{node: node}
	r.info[name] = info

	if len(incoming) == 0 {
		// Virtual inputs and nodes without connected inputs sit at the
		// top level.
		return nil
	}

	// Resolve each connected input port to a single level, joining
	// condition branches where the fan-in demands it. Ports are visited
	// in descriptor order so the first offending port is deterministic.
	type portLevel struct {
		port string
		lvl  level
	}
	var levels []portLevel
	var joined *GraphNode
	for _, port := range node.Desc.Inputs {
		edges, ok := incoming[port]
		if !ok {
			continue
		}
		lvl, joinedCond, err := r.resolvePort(node, port, edges)
		if err != nil {
			return err
		}
		if joinedCond != nil && joined == nil {
			joined = joinedCond
		}
		levels = append(levels, portLevel{port: port, lvl: lvl})
	}

	// All ports must agree on the level the node operates at.
	base := levels[0]
	for _, pl := range levels[1:] {
		if !pl.lvl.equal(base.lvl) {
			return r.classifyMismatch(node, base.lvl, pl.lvl)
		}
	}

	switch category(node) {
	case CategoryCollapse:
		if len(base.lvl) == 0 || base.lvl[len(base.lvl)-1].kind != scopeExpand {
			return fmt.Errorf("%w: collapse node %q at level %q",
				ErrCollapseWithoutExpand, name, base.lvl.key())
		}
		tail := base.lvl[len(base.lvl)-1]
		info.path = base.lvl[:len(base.lvl)-1]
		info.match = tail.node
		info.closes = tail.node
	default:
		info.path = base.lvl
		switch {
		case joined != nil:
			info.match = joined
			info.closes = joined
		case len(base.lvl) > 0:
			info.match = base.lvl[len(base.lvl)-1].node
		}
	}

	r.log.V(1).Info("resolved node", "node", name, "level", info.path.key(), "match", matchName(info.match))
	return nil
}

func matchName(n *GraphNode) string {
	if n == nil {
		return ""
	}
	return n.Name
}

// incomingByPort groups the non-back edges terminating at a node by
// input port.
func (r *resolver) incomingByPort(name string) map[string][]Edge {
	res := make(map[string][]Edge)
	for i, e := range r.g.edges {
		if e.Dst != name || r.backEdge[i] {
			continue
		}
		res[e.DstPort] = append(res[e.DstPort], e)
	}
	return res
}

// resolvePort reduces the edges feeding one input port to a single
// hierarchy level. Multiple edges are only legal as a condition join:
// every edge must carry a distinct branch of the same condition, and all
// of that condition's branches must arrive here. A successful join pops
// the condition and reports it as the joined opener.
func (r *resolver) resolvePort(node *GraphNode, port string, edges []Edge) (level, *GraphNode, error) {
	if len(edges) == 1 {
		return r.edgeLevel(edges[0]), nil, nil
	}

	levels := make([]level, len(edges))
	for i, e := range edges {
		levels[i] = r.edgeLevel(e)
	}
	// Deterministic regardless of edge declaration order.
	slices.SortFunc(levels, func(a, b level) int {
		return strings.Compare(a.key(), b.key())
	})

	var cond *GraphNode
	branches := map[string]bool{}
	for _, lvl := range levels {
		if len(lvl) == 0 || lvl[len(lvl)-1].kind != scopeCondition {
			return nil, nil, r.fanInError(node, port, levels)
		}
		tail := lvl[len(lvl)-1]
		if cond == nil {
			cond = tail.node
		} else if tail.node != cond {
			return nil, nil, r.fanInError(node, port, levels)
		}
		if branches[tail.branch] {
			return nil, nil, fmt.Errorf("%w: branch %s:%s feeds %q:%s twice",
				ErrPortFanInConflict, cond.Name, tail.branch, node.Name, port)
		}
		branches[tail.branch] = true
	}

	// The prefixes below the condition tails must agree.
	prefix := levels[0][:len(levels[0])-1]
	for _, lvl := range levels[1:] {
		if !level(lvl[:len(lvl)-1]).equal(prefix) {
			return nil, nil, r.classifyMismatch(node, prefix, lvl[:len(lvl)-1])
		}
	}

	// A join must gather every branch of the condition.
	for _, out := range cond.Desc.Outputs {
		if !branches[out] {
			return nil, nil, fmt.Errorf("%w: branch %s:%s of condition %q does not reach join %q:%s",
				ErrAmbiguousConditionJoin, cond.Name, out, cond.Name, node.Name, port)
		}
	}

	return prefix, cond, nil
}

// fanInError classifies an illegal multi-edge input port: identical
// levels are an unrelated fan-in, differing levels a hierarchy conflict.
func (r *resolver) fanInError(node *GraphNode, port string, levels []level) error {
	allEqual := true
	for _, lvl := range levels[1:] {
		if !lvl.equal(levels[0]) {
			allEqual = false
			break
		}
	}
	if allEqual {
		return fmt.Errorf("%w: %d unrelated edges into %q:%s",
			ErrPortFanInConflict, len(levels), node.Name, port)
	}
	for _, lvl := range levels[1:] {
		if !lvl.equal(levels[0]) {
			return r.classifyMismatch(node, levels[0], lvl)
		}
	}
	return nil
}

// classifyMismatch maps two incompatible levels meeting at one node to
// the taxonomy kind. Prefix relations mean data crossed out of (or into)
// an open region; diverging condition branches of one condition mean the
// branches met without a legal join.
func (r *resolver) classifyMismatch(node *GraphNode, a, b level) error {
	if len(b) < len(a) {
		a, b = b, a
	}
	i := 0
	for ; i < len(a); i++ {
		if !a[i].equal(b[i]) {
			break
		}
	}
	if i == len(a) {
		// a is a proper prefix of b: b carries an unclosed opener.
		extra := b[i]
		switch extra.kind {
		case scopeExpand:
			return fmt.Errorf("%w: input of %q still inside expand %q",
				ErrUncollapsedExpand, node.Name, extra.node.Name)
		case scopeCondition:
			return fmt.Errorf("%w: branch %s:%s of condition %q consumed at %q without joining its siblings",
				ErrConditionBranchLeak, extra.node.Name, extra.branch, extra.node.Name, node.Name)
		default:
			return fmt.Errorf("%w: input of %q still inside loop %q",
				ErrOverHierarchyLink, node.Name, extra.node.Name)
		}
	}
	da, db := a[i], b[i]
	if da.kind == scopeCondition && db.kind == scopeCondition && da.node == db.node {
		return fmt.Errorf("%w: branches %s and %s of condition %q reach %q on different ports",
			ErrAmbiguousConditionJoin, da.branch, db.branch, da.node.Name, node.Name)
	}
	return fmt.Errorf("%w: inputs of %q arrive at levels %q and %q",
		ErrHierarchyMismatch, node.Name, a.key(), b.key())
}

// checkBackEdges verifies every folded back-edge closes exactly on its
// loop: the source must sit at the loop's body level, nothing shallower
// or deeper.
func (r *resolver) checkBackEdges() error {
	for i, e := range r.g.edges {
		if !r.backEdge[i] {
			continue
		}
		loop := r.g.nodes[e.Dst]
		want := r.info[e.Dst].path.push(scopeEntry{node: loop, kind: scopeLoop})
		got := r.edgeLevel(e)
		if !got.equal(want) {
			return fmt.Errorf("%w: back-edge %s closes on %q from level %q, body level is %q",
				ErrLoopBackEdgeScope, e.String(), loop.Name, got.key(), want.key())
		}
	}
	return nil
}

// checkCollapseClaims rejects two collapse nodes folding the same expand
// over overlapping paths. Multiple collapses for one expand are legal
// only when they drain disjoint parts of the region (separate expand
// outputs or separate condition branches).
func (r *resolver) checkCollapseClaims() error {
	claims := make(map[string][]string) // expand name -> collapse names
	for _, name := range r.g.nodeOrder {
		info := r.info[name]
		if info == nil || info.closes == nil {
			continue
		}
		if category(info.node) == CategoryCollapse {
			e := info.closes.Name
			claims[e] = append(claims[e], name)
		}
	}

	expands := make([]string, 0, len(claims))
	for e := range claims {
		expands = append(expands, e)
	}
	slices.Sort(expands)

	for _, expand := range expands {
		collapses := claims[expand]
		if len(collapses) < 2 {
			continue
		}
		slices.Sort(collapses)
		footprints := make([]map[string]bool, len(collapses))
		for i, c := range collapses {
			footprints[i] = r.claimFootprint(expand, c)
		}
		for i := 0; i < len(collapses); i++ {
			for j := i + 1; j < len(collapses); j++ {
				for item := range footprints[i] {
					if footprints[j][item] {
						return fmt.Errorf("%w: collapse nodes %q and %q both fold expand %q via %q",
							ErrAmbiguousCollapse, collapses[i], collapses[j], expand, item)
					}
				}
			}
		}
	}
	return nil
}

// claimFootprint walks backwards from a collapse through the expand's
// region and records the region nodes and expand output ports its data
// can come from. Overlapping footprints of two collapses mean the same
// sub-stream would be folded twice.
func (r *resolver) claimFootprint(expand, collapse string) map[string]bool {
	expandNode := r.g.nodes[expand]
	inRegion := func(name string) bool {
		info := r.info[name]
		if info == nil {
			return false
		}
		for _, e := range info.path {
			if e.node == expandNode {
				return true
			}
		}
		return false
	}

	footprint := map[string]bool{}
	visited := map[string]bool{}
	stack := []string{collapse}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for i, e := range r.g.edges {
			if e.Dst != cur || r.backEdge[i] {
				continue
			}
			if e.Src == expand {
				footprint["port:"+e.SrcPort] = true
				continue
			}
			if inRegion(e.Src) {
				footprint[e.Src] = true
				stack = append(stack, e.Src)
			}
		}
	}
	return footprint
}
