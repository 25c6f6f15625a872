package fgraph

import "fmt"

// NodeKind distinguishes flowunit nodes from the synthetic virtual nodes
// that frame the graph's external inputs and outputs.
type NodeKind int

const (
	KindFlowunit NodeKind = iota
	KindInput
	KindOutput
)

func (k NodeKind) String() string {
	switch k {
	case KindFlowunit:
		return "Flowunit"
	case KindInput:
		return "Input"
	case KindOutput:
		return "Output"
	default:
		return "Unknown"
	}
}

// Port names of the synthetic virtual node descriptors. Edges touching a
// virtual node may omit the port; the builder resolves it to these.
const (
	VirtualOutPort = "out"
	VirtualInPort  = "in"
)

// GraphNode is one use of a flowunit (or a virtual endpoint) inside a
// graph. The device binding is carried through for the assembler; the
// checker ignores it.
type GraphNode struct {
	Name     string
	Kind     NodeKind
	Desc     *Descriptor
	Device   string
	DeviceID string
}

// IsVirtual reports whether the node is a synthetic input/output node.
func (n *GraphNode) IsVirtual() bool {
	return n.Kind != KindFlowunit
}

// Edge is one directed connection between two qualified ports.
type Edge struct {
	Src     string
	SrcPort string
	Dst     string
	DstPort string
}

func (e Edge) String() string {
	return fmt.Sprintf("%s:%s -> %s:%s", e.Src, e.SrcPort, e.Dst, e.DstPort)
}

// Graph is the raw post-parse graph: resolved nodes and qualified edges.
// It performs the §4.B pre-pass validation as nodes and edges are added;
// structural checking happens later in Check.
//
// Graph is NOT safe for concurrent use during construction. Once checked
// it is immutable.
type Graph struct {
	reg *Registry

	nodes     map[string]*GraphNode
	nodeOrder []string
	edges     []Edge
}

// NewGraph creates an empty graph bound to a descriptor registry.
func NewGraph(reg *Registry) *Graph {
	return &Graph{
		reg:   reg,
		nodes: make(map[string]*GraphNode),
	}
}

func (g *Graph) addNode(n *GraphNode) error {
	if n.Name == "" {
		return fmt.Errorf("%w: node has no name", ErrBadGraphSyntax)
	}
	if _, exists := g.nodes[n.Name]; exists {
		return fmt.Errorf("%w: %q", ErrNodeAlreadyExists, n.Name)
	}
	g.nodes[n.Name] = n
	g.nodeOrder = append(g.nodeOrder, n.Name)
	return nil
}

// AddNode adds a flowunit node. The flowunit must be registered and the
// device binding must be present.
func (g *Graph) AddNode(name, flowunit, device, deviceID string) error {
	desc, err := g.reg.Lookup(flowunit)
	if err != nil {
		return err
	}
	if device == "" {
		return fmt.Errorf("%w: node %q is missing its device binding", ErrBadGraphSyntax, name)
	}
	return g.addNode(&GraphNode{
		Name:     name,
		Kind:     KindFlowunit,
		Desc:     desc,
		Device:   device,
		DeviceID: deviceID,
	})
}

// AddInput adds an input virtual node. It supplies externally injected
// buffers on a single output port.
func (g *Graph) AddInput(name string) error {
	return g.addNode(&GraphNode{
		Name: name,
		Kind: KindInput,
		Desc: &Descriptor{Name: name, Outputs: []string{VirtualOutPort}},
	})
}

// AddOutput adds an output virtual node. It surfaces buffers to the
// external caller on a single input port.
func (g *Graph) AddOutput(name string) error {
	return g.addNode(&GraphNode{
		Name: name,
		Kind: KindOutput,
		Desc: &Descriptor{Name: name, Inputs: []string{VirtualInPort}},
	})
}

// AddEdge connects src:srcPort to dst:dstPort. Empty port names are
// resolved when the endpoint has exactly one port on that side, which is
// how edges touching virtual nodes are usually written.
func (g *Graph) AddEdge(src, srcPort, dst, dstPort string) error {
	srcNode, ok := g.nodes[src]
	if !ok {
		return fmt.Errorf("%w: edge source %q", ErrNodeNotFound, src)
	}
	dstNode, ok := g.nodes[dst]
	if !ok {
		return fmt.Errorf("%w: edge target %q", ErrNodeNotFound, dst)
	}

	if srcPort == "" {
		if len(srcNode.Desc.Outputs) != 1 {
			return fmt.Errorf("%w: edge from %q must name one of its %d output ports",
				ErrBadGraphSyntax, src, len(srcNode.Desc.Outputs))
		}
		srcPort = srcNode.Desc.Outputs[0]
	}
	if dstPort == "" {
		if len(dstNode.Desc.Inputs) != 1 {
			return fmt.Errorf("%w: edge into %q must name one of its %d input ports",
				ErrBadGraphSyntax, dst, len(dstNode.Desc.Inputs))
		}
		dstPort = dstNode.Desc.Inputs[0]
	}

	if !srcNode.Desc.HasOutput(srcPort) {
		return fmt.Errorf("%w: %q has no output port %q", ErrUnknownPort, src, srcPort)
	}
	if !dstNode.Desc.HasInput(dstPort) {
		return fmt.Errorf("%w: %q has no input port %q", ErrUnknownPort, dst, dstPort)
	}

	g.edges = append(g.edges, Edge{Src: src, SrcPort: srcPort, Dst: dst, DstPort: dstPort})
	return nil
}

// Node returns a node by name, or nil.
func (g *Graph) Node(name string) *GraphNode {
	return g.nodes[name]
}

// Nodes returns the node names in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodeOrder))
	copy(out, g.nodeOrder)
	return out
}

// Edges returns the edges in declaration order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// edgesFrom collects the edges leaving the given node.
func (g *Graph) edgesFrom(name string) []Edge {
	var res []Edge
	for _, e := range g.edges {
		if e.Src == name {
			res = append(res, e)
		}
	}
	return res
}
