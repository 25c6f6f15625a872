package flowstream

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/flowstream-io/flowstream/fgraph"
)

// engineRegistry registers a small set of working flowunits used across
// the runtime tests.
func engineRegistry() *FlowunitRegistry {
	reg := NewFlowunitRegistry()

	reg.MustRegister(&fgraph.Descriptor{
		Name: "upper", Inputs: []string{"In_1"}, Outputs: []string{"Out_1"},
		Category: fgraph.CategoryStream, StreamSameCount: true,
	}, FlowunitFunc(func(_ context.Context, input PortData) (PortData, error) {
		out := PortData{}
		for _, buf := range input["In_1"] {
			out["Out_1"] = append(out["Out_1"], &Buffer{Data: bytes.ToUpper(buf.Data), Meta: buf.Meta})
		}
		return out, nil
	}))

	reg.MustRegister(&fgraph.Descriptor{
		Name: "echo", Inputs: []string{"In_1"}, Outputs: []string{"Out_1"},
		Category: fgraph.CategoryStream, StreamSameCount: true,
	}, FlowunitFunc(func(_ context.Context, input PortData) (PortData, error) {
		out := PortData{}
		for _, buf := range input["In_1"] {
			out["Out_1"] = append(out["Out_1"], &Buffer{Data: buf.Data, Meta: buf.Meta})
		}
		return out, nil
	}))

	reg.MustRegister(&fgraph.Descriptor{
		Name: "fanout2", Inputs: []string{"In_1"}, Outputs: []string{"Out_1", "Out_2"},
		Category: fgraph.CategoryStream,
	}, FlowunitFunc(func(_ context.Context, input PortData) (PortData, error) {
		out := PortData{}
		for _, buf := range input["In_1"] {
			out["Out_1"] = append(out["Out_1"], &Buffer{Data: buf.Data})
			out["Out_2"] = append(out["Out_2"], &Buffer{Data: buf.Data})
		}
		return out, nil
	}))

	reg.MustRegister(&fgraph.Descriptor{
		Name: "concat2", Inputs: []string{"In_1", "In_2"}, Outputs: []string{"Out_1"},
		Category: fgraph.CategoryStream,
	}, FlowunitFunc(func(_ context.Context, input PortData) (PortData, error) {
		out := PortData{}
		for i, left := range input["In_1"] {
			right := input["In_2"][i]
			joined := string(left.Data) + "+" + string(right.Data)
			out["Out_1"] = append(out["Out_1"], &Buffer{Data: []byte(joined)})
		}
		return out, nil
	}))

	reg.MustRegister(&fgraph.Descriptor{
		Name: "parity", Inputs: []string{"In_1"}, Outputs: []string{"Out_1", "Out_2"},
		Category: fgraph.CategoryCondition,
	}, FlowunitFunc(func(_ context.Context, input PortData) (PortData, error) {
		out := PortData{}
		for _, buf := range input["In_1"] {
			port := "Out_1"
			if len(buf.Data)%2 != 0 {
				port = "Out_2"
			}
			out[port] = append(out[port], &Buffer{Data: buf.Data})
		}
		return out, nil
	}))

	reg.MustRegister(&fgraph.Descriptor{
		Name: "tokenize", Inputs: []string{"In_1"}, Outputs: []string{"Out_1"},
		Category: fgraph.CategoryExpand,
	}, FlowunitFunc(func(_ context.Context, input PortData) (PortData, error) {
		out := PortData{}
		for _, buf := range input["In_1"] {
			for _, tok := range strings.Split(string(buf.Data), ",") {
				out["Out_1"] = append(out["Out_1"], &Buffer{Data: []byte(tok)})
			}
		}
		return out, nil
	}))

	reg.MustRegister(&fgraph.Descriptor{
		Name: "gather", Inputs: []string{"In_1"}, Outputs: []string{"Out_1"},
		Category: fgraph.CategoryCollapse,
	}, FlowunitFunc(func(_ context.Context, input PortData) (PortData, error) {
		parts := make([]string, 0, len(input["In_1"]))
		for _, buf := range input["In_1"] {
			parts = append(parts, string(buf.Data))
		}
		return PortData{"Out_1": []*Buffer{{Data: []byte(strings.Join(parts, ","))}}}, nil
	}))

	reg.MustRegister(&fgraph.Descriptor{
		Name: "tokenize_dash", Inputs: []string{"In_1"}, Outputs: []string{"Out_1"},
		Category: fgraph.CategoryExpand,
	}, FlowunitFunc(func(_ context.Context, input PortData) (PortData, error) {
		out := PortData{}
		for _, buf := range input["In_1"] {
			for _, tok := range strings.Split(string(buf.Data), "-") {
				out["Out_1"] = append(out["Out_1"], &Buffer{Data: []byte(tok)})
			}
		}
		return out, nil
	}))

	reg.MustRegister(&fgraph.Descriptor{
		Name: "gather_dash", Inputs: []string{"In_1"}, Outputs: []string{"Out_1"},
		Category: fgraph.CategoryCollapse,
	}, FlowunitFunc(func(_ context.Context, input PortData) (PortData, error) {
		parts := make([]string, 0, len(input["In_1"]))
		for _, buf := range input["In_1"] {
			parts = append(parts, string(buf.Data))
		}
		return PortData{"Out_1": []*Buffer{{Data: []byte(strings.Join(parts, "-"))}}}, nil
	}))

	reg.MustRegister(&fgraph.Descriptor{
		Name: "taint", Inputs: []string{"In_1"}, Outputs: []string{"Out_1"},
		Category: fgraph.CategoryStream,
	}, FlowunitFunc(func(_ context.Context, input PortData) (PortData, error) {
		out := PortData{}
		for _, buf := range input["In_1"] {
			out["Out_1"] = append(out["Out_1"], &Buffer{
				Data: buf.Data,
				Err:  &FlowUnitError{Node: "taint", Desc: "marked"},
			})
		}
		return out, nil
	}))

	return reg
}

func TestAssembleRoundTrip(t *testing.T) {
	reg := engineRegistry()
	g := fgraph.NewGraph(reg.Descriptors())
	assert.NoError(t, g.AddInput("input1"))
	assert.NoError(t, g.AddOutput("output1"))
	assert.NoError(t, g.AddNode("tok", "tokenize", "cpu", "0"))
	assert.NoError(t, g.AddNode("par", "parity", "cpu", "0"))
	assert.NoError(t, g.AddNode("up", "upper", "cpu", "0"))
	assert.NoError(t, g.AddNode("gat", "gather", "cpu", "0"))
	assert.NoError(t, g.AddEdge("input1", "", "tok", "In_1"))
	assert.NoError(t, g.AddEdge("tok", "Out_1", "par", "In_1"))
	assert.NoError(t, g.AddEdge("par", "Out_1", "up", "In_1"))
	assert.NoError(t, g.AddEdge("par", "Out_2", "up", "In_1"))
	assert.NoError(t, g.AddEdge("up", "Out_1", "gat", "In_1"))
	assert.NoError(t, g.AddEdge("gat", "Out_1", "output1", ""))

	checked, err := fgraph.Check(g)
	assert.NoError(t, err)

	exec, err := Assemble(checked, reg, NewSessionManager(), nullLogger(), NodeConfig{})
	assert.NoError(t, err)

	// runtime match pointers equal the checker's match computation
	for _, name := range g.Nodes() {
		want := checked.MatchNode(name)
		got := exec.GetNode(name).GetMatchNode()
		if want == nil {
			assert.Zero(t, got)
		} else {
			assert.Equal(t, want.Name, got.Name())
		}
	}
	assert.Equal(t, "par", exec.GetNode("up").GetMatchNode().Name())
	assert.Equal(t, "tok", exec.GetNode("gat").GetMatchNode().Name())

	assert.Equal(t, NodeInputVirtual, exec.GetNode("input1").Kind())
	assert.Equal(t, NodeOutputVirtual, exec.GetNode("output1").Kind())
	assert.Zero(t, exec.GetNode("missing"))
}

func TestAssembleUnmatchedOutput(t *testing.T) {
	reg := engineRegistry()
	g := fgraph.NewGraph(reg.Descriptors())
	assert.NoError(t, g.AddInput("input1"))
	assert.NoError(t, g.AddOutput("output1"))
	assert.NoError(t, g.AddNode("tok", "tokenize", "cpu", "0"))
	assert.NoError(t, g.AddEdge("input1", "", "tok", "In_1"))
	assert.NoError(t, g.AddEdge("tok", "Out_1", "output1", ""))

	checked, err := fgraph.Check(g)
	assert.NoError(t, err)
	assert.False(t, checked.OutputsMatched())

	exec, err := Assemble(checked, reg, NewSessionManager(), nullLogger(), NodeConfig{})
	assert.NoError(t, err)
	assert.Equal(t, NodeOutputUnmatchVirtual, exec.GetNode("output1").Kind())
}

func TestAssembleMissingFactory(t *testing.T) {
	reg := engineRegistry()
	// Register a descriptor directly, bypassing the factory binding.
	assert.NoError(t, reg.Descriptors().Register(&fgraph.Descriptor{
		Name: "ghost", Inputs: []string{"In_1"}, Outputs: []string{"Out_1"},
	}))

	g := fgraph.NewGraph(reg.Descriptors())
	assert.NoError(t, g.AddNode("g1", "ghost", "cpu", "0"))

	checked, err := fgraph.Check(g)
	assert.NoError(t, err)

	_, err = Assemble(checked, reg, NewSessionManager(), nullLogger(), NodeConfig{})
	assert.Error(t, err)
}

func TestNodeStateMachine(t *testing.T) {
	reg := engineRegistry()
	g := fgraph.NewGraph(reg.Descriptors())
	assert.NoError(t, g.AddNode("up", "upper", "cpu", "0"))

	checked, err := fgraph.Check(g)
	assert.NoError(t, err)
	exec, err := Assemble(checked, reg, NewSessionManager(), nullLogger(), NodeConfig{})
	assert.NoError(t, err)

	node := exec.GetNode("up")
	assert.Equal(t, NodeInitialized, node.State())

	// Run before Open is an illegal transition.
	err = node.Run(context.Background(), RunData)
	assert.IsError(t, err, ErrNodeState)

	assert.NoError(t, node.Open(context.Background()))
	assert.Equal(t, NodeOpened, node.State())

	assert.NoError(t, node.Run(context.Background(), RunData))
	assert.Equal(t, NodeRunning, node.State())

	assert.NoError(t, node.Close())
	assert.Equal(t, NodeClosed, node.State())

	// Close is idempotent, Run on a closed node is a no-op.
	assert.NoError(t, node.Close())
	assert.NoError(t, node.Run(context.Background(), RunData))
}

func TestNodeOpenFailure(t *testing.T) {
	reg := engineRegistry()
	reg.MustRegister(&fgraph.Descriptor{
		Name: "broken", Inputs: []string{"In_1"}, Outputs: []string{"Out_1"},
	}, func() Flowunit {
		return &failingOpenUnit{}
	})

	g := fgraph.NewGraph(reg.Descriptors())
	assert.NoError(t, g.AddNode("bad", "broken", "cpu", "0"))
	assert.NoError(t, g.AddNode("down", "upper", "cpu", "0"))
	assert.NoError(t, g.AddEdge("bad", "Out_1", "down", "In_1"))

	checked, err := fgraph.Check(g)
	assert.NoError(t, err)
	exec, err := Assemble(checked, reg, NewSessionManager(), nullLogger(), NodeConfig{})
	assert.NoError(t, err)

	node := exec.GetNode("bad")
	err = node.Open(context.Background())
	assert.Error(t, err)
	assert.Equal(t, NodeClosed, node.State())

	// the downstream edge received an errored end-of-stream marker
	down := exec.GetNode("down")
	q := down.inPorts["In_1"][0]
	bufs := q.Recv(-1)
	assert.Equal(t, 1, len(bufs))
	assert.True(t, bufs[0].Index.End)
	assert.True(t, bufs[0].HasError())
}

type failingOpenUnit struct{}

func (u *failingOpenUnit) Open(context.Context) error {
	return context.DeadlineExceeded
}

func (u *failingOpenUnit) Process(_ context.Context, input PortData) (PortData, error) {
	return nil, nil
}

func (u *failingOpenUnit) Close() error { return nil }
