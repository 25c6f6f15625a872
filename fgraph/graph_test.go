package fgraph

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestGraphAddNode(t *testing.T) {
	reg := testRegistry(t)

	t.Run("unknown flowunit", func(t *testing.T) {
		g := NewGraph(reg)
		err := g.AddNode("a", "does_not_exist", "cpu", "0")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownFlowunit))
	})

	t.Run("missing device", func(t *testing.T) {
		g := NewGraph(reg)
		err := g.AddNode("a", "test_1_1", "", "0")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrBadGraphSyntax))
	})

	t.Run("duplicate name", func(t *testing.T) {
		g := NewGraph(reg)
		assert.NoError(t, g.AddNode("a", "test_1_1", "cpu", "0"))
		err := g.AddInput("a")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrNodeAlreadyExists))
	})
}

func TestGraphAddEdge(t *testing.T) {
	reg := testRegistry(t)

	newGraph := func(t *testing.T) *Graph {
		g := NewGraph(reg)
		assert.NoError(t, g.AddInput("input1"))
		assert.NoError(t, g.AddOutput("output1"))
		assert.NoError(t, g.AddNode("b", "test_1_1", "cpu", "0"))
		return g
	}

	t.Run("unknown endpoint", func(t *testing.T) {
		g := newGraph(t)
		err := g.AddEdge("nope", "Out_1", "b", "In_1")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrNodeNotFound))
	})

	t.Run("unknown port", func(t *testing.T) {
		g := newGraph(t)
		err := g.AddEdge("b", "Out_9", "output1", "")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownPort))

		err = g.AddEdge("input1", "", "b", "In_9")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownPort))
	})

	t.Run("virtual ports resolve implicitly", func(t *testing.T) {
		g := newGraph(t)
		assert.NoError(t, g.AddEdge("input1", "", "b", "In_1"))
		assert.NoError(t, g.AddEdge("b", "Out_1", "output1", ""))

		edges := g.Edges()
		assert.Equal(t, 2, len(edges))
		assert.Equal(t, VirtualOutPort, edges[0].SrcPort)
		assert.Equal(t, VirtualInPort, edges[1].DstPort)
	})

	t.Run("ambiguous implicit port", func(t *testing.T) {
		g := NewGraph(reg)
		assert.NoError(t, g.AddNode("a", "test_0_2", "cpu", "0"))
		assert.NoError(t, g.AddNode("b", "test_1_0", "cpu", "0"))
		err := g.AddEdge("a", "", "b", "In_1")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrBadGraphSyntax))
	})
}

func TestGraphAccessors(t *testing.T) {
	g := buildTestGraph(t, graphDef{
		inputs: []string{"input1"},
		nodes:  []string{"b=test_1_1", "c=test_1_0"},
		edges: []string{
			"input1 -> b:In_1",
			"b:Out_1 -> c:In_1",
		},
	})

	assert.Equal(t, []string{"input1", "b", "c"}, g.Nodes())
	assert.Equal(t, 2, len(g.Edges()))
	assert.True(t, g.Node("input1").IsVirtual())
	assert.False(t, g.Node("b").IsVirtual())
	assert.Zero(t, g.Node("missing"))
}
