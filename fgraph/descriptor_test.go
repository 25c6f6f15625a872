package fgraph

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestRegistryRegisterLookup(t *testing.T) {
	reg := NewRegistry()
	desc := &Descriptor{Name: "resize", Inputs: []string{"in"}, Outputs: []string{"out"}}
	assert.NoError(t, reg.Register(desc))

	got, err := reg.Lookup("resize")
	assert.NoError(t, err)
	assert.Equal(t, desc, got)

	_, err = reg.Lookup("missing")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownFlowunit))
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	assert.NoError(t, reg.Register(&Descriptor{Name: "a", Outputs: []string{"out"}}))
	err := reg.Register(&Descriptor{Name: "a", Outputs: []string{"out"}})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))
}

func TestRegistryEnumerationOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		assert.NoError(t, reg.Register(&Descriptor{Name: name, Outputs: []string{"out"}}))
	}
	descs := reg.Descriptors()
	assert.Equal(t, 3, len(descs))
	assert.Equal(t, "c", descs[0].Name)
	assert.Equal(t, "a", descs[1].Name)
	assert.Equal(t, "b", descs[2].Name)
}

func TestDescriptorPortValidation(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(&Descriptor{Name: "dup", Inputs: []string{"in", "in"}})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadGraphSyntax))

	err = reg.Register(&Descriptor{Name: "empty", Outputs: []string{""}})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadGraphSyntax))

	err = reg.Register(&Descriptor{Name: ""})
	assert.Error(t, err)
}

func TestDescriptorCardinality(t *testing.T) {
	tests := []struct {
		name    string
		desc    *Descriptor
		wantErr bool
	}{
		{
			name: "condition needs two outputs",
			desc: &Descriptor{
				Name: "cond", Inputs: []string{"in"}, Outputs: []string{"out"},
				Category: CategoryCondition,
			},
			wantErr: true,
		},
		{
			name: "expand needs one input",
			desc: &Descriptor{
				Name: "exp", Inputs: []string{"a", "b"}, Outputs: []string{"out"},
				Category: CategoryExpand,
			},
			wantErr: true,
		},
		{
			name: "collapse needs one output",
			desc: &Descriptor{
				Name: "col", Inputs: []string{"in"}, Outputs: []string{"a", "b"},
				Category: CategoryCollapse,
			},
			wantErr: true,
		},
		{
			name: "loop needs exit outputs",
			desc: &Descriptor{
				Name: "loop", Inputs: []string{"in"}, Outputs: []string{"body"},
				Category: CategoryLoop,
			},
			wantErr: true,
		},
		{
			name: "multi port collapse is fine",
			desc: &Descriptor{
				Name: "col2", Inputs: []string{"a", "b"}, Outputs: []string{"out"},
				Category: CategoryCollapse,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			assert.NoError(t, reg.Register(tt.desc))

			// Cardinality only bites once a graph uses the descriptor.
			g := NewGraph(reg)
			assert.NoError(t, g.AddNode("n", tt.desc.Name, "cpu", "0"))
			_, err := Check(g)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, ErrCardinalityViolation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "Condition", CategoryCondition.String())
	assert.Equal(t, "Loop", CategoryLoop.String())
	assert.True(t, CategoryExpand.IsOpener())
	assert.False(t, CategoryCollapse.IsOpener())
	assert.False(t, CategoryStream.IsOpener())
}
