package flowstream

import (
	"context"
	"fmt"

	"github.com/flowstream-io/flowstream/fgraph"
)

// PortData carries one invocation's buffers, keyed by port name.
type PortData map[string][]*Buffer

// Flowunit is the business-logic boundary of a runtime node. The engine
// owns ports, queues and stream bookkeeping; the flowunit only maps
// input buffers to output buffers.
//
// Process receives the buffers of one scheduling tick grouped by input
// port and returns the produced buffers grouped by output port. For
// condition flowunits each input buffer must be routed to exactly one
// output port. Returning an error stops the scheduler, which halts every
// session of the flow; per-buffer failures should instead be attached to
// the output buffer's Err so the stream keeps draining.
type Flowunit interface {
	Open(ctx context.Context) error
	Process(ctx context.Context, input PortData) (PortData, error)
	Close() error
}

// FlowunitFactory creates one flowunit instance per graph node.
type FlowunitFactory func() Flowunit

// ProcessFunc adapts a plain function to a stateless Flowunit with no-op
// Open and Close.
type ProcessFunc func(ctx context.Context, input PortData) (PortData, error)

type funcFlowunit struct {
	fn ProcessFunc
}

func (f *funcFlowunit) Open(context.Context) error { return nil }

func (f *funcFlowunit) Process(ctx context.Context, input PortData) (PortData, error) {
	return f.fn(ctx, input)
}

func (f *funcFlowunit) Close() error { return nil }

// FlowunitFunc wraps a ProcessFunc into a factory.
func FlowunitFunc(fn ProcessFunc) FlowunitFactory {
	return func() Flowunit {
		return &funcFlowunit{fn: fn}
	}
}

// FlowunitRegistry binds flowunit descriptors to the factories that
// create their runtime instances. The embedded descriptor registry is
// what graphs are built and checked against.
type FlowunitRegistry struct {
	descs     *fgraph.Registry
	factories map[string]FlowunitFactory
}

// NewFlowunitRegistry creates an empty flowunit registry.
func NewFlowunitRegistry() *FlowunitRegistry {
	return &FlowunitRegistry{
		descs:     fgraph.NewRegistry(),
		factories: make(map[string]FlowunitFactory),
	}
}

// Register adds a descriptor together with its factory.
func (r *FlowunitRegistry) Register(desc *fgraph.Descriptor, factory FlowunitFactory) error {
	if factory == nil {
		return fmt.Errorf("flowunit %q: nil factory", desc.Name)
	}
	if err := r.descs.Register(desc); err != nil {
		return err
	}
	r.factories[desc.Name] = factory
	return nil
}

// MustRegister is like Register but panics on error.
func (r *FlowunitRegistry) MustRegister(desc *fgraph.Descriptor, factory FlowunitFactory) {
	if err := r.Register(desc, factory); err != nil {
		panic(err)
	}
}

// Descriptors exposes the descriptor registry for graph building.
func (r *FlowunitRegistry) Descriptors() *fgraph.Registry {
	return r.descs
}

func (r *FlowunitRegistry) factory(name string) (FlowunitFactory, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", fgraph.ErrUnknownFlowunit, name)
	}
	return f, nil
}
