// Package flowstream is a dataflow engine: it takes a declarative
// processing graph of flowunits, validates its structure, and executes
// it by streaming buffers between asynchronous nodes.
//
// The static side lives in the fgraph package: descriptors, the raw
// graph, and the structural checker that computes every node's
// hierarchy path and match node. This package is the runtime: it
// freezes a checked graph into nodes wired through FIFO queues, drives
// them with a worker pool, and exposes session-based I/O at the graph
// boundary.
//
//	reg := flowstream.NewFlowunitRegistry()
//	reg.MustRegister(&fgraph.Descriptor{
//		Name: "upper", Inputs: []string{"in"}, Outputs: []string{"out"},
//	}, flowstream.FlowunitFunc(upper))
//
//	g := fgraph.NewGraph(reg.Descriptors())
//	// ... add nodes and edges ...
//
//	flow := flowstream.New(reg)
//	if err := flow.Build(g); err != nil { ... }
//	if err := flow.Start(ctx); err != nil { ... }
//	defer flow.Close()
//
//	io, _ := flow.StartSession()
//	io.PushData("input1", []byte("hello"), nil)
//	io.CloseInput()
//	results, status := io.Recv(time.Second)
//
// # Streams and pairing
//
// Every buffer carries an IndexInfo: its session, its stream lineage and
// its position. Intra-port order is FIFO per stream. Expand nodes derive
// one sub-stream per input buffer and terminate it immediately; collapse
// nodes gather a sub-stream until its end flag and fold it one level up.
// Nodes with several input ports pair buffers of the same stream
// positionally; the checker's match-node assignment guarantees all ports
// of a node carry streams of the same level.
//
// # Concurrency
//
// The checker is pure and single-threaded. At runtime, input queues are
// the synchronisation boundary: bounded queues block the producer for
// backpressure, consumers take what is available per tick. A node never
// runs concurrently with itself. Sessions can be closed softly (drain,
// then EOF) or aborted (remaining buffers dropped).
package flowstream
