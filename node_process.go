package flowstream

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowstream-io/flowstream/fgraph"
)

// streamDepth counts lineage segments: the session root stream has depth
// 1, every expansion adds one.
func streamDepth(streamID string) int {
	return strings.Count(streamID, "/") + 1
}

// parentStream strips one expansion level off a stream id.
func parentStream(streamID string) string {
	if i := strings.LastIndex(streamID, "/"); i >= 0 {
		return streamID[:i]
	}
	return streamID
}

type portMarker struct {
	port string
	buf  *Buffer
}

// runProcess is the scheduling tick of a flowunit-backed node: drain the
// input queues, pair buffers per stream, invoke the flowunit, route the
// results, and propagate stream end markers.
func (n *Node) runProcess(ctx context.Context, _ RunType) error {
	markers := n.drainInputs()

	var err error
	switch n.category {
	case fgraph.CategoryExpand:
		err = n.processExpand(ctx)
	case fgraph.CategoryCollapse:
		err = n.processCollapse(ctx, markers)
		markers = nil // collapse consumes its markers
	default:
		err = n.processPaired(ctx)
	}
	if err != nil {
		return err
	}

	for _, m := range markers {
		n.forwardMarker(m.buf)
	}
	return nil
}

// drainInputs moves queued buffers into per-stream staging and collects
// end/placeholder markers. Buffers of aborted or vanished sessions are
// dropped; buffer errors are recorded on the session and the buffer
// keeps flowing.
func (n *Node) drainInputs() []portMarker {
	var markers []portMarker
	for _, port := range n.inOrder {
		for _, q := range n.inPorts[port] {
			for _, buf := range q.Recv(-1) {
				if buf.Index.SessionID != "" && n.session(buf) == nil {
					continue
				}
				if buf.HasError() {
					if sess := n.session(buf); sess != nil {
						sess.SetError(buf.Err)
					}
				}
				if !buf.HasData() {
					markers = append(markers, portMarker{port: port, buf: buf})
					continue
				}
				key := buf.Index.SessionID + "|" + buf.Index.StreamID
				group := n.staged[key]
				if group == nil {
					group = make(map[string][]*Buffer)
					n.staged[key] = group
				}
				group[port] = append(group[port], buf)
			}
		}
	}
	return markers
}

// connectedInputs returns the input ports that have at least one edge.
func (n *Node) connectedInputs() []string {
	var out []string
	for _, port := range n.inOrder {
		if len(n.inPorts[port]) > 0 {
			out = append(out, port)
		}
	}
	return out
}

// processPaired handles NORMAL, STREAM, CONDITION and LOOP nodes: within
// each stream, buffers of all connected input ports are paired
// positionally (FIFO within the stream, as the ordering guarantees
// demand) and handed to the flowunit in batches.
func (n *Node) processPaired(ctx context.Context) error {
	ports := n.connectedInputs()
	if len(ports) == 0 {
		return nil
	}

	for key, group := range n.staged {
		for {
			ready := -1
			for _, port := range ports {
				avail := len(group[port])
				if ready < 0 || avail < ready {
					ready = avail
				}
			}
			if ready <= 0 {
				break
			}
			if b := n.cfg.batch(); ready > b {
				ready = b
			}

			input := make(PortData, len(ports))
			var first *Buffer
			for _, port := range ports {
				input[port] = group[port][:ready]
				group[port] = group[port][ready:]
				if first == nil {
					first = input[port][0]
				}
			}

			output, err := n.invoke(ctx, input)
			if err != nil {
				return err
			}
			n.routeOutputs(first.Index.SessionID, first.Index.StreamID, output)
		}

		allEmpty := true
		for _, port := range ports {
			if len(group[port]) > 0 {
				allEmpty = false
				break
			}
		}
		if allEmpty {
			delete(n.staged, key)
		}
	}
	return nil
}

// processExpand turns every input buffer into its own sub-stream: the
// flowunit's results flow one level deeper and each sub-stream is
// terminated immediately.
func (n *Node) processExpand(ctx context.Context) error {
	inPort := n.desc.Inputs[0]
	for key, group := range n.staged {
		bufs := group[inPort]
		delete(n.staged, key)
		for _, buf := range bufs {
			output, err := n.invoke(ctx, PortData{inPort: []*Buffer{buf}})
			if err != nil {
				return err
			}
			sub := buf.Index.SubStream()
			n.routeOutputs(buf.Index.SessionID, sub, output)
			for _, port := range n.outOrder {
				n.sendMarker(port, endBuffer(buf.Index.SessionID, sub, n.nextPos(port, sub)))
			}
		}
	}
	return nil
}

// processCollapse gathers each sub-stream until its end marker has been
// seen on every connected input port, folds it with one flowunit
// invocation, and emits the result one level shallower. Markers of
// shallower streams pass through as the collapse's own stream ends.
func (n *Node) processCollapse(ctx context.Context, markers []portMarker) error {
	ports := n.connectedInputs()

	// Stage data into per-sub-stream collections.
	for key, group := range n.staged {
		coll := n.collected[key]
		if coll == nil {
			coll = make(map[string][]*Buffer)
			n.collected[key] = coll
		}
		for port, bufs := range group {
			coll[port] = append(coll[port], bufs...)
		}
		delete(n.staged, key)
	}

	for _, m := range markers {
		idx := m.buf.Index
		key := idx.SessionID + "|" + idx.StreamID

		// A marker at the depth the collapse consumes triggers a fold;
		// anything shallower is the enclosing stream ending and is
		// forwarded on the output level.
		if !n.isFoldDepth(idx) {
			n.forwardMarker(m.buf)
			continue
		}

		ends := n.substreamEnd[key]
		if ends == nil {
			ends = make(map[string]bool)
			n.substreamEnd[key] = ends
		}
		ends[m.port] = true

		done := true
		for _, port := range ports {
			if !ends[port] {
				done = false
				break
			}
		}
		if !done {
			continue
		}

		coll := n.collected[key]
		input := make(PortData, len(ports))
		for _, port := range ports {
			input[port] = coll[port]
		}
		delete(n.collected, key)
		delete(n.substreamEnd, key)

		output, err := n.invoke(ctx, input)
		if err != nil {
			return err
		}
		n.routeOutputs(idx.SessionID, parentStream(idx.StreamID), output)
	}
	return nil
}

// isFoldDepth reports whether a marker terminates a stream at the depth
// this collapse consumes. The assembler derives that depth from the
// collapse's hierarchy path; markers of shallower streams belong to the
// enclosing level and pass through.
func (n *Node) isFoldDepth(idx IndexInfo) bool {
	depth := streamDepth(idx.StreamID)
	if depth < 2 {
		return false
	}
	if n.foldDepth > 0 {
		return depth == n.foldDepth
	}
	return depth >= 2
}

// invoke calls the flowunit once, wrapping failures with the node name.
func (n *Node) invoke(ctx context.Context, input PortData) (PortData, error) {
	output, err := n.unit.Process(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("node %s: process: %w", n.name, err)
	}
	return output, nil
}

// routeOutputs stamps the produced buffers onto the given stream and
// fans them out to the downstream queues.
func (n *Node) routeOutputs(sessionID, streamID string, output PortData) {
	for _, port := range n.outOrder {
		bufs := output[port]
		if len(bufs) == 0 {
			continue
		}
		queues := n.outPorts[port]
		for _, buf := range bufs {
			buf.Index.SessionID = sessionID
			buf.Index.StreamID = streamID
			buf.Index.Pos = n.nextPos(port, streamID)
			if buf.HasError() {
				if sess := n.sessions.Get(sessionID); sess != nil {
					sess.SetError(buf.Err)
				}
			}
			for _, q := range queues {
				_ = q.Send(buf)
			}
		}
	}
}

func (n *Node) nextPos(port, streamID string) int64 {
	key := port + "|" + streamID
	pos := n.outPos[key]
	n.outPos[key] = pos + 1
	return pos
}

// sendMarker emits a marker on one output port, deduplicated per port
// and stream so diamond joins do not double-terminate a stream.
func (n *Node) sendMarker(port string, marker *Buffer) {
	key := port + "|" + marker.Index.SessionID + "|" + marker.Index.StreamID
	if n.endForwarded[key] {
		return
	}
	n.endForwarded[key] = true
	for _, q := range n.outPorts[port] {
		_ = q.Send(marker)
	}
}

// forwardMarker propagates a stream end to every output port.
func (n *Node) forwardMarker(buf *Buffer) {
	for _, port := range n.outOrder {
		marker := endBuffer(buf.Index.SessionID, buf.Index.StreamID, n.nextPos(port, buf.Index.StreamID))
		marker.Err = buf.Err
		n.sendMarker(port, marker)
	}
}
