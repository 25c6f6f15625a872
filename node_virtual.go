package flowstream

import (
	"github.com/flowstream-io/flowstream/fgraph"
)

// runInputVirtual moves externally pushed buffers onto the graph's
// internal queues. The index metadata was already stamped by the session
// IO, so this is a plain forward.
func (n *Node) runInputVirtual() error {
	for port, extern := range n.externPorts {
		bufs := extern.Recv(-1)
		if len(bufs) == 0 {
			continue
		}
		queues := n.outPorts[port]
		for _, buf := range bufs {
			if buf.Index.SessionID != "" && n.session(buf) == nil {
				continue
			}
			for _, q := range queues {
				if err := q.Send(buf); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// runOutputVirtual surfaces matched results to the session IO handle.
// The root stream's end flag completes this output for the session.
func (n *Node) runOutputVirtual() error {
	deliver := make(map[*Session][]*Buffer)
	var finished []*Session

	for _, q := range n.inPorts[fgraph.VirtualInPort] {
		for _, buf := range q.Recv(-1) {
			sess := n.session(buf)
			if sess == nil {
				continue
			}
			if buf.HasError() {
				sess.SetError(buf.Err)
			}
			if buf.HasData() {
				deliver[sess] = append(deliver[sess], buf)
				continue
			}
			if buf.Index.End && buf.Index.Root() {
				finished = append(finished, sess)
			}
		}
	}

	for sess, bufs := range deliver {
		if io := sess.IO(); io != nil {
			io.pushOutput(n.name, bufs)
		}
	}
	for _, sess := range finished {
		sess.outputDone(n.name)
	}
	return nil
}

// runOutputUnmatch surfaces results whose hierarchy levels cannot be
// paired at the graph boundary: buffers are cached per session and
// stream, and handed out stream by stream.
func (n *Node) runOutputUnmatch() error {
	for _, q := range n.inPorts[fgraph.VirtualInPort] {
		for _, buf := range q.Recv(-1) {
			sess := n.session(buf)
			if sess == nil {
				continue
			}
			cache := n.unmatch[sess.ID()]
			if cache == nil {
				cache = NewSessionUnmatchCache([]string{fgraph.VirtualInPort})
				n.unmatch[sess.ID()] = cache
			}
			cache.CacheBuffer(fgraph.VirtualInPort, buf)
		}
	}

	for id, cache := range n.unmatch {
		sess := n.sessions.Get(id)
		if sess == nil || sess.IsAbort() {
			delete(n.unmatch, id)
			continue
		}
		if err := cache.LastError(); err != nil {
			sess.SetError(err)
		}
		if io := sess.IO(); io != nil {
			for {
				popped, more := cache.PopCache()
				if bufs := popped[fgraph.VirtualInPort]; len(bufs) > 0 {
					io.pushOutput(n.name, bufs)
				}
				if !more {
					break
				}
			}
		}
		if cache.AllPortStreamEnd() {
			delete(n.unmatch, id)
			sess.outputDone(n.name)
		}
	}
	return nil
}
