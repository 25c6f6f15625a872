package flowstream

// SessionUnmatchCache buffers one session's output data when the graph's
// outputs cannot be paired at the boundary (they sit at different
// hierarchy levels). Buffers are grouped per stream and handed out
// stream by stream, FIFO. The cache is owned exclusively by one output
// virtual node and only touched from that node's scheduling ticks, so it
// needs no locking.
type SessionUnmatchCache struct {
	portStreams map[string]map[string][]*Buffer // port -> stream -> buffers
	streamOrder map[string][]string             // port -> stream arrival order
	portEnd     map[string]bool
	lastErr     *FlowUnitError
}

// NewSessionUnmatchCache creates a cache for the given ports.
func NewSessionUnmatchCache(ports []string) *SessionUnmatchCache {
	c := &SessionUnmatchCache{
		portStreams: make(map[string]map[string][]*Buffer, len(ports)),
		streamOrder: make(map[string][]string, len(ports)),
		portEnd:     make(map[string]bool, len(ports)),
	}
	for _, p := range ports {
		c.portStreams[p] = make(map[string][]*Buffer)
		c.portEnd[p] = false
	}
	return c
}

// CacheBuffer stores one buffer under its stream. An end flag on the
// session's root stream marks the whole port as finished.
func (c *SessionUnmatchCache) CacheBuffer(port string, buf *Buffer) {
	if buf.HasError() {
		c.lastErr = buf.Err
	}

	streams, ok := c.portStreams[port]
	if !ok {
		return
	}
	id := buf.Index.StreamID
	if _, seen := streams[id]; !seen {
		c.streamOrder[port] = append(c.streamOrder[port], id)
	}
	streams[id] = append(streams[id], buf)

	if buf.Index.End && buf.Index.Root() {
		c.portEnd[port] = true
	}
}

// PopCache removes and returns the oldest stream of every port, filtered
// down to payload buffers. The second result is false once every port is
// empty.
func (c *SessionUnmatchCache) PopCache() (map[string][]*Buffer, bool) {
	out := make(map[string][]*Buffer, len(c.portStreams))
	empty := 0
	for port, streams := range c.portStreams {
		order := c.streamOrder[port]
		if len(order) == 0 {
			empty++
			continue
		}
		id := order[0]
		c.streamOrder[port] = order[1:]

		var valid []*Buffer
		for _, buf := range streams[id] {
			if buf.HasData() {
				valid = append(valid, buf)
			}
		}
		delete(streams, id)
		if len(valid) > 0 {
			out[port] = valid
		}
	}
	return out, empty < len(c.portStreams)
}

// AllPortStreamEnd reports whether every port has seen its root stream
// end.
func (c *SessionUnmatchCache) AllPortStreamEnd() bool {
	for _, end := range c.portEnd {
		if !end {
			return false
		}
	}
	return true
}

// LastError returns the last buffer error cached, or nil.
func (c *SessionUnmatchCache) LastError() *FlowUnitError {
	return c.lastErr
}
