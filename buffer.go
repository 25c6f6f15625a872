package flowstream

import "fmt"

// FlowUnitError is an error produced while processing one buffer. It
// travels with the buffer instead of aborting the stream, so end flags
// still propagate and sessions terminate cleanly.
type FlowUnitError struct {
	Node string
	Desc string
}

func (e *FlowUnitError) Error() string {
	return fmt.Sprintf("flowunit %s: %s", e.Node, e.Desc)
}

// IndexInfo places a buffer inside its stream. Streams form a lineage:
// the root stream of a session carries the session id; expand nodes
// derive sub-streams from it. The engine pairs buffers of the same match
// node by this index.
type IndexInfo struct {
	SessionID string
	StreamID  string
	Pos       int64

	// End marks the end of the stream; the buffer carries no data.
	End bool

	// Placeholder keeps stream positions aligned for buffers that were
	// filtered out. It carries no data either.
	Placeholder bool
}

// Root reports whether the index belongs to the session's root stream
// (no expand lineage).
func (i IndexInfo) Root() bool {
	return i.StreamID == i.SessionID
}

// SubStream derives the stream id of an expansion of the buffer at this
// index.
func (i IndexInfo) SubStream() string {
	return fmt.Sprintf("%s/%d", i.StreamID, i.Pos)
}

// Buffer is one data unit flowing on an edge.
type Buffer struct {
	Data  []byte
	Meta  map[string]any
	Index IndexInfo
	Err   *FlowUnitError
}

// HasError reports whether the buffer carries a processing error.
func (b *Buffer) HasError() bool {
	return b.Err != nil
}

// HasData reports whether the buffer carries payload, as opposed to
// being an end or placeholder marker.
func (b *Buffer) HasData() bool {
	return !b.Index.End && !b.Index.Placeholder
}

// endBuffer creates the end-of-stream marker for a stream.
func endBuffer(sessionID, streamID string, pos int64) *Buffer {
	return &Buffer{Index: IndexInfo{
		SessionID: sessionID,
		StreamID:  streamID,
		Pos:       pos,
		End:       true,
	}}
}
