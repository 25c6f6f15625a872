package flowstream

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestUnmatchCachePopOrder(t *testing.T) {
	c := NewSessionUnmatchCache([]string{"in"})

	// two sub-streams interleaved
	c.CacheBuffer("in", dataBuf("s", "s/0", 0, "a0"))
	c.CacheBuffer("in", dataBuf("s", "s/1", 0, "b0"))
	c.CacheBuffer("in", dataBuf("s", "s/0", 1, "a1"))

	popped, more := c.PopCache()
	assert.True(t, more)
	assert.Equal(t, 2, len(popped["in"]))
	assert.Equal(t, "a0", string(popped["in"][0].Data))
	assert.Equal(t, "a1", string(popped["in"][1].Data))

	popped, more = c.PopCache()
	assert.True(t, more)
	assert.Equal(t, "b0", string(popped["in"][0].Data))

	_, more = c.PopCache()
	assert.False(t, more)
}

func TestUnmatchCacheFiltersMarkers(t *testing.T) {
	c := NewSessionUnmatchCache([]string{"in"})
	c.CacheBuffer("in", dataBuf("s", "s/0", 0, "a"))
	end := endBuffer("s", "s/0", 1)
	c.CacheBuffer("in", end)
	ph := &Buffer{Index: IndexInfo{SessionID: "s", StreamID: "s/0", Pos: 2, Placeholder: true}}
	c.CacheBuffer("in", ph)

	popped, more := c.PopCache()
	assert.True(t, more)
	assert.Equal(t, 1, len(popped["in"]))
}

func TestUnmatchCacheRootEnd(t *testing.T) {
	c := NewSessionUnmatchCache([]string{"in"})
	assert.False(t, c.AllPortStreamEnd())

	// a sub-stream end does not finish the port
	c.CacheBuffer("in", endBuffer("s", "s/0", 0))
	assert.False(t, c.AllPortStreamEnd())

	c.CacheBuffer("in", endBuffer("s", "s", 0))
	assert.True(t, c.AllPortStreamEnd())
}

func TestUnmatchCacheLastError(t *testing.T) {
	c := NewSessionUnmatchCache([]string{"in"})
	assert.Zero(t, c.LastError())

	buf := dataBuf("s", "s", 0, "a")
	buf.Err = &FlowUnitError{Node: "n", Desc: "bad"}
	c.CacheBuffer("in", buf)
	assert.NotZero(t, c.LastError())
	assert.Equal(t, "n", c.LastError().Node)
}
