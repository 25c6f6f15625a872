package flowstream

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestSessionLifecycle(t *testing.T) {
	mgr := NewSessionManager()
	sess := mgr.Create()

	assert.NotEqual(t, "", sess.ID())
	assert.Equal(t, sess, mgr.Get(sess.ID()))
	assert.Equal(t, 1, mgr.Len())

	assert.False(t, sess.IsClosed())
	sess.Close()
	assert.True(t, sess.IsClosed())
	assert.False(t, sess.IsAbort())

	sess.Abort()
	assert.True(t, sess.IsAbort())
	assert.Zero(t, mgr.Get(sess.ID()))
	assert.Equal(t, 0, mgr.Len())
}

func TestSessionLastError(t *testing.T) {
	mgr := NewSessionManager()
	sess := mgr.Create()

	assert.Zero(t, sess.LastError())
	sess.SetError(nil)
	assert.Zero(t, sess.LastError())

	sess.SetError(&FlowUnitError{Node: "b", Desc: "boom"})
	err := sess.LastError()
	assert.NotZero(t, err)
	assert.Equal(t, "b", err.Node)

	// the newest error wins
	sess.SetError(&FlowUnitError{Node: "c", Desc: "later"})
	assert.Equal(t, "c", sess.LastError().Node)
}

func TestSessionOutputCompletion(t *testing.T) {
	mgr := NewSessionManager()
	sess := mgr.Create()
	sess.setExpectedOutputs(2)

	sess.outputDone("output1")
	assert.Equal(t, 1, mgr.Len())

	sess.outputDone("output1") // idempotent per output
	assert.Equal(t, 1, mgr.Len())

	sess.outputDone("output2")
	assert.Equal(t, 0, mgr.Len())
}

func TestSessionManagerAbortAll(t *testing.T) {
	mgr := NewSessionManager()
	a := mgr.Create()
	b := mgr.Create()

	mgr.AbortAll()
	assert.True(t, a.IsAbort())
	assert.True(t, b.IsAbort())
	assert.Equal(t, 0, mgr.Len())
}
