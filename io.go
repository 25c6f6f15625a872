package flowstream

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// RecvStatus is the result of one SessionIO.Recv call.
type RecvStatus int

const (
	RecvOk RecvStatus = iota
	RecvNoData
	RecvTimeout
	RecvEOF
)

func (s RecvStatus) String() string {
	switch s {
	case RecvOk:
		return "Ok"
	case RecvNoData:
		return "NoData"
	case RecvTimeout:
		return "Timeout"
	case RecvEOF:
		return "EOF"
	default:
		return "Unknown"
	}
}

// ErrSessionClosed is returned by PushData after the session's input was
// closed or the session aborted.
var ErrSessionClosed = errors.New("session closed")

// SessionIO is the external caller's handle to one session: buffers go
// in through PushData, results come back out through Recv.
//
// SessionIO is safe for one producer and one consumer goroutine.
type SessionIO struct {
	sess *Session
	exec *ExecGraph

	mu          sync.Mutex
	seq         map[string]int64 // input node -> next position
	inputClosed bool
	pending     map[string][]*Buffer // output node -> undelivered results
	ended       bool

	notify chan struct{}
}

func newSessionIO(sess *Session, exec *ExecGraph) *SessionIO {
	io := &SessionIO{
		sess:    sess,
		exec:    exec,
		seq:     make(map[string]int64),
		pending: make(map[string][]*Buffer),
		notify:  make(chan struct{}, 1),
	}
	sess.mu.Lock()
	sess.io = io
	sess.mu.Unlock()
	sess.setExpectedOutputs(len(exec.outputNodes()))
	return io
}

// Session returns the session this handle belongs to.
func (io *SessionIO) Session() *Session { return io.sess }

// PushData enqueues one buffer on the named graph input.
func (io *SessionIO) PushData(input string, data []byte, meta map[string]any) error {
	node := io.exec.inputNode(input)
	if node == nil {
		return fmt.Errorf("%w: graph has no input %q", ErrNodeUnknown, input)
	}

	io.mu.Lock()
	if io.inputClosed || io.sess.IsAbort() {
		io.mu.Unlock()
		return ErrSessionClosed
	}
	pos := io.seq[input]
	io.seq[input] = pos + 1
	io.mu.Unlock()

	buf := &Buffer{
		Data: data,
		Meta: meta,
		Index: IndexInfo{
			SessionID: io.sess.id,
			StreamID:  io.sess.id,
			Pos:       pos,
		},
	}
	return node.pushExternal(buf)
}

// CloseInput signals end-of-stream on every graph input and soft-closes
// the session: queued data still drains, then Recv reports EOF.
func (io *SessionIO) CloseInput() error {
	io.mu.Lock()
	if io.inputClosed {
		io.mu.Unlock()
		return nil
	}
	io.inputClosed = true
	io.mu.Unlock()

	for _, node := range io.exec.inputNodes() {
		io.mu.Lock()
		pos := io.seq[node.name]
		io.mu.Unlock()
		if err := node.pushExternal(endBuffer(io.sess.id, io.sess.id, pos)); err != nil {
			return err
		}
	}
	io.sess.Close()

	// Without outputs there is nothing left to observe.
	if len(io.exec.outputNodes()) == 0 {
		io.sess.end()
	}
	return nil
}

// Recv drains the results produced so far, keyed by graph output.
// timeout <= 0 polls; a positive timeout waits for data, EOF or the
// deadline. After the session ended and everything was delivered, Recv
// returns RecvEOF.
func (io *SessionIO) Recv(timeout time.Duration) (map[string][]*Buffer, RecvStatus) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		io.mu.Lock()
		if len(io.pending) > 0 {
			out := io.pending
			io.pending = make(map[string][]*Buffer)
			io.mu.Unlock()
			return out, RecvOk
		}
		ended := io.ended
		io.mu.Unlock()

		if ended {
			return nil, RecvEOF
		}
		if timeout <= 0 {
			return nil, RecvNoData
		}

		select {
		case <-io.notify:
		case <-deadline:
			return nil, RecvTimeout
		}
	}
}

// LastError returns the session's last processing error, or nil.
func (io *SessionIO) LastError() *FlowUnitError {
	return io.sess.LastError()
}

// pushOutput hands result buffers of one graph output to the caller.
// Invoked by output virtual nodes.
func (io *SessionIO) pushOutput(output string, bufs []*Buffer) {
	if len(bufs) == 0 {
		return
	}
	io.mu.Lock()
	io.pending[output] = append(io.pending[output], bufs...)
	io.mu.Unlock()
	io.signal()
}

// sessionEnd marks the session complete.
func (io *SessionIO) sessionEnd(err *FlowUnitError) {
	io.mu.Lock()
	if io.ended {
		io.mu.Unlock()
		return
	}
	io.ended = true
	io.mu.Unlock()
	if err != nil {
		io.sess.SetError(err)
	}
	io.signal()
}

func (io *SessionIO) signal() {
	select {
	case io.notify <- struct{}{}:
	default:
	}
}
