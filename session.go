package flowstream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Session is one end-to-end execution context of a graph: it owns the
// buffers injected and produced for a single invocation and records the
// last processing error observed on them.
type Session struct {
	id  string
	mgr *SessionManager

	closed  atomic.Bool
	aborted atomic.Bool

	mu      sync.Mutex
	lastErr *FlowUnitError
	io      *SessionIO

	// Output completion tracking: the session ends once every graph
	// output observed its root stream end.
	expectedOutputs int
	doneOutputs     map[string]bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Close requests a soft shutdown: data already inside the engine is
// drained, then the session ends.
func (s *Session) Close() {
	s.closed.Store(true)
}

// IsClosed reports whether Close was called.
func (s *Session) IsClosed() bool { return s.closed.Load() }

// Abort requests an immediate shutdown: nodes observing it drop the
// session's remaining buffers.
func (s *Session) Abort() {
	s.aborted.Store(true)
	s.mu.Lock()
	io := s.io
	s.mu.Unlock()
	if io != nil {
		io.sessionEnd(nil)
	}
	s.mgr.remove(s.id)
}

// IsAbort reports whether Abort was called.
func (s *Session) IsAbort() bool { return s.aborted.Load() }

// SetError records err as the session's last error. Errored buffers keep
// flowing so end flags propagate; the caller retrieves the error from
// the IO handle once the session ends.
func (s *Session) SetError(err *FlowUnitError) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// LastError returns the last recorded processing error, or nil.
func (s *Session) LastError() *FlowUnitError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// IO returns the session's IO handle.
func (s *Session) IO() *SessionIO {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.io
}

// setExpectedOutputs tells the session how many graph outputs must
// complete before it ends.
func (s *Session) setExpectedOutputs(n int) {
	s.mu.Lock()
	s.expectedOutputs = n
	s.mu.Unlock()
}

// outputDone records that one graph output saw the session's root stream
// end; the last one completes the session.
func (s *Session) outputDone(output string) {
	s.mu.Lock()
	if s.doneOutputs == nil {
		s.doneOutputs = make(map[string]bool)
	}
	s.doneOutputs[output] = true
	complete := s.expectedOutputs > 0 && len(s.doneOutputs) >= s.expectedOutputs
	s.mu.Unlock()
	if complete {
		s.end()
	}
}

// end completes the session: the IO handle observes EOF and the manager
// forgets the session.
func (s *Session) end() {
	s.mu.Lock()
	io := s.io
	err := s.lastErr
	s.mu.Unlock()
	if io != nil {
		io.sessionEnd(err)
	}
	s.mgr.remove(s.id)
}

// SessionManager tracks the live sessions of one flow. Entries are
// removed when their session ends or aborts.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Create registers a new session with a fresh id.
func (m *SessionManager) Create() *Session {
	s := &Session{id: uuid.NewString(), mgr: m}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// Get returns the session with the given id, or nil.
func (m *SessionManager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// AbortAll aborts every live session. Used on engine teardown.
func (m *SessionManager) AbortAll() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()
	for _, s := range live {
		s.Abort()
	}
}

func (m *SessionManager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
