package proxy

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a relay session.
type State int32

const (
	StateResolving State = iota
	StateConnecting
	StateRelaying
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Closed or Failed.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Direction names one half of a relay.
type Direction int

const (
	// Upstream carries bytes from the inbound peer to the outbound peer.
	Upstream Direction = iota
	// Downstream carries bytes from the outbound peer to the inbound peer.
	Downstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Session is one proxied connection pair. Its row in the session table is
// the only owner; the goroutine driving it holds a reference until the row
// is removed.
type Session struct {
	ID      string
	Entry   string
	Peer    net.Addr
	Created time.Time

	mu     sync.Mutex
	state  State
	target Endpoint
	err    error
	ended  time.Time

	sent     atomic.Uint64
	received atomic.Uint64
}

func newSession(entry string, peer net.Addr) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Entry:   entry,
		Peer:    peer,
		Created: time.Now(),
		state:   StateResolving,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Target returns the resolved endpoint; zero before resolution.
func (s *Session) Target() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// BytesSent is the number of bytes relayed from the inbound peer upstream.
func (s *Session) BytesSent() uint64 { return s.sent.Load() }

// BytesReceived is the number of bytes relayed from upstream to the inbound peer.
func (s *Session) BytesReceived() uint64 { return s.received.Load() }

// Duration is the session's age, frozen once it reached a terminal state.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.IsZero() {
		return time.Since(s.Created)
	}
	return s.ended.Sub(s.Created)
}

func (s *Session) setTarget(ep Endpoint) {
	s.mu.Lock()
	s.target = ep
	s.mu.Unlock()
}

// transition moves the session to st. Terminal states are final.
func (s *Session) transition(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = st
	if st.Terminal() {
		s.ended = time.Now()
	}
	return true
}

// finish records err and moves to Closed, or Failed when err is a failure.
func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.err = err
	s.state = StateClosed
	if err != nil && !errors.Is(err, ErrIdleTimeout) {
		s.state = StateFailed
	}
	s.ended = time.Now()
}
