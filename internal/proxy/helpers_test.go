package proxy

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	var d net.Dialer
	c, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	s, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		_ = c.Close()
		_ = s.Close()
	})
	return c.(*net.TCPConn), s.(*net.TCPConn)
}

type recorder struct {
	mu       sync.Mutex
	started  []*Session
	ended    []*Session
	rejected int
}

func (r *recorder) SessionStarted(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s)
}

func (r *recorder) SessionEnded(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, s)
}

func (r *recorder) Rejected(string, net.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected++
}

func (r *recorder) counts() (started, ended, rejected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.ended), r.rejected
}

func (r *recorder) session(i int) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[i]
}

// waitState polls s until it reaches st.
func waitState(t *testing.T, s *Session, st State) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != st {
		if time.Now().After(deadline) {
			t.Fatalf("session in state %s, want %s", s.State(), st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitEmpty waits for the table to drain.
func waitEmpty(t *testing.T, table *Table) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := table.Wait(ctx); err != nil {
		t.Fatalf("table still has %d sessions", table.Len())
	}
}

// endpointOf converts a listener address to an Endpoint.
func endpointOf(t *testing.T, ln net.Listener) Endpoint {
	t.Helper()

	ep, err := ParseEndpoint(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func staticResolver(ep Endpoint) Resolver {
	return ResolverFunc(func(context.Context, net.Conn) (*Resolution, error) {
		return &Resolution{Endpoint: ep}, nil
	})
}
