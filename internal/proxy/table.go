package proxy

import (
	"context"
	"fmt"
	"sync"
)

// Table holds the sessions currently in flight, keyed by session id.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
	empty    chan struct{} // closed while the table has no rows
}

// NewTable returns an empty table.
func NewTable() *Table {
	empty := make(chan struct{})
	close(empty)
	return &Table{sessions: make(map[string]*Session), empty: empty}
}

// Insert adds s. It fails if a row with the same id exists.
func (t *Table) Insert(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already in table", s.ID)
	}
	if len(t.sessions) == 0 {
		t.empty = make(chan struct{})
	}
	t.sessions[s.ID] = s
	return nil
}

// Remove deletes the row for id and reports whether it was present. A row is
// removed at most once.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; !ok {
		return false
	}
	delete(t.sessions, id)
	if len(t.sessions) == 0 {
		close(t.empty)
	}
	return true
}

// Get returns the session with the given id.
func (t *Table) Get(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot returns the sessions currently in the table, in no particular order.
func (t *Table) Snapshot() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Wait blocks until the table is empty or ctx is done.
func (t *Table) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		n, empty := len(t.sessions), t.empty
		t.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-empty:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
