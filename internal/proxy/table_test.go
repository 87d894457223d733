package proxy

import (
	"context"
	"testing"
	"time"
)

func TestTable(t *testing.T) {
	table := NewTable()
	if err := table.Wait(context.Background()); err != nil {
		t.Fatalf("empty table Wait: %v", err)
	}

	a := newSession("a", nil)
	b := newSession("b", nil)
	for _, s := range []*Session{a, b} {
		if err := table.Insert(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := table.Insert(a); err == nil {
		t.Fatal("duplicate insert succeeded")
	}
	if got := table.Len(); got != 2 {
		t.Fatalf("Len = %d", got)
	}
	if s, ok := table.Get(b.ID); !ok || s != b {
		t.Fatal("Get did not return b")
	}
	if got := len(table.Snapshot()); got != 2 {
		t.Fatalf("Snapshot has %d rows", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := table.Wait(ctx); err == nil {
		t.Fatal("Wait returned with rows present")
	}

	done := make(chan error, 1)
	go func() { done <- table.Wait(context.Background()) }()

	if !table.Remove(a.ID) {
		t.Fatal("Remove(a) = false")
	}
	if table.Remove(a.ID) {
		t.Fatal("second Remove(a) = true")
	}
	select {
	case <-done:
		t.Fatal("Wait returned with one row left")
	case <-time.After(10 * time.Millisecond):
	}

	table.Remove(b.ID)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the table drained")
	}

	// Refilling re-arms Wait.
	c := newSession("c", nil)
	if err := table.Insert(c); err != nil {
		t.Fatal(err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if err := table.Wait(ctx2); err == nil {
		t.Fatal("Wait returned with a row present")
	}
}

func TestSessionTransitions(t *testing.T) {
	s := newSession("e", nil)
	if s.State() != StateResolving {
		t.Fatalf("initial state %s", s.State())
	}
	s.transition(StateConnecting)
	s.transition(StateRelaying)
	s.finish(ErrIdleTimeout)
	if s.State() != StateClosed {
		t.Fatalf("idle timeout ended in %s", s.State())
	}
	if s.transition(StateRelaying) {
		t.Fatal("left a terminal state")
	}
	d := s.Duration()
	time.Sleep(5 * time.Millisecond)
	if s.Duration() != d {
		t.Fatal("duration kept running after the session ended")
	}

	f := newSession("e", nil)
	f.finish(&RelayIOError{Dir: Upstream, Err: context.Canceled})
	if f.State() != StateFailed {
		t.Fatalf("relay error ended in %s", f.State())
	}
	f.finish(nil)
	if f.State() != StateFailed {
		t.Fatal("finish overrode a terminal state")
	}
}
