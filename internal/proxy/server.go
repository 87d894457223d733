package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// forceGrace bounds the wait for force-closed sessions to unwind after the
// shutdown deadline.
const forceGrace = time.Second

// Entrypoint is one listening address with its resolver.
type Entrypoint struct {
	Name     string
	Listen   func(ctx context.Context) (net.Listener, error)
	Resolver Resolver
}

// Server is the lifecycle controller: it binds entrypoints, runs their
// accept loops, and drains sessions on shutdown.
type Server struct {
	entries []Entrypoint
	disp    *Dispatcher
	log     *zap.Logger

	sessCtx    context.Context
	sessCancel context.CancelCauseFunc

	mu        sync.Mutex
	listeners []net.Listener
	accepting sync.WaitGroup
	closing   chan struct{}

	ready atomic.Bool

	startOnce    sync.Once
	startErr     error
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

// NewServer returns a Server for entries. Nothing is bound until Start.
func NewServer(cfg Config, entries ...Entrypoint) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Server{
		entries:    entries,
		disp:       NewDispatcher(cfg, NewTable()),
		log:        cfg.Logger,
		sessCtx:    ctx,
		sessCancel: cancel,
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Table returns the session table.
func (s *Server) Table() *Table { return s.disp.Table() }

// Addrs returns the bound listener addresses in entrypoint order.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Ready reports whether the server is accepting connections.
func (s *Server) Ready() bool { return s.ready.Load() }

// Done is closed once Shutdown has completed.
func (s *Server) Done() <-chan struct{} { return s.done }

// Start warms resolvers, binds every entrypoint and starts accepting. If any
// bind fails, listeners bound so far are closed and the *BindError is
// returned. Start runs once; later calls return the first result.
func (s *Server) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

func (s *Server) start(ctx context.Context) error {
	select {
	case <-s.closing:
		return ErrServerClosed
	default:
	}

	for _, e := range s.entries {
		if w, ok := e.Resolver.(Warmer); ok {
			if err := w.Warm(ctx); err != nil {
				s.log.Warn("resolver warm-up failed", zap.String("entry", e.Name), zap.Error(err))
			}
		}
	}

	var bound []net.Listener
	for _, e := range s.entries {
		ln, err := e.Listen(ctx)
		if err != nil {
			for _, b := range bound {
				_ = b.Close()
			}
			var be *BindError
			if !errors.As(err, &be) {
				err = &BindError{Network: "tcp", Addr: e.Name, Err: err}
			}
			return err
		}
		bound = append(bound, ln)
	}

	// Shutdown may have begun while binding; it reads the listeners under
	// the same lock, so either it sees them or they are closed here.
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closing:
		for _, b := range bound {
			_ = b.Close()
		}
		return ErrServerClosed
	default:
	}
	s.listeners = bound

	for i, ln := range bound {
		e := s.entries[i]
		s.accepting.Add(1)
		go func() {
			defer s.accepting.Done()
			s.acceptLoop(ln, e)
		}()
		s.log.Info("listening", zap.String("entry", e.Name), zap.Stringer("addr", ln.Addr()))
	}
	s.ready.Store(true)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, e Entrypoint) {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, time.Second)
			}
			s.log.Error("accept failed", zap.String("entry", e.Name), zap.Error(err), zap.Duration("retry_in", delay))

			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-s.closing:
				t.Stop()
				return
			}
			continue
		}
		delay = 0

		_ = s.disp.Dispatch(s.sessCtx, conn, e.Name, e.Resolver)
	}
}

// Shutdown stops accepting, then waits for in-flight sessions to finish
// until ctx is done. Sessions still running at that point are force-closed
// and ErrShutdownTimeout is returned. Shutdown runs once; later calls wait
// for and return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
		close(s.done)
	})
	<-s.done
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.ready.Store(false)
	close(s.closing)
	listeners := s.listeners
	s.mu.Unlock()
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			s.log.Warn("closing listener", zap.Stringer("addr", ln.Addr()), zap.Error(err))
		}
	}
	s.accepting.Wait()

	table := s.Table()
	s.log.Info("draining sessions", zap.Int("active", table.Len()))
	if err := table.Wait(ctx); err == nil {
		s.sessCancel(context.Canceled)
		s.log.Info("all sessions closed")
		return nil
	}

	s.log.Warn("shutdown deadline exceeded, closing remaining sessions", zap.Int("active", table.Len()))
	s.sessCancel(ErrForceClosed)

	graceCtx, cancel := context.WithTimeout(context.Background(), forceGrace)
	defer cancel()
	if err := table.Wait(graceCtx); err != nil {
		s.log.Error("sessions did not unwind after force close", zap.Int("active", table.Len()))
	}
	return ErrShutdownTimeout
}
