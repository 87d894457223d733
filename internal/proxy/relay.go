package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// RelayOptions tunes Relay.
type RelayOptions struct {
	// IdleTimeout ends the relay when no byte moves in either direction for
	// this long. Zero disables it.
	IdleTimeout time.Duration

	// Pool supplies copy buffers; nil allocates per relay.
	Pool *BufferPool

	// Sent and Received, if set, count bytes written upstream and
	// downstream respectively.
	Sent, Received *atomic.Uint64
}

// Relay copies bytes between in and out until both directions reach EOF,
// either side fails, the idle timeout elapses, or ctx is canceled. Both
// connections are closed on return.
//
// EOF from one peer half-closes the write side of the other connection, so
// the opposite direction keeps draining. Connections that cannot half-close
// are closed outright.
//
// The result is nil after a clean finish, ErrIdleTimeout after an idle
// timeout, the cause of ctx after cancellation, or a *RelayIOError.
func Relay(ctx context.Context, in, out net.Conn, opts RelayOptions) error {
	r := &relay{in: in, out: out, idle: opts.IdleTimeout, pool: opts.Pool}
	r.touch()
	defer r.closeBoth()

	stop := context.AfterFunc(ctx, func() {
		r.abort(context.Cause(ctx))
	})
	defer stop()

	if r.idle > 0 {
		r.mu.Lock()
		r.timer = time.AfterFunc(r.idle, r.checkIdle)
		r.mu.Unlock()
		defer r.stopTimer()
	}

	var g errgroup.Group
	g.Go(func() error {
		return r.pipe(out, in, Upstream, opts.Sent)
	})
	g.Go(func() error {
		return r.pipe(in, out, Downstream, opts.Received)
	})
	err := g.Wait()

	switch reason := r.reason(); {
	case errors.Is(reason, errNoHalfClose):
		return nil
	case reason != nil:
		return reason
	}
	return err
}

// MessageConn is a connection that carries typed messages rather than a
// byte stream. When both sides of a relay implement it, each message is
// copied whole and keeps its type. ReadMessage returns io.EOF when the peer
// closes normally.
type MessageConn interface {
	net.Conn
	ReadMessage() (typ int, p []byte, err error)
	WriteMessage(typ int, p []byte) error
}

// errNoHalfClose marks a relay cut short because a peer reached EOF and the
// other connection could not be half-closed. It is a clean finish.
var errNoHalfClose = errors.New("half-close unsupported")

type relay struct {
	in, out net.Conn
	idle    time.Duration
	pool    *BufferPool

	last atomic.Int64 // unix nanos of the last byte moved

	closeOnce sync.Once

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	cause   error
}

func (r *relay) touch() {
	r.last.Store(time.Now().UnixNano())
}

func (r *relay) pipe(dst, src net.Conn, dir Direction, counter *atomic.Uint64) error {
	if ms, ok := src.(MessageConn); ok {
		if md, ok := dst.(MessageConn); ok {
			return r.pipeMessages(md, ms, dir, counter)
		}
	}

	var buf []byte
	if r.pool != nil {
		b := r.pool.Get()
		defer r.pool.Put(b)
		buf = *b
	} else {
		buf = make([]byte, relayBufferSize)
	}

	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			r.touch()
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 && counter != nil {
				counter.Add(uint64(nw))
			}
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				r.closeBoth()
				return &RelayIOError{Dir: dir, Err: werr}
			}
			r.touch()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				r.halfClose(dst)
				return nil
			}
			r.closeBoth()
			return &RelayIOError{Dir: dir, Err: rerr}
		}
	}
}

func (r *relay) pipeMessages(dst, src MessageConn, dir Direction, counter *atomic.Uint64) error {
	for {
		typ, p, err := src.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.halfClose(dst)
				return nil
			}
			r.closeBoth()
			return &RelayIOError{Dir: dir, Err: err}
		}
		r.touch()
		if err := dst.WriteMessage(typ, p); err != nil {
			r.closeBoth()
			return &RelayIOError{Dir: dir, Err: err}
		}
		if counter != nil {
			counter.Add(uint64(len(p)))
		}
		r.touch()
	}
}

type closeWriter interface {
	CloseWrite() error
}

func (r *relay) halfClose(dst net.Conn) {
	if cw, ok := dst.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	r.abort(errNoHalfClose)
}

func (r *relay) closeBoth() {
	r.closeOnce.Do(func() {
		_ = r.in.Close()
		_ = r.out.Close()
	})
}

// abort records the first reason the relay was cut short and unblocks both
// copies.
func (r *relay) abort(cause error) {
	r.mu.Lock()
	if r.cause == nil {
		r.cause = cause
	}
	r.mu.Unlock()
	r.closeBoth()
}

func (r *relay) reason() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause
}

func (r *relay) checkIdle() {
	since := time.Since(time.Unix(0, r.last.Load()))
	if since >= r.idle {
		r.abort(ErrIdleTimeout)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.timer.Reset(r.idle - since)
	}
}

func (r *relay) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
