package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Dispatcher turns accepted connections into relay sessions. It bounds the
// number of concurrent sessions and owns the session table.
type Dispatcher struct {
	cfg   Config
	table *Table
	slots *semaphore.Weighted
	bufs  *BufferPool
	log   *zap.Logger
}

// NewDispatcher returns a Dispatcher recording sessions in table.
func NewDispatcher(cfg Config, table *Table) *Dispatcher {
	cfg = cfg.withDefaults()
	limit := int64(cfg.MaxSessions)
	if limit <= 0 {
		limit = math.MaxInt64
	}
	return &Dispatcher{
		cfg:   cfg,
		table: table,
		slots: semaphore.NewWeighted(limit),
		bufs:  NewBufferPool(relayBufferSize),
		log:   cfg.Logger,
	}
}

// Table returns the session table.
func (d *Dispatcher) Table() *Table { return d.table }

// Dispatch starts a session for conn, resolved by r, and returns without
// waiting for it. At capacity the connection is reset and
// ErrCapacityExceeded is returned. ctx governs the whole session; its
// cancellation closes the session's sockets.
func (d *Dispatcher) Dispatch(ctx context.Context, conn net.Conn, entry string, r Resolver) error {
	if !d.slots.TryAcquire(1) {
		d.cfg.Observer.Rejected(entry, conn.RemoteAddr())
		d.log.Warn("rejecting connection",
			zap.String("entry", entry),
			zap.Stringer("peer", conn.RemoteAddr()),
			zap.Error(ErrCapacityExceeded))
		reset(conn)
		return ErrCapacityExceeded
	}

	s := newSession(entry, conn.RemoteAddr())
	if err := d.table.Insert(s); err != nil {
		d.slots.Release(1)
		_ = conn.Close()
		return err
	}
	d.cfg.Observer.SessionStarted(s)

	d.cfg.Runner.Go(func() {
		defer d.slots.Release(1)
		defer d.end(s)
		s.finish(d.run(ctx, s, conn, r))
	})
	return nil
}

// end reports s and removes its row. The observer sees the session before
// the table can drain.
func (d *Dispatcher) end(s *Session) {
	d.cfg.Observer.SessionEnded(s)
	d.table.Remove(s.ID)

	fields := []zap.Field{
		zap.String("session", s.ID),
		zap.String("entry", s.Entry),
		zap.Stringer("peer", s.Peer),
		zap.Stringer("target", s.Target()),
		zap.Stringer("state", s.State()),
		zap.Uint64("sent", s.BytesSent()),
		zap.Uint64("received", s.BytesReceived()),
		zap.Duration("duration", s.Duration()),
	}
	if err := s.Err(); err != nil {
		fields = append(fields, zap.String("reason", Reason(err)), zap.Error(err))
	}
	d.log.Debug("session ended", fields...)
}

// run drives s through resolve, connect and relay and returns its terminal
// error.
func (d *Dispatcher) run(ctx context.Context, s *Session, in net.Conn, r Resolver) error {
	// Until the relay takes over, cancellation must unblock the handshake
	// and the dial by closing the inbound side.
	unwatch := context.AfterFunc(ctx, func() { _ = in.Close() })

	res, err := d.resolve(ctx, in, r)
	if err != nil {
		unwatch()
		_ = in.Close()
		return d.canceled(ctx, err)
	}
	if res.Conn != nil {
		in = res.Conn
	}
	s.setTarget(res.Endpoint)
	s.transition(StateConnecting)

	out, err := d.connect(ctx, res)
	if err != nil {
		res.Fail(err)
		unwatch()
		_ = in.Close()
		return d.canceled(ctx, err)
	}
	if err := res.Respond(out.LocalAddr(), nil); err != nil {
		unwatch()
		_ = in.Close()
		_ = out.Close()
		return fmt.Errorf("reply to client: %w", err)
	}
	if !unwatch() {
		_ = out.Close()
		return d.canceled(ctx, ctx.Err())
	}

	s.transition(StateRelaying)
	d.log.Debug("session relaying",
		zap.String("session", s.ID),
		zap.Stringer("peer", s.Peer),
		zap.Stringer("target", res.Endpoint))

	err = Relay(ctx, in, out, RelayOptions{
		IdleTimeout: d.cfg.IdleTimeout,
		Pool:        d.bufs,
		Sent:        &s.sent,
		Received:    &s.received,
	})
	s.transition(StateClosing)
	return err
}

func (d *Dispatcher) resolve(ctx context.Context, in net.Conn, r Resolver) (*Resolution, error) {
	if d.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ResolveTimeout)
		defer cancel()
	}
	res, err := r.Resolve(ctx, in)
	if err != nil {
		return nil, asResolutionError(err)
	}
	if res == nil || res.Endpoint.IsZero() {
		res.Fail(ErrUnreachable)
		return nil, NewResolutionError(ErrUnreachable, nil)
	}
	return res, nil
}

func (d *Dispatcher) connect(ctx context.Context, res *Resolution) (net.Conn, error) {
	ep := res.Endpoint
	if d.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		defer cancel()
	}

	out, err := d.cfg.Dialer.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, &ConnectError{Addr: ep.Addr(), Err: err}
	}

	if d.cfg.UpstreamTLS != nil || ep.Hint == "tls" {
		tc := &tls.Config{MinVersion: tls.VersionTLS12}
		if d.cfg.UpstreamTLS != nil {
			tc = d.cfg.UpstreamTLS.Clone()
		}
		if tc.ServerName == "" {
			tc.ServerName = ep.ServerName()
		}
		tlsConn := tls.Client(out, tc)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = out.Close()
			return nil, &ConnectError{Addr: ep.Addr(), Err: fmt.Errorf("tls handshake: %w", err)}
		}
		out = tlsConn
	}

	if res.Upgrade != nil {
		up, err := res.Upgrade(ctx, out)
		if err != nil {
			_ = out.Close()
			return nil, &ConnectError{Addr: ep.Addr(), Err: err}
		}
		out = up
	}
	return out, nil
}

// canceled substitutes the cancellation cause for errors provoked by
// closing the connections on shutdown.
func (d *Dispatcher) canceled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
			return cause
		}
	}
	return err
}

// reset closes conn with an RST where the transport allows it, so a shed
// client sees a refused connection rather than an orderly close.
func reset(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = conn.Close()
}
