package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Endpoint describes an outbound destination. It is a value type and is never
// modified after construction; WithHost returns a copy.
type Endpoint struct {
	Host string
	Port int

	// Hint optionally names the protocol that produced the endpoint
	// ("socks5", "http-connect", "tproxy") or the one to speak to it ("tls").
	Hint string

	// Name is the hostname Host was resolved from, if any.
	Name string
}

// ParseEndpoint parses a host:port address.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", addr, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port", addr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Addr returns the dialable host:port form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ServerName is the name to present in TLS handshakes.
func (e Endpoint) ServerName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Host
}

// Key identifies the destination for traffic accounting, preferring the
// name the client asked for over the resolved address.
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.ServerName(), strconv.Itoa(e.Port))
}

// WithHost returns a copy of e pointing at host, remembering the previous
// host as Name.
func (e Endpoint) WithHost(host string) Endpoint {
	if e.Name == "" {
		e.Name = e.Host
	}
	e.Host = host
	return e
}

// IsZero reports whether e is unset.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

func (e Endpoint) String() string {
	if e.Name != "" && e.Name != e.Host {
		return e.Name + "(" + e.Addr() + ")"
	}
	return e.Addr()
}

// Resolution is the outcome of resolving an inbound connection.
type Resolution struct {
	Endpoint Endpoint

	// Conn replaces the accepted connection when the resolver consumed
	// buffered bytes past its handshake. Nil keeps the accepted connection.
	Conn net.Conn

	// Reply, if set, reports the outcome of the outbound connect to the
	// client before any relayed byte. It is invoked through Respond.
	Reply func(bound net.Addr, err error) error

	// Upgrade, if set, runs a protocol handshake on the connected outbound
	// connection and returns the connection to relay through. It is bound by
	// the connect timeout and its failure is a connect failure.
	Upgrade func(ctx context.Context, out net.Conn) (net.Conn, error)

	replied bool
}

// Respond calls Reply once; later calls are no-ops.
func (r *Resolution) Respond(bound net.Addr, err error) error {
	if r == nil || r.Reply == nil || r.replied {
		return nil
	}
	r.replied = true
	return r.Reply(bound, err)
}

// Fail reports err to the client, ignoring write errors.
func (r *Resolution) Fail(err error) {
	if err == nil {
		err = errors.New("failed")
	}
	_ = r.Respond(nil, err)
}

// Resolver determines the outbound endpoint for an inbound connection.
// Implementations that negotiate an application protocol read from conn and
// must honor ctx's deadline.
type Resolver interface {
	Resolve(ctx context.Context, conn net.Conn) (*Resolution, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, conn net.Conn) (*Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, conn net.Conn) (*Resolution, error) {
	return f(ctx, conn)
}

// Warmer is implemented by resolvers that prepare state at startup, such as
// pre-resolving a static target.
type Warmer interface {
	Warm(ctx context.Context) error
}

// Dialer opens outbound connections. It matches net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
