package proxy

import (
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	// Dialer opens outbound connections.
	Dialer Dialer

	// MaxSessions bounds concurrent sessions across all entrypoints.
	// Connections beyond it are reset immediately. Zero means unlimited.
	MaxSessions int

	ConnectTimeout time.Duration
	ResolveTimeout time.Duration
	IdleTimeout    time.Duration

	// UpstreamTLS, if set, wraps every outbound connection in a TLS client.
	// An empty ServerName is filled from the endpoint.
	UpstreamTLS *tls.Config

	Runner   Runner
	Observer Observer
	Logger   *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Runner == nil {
		c.Runner = GoRunner{}
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Runner starts session work concurrently with the accept loop.
type Runner interface {
	Go(f func())
}

// GoRunner runs each session on its own goroutine.
type GoRunner struct{}

func (GoRunner) Go(f func()) { go f() }

// Observer receives session lifecycle events. Methods are called from
// session goroutines and must not block.
type Observer interface {
	SessionStarted(s *Session)
	SessionEnded(s *Session)
	Rejected(entry string, peer net.Addr)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(*Session)   {}
func (nopObserver) SessionEnded(*Session)     {}
func (nopObserver) Rejected(string, net.Addr) {}
