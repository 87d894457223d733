package dialer

import (
	"net"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	// DialTimeout bounds the TCP connect to the destination or upstream proxy.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the handshake with an upstream proxy.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// SSHKeyPath is a private key file, "agent", or empty.
	SSHKeyPath string
	// SSHKnownHostsPath enables host key checking with trust on first use.
	SSHKnownHostsPath string

	Logger *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
