package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// ContextDialer opens the TCP connection to the SSH server.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Username string
	// Password and Signers are both offered when set; the server picks.
	Password string
	Signers  []ssh.Signer

	HostKeyCallback ssh.HostKeyCallback

	// DialTimeout bounds the TCP connect to the SSH server.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the SSH handshake.
	NegotiationTimeout time.Duration

	Logger *zap.Logger
}

func (c *ClientConfig) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// Client dials through one shared SSH transport.
type Client struct {
	addr   string
	cfg    ClientConfig
	dialer ContextDialer
	log    *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewClient returns a Client for the SSH server at addr. No connection is made
// until the first DialContext.
func NewClient(addr string, cfg ClientConfig, dialer ContextDialer) (*Client, error) {
	switch {
	case addr == "":
		return nil, errors.New("ssh: missing ssh address")
	case cfg.Username == "":
		return nil, errors.New("ssh: missing username")
	case cfg.Password == "" && len(cfg.Signers) == 0:
		return nil, errors.New("ssh: missing password or key")
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // No known_hosts configured.
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Client{addr: addr, cfg: cfg, dialer: dialer, log: cfg.Logger}, nil
}

// Addr is the SSH server address.
func (c *Client) Addr() string { return c.addr }

// DialContext opens a direct-tcpip channel to address. Canceling ctx closes
// the returned connection.
//
// A channel rejected by the server leaves the transport alone. Any other
// failure drops the transport and retries once on a fresh one.
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh dial %s %s: unsupported network", network, address)
	}

	client, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", address, err)
		}

		c.log.Warn("ssh transport failed, reconnecting", zap.String("server", c.addr), zap.Error(err))
		c.invalidate(client)
		if client, err = c.transport(ctx); err != nil {
			return nil, err
		}
		if conn, err = client.DialContext(ctx, "tcp", address); err != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return &channelConn{Conn: conn, stop: stop}, nil
}

// Close tears down the shared transport. Open channels are closed with it.
func (c *Client) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// transport returns the shared SSH client, connecting if needed. Concurrent
// callers share one connection attempt, which outlives a caller's ctx.
func (c *Client) transport(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := c.sf.DoChan("connect", func() (any, error) {
		c.mu.Lock()
		if c.client != nil {
			client := c.client
			c.mu.Unlock()
			return client, nil
		}
		c.mu.Unlock()

		client, err := c.connect(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.client = client
		c.mu.Unlock()
		c.log.Info("ssh transport connected", zap.String("server", c.addr))
		return client, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (c *Client) connect(ctx context.Context) (*ssh.Client, error) {
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	if c.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.NegotiationTimeout))
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, c.addr, &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            c.cfg.authMethods(),
		HostKeyCallback: c.cfg.HostKeyCallback,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", c.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(cc, chans, reqs), nil
}

// invalidate drops client if it is still the shared transport.
func (c *Client) invalidate(client *ssh.Client) {
	c.mu.Lock()
	if c.client == client {
		c.client = nil
	}
	c.mu.Unlock()
	_ = client.Close()
}

// channelConn is one direct-tcpip channel.
type channelConn struct {
	net.Conn
	stop func() bool
}

func (c *channelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// CloseWrite sends EOF on the channel, keeping the read side open.
func (c *channelConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}
