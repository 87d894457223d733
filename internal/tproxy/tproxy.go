package tproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// ErrUnsupported is returned on platforms without transparent proxy support.
var ErrUnsupported = errors.New("transparent proxy is not supported on this platform")

// Listen binds addr with the platform's transparent socket option set.
// Accepted connections use keepAlive.
func Listen(ctx context.Context, addr string, keepAlive net.KeepAliveConfig) (net.Listener, error) {
	if !IsSupported {
		return nil, ErrUnsupported
	}
	lc := net.ListenConfig{
		KeepAliveConfig: keepAlive,
		Control: func(network, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = setTransparent(int(fd), network)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	if !keepAlive.Enable {
		lc.KeepAlive = -1
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return ln, nil
}

// localDst returns c's local address, which transparent redirection leaves
// set to the original destination.
func localDst(c net.Conn) (netip.AddrPort, error) {
	ta, ok := c.LocalAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("tproxy: not a TCP connection: %T", c.LocalAddr())
	}
	return ta.AddrPort(), nil
}
