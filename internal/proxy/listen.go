package proxy

import (
	"context"
	"net"
)

// Listen binds network/addr and returns a listener whose accepted TCP
// connections use keepAlive. Failures are returned as *BindError.
//
// A closed listener is not restartable: Accept keeps returning
// net.ErrClosed.
func Listen(ctx context.Context, network, addr string, keepAlive net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: keepAlive}
	if !keepAlive.Enable {
		lc.KeepAlive = -1
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, &BindError{Network: network, Addr: addr, Err: err}
	}
	return ln, nil
}
