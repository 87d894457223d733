// Package resolve implements the resolvers that decide where an inbound
// connection is relayed.
//
// Protocol resolvers ([SOCKS5], [HTTPConnect]) read the client's request from
// the connection and answer it once the outbound connect has succeeded or
// failed. [Static] and [Transparent] read nothing. [DNS] and [Policy] wrap
// another resolver to turn names into addresses and to refuse destinations.
package resolve

import (
	"context"
	"net"
	"time"
)

// handshakeDeadline applies the earlier of ctx's deadline and timeout to
// conn. The returned func clears it.
func handshakeDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	deadline, ok := ctx.Deadline()
	if timeout > 0 {
		if d := time.Now().Add(timeout); !ok || d.Before(deadline) {
			deadline, ok = d, true
		}
	}
	if !ok {
		return func() {}
	}
	_ = conn.SetDeadline(deadline)
	return func() { _ = conn.SetDeadline(time.Time{}) }
}

// replyTimeout bounds writing a protocol reply to a client that stopped
// reading.
const replyTimeout = 10 * time.Second

func writeDeadline(conn net.Conn) func() {
	_ = conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	return func() { _ = conn.SetWriteDeadline(time.Time{}) }
}
