//go:build openbsd

package tproxy

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// setTransparent enables SO_BINDANY, a socket-level option on OpenBSD.
// Return traffic additionally needs PF divert-reply rules.
func setTransparent(fd int, _ string) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BINDANY, 1)
}

// OriginalDst returns the destination c was addressed to before PF rdr-to
// redirected it.
func OriginalDst(c net.Conn) (netip.AddrPort, error) {
	return localDst(c)
}
