//go:build !linux && !freebsd && !openbsd

package tproxy

import (
	"net"
	"net/netip"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = false

func setTransparent(int, string) error { return ErrUnsupported }

// OriginalDst is unsupported on this platform.
func OriginalDst(net.Conn) (netip.AddrPort, error) {
	return netip.AddrPort{}, ErrUnsupported
}
