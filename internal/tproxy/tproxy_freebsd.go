//go:build freebsd

package tproxy

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// setTransparent enables IP_BINDANY so the socket accepts connections
// forwarded by IPFW fwd or PF rdr-to. Requires PRIV_NETINET_BINDANY.
func setTransparent(fd int, network string) error {
	if network == "tcp6" {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_BINDANY, 1)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_BINDANY, 1)
}

// OriginalDst returns the destination c was addressed to before it was
// redirected to this host.
func OriginalDst(c net.Conn) (netip.AddrPort, error) {
	return localDst(c)
}
