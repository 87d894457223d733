//go:build linux

package tproxy

import (
	"encoding/binary"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ip6tSOOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6.
const ip6tSOOriginalDst = 80

func setTransparent(fd int, network string) error {
	if network == "tcp6" {
		return unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
	}
	return unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1)
}

// OriginalDst returns the destination c was addressed to before it was
// redirected to this host.
func OriginalDst(c net.Conn) (netip.AddrPort, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return localDst(c)
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, err
	}

	var (
		dst  netip.AddrPort
		nerr error
	)
	if err := rc.Control(func(fd uintptr) {
		dst, nerr = originalDst(int(fd))
	}); err != nil {
		return netip.AddrPort{}, err
	}
	if nerr != nil {
		// TPROXY keeps the original destination as the local address; only
		// NAT REDIRECT records SO_ORIGINAL_DST.
		return localDst(c)
	}
	return dst, nil
}

func originalDst(fd int) (netip.AddrPort, error) {
	// struct sockaddr_in fits in ipv6_mreq.
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.SOL_IP, unix.SO_ORIGINAL_DST)
	if err == nil {
		raw := mreq.Multiaddr
		addr := netip.AddrFrom4([4]byte(raw[4:8]))
		return netip.AddrPortFrom(addr, binary.BigEndian.Uint16(raw[2:4])), nil
	}

	// struct sockaddr_in6 fits in ip6_mtuinfo.
	info, err6 := unix.GetsockoptIPv6MTUInfo(fd, unix.SOL_IPV6, ip6tSOOriginalDst)
	if err6 != nil {
		return netip.AddrPort{}, err6
	}
	var port [2]byte
	binary.NativeEndian.PutUint16(port[:], info.Addr.Port)
	addr := netip.AddrFrom16(info.Addr.Addr).Unmap()
	return netip.AddrPortFrom(addr, binary.BigEndian.Uint16(port[:])), nil
}
