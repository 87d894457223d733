// Package tproxy implements transparent proxy listeners for Linux, FreeBSD,
// and OpenBSD.
//
// On Linux the listener sets IP_TRANSPARENT so it can accept connections
// diverted by iptables/nftables TPROXY rules, and [OriginalDst] asks
// SO_ORIGINAL_DST for connections redirected by NAT, falling back to the
// local address that TPROXY preserves.
//
// On FreeBSD (IP_BINDANY) and OpenBSD (SO_BINDANY) the firewall preserves the
// original destination as the accepted socket's local address.
//
// Elsewhere [Listen] and [OriginalDst] return [ErrUnsupported].
package tproxy
