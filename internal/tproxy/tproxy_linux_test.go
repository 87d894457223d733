//go:build linux

package tproxy

import (
	"net"
	"net/netip"
	"testing"
)

// Without a NAT redirect neither the IPv4 nor the IPv6 socket option is
// present, so originalDst fails and OriginalDst reports the local address.
func TestOriginalDstIPv6(t *testing.T) {
	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("no IPv6 loopback: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp6", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	defer server.Close()

	rc, err := server.(*net.TCPConn).SyscallConn()
	if err != nil {
		t.Fatal(err)
	}
	var nerr error
	if err := rc.Control(func(fd uintptr) {
		_, nerr = originalDst(int(fd))
	}); err != nil {
		t.Fatal(err)
	}
	if nerr == nil {
		t.Fatal("expected an error without a NAT redirect")
	}

	dst, err := OriginalDst(server)
	if err != nil {
		t.Fatal(err)
	}
	if want := netip.MustParseAddrPort(ln.Addr().String()); dst != want {
		t.Fatalf("got %s, want %s", dst, want)
	}
}
