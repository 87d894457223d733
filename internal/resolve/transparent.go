package resolve

import (
	"context"
	"net"
	"net/netip"

	"github.com/die-net/paproxy/internal/proxy"
	"github.com/die-net/paproxy/internal/tproxy"
)

// Transparent sends each connection to the destination it was addressed to
// before the firewall redirected it here.
type Transparent struct {
	// OriginalDst defaults to tproxy.OriginalDst.
	OriginalDst func(net.Conn) (netip.AddrPort, error)
}

func (t Transparent) Resolve(_ context.Context, conn net.Conn) (*proxy.Resolution, error) {
	lookup := t.OriginalDst
	if lookup == nil {
		lookup = tproxy.OriginalDst
	}
	dst, err := lookup(conn)
	if err != nil {
		return nil, proxy.NewResolutionError(proxy.ErrUnreachable, err)
	}
	return &proxy.Resolution{Endpoint: proxy.Endpoint{
		Host: dst.Addr().String(),
		Port: int(dst.Port()),
		Hint: "tproxy",
	}}, nil
}
