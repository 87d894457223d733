package resolve

import (
	"context"
	"net"

	"github.com/die-net/paproxy/internal/proxy"
)

// Static sends every connection to one target.
type Static struct {
	Target proxy.Endpoint
}

// NewStatic parses a host:port target. hint is recorded on the endpoint.
func NewStatic(target, hint string) (*Static, error) {
	ep, err := proxy.ParseEndpoint(target)
	if err != nil {
		return nil, err
	}
	ep.Hint = hint
	return &Static{Target: ep}, nil
}

func (s *Static) Resolve(context.Context, net.Conn) (*proxy.Resolution, error) {
	return &proxy.Resolution{Endpoint: s.Target}, nil
}
