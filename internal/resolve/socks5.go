package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/die-net/paproxy/internal/proxy"
	"github.com/die-net/paproxy/internal/socks5"
)

// SOCKS5 resolves the destination of a SOCKS5 CONNECT request.
type SOCKS5 struct {
	// Auth, if set, requires username/password authentication.
	Auth socks5.Auth
	// Timeout bounds the greeting and request.
	Timeout time.Duration
}

func (s *SOCKS5) Resolve(ctx context.Context, conn net.Conn) (*proxy.Resolution, error) {
	done := handshakeDeadline(ctx, conn, s.Timeout)
	defer done()

	if err := socks5.ServerNegotiate(conn, s.Auth); err != nil {
		if errors.Is(err, socks5.ErrAuthFailed) {
			return nil, proxy.NewResolutionError(proxy.ErrPolicyDenied, err)
		}
		return nil, proxy.HandshakeError(err)
	}
	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		return nil, proxy.HandshakeError(err)
	}
	if req.Cmd != socks5.CmdConnect {
		_ = socks5.WriteReply(conn, socks5.RepCommandNotSupported, nil, req.Atyp)
		return nil, proxy.NewResolutionError(proxy.ErrProtocolViolation, fmt.Errorf("socks5: unsupported command %#x", req.Cmd))
	}
	ep, err := proxy.ParseEndpoint(req.Addr)
	if err != nil {
		_ = socks5.WriteReply(conn, socks5.RepAddressNotSupported, nil, req.Atyp)
		return nil, proxy.NewResolutionError(proxy.ErrProtocolViolation, err)
	}
	ep.Hint = "socks5"

	return &proxy.Resolution{
		Endpoint: ep,
		Reply: func(bound net.Addr, err error) error {
			defer writeDeadline(conn)()
			return socks5.WriteReply(conn, socks5Rep(err), bound, req.Atyp)
		},
	}, nil
}

// socks5Rep maps the outcome of resolving and connecting to a reply code.
func socks5Rep(err error) byte {
	var ne net.Error
	switch {
	case err == nil:
		return socks5.RepSuccess
	case errors.Is(err, proxy.ErrPolicyDenied):
		return socks5.RepNotAllowed
	case errors.Is(err, proxy.ErrNameResolution), errors.Is(err, proxy.ErrResolveTimeout):
		return socks5.RepHostUnreachable
	case errors.Is(err, syscall.ECONNREFUSED):
		return socks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return socks5.RepNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH), errors.As(err, &ne) && ne.Timeout():
		return socks5.RepHostUnreachable
	default:
		return socks5.RepServerFailure
	}
}
