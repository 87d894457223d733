package wsconn

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/die-net/paproxy/internal/proxy"
)

// Upstream resolves every session to one WebSocket URL. The dispatcher dials
// the URL's host, adding TLS for wss, and Upgrade performs the client
// handshake on that connection, so messages are relayed with their types.
type Upstream struct {
	url  *url.URL
	ep   proxy.Endpoint
	dial websocket.Dialer

	// Header is sent with every upstream handshake.
	Header http.Header
}

// NewUpstream parses a ws:// or wss:// URL.
func NewUpstream(rawURL string) (*Upstream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket upstream: %w", err)
	}

	port := 80
	ep := proxy.Endpoint{Host: u.Hostname()}
	switch u.Scheme {
	case "ws":
	case "wss":
		port = 443
		ep.Hint = "tls"
	default:
		return nil, fmt.Errorf("websocket upstream %q: scheme must be ws or wss", rawURL)
	}
	if ep.Host == "" {
		return nil, fmt.Errorf("websocket upstream %q: missing host", rawURL)
	}
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("websocket upstream %q: bad port", rawURL)
		}
	}
	ep.Port = port

	return &Upstream{
		url: u,
		ep:  ep,
		dial: websocket.Dialer{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}, nil
}

// URL returns the upstream URL.
func (u *Upstream) URL() *url.URL { return u.url }

func (u *Upstream) Resolve(context.Context, net.Conn) (*proxy.Resolution, error) {
	return &proxy.Resolution{Endpoint: u.ep, Upgrade: u.handshake}, nil
}

// handshake upgrades out, which already carries TLS for wss.
func (u *Upstream) handshake(ctx context.Context, out net.Conn) (net.Conn, error) {
	d := u.dial
	d.NetDialContext = func(context.Context, string, string) (net.Conn, error) {
		return out, nil
	}
	hs := *u.url
	hs.Scheme = "ws"

	ws, resp, err := d.DialContext(ctx, hs.String(), u.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s: %s: %w", u.url.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("websocket handshake with %s: %w", u.url.Redacted(), err)
	}
	return NewConn(ws), nil
}
