package resolve

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/die-net/paproxy/internal/proxy"
)

// HTTPConnect resolves the destination of an HTTP CONNECT request.
type HTTPConnect struct {
	// Username, if set, requires Basic Proxy-Authorization.
	Username string
	Password string
	// Timeout bounds reading the request.
	Timeout time.Duration
}

func (h *HTTPConnect) Resolve(ctx context.Context, conn net.Conn) (*proxy.Resolution, error) {
	done := handshakeDeadline(ctx, conn, h.Timeout)
	defer done()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, proxy.HandshakeError(err)
	}
	_ = req.Body.Close()

	if req.Method != http.MethodConnect {
		_ = writeStatus(conn, http.StatusMethodNotAllowed, "Allow: CONNECT\r\n", "only CONNECT is supported")
		return nil, proxy.NewResolutionError(proxy.ErrProtocolViolation, fmt.Errorf("http: method %s", req.Method))
	}
	if !h.authorized(req) {
		_ = writeStatus(conn, http.StatusProxyAuthRequired, "Proxy-Authenticate: Basic realm=\"paproxy\"\r\n", "proxy authentication required")
		return nil, proxy.NewResolutionError(proxy.ErrPolicyDenied, errors.New("http: proxy authentication failed"))
	}

	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(strings.Trim(target, "[]"), "443")
	}
	ep, err := proxy.ParseEndpoint(target)
	if err != nil {
		_ = writeStatus(conn, http.StatusBadRequest, "", err.Error())
		return nil, proxy.NewResolutionError(proxy.ErrProtocolViolation, err)
	}
	ep.Hint = "http-connect"

	res := &proxy.Resolution{
		Endpoint: ep,
		Reply: func(_ net.Addr, err error) error {
			defer writeDeadline(conn)()
			if err == nil {
				_, werr := fmt.Fprint(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
				return werr
			}
			return writeStatus(conn, connectStatus(err), "", err.Error())
		},
	}
	if br.Buffered() > 0 {
		res.Conn = &bufferedConn{Conn: conn, r: br}
	}
	return res, nil
}

func (h *HTTPConnect) authorized(req *http.Request) bool {
	if h.Username == "" {
		return true
	}
	user, pass, ok := parseBasicAuth(req.Header.Get("Proxy-Authorization"))
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.Password)) == 1
	return userOK && passOK
}

func parseBasicAuth(auth string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(raw), ":")
}

func connectStatus(err error) int {
	switch {
	case errors.Is(err, proxy.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, proxy.ErrResolveTimeout), isTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

// writeStatus writes a complete plain-text response on a raw connection.
func writeStatus(conn net.Conn, code int, header, body string) error {
	_, err := fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n%sContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s\n",
		code, http.StatusText(code), header, len(body)+1, body)
	return err
}

// bufferedConn replays bytes the client sent after its CONNECT request.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}
