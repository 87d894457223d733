package dialer

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/die-net/paproxy/internal/socks5"
	"github.com/die-net/paproxy/internal/testutil"
)

// socks5Upstream answers one SOCKS5 CONNECT using the server half of the
// socks5 package. A zero rep relays to the requested address; any other
// code is returned to the client as a failure.
func socks5Upstream(ctx context.Context, c net.Conn, auth socks5.Auth, rep byte) {
	if err := socks5.ServerNegotiate(c, auth); err != nil {
		return
	}
	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return
	}
	if rep != socks5.RepSuccess {
		_ = socks5.WriteReply(c, rep, nil, req.Atyp)
		return
	}

	var d net.Dialer
	dst, err := d.DialContext(ctx, "tcp", req.Addr)
	if err != nil {
		_ = socks5.WriteReply(c, socks5.RepHostUnreachable, nil, req.Atyp)
		return
	}
	defer dst.Close()
	if err := socks5.WriteReply(c, socks5.RepSuccess, dst.LocalAddr(), req.Atyp); err != nil {
		return
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}

func TestSOCKS5ProxyDialer(t *testing.T) {
	tests := []struct {
		name       string
		serverAuth socks5.Auth
		clientAuth socks5.Auth
		rep        byte
		wantRep    byte
		wantAuth   bool
	}{
		{name: "no_auth"},
		{
			name:       "credentials",
			serverAuth: socks5.Auth{Username: "relay", Password: "s3cret"},
			clientAuth: socks5.Auth{Username: "relay", Password: "s3cret"},
		},
		{
			name:       "bad_credentials",
			serverAuth: socks5.Auth{Username: "relay", Password: "s3cret"},
			clientAuth: socks5.Auth{Username: "relay", Password: "guess"},
			wantAuth:   true,
		},
		{name: "refused", rep: socks5.RepConnectionRefused, wantRep: socks5.RepConnectionRefused},
		{name: "not_allowed", rep: socks5.RepNotAllowed, wantRep: socks5.RepNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
			defer cancel()

			echo := testutil.StartEchoTCPServer(t, ctx)
			up, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				socks5Upstream(ctx, c, tt.serverAuth, tt.rep)
			})

			d := NewSOCKS5ProxyDialer(Config{DialTimeout: time.Second, NegotiationTimeout: time.Second},
				up.Addr().String(), tt.clientAuth.Username, tt.clientAuth.Password)
			conn, err := d.DialContext(ctx, "tcp", echo.Addr().String())

			switch {
			case tt.wantAuth:
				if !errors.Is(err, socks5.ErrAuthFailed) {
					t.Fatalf("got %v, want %v", err, socks5.ErrAuthFailed)
				}
			case tt.wantRep != 0:
				var re *socks5.ReplyError
				if !errors.As(err, &re) || re.Rep != tt.wantRep {
					t.Fatalf("got %v, want reply %#x", err, tt.wantRep)
				}
			default:
				if err != nil {
					t.Fatal(err)
				}
				testutil.AssertEcho(t, conn, conn, []byte("through socks"))
				_ = conn.Close()
			}
			waitUp()
		})
	}
}

func TestSOCKS5ProxyDialerStalledUpstream(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	up, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(net.Conn) {
		<-ctx.Done()
	})

	t.Run("context", func(t *testing.T) {
		dialCtx, dialCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer dialCancel()

		d := NewSOCKS5ProxyDialer(Config{DialTimeout: time.Second}, up.Addr().String(), "", "")
		start := time.Now()
		if _, err := d.DialContext(dialCtx, "tcp", "192.0.2.1:80"); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("got %v, want deadline exceeded", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("dial returned %v after cancellation", elapsed)
		}
	})

	cancel()
	waitUp()
}

func TestSOCKS5ProxyDialerNetwork(t *testing.T) {
	d := NewSOCKS5ProxyDialer(Config{}, "127.0.0.1:1", "", "")
	if _, err := d.DialContext(t.Context(), "udp", "192.0.2.1:53"); err == nil {
		t.Fatal("expected unsupported network error")
	}
}
