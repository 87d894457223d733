package dialer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/die-net/paproxy/internal/testutil"
)

func TestSSHUpstreamDial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	sshLn := testutil.StartSSHForwardServer(t, ctx, "user", "pass")

	cfg := Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		SSHKnownHostsPath:  filepath.Join(t.TempDir(), "known_hosts"),
	}
	d, err := New(cfg, "ssh://user:pass@"+sshLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	for _, msg := range []string{"hello", "hello2"} {
		c, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEcho(t, c, c, []byte(msg))
		_ = c.Close()
	}
}
