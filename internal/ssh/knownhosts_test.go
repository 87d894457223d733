package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func mustGenerateKey(t *testing.T) ssh.Signer {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

// hostCheck is one host key presented to the callback. reload rebuilds the
// callback from the file first, as a new process would.
type hostCheck struct {
	host     string
	key      int
	reload   bool
	mismatch bool
}

func TestHostKeyCallbackTOFU(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		seed   []string // host:key pairs written before the first check
		checks []hostCheck
		added  int
	}{
		{
			name:   "unknown host is added",
			checks: []hostCheck{{host: "192.0.2.1:22", key: 0}},
			added:  1,
		},
		{
			name: "same key accepted after reload",
			checks: []hostCheck{
				{host: "192.0.2.1:22", key: 0},
				{host: "192.0.2.1:22", key: 0, reload: true},
			},
			added: 1,
		},
		{
			name: "changed key rejected",
			checks: []hostCheck{
				{host: "192.0.2.1:22", key: 0},
				{host: "192.0.2.1:22", key: 1, reload: true, mismatch: true},
			},
			added: 1,
		},
		{
			name: "hosts keep separate keys",
			checks: []hostCheck{
				{host: "192.0.2.1:22", key: 0},
				{host: "[192.0.2.2]:2222", key: 1},
				{host: "192.0.2.1:22", key: 0, reload: true},
				{host: "[192.0.2.2]:2222", key: 1},
			},
			added: 2,
		},
		{
			name:   "existing entry honored",
			seed:   []string{"192.0.2.1:22"},
			checks: []hostCheck{{host: "192.0.2.1:22", key: 0}, {host: "192.0.2.1:22", key: 1, mismatch: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			keys := []ssh.Signer{mustGenerateKey(t), mustGenerateKey(t)}
			path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
			if len(tt.seed) > 0 {
				var b strings.Builder
				for _, h := range tt.seed {
					b.WriteString(knownhosts.Line([]string{knownhosts.Normalize(h)}, keys[0].PublicKey()) + "\n")
				}
				if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
					t.Fatal(err)
				}
			}

			core, logs := observer.New(zapcore.InfoLevel)
			log := zap.New(core)
			cb, err := NewHostKeyCallback(path, log)
			if err != nil {
				t.Fatal(err)
			}

			for i, c := range tt.checks {
				if c.reload {
					if cb, err = NewHostKeyCallback(path, log); err != nil {
						t.Fatal(err)
					}
				}
				remote, err := net.ResolveTCPAddr("tcp", c.host)
				if err != nil {
					t.Fatal(err)
				}
				err = cb(c.host, remote, keys[c.key].PublicKey())
				if c.mismatch {
					if err == nil || !strings.Contains(err.Error(), "mismatch") {
						t.Fatalf("check %d: got %v, want host key mismatch", i, err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("check %d: %v", i, err)
				}
			}

			entries := logs.FilterMessage("added ssh host key").All()
			if len(entries) != tt.added {
				t.Fatalf("logged %d additions, want %d", len(entries), tt.added)
			}
			for _, e := range entries {
				if fp := e.ContextMap()["fingerprint"]; !strings.HasPrefix(fp.(string), "SHA256:") {
					t.Fatalf("fingerprint %v", fp)
				}
			}
		})
	}
}

func TestHostKeyCallbackSetup(t *testing.T) {
	t.Parallel()

	t.Run("empty path accepts any key", func(t *testing.T) {
		cb, err := NewHostKeyCallback("", nil)
		if err != nil {
			t.Fatal(err)
		}
		addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
		if err := cb("example.com:22", addr, mustGenerateKey(t).PublicKey()); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("file created private", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a", "b", "known_hosts")
		if _, err := NewHostKeyCallback(path, nil); err != nil {
			t.Fatal(err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("mode %o, want 600", info.Mode().Perm())
		}
	})

	t.Run("unreadable file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "known_hosts")
		if err := os.WriteFile(path, []byte("not a known_hosts line\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := NewHostKeyCallback(path, nil); err == nil {
			t.Fatal("expected parse error")
		}
	})
}
