package resolve

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/die-net/paproxy/internal/proxy"
)

func TestStatic(t *testing.T) {
	s, err := NewStatic("example.com:443", "tls")
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := proxy.Endpoint{Host: "example.com", Port: 443, Hint: "tls"}
	if res.Endpoint != want {
		t.Fatalf("got %+v want %+v", res.Endpoint, want)
	}

	if _, err := NewStatic("example.com", ""); err == nil {
		t.Fatal("expected error for missing port")
	}
}

func TestTransparent(t *testing.T) {
	tr := Transparent{OriginalDst: func(net.Conn) (netip.AddrPort, error) {
		return netip.MustParseAddrPort("198.51.100.7:8080"), nil
	}}
	res, err := tr.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Endpoint.Addr(); got != "198.51.100.7:8080" {
		t.Fatalf("got %s", got)
	}

	tr.OriginalDst = func(net.Conn) (netip.AddrPort, error) {
		return netip.AddrPort{}, errors.New("no original destination")
	}
	if _, err := tr.Resolve(context.Background(), nil); !errors.Is(err, proxy.ErrUnreachable) {
		t.Fatalf("got %v", err)
	}
}

type fakeLookuper struct {
	calls atomic.Int32
	delay time.Duration
	addrs map[string][]netip.Addr
	err   error
}

func (f *fakeLookuper) LookupNetIP(ctx context.Context, _, host string) ([]netip.Addr, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	addrs, ok := f.addrs[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

func staticTo(t *testing.T, target string) *Static {
	t.Helper()
	s, err := NewStatic(target, "")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDNSResolve(t *testing.T) {
	l := &fakeLookuper{addrs: map[string][]netip.Addr{
		"dual.example": {netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("192.0.2.1")},
		"v6.example":   {netip.MustParseAddr("2001:db8::2")},
	}}

	tests := []struct {
		target   string
		wantHost string
		wantErr  error
	}{
		{target: "dual.example:80", wantHost: "192.0.2.1"},
		{target: "v6.example:80", wantHost: "2001:db8::2"},
		{target: "192.0.2.9:80", wantHost: "192.0.2.9"},
		{target: "missing.example:80", wantErr: proxy.ErrNameResolution},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			d := NewDNS(staticTo(t, tt.target), time.Second, 0)
			d.Lookuper = l

			res, err := d.Resolve(context.Background(), nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if res.Endpoint.Host != tt.wantHost {
				t.Fatalf("got %s want %s", res.Endpoint.Host, tt.wantHost)
			}
			if tt.wantHost != "192.0.2.9" && res.Endpoint.ServerName() != res.Endpoint.Name {
				t.Fatalf("name not kept: %+v", res.Endpoint)
			}
		})
	}
}

func TestDNSCollapsesConcurrentLookups(t *testing.T) {
	l := &fakeLookuper{
		delay: 50 * time.Millisecond,
		addrs: map[string][]netip.Addr{"slow.example": {netip.MustParseAddr("192.0.2.5")}},
	}
	d := NewDNS(staticTo(t, "slow.example:443"), time.Second, 0)
	d.Lookuper = l

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Resolve(context.Background(), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := l.calls.Load(); n != 1 {
		t.Fatalf("got %d lookups, want 1", n)
	}
}

func TestDNSCache(t *testing.T) {
	l := &fakeLookuper{addrs: map[string][]netip.Addr{"cached.example": {netip.MustParseAddr("192.0.2.6")}}}
	d := NewDNS(staticTo(t, "cached.example:443"), time.Second, time.Minute)
	d.Lookuper = l

	if err := d.Warm(context.Background()); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := d.Resolve(context.Background(), nil); err != nil {
			t.Fatal(err)
		}
	}
	if n := l.calls.Load(); n != 1 {
		t.Fatalf("got %d lookups, want 1", n)
	}
}

func TestDNSTimeout(t *testing.T) {
	l := &fakeLookuper{delay: time.Second}
	d := NewDNS(staticTo(t, "slow.example:443"), 20*time.Millisecond, 0)
	d.Lookuper = l

	_, err := d.Resolve(context.Background(), nil)
	if !errors.Is(err, proxy.ErrResolveTimeout) {
		t.Fatalf("got %v want ErrResolveTimeout", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.Timeout = 0
	if _, err := d.Resolve(ctx, nil); !errors.Is(err, proxy.ErrResolveTimeout) {
		t.Fatalf("got %v want ErrResolveTimeout", err)
	}
}

func TestDNSFailureReachesClient(t *testing.T) {
	var replied error
	next := proxy.ResolverFunc(func(context.Context, net.Conn) (*proxy.Resolution, error) {
		return &proxy.Resolution{
			Endpoint: proxy.Endpoint{Host: "missing.example", Port: 80},
			Reply: func(_ net.Addr, err error) error {
				replied = err
				return nil
			},
		}, nil
	})
	d := NewDNS(next, time.Second, 0)
	d.Lookuper = &fakeLookuper{}

	if _, err := d.Resolve(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(replied, proxy.ErrNameResolution) {
		t.Fatalf("client was told %v", replied)
	}
}

func TestPolicyRules(t *testing.T) {
	tests := []struct {
		rule  string
		ep    proxy.Endpoint
		match bool
	}{
		{"10.0.0.0/8", proxy.Endpoint{Host: "10.1.2.3", Port: 80}, true},
		{"10.0.0.0/8", proxy.Endpoint{Host: "11.1.2.3", Port: 80}, false},
		{"10.0.0.0/8", proxy.Endpoint{Host: "10.1.2.3", Port: 80, Name: "internal.example"}, true},
		{"192.0.2.1", proxy.Endpoint{Host: "192.0.2.1", Port: 443}, true},
		{"::1", proxy.Endpoint{Host: "::1", Port: 443}, true},
		{"example.com", proxy.Endpoint{Host: "EXAMPLE.com.", Port: 443}, true},
		{"example.com", proxy.Endpoint{Host: "www.example.com", Port: 443}, false},
		{"example.com", proxy.Endpoint{Host: "192.0.2.1", Port: 443, Name: "example.com"}, true},
		{"*.example.com", proxy.Endpoint{Host: "www.example.com", Port: 443}, true},
		{"*.example.com", proxy.Endpoint{Host: "example.com", Port: 443}, false},
		{":25", proxy.Endpoint{Host: "mail.example", Port: 25}, true},
		{":25", proxy.Endpoint{Host: "mail.example", Port: 587}, false},
		{"example.com:22", proxy.Endpoint{Host: "example.com", Port: 22}, true},
		{"example.com:22", proxy.Endpoint{Host: "example.com", Port: 443}, false},
		{"[::1]:22", proxy.Endpoint{Host: "::1", Port: 22}, true},
	}
	for _, tt := range tests {
		t.Run(tt.rule+"/"+tt.ep.String(), func(t *testing.T) {
			r, err := ParseRule(tt.rule)
			if err != nil {
				t.Fatal(err)
			}
			if got := r.Match(tt.ep); got != tt.match {
				t.Fatalf("Match = %v want %v", got, tt.match)
			}
		})
	}
}

func TestParseRuleErrors(t *testing.T) {
	for _, s := range []string{"", "*.", "example.com:0", "example.com:http", "a/b"} {
		if _, err := ParseRule(s); err == nil {
			t.Errorf("ParseRule(%q) succeeded", s)
		}
	}
}

func TestPolicyDenies(t *testing.T) {
	rules, err := ParseRules([]string{"10.0.0.0/8", "*.internal"})
	if err != nil {
		t.Fatal(err)
	}
	p := &Policy{Next: staticTo(t, "db.internal:5432"), Deny: rules}
	if _, err := p.Resolve(context.Background(), nil); !errors.Is(err, proxy.ErrPolicyDenied) {
		t.Fatalf("got %v want ErrPolicyDenied", err)
	}

	p.Next = staticTo(t, "public.example:443")
	res, err := p.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Endpoint.Host != "public.example" {
		t.Fatalf("got %+v", res.Endpoint)
	}
}
