package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/paproxy/internal/proxy"
)

// Lookuper resolves host names. *net.Resolver satisfies it.
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DNS resolves the host name chosen by Next to an address before the
// connect, so name failures are reported as resolution errors.
type DNS struct {
	Next proxy.Resolver

	// Lookuper defaults to net.DefaultResolver.
	Lookuper Lookuper
	// Timeout bounds one lookup. Zero leaves only the caller's deadline.
	Timeout time.Duration

	group singleflight.Group
	cache *cache.Cache
}

// NewDNS wraps next. A positive cacheTTL caches successful lookups.
func NewDNS(next proxy.Resolver, timeout, cacheTTL time.Duration) *DNS {
	d := &DNS{Next: next, Timeout: timeout}
	if cacheTTL > 0 {
		d.cache = cache.New(cacheTTL, 2*cacheTTL)
	}
	return d
}

func (d *DNS) Resolve(ctx context.Context, conn net.Conn) (*proxy.Resolution, error) {
	res, err := d.Next.Resolve(ctx, conn)
	if err != nil {
		return nil, err
	}
	host := res.Endpoint.Host
	if _, err := netip.ParseAddr(host); err == nil {
		return res, nil
	}

	addr, err := d.lookup(ctx, host)
	if err != nil {
		res.Fail(err)
		return nil, err
	}
	res.Endpoint = res.Endpoint.WithHost(addr.String())
	return res, nil
}

// Warm pre-resolves the target of a static Next so a broken name is logged at
// startup rather than on the first connection.
func (d *DNS) Warm(ctx context.Context) error {
	s, ok := d.Next.(*Static)
	if !ok {
		return nil
	}
	if _, err := netip.ParseAddr(s.Target.Host); err == nil {
		return nil
	}
	_, err := d.lookup(ctx, s.Target.Host)
	return err
}

func (d *DNS) lookup(ctx context.Context, host string) (netip.Addr, error) {
	if d.cache != nil {
		if v, ok := d.cache.Get(host); ok {
			return v.(netip.Addr), nil
		}
	}

	ch := d.group.DoChan(host, func() (any, error) {
		// Shared by every waiter, so it must not inherit one caller's
		// cancellation.
		lctx := context.WithoutCancel(ctx)
		if d.Timeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, d.Timeout)
			defer cancel()
		}
		addr, err := d.lookupOnce(lctx, host)
		if err == nil && d.cache != nil {
			d.cache.SetDefault(host, addr)
		}
		return addr, err
	})

	select {
	case <-ctx.Done():
		return netip.Addr{}, proxy.NewResolutionError(proxy.ErrResolveTimeout, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return netip.Addr{}, r.Err
		}
		return r.Val.(netip.Addr), nil
	}
}

func (d *DNS) lookupOnce(ctx context.Context, host string) (netip.Addr, error) {
	var l Lookuper = net.DefaultResolver
	if d.Lookuper != nil {
		l = d.Lookuper
	}
	addrs, err := l.LookupNetIP(ctx, "ip", host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &dnsErr) && dnsErr.IsTimeout) {
			return netip.Addr{}, proxy.NewResolutionError(proxy.ErrResolveTimeout, err)
		}
		return netip.Addr{}, proxy.NewResolutionError(proxy.ErrNameResolution, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, proxy.NewResolutionError(proxy.ErrNameResolution, fmt.Errorf("no addresses for %s", host))
	}
	// Prefer IPv4, which every upstream path can reach.
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return addrs[0], nil
}
