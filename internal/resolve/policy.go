package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/die-net/paproxy/internal/proxy"
)

// Rule matches destinations. Forms:
//
//	10.0.0.0/8         address in prefix
//	192.0.2.1          exact address
//	example.com        exact host name
//	*.example.com      name under a domain, not the domain itself
//	:25                any destination on port 25
//	example.com:25     host name or address on a port
type Rule struct {
	raw    string
	prefix netip.Prefix
	host   string
	suffix string
	port   int
}

// ParseRule parses one rule.
func ParseRule(s string) (Rule, error) {
	r := Rule{raw: s}
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return r, fmt.Errorf("empty policy rule")
	}

	if p, err := netip.ParsePrefix(s); err == nil {
		r.prefix = p.Masked()
		return r, nil
	}
	if a, err := netip.ParseAddr(s); err == nil {
		r.prefix = netip.PrefixFrom(a, a.BitLen())
		return r, nil
	}

	if host, portStr, err := net.SplitHostPort(s); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return r, fmt.Errorf("policy rule %q: bad port", r.raw)
		}
		r.port = port
		s = host
		if s == "" {
			return r, nil
		}
		if a, err := netip.ParseAddr(s); err == nil {
			r.prefix = netip.PrefixFrom(a, a.BitLen())
			return r, nil
		}
	}

	if rest, ok := strings.CutPrefix(s, "*."); ok {
		if rest == "" {
			return r, fmt.Errorf("policy rule %q: empty domain", r.raw)
		}
		r.suffix = "." + rest
		return r, nil
	}
	if strings.ContainsAny(s, "*/ ") {
		return r, fmt.Errorf("policy rule %q: invalid host", r.raw)
	}
	r.host = strings.TrimSuffix(s, ".")
	return r, nil
}

// ParseRules parses every rule in rules.
func ParseRules(rules []string) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for _, s := range rules {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (r Rule) String() string { return r.raw }

// Match reports whether ep is covered by r. Both the address and the name
// the client asked for are checked.
func (r Rule) Match(ep proxy.Endpoint) bool {
	if r.port != 0 && r.port != ep.Port {
		return false
	}
	switch {
	case r.prefix.IsValid():
		for _, h := range []string{ep.Host, ep.Name} {
			if a, err := netip.ParseAddr(h); err == nil && r.prefix.Contains(a.Unmap()) {
				return true
			}
		}
		return false
	case r.host != "":
		return matchName(ep, func(n string) bool { return n == r.host })
	case r.suffix != "":
		return matchName(ep, func(n string) bool { return strings.HasSuffix(n, r.suffix) })
	default:
		return true
	}
}

func matchName(ep proxy.Endpoint, f func(string) bool) bool {
	for _, h := range []string{ep.Host, ep.Name} {
		if h != "" && f(strings.TrimSuffix(strings.ToLower(h), ".")) {
			return true
		}
	}
	return false
}

// Policy refuses destinations matched by any Deny rule.
type Policy struct {
	Next proxy.Resolver
	Deny []Rule
}

func (p *Policy) Resolve(ctx context.Context, conn net.Conn) (*proxy.Resolution, error) {
	res, err := p.Next.Resolve(ctx, conn)
	if err != nil {
		return nil, err
	}
	for _, r := range p.Deny {
		if r.Match(res.Endpoint) {
			err := proxy.NewResolutionError(proxy.ErrPolicyDenied, fmt.Errorf("%s matches %q", res.Endpoint, r))
			res.Fail(err)
			return nil, err
		}
	}
	return res, nil
}

// Warm forwards to Next.
func (p *Policy) Warm(ctx context.Context) error {
	if w, ok := p.Next.(proxy.Warmer); ok {
		return w.Warm(ctx)
	}
	return nil
}
