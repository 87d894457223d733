package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/die-net/paproxy/internal/config"
	"github.com/die-net/paproxy/internal/proxy"
	"github.com/die-net/paproxy/internal/resolve"
	"github.com/die-net/paproxy/internal/revproxy"
	"github.com/die-net/paproxy/internal/socks5"
	"github.com/die-net/paproxy/internal/tproxy"
	"github.com/die-net/paproxy/internal/wsconn"
)

// entryDeps are shared by the reverse proxy handlers.
type entryDeps struct {
	dialer   proxy.Dialer
	tls      *tls.Config
	recorder revproxy.Recorder
}

// buildEntrypoints turns the configured listeners into entrypoints. Each
// protocol resolver is wrapped by local DNS resolution when enabled and then
// by the deny policy.
func buildEntrypoints(cfg *config.Config, deps entryDeps, log *zap.Logger) ([]proxy.Entrypoint, error) {
	deny, err := resolve.ParseRules(cfg.Policy.Deny)
	if err != nil {
		return nil, fmt.Errorf("invalid policy.deny: %w", err)
	}
	ka := cfg.KeepAlive()

	entries := make([]proxy.Entrypoint, 0, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		e := proxy.Entrypoint{
			Name: lc.Name,
			Listen: func(ctx context.Context) (net.Listener, error) {
				return proxy.Listen(ctx, "tcp", lc.Listen, ka)
			},
		}

		switch lc.Mode {
		case config.ModeForward:
			e.Resolver, err = resolve.NewStatic(lc.Target, "")
		case config.ModeSOCKS5:
			e.Resolver = &resolve.SOCKS5{
				Auth:    socks5.Auth{Username: cfg.SOCKS5.Username, Password: cfg.SOCKS5.Password},
				Timeout: cfg.Timeouts.Negotiation,
			}
		case config.ModeHTTP:
			e.Resolver = &resolve.HTTPConnect{
				Username: cfg.HTTP.Username,
				Password: cfg.HTTP.Password,
				Timeout:  cfg.Timeouts.Negotiation,
			}
		case config.ModeTProxy:
			e.Resolver = resolve.Transparent{}
			e.Listen = func(ctx context.Context) (net.Listener, error) {
				ln, err := tproxy.Listen(ctx, lc.Listen, ka)
				if err != nil {
					return nil, &proxy.BindError{Network: "tcp", Addr: lc.Listen, Err: err}
				}
				return ln, nil
			}
		case config.ModeWS:
			if strings.Contains(lc.Target, "://") {
				e.Resolver, err = wsconn.NewUpstream(lc.Target)
			} else {
				e.Resolver, err = resolve.NewStatic(lc.Target, "")
			}
			e.Listen = wsListen(lc, ka, nil, log)
		case config.ModeReverse:
			var h http.Handler
			h, e.Resolver, err = reverseEntry(cfg, lc, deps, log)
			e.Listen = wsListen(lc, ka, h, log)
		default:
			err = fmt.Errorf("unknown mode %q", lc.Mode)
		}
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", lc.Name, err)
		}

		if cfg.DNS.Enable {
			e.Resolver = resolve.NewDNS(e.Resolver, cfg.Timeouts.Resolve, cfg.DNS.CacheTTL)
		}
		if len(deny) > 0 {
			e.Resolver = &resolve.Policy{Next: e.Resolver, Deny: deny}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func wsListen(lc config.ListenerConfig, ka net.KeepAliveConfig, fallback http.Handler, log *zap.Logger) func(context.Context) (net.Listener, error) {
	return func(ctx context.Context) (net.Listener, error) {
		ln, err := proxy.Listen(ctx, "tcp", lc.Listen, ka)
		if err != nil {
			return nil, err
		}
		return wsconn.Serve(ln, lc.Path, fallback, log.With(zap.String("entry", lc.Name))), nil
	}
}

// reverseEntry proxies HTTP requests to the target origin and relays
// WebSocket upgrades on lc.Path to the same origin.
func reverseEntry(cfg *config.Config, lc config.ListenerConfig, deps entryDeps, log *zap.Logger) (http.Handler, proxy.Resolver, error) {
	target, err := url.Parse(lc.Target)
	if err != nil {
		return nil, nil, err
	}
	h, err := revproxy.New(revproxy.Options{
		Entry:              lc.Name,
		Target:             target,
		Dialer:             deps.dialer,
		TLS:                deps.tls,
		NegotiationTimeout: cfg.Timeouts.Negotiation,
		IdleTimeout:        cfg.Timeouts.Idle,
		Recorder:           deps.recorder,
		Logger:             log.With(zap.String("entry", lc.Name)),
	})
	if err != nil {
		return nil, nil, err
	}

	ws := target.JoinPath(lc.Path)
	ws.Scheme = "ws"
	if target.Scheme == "https" {
		ws.Scheme = "wss"
	}
	up, err := wsconn.NewUpstream(ws.String())
	if err != nil {
		return nil, nil, err
	}
	return h, up, nil
}
