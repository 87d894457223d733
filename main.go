package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/paproxy/internal/config"
	"github.com/die-net/paproxy/internal/dialer"
	"github.com/die-net/paproxy/internal/logging"
	"github.com/die-net/paproxy/internal/metrics"
	"github.com/die-net/paproxy/internal/proxy"
	"github.com/die-net/paproxy/internal/stats"
	"github.com/die-net/paproxy/internal/tproxy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when a listener could not be bound and 1 for any other
// startup failure.
func exitCode(err error) int {
	var be *proxy.BindError
	if errors.As(err, &be) {
		return 2
	}
	return 1
}

// run serves until ctx is canceled, then drains sessions for up to the
// shutdown timeout. A drain that runs out of time is logged, not returned.
func run(ctx context.Context, args []string) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	fs := config.NewFlagSet("paproxy")
	if !tproxy.IsSupported {
		_ = fs.MarkHidden("tproxy-listen")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	log, syncLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer syncLog()

	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.Timeouts.Connect,
		NegotiationTimeout: cfg.Timeouts.Negotiation,
		KeepAlive:          cfg.KeepAlive(),
		SSHKeyPath:         cfg.SSH.Key,
		SSHKnownHostsPath:  cfg.SSH.KnownHosts,
		Logger:             log,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	store, err := stats.New(ctx, stats.Options{
		RedisAddr:     cfg.Stats.RedisAddr,
		RedisPassword: cfg.Stats.RedisPassword,
		RedisDB:       cfg.Stats.RedisDB,
		KeyPrefix:     cfg.Stats.KeyPrefix,
	}, log)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	obs := metrics.NewObserver(metrics.New(reg), store, log)

	tc := upstreamTLS(cfg.UpstreamTLS)
	entries, err := buildEntrypoints(cfg, entryDeps{dialer: d, tls: tc, recorder: obs}, log)
	if err != nil {
		return err
	}

	srv := proxy.NewServer(proxy.Config{
		Dialer:         d,
		MaxSessions:    cfg.Limits.MaxSessions,
		ConnectTimeout: cfg.Timeouts.Connect,
		ResolveTimeout: cfg.Timeouts.Resolve,
		IdleTimeout:    cfg.Timeouts.Idle,
		UpstreamTLS:    tc,
		Observer:       obs,
		Logger:         log,
	}, entries...)

	var metricsLn net.Listener
	if cfg.MetricsListen != "" {
		metricsLn, err = proxy.Listen(ctx, "tcp", cfg.MetricsListen, cfg.KeepAlive())
		if err != nil {
			return err
		}
	}

	if err := srv.Start(ctx); err != nil {
		if metricsLn != nil {
			_ = metricsLn.Close()
		}
		return err
	}
	log.Info("paproxy started",
		zap.Int("listeners", len(entries)),
		zap.String("upstream", cfg.Upstream),
		zap.Int("max_sessions", cfg.Limits.MaxSessions))

	auxCtx, cancelAux := context.WithCancel(context.Background())
	defer cancelAux()
	g, gctx := errgroup.WithContext(auxCtx)
	g.Go(func() error {
		obs.Run(gctx)
		return nil
	})
	if metricsLn != nil {
		h := metrics.NewHandler(metrics.HandlerOptions{
			Gatherer: reg,
			Ready:    srv.Ready,
			Store:    store,
			Pprof:    cfg.Pprof,
		})
		g.Go(func() error {
			if err := metrics.Serve(gctx, metricsLn, h, log); err != nil {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
	}

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}
	log.Info("shutting down", zap.Duration("timeout", cfg.Timeouts.Shutdown))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions force-closed", zap.Error(err))
	}

	cancelAux()
	return g.Wait()
}

func upstreamTLS(c config.TLSConfig) *tls.Config {
	if !c.Enable {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // Opt-in for hosts with self-signed certificates.
	}
}
