// Package metrics instruments relay sessions with Prometheus and serves the
// operational HTTP endpoints.
package metrics

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/die-net/paproxy/internal/proxy"
	"github.com/die-net/paproxy/internal/stats"
)

const namespace = "paproxy"

// Metrics holds the session collectors.
type Metrics struct {
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	Bytes           *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	ResolveFailures *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	StatsDropped    prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of sessions currently open",
			},
			[]string{"entry"},
		),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Finished sessions by final state and reason",
			},
			[]string{"entry", "state", "reason"},
		),
		Rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_connections_total",
				Help:      "Connections reset because the session limit was reached",
			},
			[]string{"entry"},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Bytes relayed by direction",
			},
			[]string{"entry", "direction"},
		),
		SessionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"entry"},
		),
		ResolveFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolve_failures_total",
				Help:      "Sessions that failed before a destination was connected",
			},
			[]string{"entry", "reason"},
		),
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Requests served by reverse proxy listeners, by status code",
			},
			[]string{"entry", "code"},
		),
		StatsDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "traffic_stats_dropped_total",
				Help:      "Traffic updates dropped because the stats queue was full",
			},
		),
	}
}

var resolveReasons = map[string]bool{
	"policy_denied":   true,
	"name_resolution": true,
	"resolve_timeout": true,
	"protocol":        true,
	"unreachable":     true,
}

type trafficUpdate struct {
	target         string
	sent, received uint64
}

// Observer feeds session events into Metrics and a traffic Store. Store
// writes happen on the goroutine running Run so session goroutines never
// wait on them.
type Observer struct {
	m       *Metrics
	store   stats.Store
	log     *zap.Logger
	updates chan trafficUpdate
}

var _ proxy.Observer = (*Observer)(nil)

// NewObserver returns an Observer. store may be nil.
func NewObserver(m *Metrics, store stats.Store, log *zap.Logger) *Observer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Observer{
		m:       m,
		store:   store,
		log:     log,
		updates: make(chan trafficUpdate, 1024),
	}
}

func (o *Observer) SessionStarted(s *proxy.Session) {
	o.m.ActiveSessions.WithLabelValues(s.Entry).Inc()
}

func (o *Observer) SessionEnded(s *proxy.Session) {
	o.m.ActiveSessions.WithLabelValues(s.Entry).Dec()

	reason := proxy.Reason(s.Err())
	o.m.SessionsTotal.WithLabelValues(s.Entry, s.State().String(), reason).Inc()
	o.m.SessionDuration.WithLabelValues(s.Entry).Observe(s.Duration().Seconds())
	if resolveReasons[reason] {
		o.m.ResolveFailures.WithLabelValues(s.Entry, reason).Inc()
	}

	sent, received := s.BytesSent(), s.BytesReceived()
	o.m.Bytes.WithLabelValues(s.Entry, proxy.Upstream.String()).Add(float64(sent))
	o.m.Bytes.WithLabelValues(s.Entry, proxy.Downstream.String()).Add(float64(received))

	if target := s.Target(); !target.IsZero() {
		o.enqueue(target.Key(), sent, received)
	}
}

// RecordRequest accounts one reverse-proxied request. Its traffic is
// stored under the request path.
func (o *Observer) RecordRequest(entry, path string, status int, sent, received uint64) {
	o.m.Requests.WithLabelValues(entry, strconv.Itoa(status)).Inc()
	o.m.Bytes.WithLabelValues(entry, proxy.Upstream.String()).Add(float64(sent))
	o.m.Bytes.WithLabelValues(entry, proxy.Downstream.String()).Add(float64(received))
	o.enqueue(path, sent, received)
}

func (o *Observer) enqueue(key string, sent, received uint64) {
	if o.store == nil || key == "" || sent+received == 0 {
		return
	}
	select {
	case o.updates <- trafficUpdate{target: key, sent: sent, received: received}:
	default:
		o.m.StatsDropped.Inc()
	}
}

func (o *Observer) Rejected(entry string, _ net.Addr) {
	o.m.Rejections.WithLabelValues(entry).Inc()
}

// Run writes queued traffic updates to the store until ctx ends, then
// flushes what is left.
func (o *Observer) Run(ctx context.Context) {
	if o.store == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case u := <-o.updates:
			o.write(ctx, u)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			for {
				select {
				case u := <-o.updates:
					o.write(flushCtx, u)
				default:
					return
				}
			}
		}
	}
}

func (o *Observer) write(ctx context.Context, u trafficUpdate) {
	if err := o.store.Add(ctx, u.target, u.sent, u.received); err != nil {
		o.log.Warn("recording traffic", zap.String("target", u.target), zap.Error(err))
	}
}
