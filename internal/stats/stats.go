// Package stats keeps per-destination traffic counters. Counters live in
// memory or in Redis hashes shared by every replica.
package stats

import (
	"context"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Traffic is the byte count relayed to and from one destination.
type Traffic struct {
	Target   string `json:"target"`
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
}

// Total is Sent plus Received.
func (t Traffic) Total() uint64 { return t.Sent + t.Received }

// Store accumulates Traffic per destination.
type Store interface {
	Add(ctx context.Context, target string, sent, received uint64) error
	// Snapshot returns every destination, largest total first.
	Snapshot(ctx context.Context) ([]Traffic, error)
	Close() error
}

// Options selects and configures a Store.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// New returns a Redis store when RedisAddr is set, otherwise an in-memory
// one.
func New(ctx context.Context, opts Options, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RedisAddr == "" {
		log.Info("traffic stats backend", zap.String("type", "memory"))
		return NewMemory(), nil
	}
	log.Info("traffic stats backend", zap.String("type", "redis"), zap.String("addr", opts.RedisAddr))
	return NewRedis(ctx, opts)
}

// Summary is the traffic report served over HTTP.
type Summary struct {
	Sent     uint64    `json:"sent"`
	Received uint64    `json:"received"`
	Targets  []Traffic `json:"targets"`
}

// Summarize totals ts, which must already be sorted.
func Summarize(ts []Traffic) Summary {
	s := Summary{Targets: ts}
	if s.Targets == nil {
		s.Targets = []Traffic{}
	}
	for _, t := range ts {
		s.Sent += t.Sent
		s.Received += t.Received
	}
	return s
}

func sortTraffic(ts []Traffic) {
	slices.SortFunc(ts, func(a, b Traffic) int {
		switch {
		case a.Total() > b.Total():
			return -1
		case a.Total() < b.Total():
			return 1
		}
		return strings.Compare(a.Target, b.Target)
	})
}

// Memory is a Store held in process memory.
type Memory struct {
	mu sync.Mutex
	m  map[string]*Traffic
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]*Traffic)}
}

var _ Store = (*Memory)(nil)

func (s *Memory) Add(_ context.Context, target string, sent, received uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[target]
	if !ok {
		t = &Traffic{Target: target}
		s.m[target] = t
	}
	t.Sent += sent
	t.Received += received
	return nil
}

func (s *Memory) Snapshot(context.Context) ([]Traffic, error) {
	s.mu.Lock()
	ts := make([]Traffic, 0, len(s.m))
	for _, t := range s.m {
		ts = append(ts, *t)
	}
	s.mu.Unlock()
	sortTraffic(ts)
	return ts, nil
}

func (s *Memory) Close() error { return nil }
