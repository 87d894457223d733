package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store kept in two Redis hashes, one per direction, keyed by
// destination. HINCRBY keeps concurrent replicas consistent.
type Redis struct {
	client  *redis.Client
	sentKey string
	recvKey string
}

// NewRedis connects to opts.RedisAddr and checks it answers.
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, Password: opts.RedisPassword, DB: opts.RedisDB})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "paproxy:"
	}
	return &Redis{
		client:  rdb,
		sentKey: prefix + "traffic:sent",
		recvKey: prefix + "traffic:received",
	}, nil
}

var _ Store = (*Redis)(nil)

func (s *Redis) Add(ctx context.Context, target string, sent, received uint64) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if sent > 0 {
			p.HIncrBy(ctx, s.sentKey, target, int64(sent))
		}
		if received > 0 {
			p.HIncrBy(ctx, s.recvKey, target, int64(received))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis traffic update: %w", err)
	}
	return nil
}

func (s *Redis) Snapshot(ctx context.Context) ([]Traffic, error) {
	var sent, recv *redis.MapStringStringCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		sent = p.HGetAll(ctx, s.sentKey)
		recv = p.HGetAll(ctx, s.recvKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis traffic read: %w", err)
	}

	byTarget := make(map[string]*Traffic)
	get := func(target string) *Traffic {
		t, ok := byTarget[target]
		if !ok {
			t = &Traffic{Target: target}
			byTarget[target] = t
		}
		return t
	}
	for target, v := range sent.Val() {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis traffic value for %s: %w", target, err)
		}
		get(target).Sent = n
	}
	for target, v := range recv.Val() {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis traffic value for %s: %w", target, err)
		}
		get(target).Received = n
	}

	ts := make([]Traffic, 0, len(byTarget))
	for _, t := range byTarget {
		ts = append(ts, *t)
	}
	sortTraffic(ts)
	return ts, nil
}

// Reset deletes all counters.
func (s *Redis) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.sentKey, s.recvKey).Err()
}

func (s *Redis) Close() error { return s.client.Close() }
