package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/gpulockd/internal/kv"
)

var compareAndDelete = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var compareAndExpire = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Config selects the redis server.
type Config struct {
	// URL is a redis:// or rediss:// URL, e.g. redis://:secret@localhost:6379/0.
	URL string
	// DialTimeout overrides the client dial timeout when positive.
	DialTimeout time.Duration
}

// Store implements kv.Store on redis.
type Store struct {
	client *goredis.Client
}

// New parses cfg.URL and returns a connected store. The server is pinged so
// misconfiguration surfaces at startup rather than on the first allocation.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("kv/redis: url required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("kv/redis: parse url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv/redis: ping %s: %w", opts.Addr, err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv/redis: get %s: %w", key, err)
	}
	return value, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv/redis: set %s: %w", key, err)
	}
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv/redis: del %s: %w", key, err)
	}
	return nil
}

// SetNX implements kv.Store.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv/redis: setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete implements kv.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("kv/redis: compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// CompareAndExpire implements kv.Store.
func (s *Store) CompareAndExpire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("kv/redis: compare-and-expire %s: %w", key, err)
	}
	return n == 1, nil
}

// Push implements kv.Store.
func (s *Store) Push(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv/redis: rpush %s: %w", key, err)
	}
	return nil
}

// Drain implements kv.Store with MULTI LRANGE 0 -1; DEL; EXEC.
func (s *Store) Drain(ctx context.Context, key string) ([][]byte, error) {
	var lrange *goredis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv/redis: drain %s: %w", key, err)
	}
	items, err := lrange.Result()
	if err != nil {
		return nil, fmt.Errorf("kv/redis: drain %s: %w", key, err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
