package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wakala/settlement/internal/cache"
)

// KV is a key-value store whose entries expire after the TTL given on Set.
type KV interface {
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Get reports ok=false for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// SetNX sets key only if it does not exist and reports whether it did.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// MemoryKV keeps entries in process memory. Expired entries are never
// returned; Sweep reclaims their memory.
type MemoryKV struct {
	entries *cache.TTL[[]byte]
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: cache.NewTTL[[]byte](time.Hour)}
}

// WithClock overrides the expiry clock, for tests.
func (m *MemoryKV) WithClock(now func() time.Time) *MemoryKV {
	m.entries.WithClock(now)
	return m
}

func (m *MemoryKV) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.entries.SetWithTTL(key, append([]byte(nil), val...), ttl)
	return nil
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.entries.Get(key)
	return v, ok, nil
}

func (m *MemoryKV) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	return m.entries.SetIfAbsent(key, append([]byte(nil), val...), ttl), nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.entries.Delete(key)
	return nil
}

func (m *MemoryKV) Sweep(context.Context) (int, error) {
	return m.entries.Sweep(), nil
}

// RedisKV stores entries with SET ... EX so Redis enforces the expiry.
type RedisKV struct {
	client *redis.Client
	prefix string
}

func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

// DialRedis connects and pings the server.
func DialRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisKV) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
