package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Debouncer suppresses repeats of the same notification within a window.
type Debouncer interface {
	// Allow returns true if key has not been allowed within the last window.
	Allow(ctx context.Context, key string, window time.Duration) bool
}

// MemoryDebouncer keeps debounce state in process memory. Each key expires
// after the window it was allowed with.
type MemoryDebouncer struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryDebouncer returns an empty in-process debouncer.
func NewMemoryDebouncer() *MemoryDebouncer {
	return &MemoryDebouncer{expires: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDebouncer) Allow(_ context.Context, key string, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if until, ok := d.expires[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range d.expires {
		if !now.Before(until) {
			delete(d.expires, k)
		}
	}
	d.expires[key] = now.Add(window)
	return true
}

// RedisDebouncer shares debounce state between bot instances through Redis.
type RedisDebouncer struct {
	client *redis.Client
	prefix string
}

// NewRedisDebouncer connects to the Redis server at url
// (redis://[:password@]host:port/db).
func NewRedisDebouncer(ctx context.Context, url string) (*RedisDebouncer, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisDebouncer{client: client, prefix: "engineer:debounce:"}, nil
}

// Allow fails open: if Redis is unreachable the notification goes out.
func (d *RedisDebouncer) Allow(ctx context.Context, key string, window time.Duration) bool {
	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().Unix(), window).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Debounce lookup failed")
		return true
	}
	return ok
}

// Close releases the Redis connection pool.
func (d *RedisDebouncer) Close() error {
	return d.client.Close()
}
