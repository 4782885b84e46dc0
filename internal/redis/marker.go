package redisclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker remembers keys for a while. Mark reports true only for the first caller
// within the ttl, which is how duplicate webhook deliveries are dropped. Forget
// clears a key so a delivery that could not be applied is accepted again.
type Marker interface {
	Mark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

type redisMarker struct {
	client *redis.Client
	prefix string
}

func NewRedisMarker(client *redis.Client, prefix string) Marker {
	return &redisMarker{client: client, prefix: prefix}
}

func (m *redisMarker) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set marker: %w", err)
	}
	return ok, nil
}

func (m *redisMarker) Forget(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete marker: %w", err)
	}
	return nil
}

type MemoryMarker struct {
	mu   sync.Mutex
	now  func() time.Time
	seen map[string]time.Time
}

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{now: time.Now, seen: make(map[string]time.Time)}
}

func (m *MemoryMarker) Mark(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryMarker) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}
