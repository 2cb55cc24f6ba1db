package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryDedup is a DedupStore for a single process.
type MemoryDedup struct {
	mu      sync.Mutex
	markers map[string]time.Time // zero time: no expiry
	now     func() time.Time
}

// Ensure MemoryDedup implements DedupStore.
var _ DedupStore = (*MemoryDedup)(nil)

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{markers: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDedup) Claim(ctx context.Context, flowID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expires, ok := d.markers[flowID]; ok && (expires.IsZero() || now.Before(expires)) {
		return false, nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	d.markers[flowID] = expires
	return true, nil
}

func (d *MemoryDedup) Reset(ctx context.Context, flowID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.markers, flowID)
	return nil
}

// RedisDedup is a DedupStore shared through Redis.
type RedisDedup struct {
	client redis.UniversalClient
	prefix string
}

// Ensure RedisDedup implements DedupStore.
var _ DedupStore = (*RedisDedup)(nil)

// NewRedisDedup returns a RedisDedup. prefix defaults to "flowline:notified".
func NewRedisDedup(client redis.UniversalClient, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "flowline:notified"
	}
	return &RedisDedup{client: client, prefix: prefix}
}

func (d *RedisDedup) Claim(ctx context.Context, flowID string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return d.client.SetNX(ctx, d.prefix+":"+flowID, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (d *RedisDedup) Reset(ctx context.Context, flowID string) error {
	return d.client.Del(ctx, d.prefix+":"+flowID).Err()
}
