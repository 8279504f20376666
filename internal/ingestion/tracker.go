package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const memoryTrackerSweepThreshold = 10000

// RedeliveryTracker counts failed persistence attempts per message for
// queues that do not report a delivery count themselves.
type RedeliveryTracker interface {
	// Failed records one more failed attempt and returns the new total.
	Failed(ctx context.Context, key string) (int, error)
	Clear(ctx context.Context, key string) error
}

// RedisTracker shares counts between consumer processes. Keys expire after
// ttl so abandoned messages do not accumulate.
type RedisTracker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisTracker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl}
}

func (t *RedisTracker) Failed(ctx context.Context, key string) (int, error) {
	var incr *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, t.prefix+key)
		pipe.Expire(ctx, t.prefix+key, t.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis redelivery incr failed: %w", err)
	}
	return int(incr.Val()), nil
}

func (t *RedisTracker) Clear(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis redelivery clear failed: %w", err)
	}
	return nil
}

type memoryEntry struct {
	count   int
	expires time.Time
}

// MemoryTracker keeps counts in process. Counts are lost on restart, which
// only delays dead-lettering.
type MemoryTracker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	return &MemoryTracker{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (t *MemoryTracker) Failed(ctx context.Context, key string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if len(t.entries) >= memoryTrackerSweepThreshold {
		t.sweep(now)
	}

	entry, ok := t.entries[key]
	if !ok || now.After(entry.expires) {
		entry = memoryEntry{}
	}
	entry.count++
	entry.expires = now.Add(t.ttl)
	t.entries[key] = entry

	return entry.count, nil
}

func (t *MemoryTracker) Clear(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}

func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *MemoryTracker) sweep(now time.Time) {
	for k, e := range t.entries {
		if now.After(e.expires) {
			delete(t.entries, k)
		}
	}
}
