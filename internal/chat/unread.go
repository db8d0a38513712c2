package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"proconnect/pkg/logger"
)

// ErrCacheMiss is returned by Cache.GetInt when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the counter cache behind unread accounting. RedisCache is the
// production adapter; memoryCache backs tests.
type Cache interface {
	GetInt(ctx context.Context, key string) (int, error)
	SetInt(ctx context.Context, key string, value int, ttl time.Duration) error
	// Incr bumps the key only when it already exists, so a stale or
	// absent entry is repaired by the next recompute instead of being
	// seeded with a wrong base.
	Incr(ctx context.Context, key string) error
	Del(ctx context.Context, keys ...string) error
}

// RedisCache implements Cache on go-redis.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) GetInt(ctx context.Context, key string) (int, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrCacheMiss
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(res)
}

func (r *RedisCache) SetInt(ctx context.Context, key string, value int, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// incrExisting bumps the key only if present. Ships as a script so the
// existence check and increment are atomic.
var incrExisting = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("INCR", KEYS[1])
end
return -1
`)

func (r *RedisCache) Incr(ctx context.Context, key string) error {
	return incrExisting.Run(ctx, r.client, []string{key}).Err()
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// memoryCache is a map-backed Cache for tests. TTLs are ignored.
type memoryCache struct {
	mu     sync.Mutex
	values map[string]int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: make(map[string]int)}
}

func (m *memoryCache) GetInt(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return 0, ErrCacheMiss
	}
	return v, nil
}

func (m *memoryCache) SetInt(_ context.Context, key string, value int, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryCache) Incr(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		m.values[key]++
	}
	return nil
}

func (m *memoryCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// UnreadCounter keeps a low-latency unread total per identity. The cache
// is advisory: the Store stays the source of truth and every miss or
// invalidation falls back to a recompute, which is also what reconnecting
// clients hit when they re-fetch the authoritative total.
type UnreadCounter struct {
	store Store
	cache Cache
	ttl   time.Duration
	log   *logger.Logger
}

func NewUnreadCounter(store Store, cache Cache, ttl time.Duration, log *logger.Logger) *UnreadCounter {
	return &UnreadCounter{store: store, cache: cache, ttl: ttl, log: log}
}

func unreadKey(userID int) string {
	return fmt.Sprintf("unread:%d", userID)
}

// Total returns the identity's unread total, recomputing from the Store
// on a cache miss. Cache failures degrade to a recompute, never an error.
func (u *UnreadCounter) Total(ctx context.Context, userID int) (int, error) {
	key := unreadKey(userID)

	count, err := u.cache.GetInt(ctx, key)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		u.log.Warn("unread cache read failed", zap.Int("user_id", userID), zap.Error(err))
	}

	count, err = u.store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := u.cache.SetInt(ctx, key, count, u.ttl); err != nil {
		u.log.Warn("unread cache write failed", zap.Int("user_id", userID), zap.Error(err))
	}
	return count, nil
}

// Increment optimistically bumps a cached total after a message lands for
// the identity. Best effort only.
func (u *UnreadCounter) Increment(ctx context.Context, userID int) {
	if err := u.cache.Incr(ctx, unreadKey(userID)); err != nil {
		u.log.Warn("unread cache incr failed", zap.Int("user_id", userID), zap.Error(err))
	}
}

// Invalidate drops the cached total after a mark-read, forcing the next
// Total to recompute from the Store.
func (u *UnreadCounter) Invalidate(ctx context.Context, userID int) {
	if err := u.cache.Del(ctx, unreadKey(userID)); err != nil {
		u.log.Warn("unread cache invalidate failed", zap.Int("user_id", userID), zap.Error(err))
	}
}
