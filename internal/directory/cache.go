package directory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"carechat/internal/models"
)

// ErrCacheMiss is returned by a Cache when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores encoded user profiles.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cached decorates a Directory with a profile cache. Only ResolveUser is
// cached; membership lookups always reach the backing directory because
// authorization depends on them being current.
type Cached struct {
	next   Directory
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCached(next Directory, cache Cache, ttl time.Duration, logger zerolog.Logger) *Cached {
	return &Cached{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

func profileKey(userID string) string {
	return "carechat:profile:" + userID
}

func (c *Cached) ResolveUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	key := profileKey(userID)
	if data, err := c.cache.Get(ctx, key); err == nil {
		var profile models.UserProfile
		if err := json.Unmarshal(data, &profile); err == nil {
			return &profile, nil
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("profile cache read failed")
	}

	profile, err := c.next.ResolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(profile); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Warn().Err(err).Str("user_id", userID).Msg("profile cache write failed")
		}
	}
	return profile, nil
}

func (c *Cached) ConversationsForUser(ctx context.Context, userID string) ([]string, error) {
	return c.next.ConversationsForUser(ctx, userID)
}

func (c *Cached) ParticipantsOf(ctx context.Context, conversationID string) ([]string, error) {
	return c.next.ParticipantsOf(ctx, conversationID)
}

// RedisCache stores profiles in Redis so several processes share them.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return data, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// MemoryCache is an in-process Cache with per-entry expiry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, key)
		return nil, ErrCacheMiss
	}
	return e.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}
