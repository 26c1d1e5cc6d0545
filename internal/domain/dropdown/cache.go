package dropdown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Cache.Get when nothing is stored for a key.
var ErrCacheMiss = errors.New("dropdown: cache miss")

// Cache stores option sets by key. Entries outlive their freshness window so
// a stale set can be served while upstream is down.
type Cache interface {
	Get(ctx context.Context, key string) (*OptionSet, error)
	Set(ctx context.Context, key string, set *OptionSet) error
	Delete(ctx context.Context, key string) error
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]OptionSet
}

func NewMemoryCache() Cache {
	return &memoryCache{entries: make(map[string]OptionSet)}
}

func (c *memoryCache) Get(ctx context.Context, key string) (*OptionSet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	set.Options = append([]string(nil), set.Options...)
	return &set, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, set *OptionSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *set
	cp.Options = append([]string(nil), set.Options...)
	c.entries[key] = cp
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

const redisKeyPrefix = "clinicdesk:dropdown:"

// redisCache keeps option sets as JSON strings so every replica of the
// service shares one copy.
type redisCache struct {
	rdb    goredis.Cmdable
	retain time.Duration
}

// NewRedisCache stores entries for retain, which should be well beyond the
// freshness TTL.
func NewRedisCache(rdb goredis.Cmdable, retain time.Duration) Cache {
	return &redisCache{rdb: rdb, retain: retain}
}

func (c *redisCache) Get(ctx context.Context, key string) (*OptionSet, error) {
	raw, err := c.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var set OptionSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return &set, nil
}

func (c *redisCache) Set(ctx context.Context, key string, set *OptionSet) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, redisKeyPrefix+key, raw, c.retain).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, redisKeyPrefix+key).Err()
}
