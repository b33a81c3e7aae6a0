// Package cache stores model catalogs per integration so that listing models
// does not hit the vendor on every call. It supports both in-memory (single
// instance) and Redis (distributed) backends.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "models:"

// ModelCache defines the interface for model catalog backends.
type ModelCache interface {
	Get(ctx context.Context, integrationID string) ([]domain.ModelInfo, bool)
	Set(ctx context.Context, integrationID string, models []domain.ModelInfo, ttl time.Duration) error
	// Delete evicts the given integrations, or every entry when none are given.
	Delete(ctx context.Context, integrationIDs ...string) error
}

func Key(integrationID string) string {
	return keyPrefix + integrationID
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
	now   func() time.Time
}

type cacheItem struct {
	models    []domain.ModelInfo
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]*cacheItem),
		now:   time.Now,
	}
}

func (c *InMemoryCache) Get(ctx context.Context, integrationID string) ([]domain.ModelInfo, bool) {
	c.mu.RLock()
	item, ok := c.items[integrationID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[integrationID]; ok && cur == item {
			delete(c.items, integrationID)
		}
		c.mu.Unlock()
		return nil, false
	}

	return cloneModels(item.models), true
}

func (c *InMemoryCache) Set(ctx context.Context, integrationID string, models []domain.ModelInfo, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[integrationID] = &cacheItem{
		models:    cloneModels(models),
		expiresAt: c.now().Add(ttl),
	}

	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, integrationIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(integrationIDs) == 0 {
		c.items = make(map[string]*cacheItem)
		return nil
	}
	for _, id := range integrationIDs {
		delete(c.items, id)
	}
	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func cloneModels(models []domain.ModelInfo) []domain.ModelInfo {
	if models == nil {
		return nil
	}
	out := make([]domain.ModelInfo, len(models))
	copy(out, models)
	return out
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient shares an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, integrationID string) ([]domain.ModelInfo, bool) {
	data, err := c.client.Get(ctx, Key(integrationID)).Bytes()
	if err != nil {
		return nil, false
	}

	var models []domain.ModelInfo
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, false
	}

	return models, true
}

func (c *RedisCache) Set(ctx context.Context, integrationID string, models []domain.ModelInfo, ttl time.Duration) error {
	data, err := json.Marshal(models)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, Key(integrationID), data, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, integrationIDs ...string) error {
	if len(integrationIDs) > 0 {
		keys := make([]string, len(integrationIDs))
		for i, id := range integrationIDs {
			keys[i] = Key(id)
		}
		return c.client.Del(ctx, keys...).Err()
	}

	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

var (
	_ ModelCache = (*InMemoryCache)(nil)
	_ ModelCache = (*RedisCache)(nil)
)
