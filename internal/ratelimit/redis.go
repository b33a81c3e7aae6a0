package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// incrementScript counts one request against an existing window, restarting
// it when expired. Returns -1 when the window does not exist.
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
if redis.call('EXISTS', key) == 0 then
	return -1
end
local start = tonumber(redis.call('HGET', key, 'start'))
local size = tonumber(redis.call('HGET', key, 'size'))
if now > start + size then
	redis.call('HSET', key, 'start', now, 'current', 1)
	return 1
end
return redis.call('HINCRBY', key, 'current', 1)
`)

// resetScript restarts an existing window without creating a partial hash.
var resetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'start', ARGV[1], 'current', 0)
return 1
`)

// RedisWindowStore keeps each window in a hash so that several gateway
// processes share counters.
type RedisWindowStore struct {
	client *redis.Client
}

func NewRedisWindowStore(redisURL string) (*RedisWindowStore, error) {
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

	return &RedisWindowStore{client: client}, nil
}

// NewRedisWindowStoreFromClient shares an existing client.
func NewRedisWindowStoreFromClient(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

func redisKey(k Key) string {
	return keyPrefix + k.String()
}

// Put configures or replaces a window.
func (s *RedisWindowStore) Put(ctx context.Context, w domain.RateLimitWindow) error {
	return s.client.HSet(ctx, redisKey(KeyOf(w)),
		"start", w.WindowStart.UnixMilli(),
		"size", w.WindowSize.Milliseconds(),
		"max", w.MaxRequests,
		"current", w.CurrentRequests,
		"block", strconv.FormatBool(w.BlockOnExceed),
	).Err()
}

func (s *RedisWindowStore) ActiveWindow(ctx context.Context, key Key) (*domain.RateLimitWindow, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("load window %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	start, err1 := strconv.ParseInt(fields["start"], 10, 64)
	size, err2 := strconv.ParseInt(fields["size"], 10, 64)
	maxReq, err3 := strconv.Atoi(fields["max"])
	current, err4 := strconv.Atoi(fields["current"])
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, fmt.Errorf("decode window %s: %w", key, err)
	}
	block, _ := strconv.ParseBool(fields["block"])

	return &domain.RateLimitWindow{
		IntegrationID:   key.IntegrationID,
		Scope:           key.Scope,
		ScopeID:         key.ScopeID,
		WindowStart:     time.UnixMilli(start),
		WindowSize:      time.Duration(size) * time.Millisecond,
		MaxRequests:     maxReq,
		CurrentRequests: current,
		BlockOnExceed:   block,
	}, nil
}

func (s *RedisWindowStore) ResetWindow(ctx context.Context, key Key, now time.Time) error {
	if err := resetScript.Run(ctx, s.client, []string{redisKey(key)}, now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("reset window %s: %w", key, err)
	}
	return nil
}

func (s *RedisWindowStore) Increment(ctx context.Context, key Key, now time.Time) error {
	if err := incrementScript.Run(ctx, s.client, []string{redisKey(key)}, now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("increment window %s: %w", key, err)
	}
	return nil
}

// Delete removes a window.
func (s *RedisWindowStore) Delete(ctx context.Context, key Key) error {
	return s.client.Del(ctx, redisKey(key)).Err()
}

func (s *RedisWindowStore) Close() error {
	return s.client.Close()
}

var _ WindowStore = (*RedisWindowStore)(nil)
