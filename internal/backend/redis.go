package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script: add members to a set and extend its expiry, never shortening it.
// Keys: set
// Args: ttl_millis, member...
// Returns: the set's previous PTTL (-2 missing, -1 no expiry)
var addToSetScript = redis.NewScript(`
local want = tonumber(ARGV[1])
local before = redis.call('PTTL', KEYS[1])
for i = 2, #ARGV, 500 do
    redis.call('SADD', KEYS[1], unpack(ARGV, i, math.min(i + 499, #ARGV)))
end
if before < want then
    redis.call('PEXPIRE', KEYS[1], want)
end
return before
`)

// RedisBackend implements Backend on a Redis server.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing client. The caller owns the client's lifecycle.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Client returns the underlying client.
func (b *RedisBackend) Client() *redis.Client {
	return b.client
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return b.client.Del(ctx, keys...).Result()
}

func (b *RedisBackend) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(members)+1)
	args = append(args, ttl.Milliseconds())
	for _, m := range members {
		args = append(args, m)
	}
	err := addToSetScript.Run(ctx, b.client, []string{key}, args...).Err()
	if err != nil && strings.Contains(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("%w: %v", ErrWrongType, err)
	}
	return err
}

func (b *RedisBackend) Members(ctx context.Context, key string) ([]string, error) {
	members, err := b.client.SMembers(ctx, key).Result()
	if err != nil && strings.Contains(err.Error(), "WRONGTYPE") {
		return nil, fmt.Errorf("%w: %v", ErrWrongType, err)
	}
	return members, err
}

func (b *RedisBackend) Scan(ctx context.Context, pattern string, count int64, fn func(keys []string) error) error {
	if count <= 0 {
		count = 100
	}
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// MemoryUsage reports used_memory from INFO memory. It covers the whole Redis
// instance, not only this cache's namespace.
func (b *RedisBackend) MemoryUsage(ctx context.Context) (int64, error) {
	info, err := b.client.Info(ctx, "memory").Result()
	if err != nil {
		return 0, err
	}
	return parseUsedMemory(info)
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func parseUsedMemory(info string) (int64, error) {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		value, ok := strings.CutPrefix(line, "used_memory:")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse used_memory: %w", err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("used_memory not found in INFO output")
}
