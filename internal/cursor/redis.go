package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis connection defaults
const (
	// DefaultRedisDialTimeout bounds connection establishment
	DefaultRedisDialTimeout = 5 * time.Second
	// DefaultRedisOpTimeout bounds individual reads and writes
	DefaultRedisOpTimeout = 3 * time.Second
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var setIfGreaterScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur and tonumber(cur) and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
if tonumber(ARGV[2]) > 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
else
	redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// RedisKV implements KV on a Redis server.
type RedisKV struct {
	client *redis.Client
}

// Compile-time check that RedisKV implements KV.
var _ KV = (*RedisKV)(nil)

// NewRedisKV connects to the Redis server described by url (redis:// or rediss://).
func NewRedisKV(ctx context.Context, url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = DefaultRedisDialTimeout
	opts.ReadTimeout = DefaultRedisOpTimeout
	opts.WriteTimeout = DefaultRedisOpTimeout

	kv := &RedisKV{client: redis.NewClient(opts)}
	if err := kv.Ping(ctx); err != nil {
		// The store may come back later; callers degrade per operation.
		slog.Warn("Redis cursor store not reachable at startup", "addr", opts.Addr, "error", err)
	} else {
		slog.Debug("Redis cursor store connected", "addr", opts.Addr, "db", opts.DB)
	}
	return kv, nil
}

// NewRedisKVFromClient wraps an existing client.
func NewRedisKVFromClient(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return val, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (r *RedisKV) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expected).Int64()
	if err != nil {
		return false, unavailable("compare-and-delete", err)
	}
	return n > 0, nil
}

func (r *RedisKV) SetIfGreater(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	n, err := setIfGreaterScript.Run(ctx, r.client, []string{key},
		strconv.FormatInt(value, 10), strconv.FormatInt(ttl.Milliseconds(), 10)).Int64()
	if err != nil {
		return false, unavailable("set-if-greater", err)
	}
	return n == 1, nil
}

func (r *RedisKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, unavailable("ttl", err)
	}
	// go-redis reports -2 for absent keys and -1 for keys without expiry
	if d == -2 {
		return 0, false, nil
	}
	return d, true, nil
}

func (r *RedisKV) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}
