package cache

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// getScript reads a value and bumps its recency.
// KEYS: entry, lru, clock
var getScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'v')
if not v then
	return false
end
local tick = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], tick, KEYS[1])
return v
`)

// putScript stores a value, then evicts the lowest scored entries until the
// total size fits ARGV[3]. A max of zero disables trimming.
// KEYS: entry, lru, clock, bytes
// ARGV: value, size, max
var putScript = redis.NewScript(`
local old = tonumber(redis.call('HGET', KEYS[1], 's') or '0')
redis.call('HSET', KEYS[1], 'v', ARGV[1], 's', ARGV[2])
local tick = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], tick, KEYS[1])
local total = redis.call('INCRBY', KEYS[4], tonumber(ARGV[2]) - old)
local max = tonumber(ARGV[3])
while max > 0 and total > max do
	local victim = redis.call('ZRANGE', KEYS[2], 0, 0)[1]
	if not victim or victim == KEYS[1] then
		break
	end
	local size = tonumber(redis.call('HGET', victim, 's') or '0')
	redis.call('DEL', victim)
	redis.call('ZREM', KEYS[2], victim)
	total = redis.call('INCRBY', KEYS[4], -size)
end
return total
`)

// deleteScript removes one entry and its share of the byte total.
// KEYS: entry, lru, bytes
var deleteScript = redis.NewScript(`
local size = tonumber(redis.call('HGET', KEYS[1], 's') or '0')
if redis.call('DEL', KEYS[1]) == 0 then
	return 0
end
redis.call('ZREM', KEYS[2], KEYS[1])
redis.call('INCRBY', KEYS[3], -size)
return 1
`)

type redisBackend struct {
	client redis.UniversalClient
	cfg    config
}

var (
	_ Backend        = (*redisBackend)(nil)
	_ BackendStatser = (*redisBackend)(nil)
)

// NewRedisBackend returns a new Backend stored in Redis under WithPrefix.
// The caller owns the client lifecycle: Close does not close it.
func NewRedisBackend(client redis.UniversalClient, opts ...Option) Backend {
	cfg := applyOptions(opts)
	if cfg.prefix == "" {
		cfg.prefix = defaultConfig().prefix
	}
	return &redisBackend{client: client, cfg: cfg}
}

func (c *redisBackend) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisBackend) key(parts ...string) string {
	k := c.cfg.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (c *redisBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	keys := []string{c.key("e", string(key)), c.key("lru"), c.key("clock")}
	value, err := getScript.Run(qctx, c.client, keys).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (c *redisBackend) Put(ctx context.Context, key []byte, value []byte) error {
	size := int64(len(value))
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	// a value that can never fit still replaces what was under key.
	if c.cfg.maxBytes > 0 && size > c.cfg.maxBytes {
		keys := []string{c.key("e", string(key)), c.key("lru"), c.key("bytes")}
		return deleteScript.Run(qctx, c.client, keys).Err()
	}
	keys := []string{c.key("e", string(key)), c.key("lru"), c.key("clock"), c.key("bytes")}
	return putScript.Run(qctx, c.client, keys, value, size, max(c.cfg.maxBytes, 0)).Err()
}

func (c *redisBackend) DeleteAll(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var batch []string
	iter := c.client.Scan(qctx, 0, c.key("*"), 256).Iterator()
	for iter.Next(qctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			if err := c.client.Del(qctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.client.Del(qctx, batch...).Err()
	}
	return nil
}

func (c *redisBackend) Stats(ctx context.Context) (BackendStats, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var s BackendStats
	entries, err := c.client.ZCard(qctx, c.key("lru")).Result()
	if err != nil {
		return s, err
	}
	s.Entries = entries
	s.Bytes, err = c.client.Get(qctx, c.key("bytes")).Int64()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	return s, err
}

// Close is a no-op, the caller owns the redis client lifecycle.
func (c *redisBackend) Close() error {
	return nil
}
