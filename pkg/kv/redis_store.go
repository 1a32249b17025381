package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisCasScript performs an atomic compare-and-swap: it only writes the
// new value if the stored value still matches the observed snapshot,
// returning 1/0 for success/failure.
//
// KEYS[1] = key
// ARGV[1] = observed value (may be empty string for "absent")
// ARGV[2] = observed-absent flag ("1" if the snapshot was a miss)
// ARGV[3] = new value
var redisCasScript = redis.NewScript(`
local key = KEYS[1]
local observed = ARGV[1]
local observed_absent = ARGV[2]
local newval = ARGV[3]

local current = redis.call("GET", key)

if observed_absent == "1" then
    if current then
        return 0
    end
else
    if not current or current ~= observed then
        return 0
    end
end

redis.call("SET", key, newval)
return 1
`)

// RedisStore is a key-value Store backend over a single Redis database.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. prefix namespaces all
// keys for this store within a shared database.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) namespaced(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *RedisStore) AfterOpen(context.Context) error { return nil }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.namespaced(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, ErrOther(err.Error())
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.namespaced(key), value, 0).Err(); err != nil {
		return ErrOther(err.Error())
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespaced(key)).Err(); err != nil {
		return ErrOther(err.Error())
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.namespaced(key)).Result()
	if err != nil {
		return false, ErrOther(err.Error())
	}
	return n > 0, nil
}

func (s *RedisStore) GetKeys(ctx context.Context) ([]string, error) {
	pattern := s.namespaced("*")
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	prefixLen := len(s.prefix) + 1
	for iter.Next(ctx) {
		k := iter.Val()
		if len(k) >= prefixLen {
			keys = append(keys, k[prefixLen:])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, ErrOther(err.Error())
	}
	return keys, nil
}

func (s *RedisStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (s *RedisStore) SetMany(ctx context.Context, values map[string][]byte) error {
	pipe := s.client.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, s.namespaced(k), v, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return ErrOther(err.Error())
	}
	return nil
}

func (s *RedisStore) DeleteMany(ctx context.Context, keys []string) error {
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = s.namespaced(k)
	}
	if err := s.client.Del(ctx, namespaced...).Err(); err != nil {
		return ErrOther(err.Error())
	}
	return nil
}

// Increment applies delta to an 8-byte little-endian signed counter via
// an optimistic compare-and-swap loop, so concurrent increments from
// other instances are never lost. An absent key starts at zero; a stored
// value that isn't 8 bytes is a runtime error.
func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	for {
		cas, err := s.NewCompareAndSwap(ctx, 0, key)
		if err != nil {
			return 0, err
		}
		observed, err := cas.Current(ctx)
		if err != nil {
			return 0, err
		}
		var current int64
		if observed != nil {
			if len(observed) != 8 {
				return 0, fmt.Errorf("increment: malformed stored value for key %q", key)
			}
			current = int64(binary.LittleEndian.Uint64(observed))
		}
		next := current + delta
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(next))

		err = cas.Swap(ctx, buf)
		if err == nil {
			return next, nil
		}
		var se *SwapError
		if errors.As(err, &se) && se.CasFailed {
			continue
		}
		return 0, err
	}
}

func (s *RedisStore) NewCompareAndSwap(ctx context.Context, bucketHandle uint32, key string) (Cas, error) {
	current, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return &redisCas{store: s, bucketHandle: bucketHandle, key: key, observed: current}, nil
}

type redisCas struct {
	store        *RedisStore
	bucketHandle uint32
	key          string
	observed     []byte
}

func (c *redisCas) Current(context.Context) ([]byte, error) { return c.observed, nil }

func (c *redisCas) Swap(ctx context.Context, value []byte) error {
	observedAbsent := "0"
	observed := string(c.observed)
	if c.observed == nil {
		observedAbsent = "1"
		observed = ""
	}
	res, err := redisCasScript.Run(ctx, c.store.client, []string{c.store.namespaced(c.key)}, observed, observedAbsent, string(value)).Result()
	if err != nil {
		return ErrOther(err.Error())
	}
	ok, _ := res.(int64)
	if ok != 1 {
		return &SwapError{CasFailed: true}
	}
	return nil
}

func (c *redisCas) BucketHandle() uint32 { return c.bucketHandle }
func (c *redisCas) Key() string          { return c.key }
