package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore keeps entries in Redis, encoded with MessagePack. Each tag is a Redis set of
// entry keys that expires with its longest-lived member.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using client. Keys are namespaced with prefix
// (default "sengine:cache:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sengine:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// storeEntry writes an entry (KEYS[1]) and indexes it in each tag set (KEYS[2:]). A tag
// set's expiry is only ever extended, so it outlives every member; a ttl of zero stores the
// entry and its tag sets without expiry.
var storeEntry = redis.NewScript(`
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
else
	redis.call("SET", KEYS[1], ARGV[1])
end
for i = 2, #KEYS do
	local existed = redis.call("EXISTS", KEYS[i])
	redis.call("SADD", KEYS[i], KEYS[1])
	if ttl <= 0 then
		redis.call("PERSIST", KEYS[i])
	else
		local current = redis.call("PTTL", KEYS[i])
		if existed == 0 or (current >= 0 and current < ttl) then
			redis.call("PEXPIRE", KEYS[i], ttl)
		end
	end
end
return #KEYS - 1
`)

func (s *RedisStore) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *RedisStore) tagKey(tag string) string   { return s.prefix + "tag:" + tag }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, &StoreError{Op: "decode", Key: key, Err: err}
	}
	return &e, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	raw, err := msgpack.Marshal(e)
	if err != nil {
		return &StoreError{Op: "encode", Key: key, Err: err}
	}
	keys := make([]string, 0, len(e.Tags)+1)
	keys = append(keys, s.entryKey(key))
	for _, tag := range e.Tags {
		keys = append(keys, s.tagKey(tag))
	}
	err = storeEntry.Run(ctx, s.client, keys, raw, ttl.Milliseconds()).Err()
	if err != nil {
		return &StoreError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.entryKey(key)).Err(); err != nil {
		return &StoreError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// InvalidateTags implements Store.
func (s *RedisStore) InvalidateTags(ctx context.Context, tags ...string) (int, error) {
	removed := 0
	for _, tag := range tags {
		tk := s.tagKey(tag)
		members, err := s.client.SMembers(ctx, tk).Result()
		if err != nil {
			return removed, &StoreError{Op: "invalidate", Key: tag, Err: err}
		}
		keys := append(members, tk)
		n, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return removed, &StoreError{Op: "invalidate", Key: tag, Err: err}
		}
		// The tag set itself is counted by DEL when it existed.
		if len(members) > 0 {
			n--
		}
		removed += int(n)
	}
	return removed, nil
}
