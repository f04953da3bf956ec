package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/catalogweb/internal/xerrors"
)

// DefaultRedisPrefix namespaces limiter keys in a shared Redis.
const DefaultRedisPrefix = "ratelimit:"

// RedisStore keeps each entry in a hash {count, reset_at} and lets Redis
// expire it at ResetAt.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return Entry{}, false, xerrors.Wrap(err, "redis hgetall")
	}
	if len(vals) == 0 {
		return Entry{}, false, nil
	}
	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return Entry{}, false, xerrors.Wrapf(err, "decode count for %q", key)
	}
	ms, err := strconv.ParseInt(vals["reset_at"], 10, 64)
	if err != nil {
		return Entry{}, false, xerrors.Wrapf(err, "decode reset_at for %q", key)
	}
	return Entry{Count: count, ResetAt: time.UnixMilli(ms)}, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, e Entry) error {
	k := s.prefix + key
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "count", e.Count, "reset_at", e.ResetAt.UnixMilli())
		pipe.PExpireAt(ctx, k, e.ResetAt)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return xerrors.Wrap(err, "redis set entry")
	}
	return nil
}

// Evict is a no-op, Redis expires keys itself.
func (s *RedisStore) Evict(context.Context, time.Time) (int, error) { return 0, nil }
