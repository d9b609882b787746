// Package redis keeps lockout records in Redis hashes that expire with their
// window or lock.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"receiptflow/internal/ratelimit"
)

const (
	keyPrefix = "lockout:"

	fieldFailures    = "failures"
	fieldWindowStart = "window_start"
	fieldLastFailure = "last_failure"
	fieldLockedUntil = "locked_until"
)

type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string) (*ratelimit.Lockout, error) {
	fields, err := s.client.HGetAll(ctx, keyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("get lockout: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decode(key, fields)
}

// RecordFailure restarts the window by deleting a stale hash inside the same
// MULTI, so concurrent failures never lose a count.
func (s *Store) RecordFailure(ctx context.Context, key string, now time.Time, window time.Duration) (*ratelimit.Lockout, error) {
	redisKey := keyPrefix + key
	stamp := strconv.FormatInt(now.UnixNano(), 10)

	var record *ratelimit.Lockout
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		start, err := tx.HGet(ctx, redisKey, fieldWindowStart).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		stale := err == redis.Nil || now.Sub(time.Unix(0, start)) >= window

		var all *redis.MapStringStringCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if stale {
				pipe.HDel(ctx, redisKey, fieldFailures, fieldWindowStart)
				pipe.HSet(ctx, redisKey, fieldWindowStart, stamp)
			}
			pipe.HIncrBy(ctx, redisKey, fieldFailures, 1)
			pipe.HSet(ctx, redisKey, fieldLastFailure, stamp)
			pipe.ExpireNX(ctx, redisKey, window)
			all = pipe.HGetAll(ctx, redisKey)
			return nil
		})
		if err != nil {
			return err
		}
		record, err = decode(key, all.Val())
		return err
	}, redisKey)
	if err != nil {
		return nil, fmt.Errorf("record failure: %w", err)
	}
	return record, nil
}

func (s *Store) Lock(ctx context.Context, key string, until time.Time) error {
	redisKey := keyPrefix + key
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisKey, fieldLockedUntil, strconv.FormatInt(until.UnixNano(), 10))
		pipe.ExpireAt(ctx, redisKey, until)
		return nil
	})
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("clear lockout: %w", err)
	}
	return nil
}

func decode(key string, fields map[string]string) (*ratelimit.Lockout, error) {
	r := &ratelimit.Lockout{Key: key}
	var err error
	if v, ok := fields[fieldFailures]; ok {
		if r.FailureCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("decode failures: %w", err)
		}
	}
	for field, dst := range map[string]*time.Time{
		fieldWindowStart: &r.WindowStart,
		fieldLastFailure: &r.LastFailureAt,
	} {
		if v, ok := fields[field]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", field, err)
			}
			*dst = time.Unix(0, n)
		}
	}
	if v, ok := fields[fieldLockedUntil]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode locked_until: %w", err)
		}
		until := time.Unix(0, n)
		r.LockedUntil = &until
	}
	return r, nil
}
