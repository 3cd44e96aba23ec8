package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxSetAttempts = 5

// RedisStore keeps cursors under state:<source>:lastTimestamp so every
// scheduler instance sees the same position.
type RedisStore struct {
	client   redis.UniversalClient
	lookback time.Duration
	now      func() time.Time
}

// NewRedisStore creates a RedisStore. A non-positive lookback uses DefaultLookback.
func NewRedisStore(client redis.UniversalClient, lookback time.Duration) *RedisStore {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &RedisStore{client: client, lookback: lookback, now: time.Now}
}

func key(source string) string {
	return "state:" + source + ":lastTimestamp"
}

func (s *RedisStore) Get(ctx context.Context, source string) (time.Time, error) {
	raw, err := s.client.Get(ctx, key(source)).Result()
	if errors.Is(err, redis.Nil) {
		return s.now().Add(-s.lookback).UTC(), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor %s: %w", source, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor %s: %w", source, err)
	}
	return ts, nil
}

// Set stores ts if it is newer than the current value. Concurrent writers are
// serialized with WATCH so the stored cursor is monotonic across instances.
func (s *RedisStore) Set(ctx context.Context, source string, ts time.Time) error {
	if ts.IsZero() {
		return nil
	}
	k := key(source)
	val := ts.UTC().Format(time.RFC3339Nano)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			cur, perr := time.Parse(time.RFC3339Nano, raw)
			if perr == nil && !ts.After(cur) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, val, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxSetAttempts; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("set cursor %s: %w", source, err)
	}
	return fmt.Errorf("set cursor %s: too many concurrent updates", source)
}
