package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend stores queues in Redis so several processes share one set of
// recurring registrations, job identities and locks.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a RedisBackend. Keys are namespaced under prefix
// (default "queue").
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "queue"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(queue string, parts ...string) string {
	k := b.prefix + ":" + queue
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *RedisBackend) jobKey(queue, id string) string { return b.key(queue, "job", id) }

func (b *RedisBackend) stateKey(queue string, state State) string {
	return b.key(queue, string(state))
}

func (b *RedisBackend) Register(ctx context.Context, r Recurring) (Recurring, bool, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return Recurring{}, false, err
	}
	k := b.key(r.Queue, "repeat")
	created, err := b.client.HSetNX(ctx, k, r.ID, raw).Result()
	if err != nil {
		return Recurring{}, false, fmt.Errorf("register %s: %w", r.ID, err)
	}
	if created {
		return r, true, nil
	}

	stored, err := b.client.HGet(ctx, k, r.ID).Result()
	if err != nil {
		return Recurring{}, false, fmt.Errorf("load recurring %s: %w", r.ID, err)
	}
	var existing Recurring
	if err := json.Unmarshal([]byte(stored), &existing); err != nil {
		return Recurring{}, false, fmt.Errorf("decode recurring %s: %w", r.ID, err)
	}
	return existing, false, nil
}

func (b *RedisBackend) Recurring(ctx context.Context, queue string) ([]Recurring, error) {
	all, err := b.client.HGetAll(ctx, b.key(queue, "repeat")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Recurring, 0, len(all))
	for id, raw := range all {
		var r Recurring
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode recurring %s: %w", id, err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *RedisBackend) saveJob(ctx context.Context, pipe redis.Pipeliner, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe.Set(ctx, b.jobKey(job.Queue, job.ID), raw, 0)
	return nil
}

func (b *RedisBackend) Enqueue(ctx context.Context, job *Job) (bool, error) {
	fresh, err := b.client.SetNX(ctx, b.key(job.Queue, "dedupe", job.ID), "1", dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if !fresh {
		return false, nil
	}

	if job.RunAt.After(time.Now()) {
		job.State = StateDelayed
	} else {
		job.State = StateWaiting
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := b.saveJob(ctx, pipe, job); err != nil {
			return err
		}
		if job.State == StateDelayed {
			pipe.ZAdd(ctx, b.stateKey(job.Queue, StateDelayed), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		} else {
			pipe.ZAdd(ctx, b.stateKey(job.Queue, StateWaiting), redis.Z{Score: job.waitScore(), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return true, nil
}

func (b *RedisBackend) loadJob(ctx context.Context, queue, id string) (*Job, error) {
	raw, err := b.client.Get(ctx, b.jobKey(queue, id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (b *RedisBackend) promoteDelayed(ctx context.Context, queue string, now time.Time) error {
	delayedKey := b.stateKey(queue, StateDelayed)
	due, err := b.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		job, err := b.loadJob(ctx, queue, id)
		if errors.Is(err, redis.Nil) {
			b.client.ZRem(ctx, delayedKey, id)
			continue
		}
		if err != nil {
			return err
		}
		removed, err := b.client.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another process promoted it
		}
		job.State = StateWaiting
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := b.saveJob(ctx, pipe, job); err != nil {
				return err
			}
			pipe.ZAdd(ctx, b.stateKey(queue, StateWaiting), redis.Z{Score: job.waitScore(), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBackend) Next(ctx context.Context, queue string, now time.Time) (*Job, error) {
	if err := b.promoteDelayed(ctx, queue, now); err != nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	for {
		popped, err := b.client.ZPopMin(ctx, b.stateKey(queue, StateWaiting), 1).Result()
		if err != nil {
			return nil, err
		}
		if len(popped) == 0 {
			return nil, nil
		}
		id, _ := popped[0].Member.(string)

		job, err := b.loadJob(ctx, queue, id)
		if errors.Is(err, redis.Nil) {
			continue // cleaned while waiting
		}
		if err != nil {
			return nil, err
		}

		job.State = StateActive
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := b.saveJob(ctx, pipe, job); err != nil {
				return err
			}
			pipe.SAdd(ctx, b.stateKey(queue, StateActive), id)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return job, nil
	}
}

func (b *RedisBackend) finish(ctx context.Context, job *Job, state State, keep int) error {
	job.State = state
	finishedKey := b.stateKey(job.Queue, state)

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := b.saveJob(ctx, pipe, job); err != nil {
			return err
		}
		pipe.SRem(ctx, b.stateKey(job.Queue, StateActive), job.ID)
		pipe.ZAdd(ctx, finishedKey, redis.Z{Score: float64(job.FinishedAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return err
	}
	if keep <= 0 {
		return nil
	}

	stale, err := b.client.ZRange(ctx, finishedKey, 0, int64(-keep-1)).Result()
	if err != nil || len(stale) == 0 {
		return err
	}
	return b.remove(ctx, job.Queue, finishedKey, stale)
}

func (b *RedisBackend) remove(ctx context.Context, queue, setKey string, ids []string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]interface{}, len(ids))
		keys := make([]string, len(ids))
		for i, id := range ids {
			members[i] = id
			keys[i] = b.jobKey(queue, id)
		}
		pipe.ZRem(ctx, setKey, members...)
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

func (b *RedisBackend) Complete(ctx context.Context, job *Job, keep int) error {
	return b.finish(ctx, job, StateCompleted, keep)
}

func (b *RedisBackend) Fail(ctx context.Context, job *Job, keep int) error {
	return b.finish(ctx, job, StateFailed, keep)
}

func (b *RedisBackend) Retry(ctx context.Context, job *Job) error {
	job.State = StateDelayed
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := b.saveJob(ctx, pipe, job); err != nil {
			return err
		}
		pipe.SRem(ctx, b.stateKey(job.Queue, StateActive), job.ID)
		pipe.ZAdd(ctx, b.stateKey(job.Queue, StateDelayed), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (b *RedisBackend) Stats(ctx context.Context, queue string) (Stats, error) {
	pipe := b.client.Pipeline()
	waiting := pipe.ZCard(ctx, b.stateKey(queue, StateWaiting))
	delayed := pipe.ZCard(ctx, b.stateKey(queue, StateDelayed))
	active := pipe.SCard(ctx, b.stateKey(queue, StateActive))
	completed := pipe.ZCard(ctx, b.stateKey(queue, StateCompleted))
	failed := pipe.ZCard(ctx, b.stateKey(queue, StateFailed))
	paused := pipe.Exists(ctx, b.key(queue, "paused"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

func (b *RedisBackend) Jobs(ctx context.Context, queue string, state State, limit int) ([]Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	k := b.stateKey(queue, state)

	var (
		ids []string
		err error
	)
	switch state {
	case StateWaiting, StateDelayed:
		ids, err = b.client.ZRange(ctx, k, 0, stop).Result()
	case StateCompleted, StateFailed:
		ids, err = b.client.ZRevRange(ctx, k, 0, stop).Result()
	case StateActive:
		ids, err = b.client.SMembers(ctx, k).Result()
	default:
		return nil, ErrInvalidState
	}
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.jobKey(queue, id)
	}
	raws, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Job, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(s), &j); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if state == StateActive {
		sortJobs(out, state)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
	}
	return out, nil
}

func (b *RedisBackend) SetPaused(ctx context.Context, queue string, paused bool) error {
	if paused {
		return b.client.Set(ctx, b.key(queue, "paused"), "1", 0).Err()
	}
	return b.client.Del(ctx, b.key(queue, "paused")).Err()
}

func (b *RedisBackend) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(queue, "paused")).Result()
	return n > 0, err
}

func (b *RedisBackend) Clean(ctx context.Context, queue string, state State, olderThan time.Time) (int, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, ErrInvalidState
	}
	k := b.stateKey(queue, state)
	ids, err := b.client.ZRangeByScore(ctx, k, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if err := b.remove(ctx, queue, k, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (b *RedisBackend) Lock(ctx context.Context, queue, owner string, ttl time.Duration) (bool, error) {
	k := b.key(queue, "lock")
	ok, err := b.client.SetNX(ctx, k, owner, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	// Re-entrant for the current owner: extend the lease.
	cur, err := b.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return b.client.SetNX(ctx, k, owner, ttl).Result()
	}
	if err != nil {
		return false, err
	}
	if cur != owner {
		return false, nil
	}
	return true, b.client.PExpire(ctx, k, ttl).Err()
}

func (b *RedisBackend) Unlock(ctx context.Context, queue, owner string) error {
	return unlockScript.Run(ctx, b.client, []string{b.key(queue, "lock")}, owner).Err()
}
