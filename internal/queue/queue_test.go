package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs fn against every Backend implementation.
func backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryBackend())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		fn(t, NewRedisBackend(client, "test"))
	})
}

// fakeClock lets tests move the queue's notion of time forward.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(b Backend, h Handler, opts Options) (*Queue, *fakeClock) {
	clock := &fakeClock{t: time.Now()}
	q := New("ingest", b, h, opts)
	q.now = clock.now
	return q, clock
}

func TestRetryDelayDoubles(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryDelay(2*time.Second, 1))
	assert.Equal(t, 4*time.Second, RetryDelay(2*time.Second, 2))
	assert.Equal(t, 8*time.Second, RetryDelay(2*time.Second, 3))
	assert.Equal(t, 5*time.Second, RetryDelay(5*time.Second, 0))
}

func TestRegisterIsIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		q, _ := newTestQueue(b, func(context.Context, *Job) error { return nil }, Options{})

		first, created, err := q.Register(ctx, Recurring{ID: "serpram-fetch", Name: "fetch", Cron: "*/5 * * * *"})
		require.NoError(t, err)
		assert.True(t, created)

		second, created, err := q.Register(ctx, Recurring{ID: "serpram-fetch", Name: "fetch", Cron: "* * * * *"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.Cron, second.Cron)

		all, err := q.Recurring(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestEnqueueTickDeduplicates(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		rec := Recurring{ID: "ayt-fetch", Queue: "ingest", Name: "fetch", MaxAttempts: 3, Backoff: time.Second}
		tick := time.Now().Truncate(time.Minute)

		// Two processes sharing the backend fire the same tick.
		a, _ := newTestQueue(b, nil, Options{})
		c, _ := newTestQueue(b, nil, Options{})

		created, err := a.EnqueueTick(ctx, rec, tick)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = c.EnqueueTick(ctx, rec, tick)
		require.NoError(t, err)
		assert.False(t, created)

		created, err = c.EnqueueTick(ctx, rec, tick.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, created)

		st, err := a.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Waiting)
	})
}

func TestTriggerRunsBeforeScheduledJobs(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		var order []string
		q, _ := newTestQueue(b, func(_ context.Context, j *Job) error {
			order = append(order, j.Name)
			return nil
		}, Options{})

		_, err := q.Add(ctx, "fetch", nil)
		require.NoError(t, err)
		manual, err := q.Trigger(ctx, map[string]string{"source": "esinfa"})
		require.NoError(t, err)
		assert.Equal(t, 1, manual.MaxAttempts)
		assert.Equal(t, PriorityHigh, manual.Priority)

		for i := 0; i < 2; i++ {
			ok, err := q.ProcessNext(ctx)
			require.NoError(t, err)
			require.True(t, ok)
		}
		assert.Equal(t, []string{"manual", "fetch"}, order)

		ok, err := q.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestFailedJobRetriesWithBackoff(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		var calls int32
		q, clock := newTestQueue(b, func(context.Context, *Job) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("upstream unavailable")
			}
			return nil
		}, Options{Attempts: 3, Backoff: 2 * time.Second})

		_, err := q.Add(ctx, "fetch", nil)
		require.NoError(t, err)

		ok, err := q.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		delayed, err := q.Jobs(ctx, StateDelayed, 10)
		require.NoError(t, err)
		require.Len(t, delayed, 1)
		assert.Equal(t, 1, delayed[0].Attempts)
		assert.Equal(t, "upstream unavailable", delayed[0].LastError)

		// Not due yet.
		clock.advance(time.Second)
		ok, err = q.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		clock.advance(time.Second)
		ok, err = q.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		// Second retry waits twice as long.
		clock.advance(3 * time.Second)
		ok, err = q.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		clock.advance(time.Second)
		ok, err = q.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Completed)
		assert.Equal(t, int64(0), st.Delayed)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})
}

func TestJobFailsAfterAttemptsExhausted(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		q, clock := newTestQueue(b, func(context.Context, *Job) error {
			return errors.New("boom")
		}, Options{Attempts: 2, Backoff: time.Second})

		_, err := q.Add(ctx, "fetch", nil)
		require.NoError(t, err)

		_, err = q.ProcessNext(ctx)
		require.NoError(t, err)
		clock.advance(time.Second)
		_, err = q.ProcessNext(ctx)
		require.NoError(t, err)

		failed, err := q.Jobs(ctx, StateFailed, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, 2, failed[0].Attempts)
		assert.Equal(t, "boom", failed[0].LastError)
	})
}

func TestManualJobIsNotRetried(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		q, _ := newTestQueue(b, func(context.Context, *Job) error {
			return errors.New("boom")
		}, Options{Attempts: 5})

		_, err := q.Trigger(ctx, nil)
		require.NoError(t, err)
		_, err = q.ProcessNext(ctx)
		require.NoError(t, err)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Failed)
		assert.Equal(t, int64(0), st.Delayed)
	})
}

func TestPanicCountsAsFailure(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		q, _ := newTestQueue(b, func(context.Context, *Job) error {
			panic("nil map")
		}, Options{Attempts: 1})

		_, err := q.Add(ctx, "fetch", nil)
		require.NoError(t, err)
		ok, err := q.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		failed, err := q.Jobs(ctx, StateFailed, 1)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Contains(t, failed[0].LastError, "nil map")
	})
}

func TestRetentionKeepsNewestCompleted(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		q, clock := newTestQueue(b, func(context.Context, *Job) error { return nil }, Options{KeepCompleted: 3})

		for i := 0; i < 5; i++ {
			_, err := q.Add(ctx, "fetch", nil)
			require.NoError(t, err)
			clock.advance(time.Millisecond)
			_, err = q.ProcessNext(ctx)
			require.NoError(t, err)
		}

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), st.Completed)

		jobs, err := q.Jobs(ctx, StateCompleted, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.True(t, jobs[0].FinishedAt.After(jobs[2].FinishedAt))
	})
}

func TestPauseStopsProcessing(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		q, _ := newTestQueue(b, func(context.Context, *Job) error { return nil }, Options{})

		_, err := q.Add(ctx, "fetch", nil)
		require.NoError(t, err)
		require.NoError(t, q.Pause(ctx))

		ok, err := q.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.True(t, st.Paused)
		assert.Equal(t, int64(1), st.Waiting)

		require.NoError(t, q.Resume(ctx))
		ok, err = q.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestCleanRemovesOldFinishedJobs(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		q, clock := newTestQueue(b, func(context.Context, *Job) error { return nil }, Options{})

		for i := 0; i < 2; i++ {
			_, err := q.Add(ctx, "fetch", nil)
			require.NoError(t, err)
			_, err = q.ProcessNext(ctx)
			require.NoError(t, err)
		}
		clock.advance(time.Hour)

		_, err := q.Clean(ctx, StateWaiting, 0)
		assert.ErrorIs(t, err, ErrInvalidState)

		removed, err := q.Clean(ctx, StateCompleted, 30*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), st.Completed)
	})
}

func TestLockIsExclusivePerOwner(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		ok, err := b.Lock(ctx, "ingest", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Lock(ctx, "ingest", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.Lock(ctx, "ingest", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "owner may extend its lease")

		require.NoError(t, b.Unlock(ctx, "ingest", "b"))
		ok, err = b.Lock(ctx, "ingest", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "unlock by a non-owner is ignored")

		require.NoError(t, b.Unlock(ctx, "ingest", "a"))
		ok, err = b.Lock(ctx, "ingest", "b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestLockedQueueSkipsProcessing(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		q, _ := newTestQueue(b, func(context.Context, *Job) error { return nil }, Options{})
		_, err := q.Add(ctx, "fetch", nil)
		require.NoError(t, err)

		ok, err := b.Lock(ctx, "ingest", "other-process", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = q.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestParseState(t *testing.T) {
	st, err := ParseState("failed")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st)

	_, err = ParseState("paused")
	assert.ErrorIs(t, err, ErrInvalidState)
}
