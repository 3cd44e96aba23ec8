package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/air-quality-ingestion/internal/queue"
)

func noop(context.Context, *queue.Job) error { return nil }

func TestParseCron(t *testing.T) {
	_, err := ParseCron("*/5 * * * *")
	require.NoError(t, err)

	_, err = ParseCron("every five minutes")
	assert.Error(t, err)
}

func TestAddRejectsInvalidCron(t *testing.T) {
	s := New(time.UTC)
	q := queue.New("serpram", queue.NewMemoryBackend(), noop, queue.Options{})

	err := s.Add(context.Background(), Entry{ID: "serpram-recurring", Cron: "61 * * * *", Queue: q})
	assert.Error(t, err)
}

func TestTwoSchedulersShareOneRegistration(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	backend := queue.NewRedisBackend(client, "")
	qa := queue.New("serpram", backend, noop, queue.Options{})
	qb := queue.New("serpram", backend, noop, queue.Options{})

	a := New(time.UTC)
	b := New(time.UTC)
	require.NoError(t, a.Add(ctx, Entry{ID: "serpram-recurring", Cron: "*/5 * * * *", Queue: qa}))
	require.NoError(t, b.Add(ctx, Entry{ID: "serpram-recurring", Cron: "* * * * *", Queue: qb}))

	recs, err := qa.Recurring(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "*/5 * * * *", recs[0].Cron)

	// The second scheduler adopts the stored expression.
	st := b.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, "*/5 * * * *", st[0].Cron)

	// Both fire the same tick, a few seconds apart.
	tick := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	a.fire(a.entries[0], tick.Add(2*time.Second))
	b.fire(b.entries[0], tick.Add(7*time.Second))

	stats, err := qa.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestEarlyTimerKeepsItsOwnTick(t *testing.T) {
	ctx := context.Background()
	q := queue.New("ayt", queue.NewMemoryBackend(), noop, queue.Options{})
	s := New(time.UTC)
	require.NoError(t, s.Add(ctx, Entry{ID: "ayt-ingest", Cron: "* * * * *", Queue: q}))

	tick := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	s.fire(s.entries[0], tick.Add(-time.Minute+500*time.Millisecond))
	// Fires 300ms before 10:05 and must not collide with the 10:04 job.
	s.fire(s.entries[0], tick.Add(-300*time.Millisecond))
	s.fire(s.entries[0], tick.Add(4*time.Second))

	jobs, err := q.Jobs(ctx, queue.StateWaiting, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	ids := map[string]bool{}
	for _, j := range jobs {
		ids[j.ID] = true
	}
	assert.True(t, ids[queue.TickID("ayt-ingest", tick)])
	assert.True(t, ids[queue.TickID("ayt-ingest", tick.Add(-time.Minute))])
}

func TestScheduledTickFollowsCron(t *testing.T) {
	sched, err := ParseCron("*/5 * * * *")
	require.NoError(t, err)
	r := registered{schedule: sched}

	tick := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	assert.True(t, tick.Equal(r.scheduledTick(tick.Add(-2*time.Second))))
	assert.True(t, tick.Equal(r.scheduledTick(tick)))
	assert.True(t, tick.Equal(r.scheduledTick(tick.Add(9*time.Second))))
}

func TestStatusesReportNextRun(t *testing.T) {
	s := New(time.UTC)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 10, 2, 0, 0, time.UTC) }
	q := queue.New("aggregation", queue.NewMemoryBackend(), noop, queue.Options{})

	require.NoError(t, s.Add(context.Background(), Entry{ID: "aggregation-recurring", Cron: "0 * * * *", Queue: q}))

	st := s.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, "aggregation", st[0].Queue)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), st[0].NextRunAt)
}

func TestRunOnStartEnqueuesImmediately(t *testing.T) {
	q := queue.New("esinfa", queue.NewMemoryBackend(), noop, queue.Options{})
	s := New(time.UTC)

	require.NoError(t, s.Add(context.Background(), Entry{
		ID: "esinfa-recurring", Cron: "*/5 * * * *", Queue: q, RunOnStart: true,
	}))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}
