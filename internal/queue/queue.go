package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/metrics"
)

// Handler processes one job. A returned error (or a panic) counts as a failed attempt.
type Handler func(ctx context.Context, job *Job) error

// Options configures a Queue. Zero values fall back to defaults.
type Options struct {
	Attempts      int
	Backoff       time.Duration
	KeepCompleted int
	KeepFailed    int
	PollInterval  time.Duration
	// JobTimeout bounds a single handler run; the backend lock is held for
	// JobTimeout plus a margin.
	JobTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.KeepCompleted == 0 {
		o.KeepCompleted = 100
	}
	if o.KeepFailed == 0 {
		o.KeepFailed = 500
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Minute
	}
	return o
}

// Queue runs jobs for one named queue with concurrency 1.
type Queue struct {
	name    string
	backend Backend
	handler Handler
	opts    Options
	owner   string
	log     zerolog.Logger
	wake    chan struct{}
	now     func() time.Time
}

// New creates a Queue. Jobs are not processed until Run is called.
func New(name string, backend Backend, handler Handler, opts Options) *Queue {
	return &Queue{
		name:    name,
		backend: backend,
		handler: handler,
		opts:    opts.withDefaults(),
		owner:   uuid.NewString(),
		log:     logging.With("queue").With().Str("queue", name).Logger(),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

// RetryDelay is the wait before the given attempt (1-based) is retried.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) newJob(id, name string, payload map[string]string) *Job {
	now := q.now()
	return &Job{
		ID:          id,
		Queue:       q.name,
		Name:        name,
		Payload:     payload,
		Priority:    PriorityNormal,
		MaxAttempts: q.opts.Attempts,
		Backoff:     q.opts.Backoff,
		EnqueuedAt:  now,
		RunAt:       now,
	}
}

// Add enqueues a normal-priority job with the queue's retry policy.
func (q *Queue) Add(ctx context.Context, name string, payload map[string]string) (*Job, error) {
	job := q.newJob(uuid.NewString(), name, payload)
	if _, err := q.backend.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	q.notify()
	return job, nil
}

// Trigger enqueues a one-off, high-priority job that is attempted once.
func (q *Queue) Trigger(ctx context.Context, payload map[string]string) (*Job, error) {
	job := q.newJob("manual-"+uuid.NewString(), "manual", payload)
	job.Priority = PriorityHigh
	job.MaxAttempts = 1
	if _, err := q.backend.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	q.log.Info().Str("job_id", job.ID).Msg("manual job enqueued")
	q.notify()
	return job, nil
}

// Register stores the recurring registration for this queue. It returns the
// registration in effect and whether this call created it.
func (q *Queue) Register(ctx context.Context, r Recurring) (Recurring, bool, error) {
	r.Queue = q.name
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = q.opts.Attempts
	}
	if r.Backoff <= 0 {
		r.Backoff = q.opts.Backoff
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = q.now().UTC()
	}
	return q.backend.Register(ctx, r)
}

// Recurring lists the registrations stored for this queue.
func (q *Queue) Recurring(ctx context.Context) ([]Recurring, error) {
	return q.backend.Recurring(ctx, q.name)
}

// TickID is the job identity for one firing of a recurring registration.
func TickID(recurringID string, tick time.Time) string {
	return recurringID + ":" + strconv.FormatInt(tick.Unix(), 10)
}

// EnqueueTick enqueues the job for one firing of r. Several processes firing the
// same tick produce a single job.
func (q *Queue) EnqueueTick(ctx context.Context, r Recurring, tick time.Time) (bool, error) {
	job := q.newJob(TickID(r.ID, tick), r.Name, r.Payload)
	job.RepeatID = r.ID
	job.MaxAttempts = r.MaxAttempts
	job.Backoff = r.Backoff
	created, err := q.backend.Enqueue(ctx, job)
	if err != nil {
		return false, err
	}
	if created {
		q.notify()
	}
	return created, nil
}

// Run processes jobs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	q.log.Info().Msg("worker started")
	defer q.log.Info().Msg("worker stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-q.wake:
		}

		for {
			processed, err := q.ProcessNext(ctx)
			if err != nil {
				q.log.Error().Err(err).Msg("queue poll failed")
				break
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.opts.PollInterval)
	}
}

// ProcessNext runs at most one ready job. It reports whether a job was run.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	paused, err := q.backend.IsPaused(ctx, q.name)
	if err != nil {
		return false, err
	}
	if paused {
		return false, nil
	}

	locked, err := q.backend.Lock(ctx, q.name, q.owner, q.opts.JobTimeout+30*time.Second)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", q.name, err)
	}
	if !locked {
		return false, nil
	}
	defer func() {
		if err := q.backend.Unlock(context.WithoutCancel(ctx), q.name, q.owner); err != nil {
			q.log.Warn().Err(err).Msg("unlock failed")
		}
	}()

	job, err := q.backend.Next(ctx, q.name, q.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	q.execute(ctx, job)
	return true, nil
}

func (q *Queue) execute(ctx context.Context, job *Job) {
	log := q.log.With().Str("job_id", job.ID).Str("job", job.Name).Logger()
	start := q.now()

	runCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	err := q.safeRun(runCtx, job)
	cancel()

	metrics.JobDuration.WithLabelValues(q.name).Observe(time.Since(start).Seconds())

	// Bookkeeping must survive shutdown so the job is not left active.
	bg := context.WithoutCancel(ctx)
	job.Attempts++
	job.FinishedAt = q.now()

	if err == nil {
		job.LastError = ""
		if cerr := q.backend.Complete(bg, job, q.opts.KeepCompleted); cerr != nil {
			log.Error().Err(cerr).Msg("mark completed failed")
		}
		metrics.JobsProcessed.WithLabelValues(q.name, "completed").Inc()
		log.Debug().Int("attempt", job.Attempts).Msg("job completed")
		return
	}

	job.LastError = err.Error()
	if job.Attempts < job.MaxAttempts {
		delay := RetryDelay(job.Backoff, job.Attempts)
		job.RunAt = q.now().Add(delay)
		job.FinishedAt = time.Time{}
		if rerr := q.backend.Retry(bg, job); rerr != nil {
			log.Error().Err(rerr).Msg("schedule retry failed")
		}
		metrics.JobsProcessed.WithLabelValues(q.name, "retried").Inc()
		log.Warn().Err(err).Int("attempt", job.Attempts).Dur("retry_in", delay).Msg("job failed, retrying")
		return
	}

	if ferr := q.backend.Fail(bg, job, q.opts.KeepFailed); ferr != nil {
		log.Error().Err(ferr).Msg("mark failed failed")
	}
	metrics.JobsProcessed.WithLabelValues(q.name, "failed").Inc()
	log.Error().Err(err).Int("attempts", job.Attempts).Msg("job failed permanently")
}

func (q *Queue) safeRun(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			q.log.Error().Str("job_id", job.ID).Bytes("stack", debug.Stack()).Msg("recovered from job panic")
		}
	}()
	return q.handler(ctx, job)
}

// Stats returns job counts for this queue.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.backend.Stats(ctx, q.name)
}

// Jobs lists jobs in the given state, newest finished first.
func (q *Queue) Jobs(ctx context.Context, state State, limit int) ([]Job, error) {
	return q.backend.Jobs(ctx, q.name, state, limit)
}

func (q *Queue) Pause(ctx context.Context) error {
	q.log.Info().Msg("queue paused")
	return q.backend.SetPaused(ctx, q.name, true)
}

func (q *Queue) Resume(ctx context.Context) error {
	q.log.Info().Msg("queue resumed")
	if err := q.backend.SetPaused(ctx, q.name, false); err != nil {
		return err
	}
	q.notify()
	return nil
}

// Clean removes completed or failed jobs finished more than grace ago.
func (q *Queue) Clean(ctx context.Context, state State, grace time.Duration) (int, error) {
	return q.backend.Clean(ctx, q.name, state, q.now().Add(-grace))
}
