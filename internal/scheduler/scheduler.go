package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/queue"
)

// Entry is one recurring job: a cron expression bound to a queue.
type Entry struct {
	ID      string
	Name    string
	Cron    string
	Payload map[string]string
	Queue   *queue.Queue
	// RunOnStart enqueues one job immediately when the scheduler starts.
	RunOnStart bool
}

// Status describes a registered entry for reporting.
type Status struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	Cron      string    `json:"cron"`
	NextRunAt time.Time `json:"next_run_at"`
}

type registered struct {
	rec      queue.Recurring
	schedule cron.Schedule
	q        *queue.Queue
}

// Scheduler turns cron ticks into queue jobs. Several Schedulers may share one
// queue backend; each tick still produces a single job.
type Scheduler struct {
	scheduler *gocron.Scheduler
	loc       *time.Location
	log       zerolog.Logger

	mu      sync.Mutex
	entries []registered
	now     func() time.Time
}

// New creates a new Scheduler evaluating cron expressions in loc.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := gocron.NewScheduler(loc)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		loc:       loc,
		log:       logging.With("scheduler"),
		now:       time.Now,
	}
}

// ParseCron validates a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return sched, nil
}

// Add registers e with its queue and schedules its ticks. The registration
// already stored in the backend wins over e, so a second process cannot
// change an existing schedule.
func (s *Scheduler) Add(ctx context.Context, e Entry) error {
	if _, err := ParseCron(e.Cron); err != nil {
		return err
	}
	if e.Name == "" {
		e.Name = e.ID
	}

	rec, created, err := e.Queue.Register(ctx, queue.Recurring{
		ID:      e.ID,
		Name:    e.Name,
		Cron:    e.Cron,
		Payload: e.Payload,
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", e.ID, err)
	}
	sched, err := ParseCron(rec.Cron)
	if err != nil {
		return err
	}
	if !created {
		s.log.Info().Str("id", rec.ID).Str("cron", rec.Cron).Msg("recurring job already registered")
	}

	r := registered{rec: rec, schedule: sched, q: e.Queue}

	_, err = s.scheduler.Cron(rec.Cron).Tag(rec.ID).Do(func() {
		s.fire(r, s.now())
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	s.entries = append(s.entries, r)
	s.mu.Unlock()

	if e.RunOnStart {
		s.fireNow(ctx, r)
	}
	return nil
}

// tickTolerance is how far a timer may fire from its scheduled minute and
// still be attributed to it. Cron ticks are at least a minute apart.
const tickTolerance = 30 * time.Second

// scheduledTick returns the schedule time t belongs to, so that every process
// firing the same cron tick computes the same job id even when a timer runs
// slightly early or late.
func (r registered) scheduledTick(t time.Time) time.Time {
	next := r.schedule.Next(t.Add(-tickTolerance))
	if d := next.Sub(t); d > tickTolerance || d < -tickTolerance {
		return t.Round(time.Minute)
	}
	return next
}

// fire enqueues the job for the tick that t belongs to.
func (s *Scheduler) fire(r registered, t time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tick := r.scheduledTick(t.In(s.loc))
	created, err := r.q.EnqueueTick(ctx, r.rec, tick)
	if err != nil {
		s.log.Error().Err(err).Str("id", r.rec.ID).Msg("enqueue tick failed")
		return
	}
	if created {
		s.log.Debug().Str("id", r.rec.ID).Time("tick", tick).Msg("tick enqueued")
	}
}

func (s *Scheduler) fireNow(ctx context.Context, r registered) {
	job, err := r.q.Add(ctx, r.rec.Name, r.rec.Payload)
	if err != nil {
		s.log.Error().Err(err).Str("id", r.rec.ID).Msg("initial run enqueue failed")
		return
	}
	s.log.Info().Str("id", r.rec.ID).Str("job_id", job.ID).Msg("initial run enqueued")
}

// Statuses lists registered entries with their next run time.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().In(s.loc)
	out := make([]Status, 0, len(s.entries))
	for _, r := range s.entries {
		out = append(out, Status{
			ID:        r.rec.ID,
			Queue:     r.q.Name(),
			Cron:      r.rec.Cron,
			NextRunAt: r.schedule.Next(now),
		})
	}
	return out
}

// Start starts the underlying scheduler.
func (s *Scheduler) Start() {
	s.log.Info().Int("entries", len(s.entries)).Msg("scheduler started")
	s.scheduler.StartAsync()
}

// Stop stops the scheduler and cancels any future ticks.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
