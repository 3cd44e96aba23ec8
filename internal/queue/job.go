package queue

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Priorities: lower values run first.
const (
	PriorityHigh   = 1
	PriorityNormal = 10
)

var (
	ErrInvalidState = errors.New("invalid job state")
	ErrUnknownQueue = errors.New("unknown queue")
)

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return st, nil
	}
	return "", ErrInvalidState
}

// Job is one unit of work on a queue.
type Job struct {
	ID          string            `json:"id"`
	Queue       string            `json:"queue"`
	Name        string            `json:"name"`
	Payload     map[string]string `json:"payload,omitempty"`
	Priority    int               `json:"priority"`
	Attempts    int               `json:"attempts_made"`
	MaxAttempts int               `json:"max_attempts"`
	Backoff     time.Duration     `json:"backoff"`
	State       State             `json:"state"`
	RepeatID    string            `json:"repeat_id,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	RunAt       time.Time         `json:"next_run_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	seq         int64
}

// waitScore orders waiting jobs by priority then by time.
func (j *Job) waitScore() float64 {
	t := j.RunAt
	if t.IsZero() {
		t = j.EnqueuedAt
	}
	return float64(j.Priority)*1e13 + float64(t.UnixMilli())
}

// Recurring is a durable cron registration with a fixed identity.
type Recurring struct {
	ID          string            `json:"id"`
	Queue       string            `json:"queue"`
	Name        string            `json:"name"`
	Cron        string            `json:"cron"`
	Payload     map[string]string `json:"payload,omitempty"`
	MaxAttempts int               `json:"max_attempts"`
	Backoff     time.Duration     `json:"backoff"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Stats counts jobs per state.
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Paused    bool   `json:"paused"`
}

// Backend stores jobs and recurring registrations. Implementations must make
// Register and Enqueue idempotent by ID so several processes can share one backend.
type Backend interface {
	// Register stores r unless a registration with the same ID exists, and
	// returns the stored registration.
	Register(ctx context.Context, r Recurring) (Recurring, bool, error)
	Recurring(ctx context.Context, queue string) ([]Recurring, error)

	// Enqueue adds job unless a job with the same ID was already enqueued.
	Enqueue(ctx context.Context, job *Job) (bool, error)
	// Next promotes due delayed jobs and moves the highest priority waiting job
	// to active. It returns nil when nothing is ready.
	Next(ctx context.Context, queue string, now time.Time) (*Job, error)
	Complete(ctx context.Context, job *Job, keep int) error
	Retry(ctx context.Context, job *Job) error
	Fail(ctx context.Context, job *Job, keep int) error

	Stats(ctx context.Context, queue string) (Stats, error)
	Jobs(ctx context.Context, queue string, state State, limit int) ([]Job, error)
	SetPaused(ctx context.Context, queue string, paused bool) error
	IsPaused(ctx context.Context, queue string) (bool, error)
	// Clean removes completed or failed jobs that finished before olderThan.
	Clean(ctx context.Context, queue string, state State, olderThan time.Time) (int, error)

	// Lock grants single-flight execution of a queue across processes.
	Lock(ctx context.Context, queue, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, queue, owner string) error
}
