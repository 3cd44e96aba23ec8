package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// dedupTTL bounds how long an enqueued job ID blocks re-enqueueing.
const dedupTTL = 24 * time.Hour

type memQueue struct {
	jobs      map[string]*Job
	seen      map[string]time.Time
	recurring map[string]Recurring
	paused    bool
	lockOwner string
	lockUntil time.Time
}

// MemoryBackend keeps queues in process memory for single-instance deployments.
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	seq    int64
	now    func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{queues: make(map[string]*memQueue), now: time.Now}
}

func (b *MemoryBackend) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{
			jobs:      make(map[string]*Job),
			seen:      make(map[string]time.Time),
			recurring: make(map[string]Recurring),
		}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBackend) Register(_ context.Context, r Recurring) (Recurring, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(r.Queue)
	if existing, ok := q.recurring[r.ID]; ok {
		return existing, false, nil
	}
	q.recurring[r.ID] = r
	return r, true, nil
}

func (b *MemoryBackend) Recurring(_ context.Context, queue string) ([]Recurring, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	out := make([]Recurring, 0, len(q.recurring))
	for _, r := range q.recurring {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *MemoryBackend) Enqueue(_ context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)
	now := b.now()
	for id, at := range q.seen {
		if now.Sub(at) > dedupTTL {
			delete(q.seen, id)
		}
	}
	if _, dup := q.seen[job.ID]; dup {
		return false, nil
	}
	q.seen[job.ID] = now

	b.seq++
	cp := *job
	cp.seq = b.seq
	if cp.RunAt.After(now) {
		cp.State = StateDelayed
	} else {
		cp.State = StateWaiting
	}
	q.jobs[cp.ID] = &cp
	job.State = cp.State
	return true, nil
}

func (b *MemoryBackend) Next(_ context.Context, queue string, now time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	var next *Job
	for _, j := range q.jobs {
		if j.State == StateDelayed && !j.RunAt.After(now) {
			j.State = StateWaiting
		}
		if j.State != StateWaiting {
			continue
		}
		if next == nil || j.waitScore() < next.waitScore() ||
			(j.waitScore() == next.waitScore() && j.seq < next.seq) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = StateActive
	cp := *next
	return &cp, nil
}

func (b *MemoryBackend) finish(job *Job, state State, keep int) {
	q := b.queue(job.Queue)
	cp := *job
	cp.State = state
	if stored, ok := q.jobs[job.ID]; ok {
		cp.seq = stored.seq
	}
	q.jobs[job.ID] = &cp
	job.State = state

	if keep <= 0 {
		return
	}
	var finished []*Job
	for _, j := range q.jobs {
		if j.State == state {
			finished = append(finished, j)
		}
	}
	if len(finished) <= keep {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].FinishedAt.Before(finished[j].FinishedAt) })
	for _, j := range finished[:len(finished)-keep] {
		delete(q.jobs, j.ID)
	}
}

func (b *MemoryBackend) Complete(_ context.Context, job *Job, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finish(job, StateCompleted, keep)
	return nil
}

func (b *MemoryBackend) Fail(_ context.Context, job *Job, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finish(job, StateFailed, keep)
	return nil
}

func (b *MemoryBackend) Retry(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)
	cp := *job
	cp.State = StateDelayed
	if stored, ok := q.jobs[job.ID]; ok {
		cp.seq = stored.seq
	}
	q.jobs[job.ID] = &cp
	job.State = StateDelayed
	return nil
}

func (b *MemoryBackend) Stats(_ context.Context, queue string) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	st := Stats{Queue: queue, Paused: q.paused}
	for _, j := range q.jobs {
		switch j.State {
		case StateWaiting:
			st.Waiting++
		case StateDelayed:
			st.Delayed++
		case StateActive:
			st.Active++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (b *MemoryBackend) Jobs(_ context.Context, queue string, state State, limit int) ([]Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	var out []Job
	for _, j := range q.jobs {
		if j.State == state {
			out = append(out, *j)
		}
	}
	sortJobs(out, state)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortJobs orders finished jobs newest first and pending jobs in run order.
func sortJobs(jobs []Job, state State) {
	switch state {
	case StateCompleted, StateFailed:
		sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].FinishedAt.After(jobs[j].FinishedAt) })
	case StateDelayed:
		sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
	default:
		sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].waitScore() < jobs[j].waitScore() })
	}
}

func (b *MemoryBackend) SetPaused(_ context.Context, queue string, paused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue(queue).paused = paused
	return nil
}

func (b *MemoryBackend) IsPaused(_ context.Context, queue string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue(queue).paused, nil
}

func (b *MemoryBackend) Clean(_ context.Context, queue string, state State, olderThan time.Time) (int, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, ErrInvalidState
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	removed := 0
	for id, j := range q.jobs {
		if j.State == state && j.FinishedAt.Before(olderThan) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBackend) Lock(_ context.Context, queue, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	now := b.now()
	if q.lockOwner != "" && q.lockOwner != owner && now.Before(q.lockUntil) {
		return false, nil
	}
	q.lockOwner = owner
	q.lockUntil = now.Add(ttl)
	return true, nil
}

func (b *MemoryBackend) Unlock(_ context.Context, queue, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	if q.lockOwner == owner {
		q.lockOwner = ""
		q.lockUntil = time.Time{}
	}
	return nil
}
