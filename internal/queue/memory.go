package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue implements Backend in-process with the same semantics as the
// Redis backend: unique outstanding ids, scheduled retries, visibility
// deadlines, and finished-job retention. It is not durable; use it for tests
// and local runs only.
type MemoryQueue struct {
	mu sync.Mutex

	opts  Options
	clock func() time.Time

	pending   []string
	scheduled map[string]time.Time // id -> ready at
	active    map[string]time.Time // id -> visibility deadline
	jobs      map[string]*memoryJob

	completed []finishedJob
	failed    []finishedJob
}

type memoryJob struct {
	job       Job
	attempts  int
	lastError string
}

type finishedJob struct {
	id string
	at time.Time
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:      opts.withDefaults(),
		clock:     time.Now,
		scheduled: map[string]time.Time{},
		active:    map[string]time.Time{},
		jobs:      map[string]*memoryJob{},
	}
}

// SetClock overrides the time source for deterministic tests.
func (q *MemoryQueue) SetClock(clock func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errNoID
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, outstanding := q.jobs[job.ID]; outstanding {
		return ErrDuplicateJob
	}
	q.jobs[job.ID] = &memoryJob{job: job}
	q.pending = append(q.pending, job.ID)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	for id, readyAt := range q.scheduled {
		if !readyAt.After(now) {
			delete(q.scheduled, id)
			q.pending = append(q.pending, id)
		}
	}

	if len(q.pending) == 0 {
		return Delivery{}, ErrNoJob
	}
	id := q.pending[0]
	q.pending = q.pending[1:]

	j := q.jobs[id]
	j.attempts++
	q.active[id] = now.Add(q.opts.VisibilityTimeout)

	return Delivery{Job: j.job, Attempt: j.attempts, MaxAttempts: q.opts.MaxAttempts}, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	delete(q.active, d.ID)
	delete(q.jobs, d.ID)
	q.completed = append(q.completed, finishedJob{id: d.ID, at: now})
	q.completed = trimFinished(q.completed, now.Add(-q.opts.CompletedRetention), q.opts.CompletedMax)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, d Delivery, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	delete(q.active, d.ID)

	j, ok := q.jobs[d.ID]
	if !ok {
		return nil
	}
	if jobErr != nil {
		j.lastError = jobErr.Error()
	}

	if d.Final() {
		delete(q.jobs, d.ID)
		q.failed = append(q.failed, finishedJob{id: d.ID, at: now})
		q.failed = trimFinished(q.failed, now.Add(-q.opts.FailedRetention), 0)
		return nil
	}
	q.scheduled[d.ID] = now.Add(q.opts.backoffDelay(d.Attempt))
	return nil
}

func (q *MemoryQueue) Reap(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	n := 0
	for id, deadline := range q.active {
		if deadline.Before(now) {
			delete(q.active, id)
			q.pending = append(q.pending, id)
			n++
		}
	}
	return n, nil
}

// Depths reports pending/scheduled/active/completed/failed sizes for tests.
func (q *MemoryQueue) Depths() (pending, scheduled, active, completed, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.scheduled), len(q.active), len(q.completed), len(q.failed)
}

func trimFinished(list []finishedJob, cutoff time.Time, max int) []finishedJob {
	kept := list[:0]
	for _, f := range list {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	if max > 0 && len(kept) > max {
		kept = kept[len(kept)-max:]
	}
	return kept
}
