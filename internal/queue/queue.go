// Package queue provides the durable work queue feeding the pipeline workers:
// enqueue with unique job IDs, at-least-once delivery with a visibility
// timeout, scheduled retries with exponential backoff, and bounded retention
// of finished jobs for operator diagnosis.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateJob is returned by Enqueue while a job with the same ID is
	// still outstanding (pending, scheduled, or active). This is the
	// structural single-flight guarantee per record.
	ErrDuplicateJob = errors.New("queue: duplicate job id")

	// ErrNoJob is returned by Dequeue when nothing is ready.
	ErrNoJob = errors.New("queue: no job ready")

	errNoID = errors.New("queue: job id is required")
)

// Job is one unit of pipeline work. ID equals the call record ID.
type Job struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload,omitempty"`
}

// Delivery is a dequeued job plus its attempt bookkeeping.
type Delivery struct {
	Job
	Attempt     int // 1-based
	MaxAttempts int
}

// Final reports whether this delivery is the job's last attempt.
func (d Delivery) Final() bool { return d.Attempt >= d.MaxAttempts }

// Handler processes one delivery. A nil return acknowledges the job; an error
// schedules a retry (or records final failure when attempts are exhausted).
type Handler func(ctx context.Context, d Delivery) error

// Enqueuer is the producer-side contract used by the webhook gateway.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Backend is the storage contract the worker pool runs against. Implementations
// must make Dequeue atomic: a job moves to the active state with a visibility
// deadline in the same step that hands it out, so no two workers ever hold the
// same job.
type Backend interface {
	Enqueuer

	// Dequeue claims the next ready job, first promoting any due scheduled
	// retries. Returns ErrNoJob when idle.
	Dequeue(ctx context.Context) (Delivery, error)

	// Ack marks the delivery completed and applies completed-set retention.
	Ack(ctx context.Context, d Delivery) error

	// Fail records the error. Non-final deliveries are rescheduled with
	// backoff; final ones move to the failed set with its retention.
	Fail(ctx context.Context, d Delivery, jobErr error) error

	// Reap returns jobs whose visibility deadline passed (crashed or stalled
	// worker) to the pending state. Returns the number reclaimed.
	Reap(ctx context.Context) (int, error)
}

// Options tunes queue behavior. Zero values take the documented defaults.
type Options struct {
	// MaxAttempts is the total number of tries per job, including the first.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles per attempt.
	BackoffBase time.Duration
	// VisibilityTimeout is how long a dequeued job stays invisible before the
	// reaper may hand it to another worker.
	VisibilityTimeout time.Duration

	// CompletedRetention / CompletedMax bound the completed set: entries are
	// dropped after the retention window or beyond the most recent max,
	// whichever trims first.
	CompletedRetention time.Duration
	CompletedMax       int
	// FailedRetention bounds the failed set.
	FailedRetention time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 5 * time.Second
	}
	if out.VisibilityTimeout <= 0 {
		out.VisibilityTimeout = 5 * time.Minute
	}
	if out.CompletedRetention <= 0 {
		out.CompletedRetention = 24 * time.Hour
	}
	if out.CompletedMax <= 0 {
		out.CompletedMax = 1000
	}
	if out.FailedRetention <= 0 {
		out.FailedRetention = 7 * 24 * time.Hour
	}
	return out
}

// backoffDelay returns the wait before retrying after the given attempt.
func (o Options) backoffDelay(attempt int) time.Duration {
	d := o.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
