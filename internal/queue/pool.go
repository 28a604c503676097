package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PoolOptions tunes the worker pool.
type PoolOptions struct {
	// Concurrency is the number of workers; each runs one job at a time.
	Concurrency int
	// RatePerSecond caps job starts across all workers to protect the
	// downstream analysis services from bursts.
	RatePerSecond float64
	// PollInterval is how long an idle worker waits before checking again.
	PollInterval time.Duration
	// ReapInterval is how often expired active jobs are reclaimed.
	ReapInterval time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	out := o
	if out.Concurrency <= 0 {
		out.Concurrency = 5
	}
	if out.RatePerSecond <= 0 {
		out.RatePerSecond = 10
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	if out.ReapInterval <= 0 {
		out.ReapInterval = 30 * time.Second
	}
	return out
}

// Pool pulls jobs from a Backend with a fixed set of workers. A job occupies
// one worker for its whole run; there is no intra-job parallelism.
type Pool struct {
	backend Backend
	handler Handler
	opts    PoolOptions
	log     *slog.Logger
}

func NewPool(backend Backend, handler Handler, opts PoolOptions, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{backend: backend, handler: handler, opts: opts.withDefaults(), log: log}
}

// Run blocks until ctx is cancelled, then drains: workers stop taking new
// jobs and Run returns once every worker has exited. An in-flight job that
// observes the cancellation is left in the active set for the visibility
// timeout to re-deliver; one that finishes anyway is acked or failed as usual.
// The caller closes the backend connection only after Run returns.
func (p *Pool) Run(ctx context.Context) error {
	if p.backend == nil || p.handler == nil {
		return errors.New("queue: pool needs a backend and a handler")
	}

	limiter := rate.NewLimiter(rate.Limit(p.opts.RatePerSecond), 1)

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.worker(ctx, worker, limiter)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reaper(ctx)
	}()

	wg.Wait()
	return nil
}

func (p *Pool) worker(ctx context.Context, worker int, limiter *rate.Limiter) {
	log := p.log.With("worker", worker)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		d, err := p.backend.Dequeue(ctx)
		if errors.Is(err, ErrNoJob) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}

		p.runJob(ctx, log, d)

		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Pool) runJob(ctx context.Context, log *slog.Logger, d Delivery) {
	start := time.Now()
	err := p.safeHandle(ctx, d)

	// A job cut short by shutdown did not fail; leaving it in the active set
	// lets the visibility timeout re-deliver it without burning an attempt.
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		log.Info("job interrupted by shutdown, leaving for redelivery",
			"job_id", d.ID, "attempt", d.Attempt)
		return
	}

	// Ack/Fail must succeed even during shutdown, or the visibility timeout
	// will re-deliver a finished job.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		log.Warn("job failed",
			"job_id", d.ID, "attempt", d.Attempt, "final", d.Final(),
			"duration_ms", time.Since(start).Milliseconds(), "err", err)
		if failErr := p.backend.Fail(finishCtx, d, err); failErr != nil {
			log.Error("job fail-mark failed", "job_id", d.ID, "err", failErr)
		}
		return
	}

	log.Info("job completed",
		"job_id", d.ID, "attempt", d.Attempt,
		"duration_ms", time.Since(start).Milliseconds())
	if ackErr := p.backend.Ack(finishCtx, d); ackErr != nil {
		log.Error("job ack failed", "job_id", d.ID, "err", ackErr)
	}
}

func (p *Pool) safeHandle(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, d)
}

func (p *Pool) reaper(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := p.backend.Reap(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error("reap failed", "err", err)
			}
			continue
		}
		if n > 0 {
			p.log.Warn("reclaimed expired jobs", "count", n)
		}
	}
}
