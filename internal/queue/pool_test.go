package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_ProcessesJobsAndDrains(t *testing.T) {
	q := NewMemoryQueue(Options{})
	ctx, cancel := context.WithCancel(context.Background())

	var processed sync.Map
	var count int32
	handler := func(ctx context.Context, d Delivery) error {
		processed.Store(d.ID, d.Attempt)
		if atomic.AddInt32(&count, 1) == 3 {
			cancel()
		}
		return nil
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(context.Background(), Job{ID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	pool := NewPool(q, handler, PoolOptions{Concurrency: 2, RatePerSecond: 1000, PollInterval: 5 * time.Millisecond}, nil)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not drain")
	}

	for _, id := range []string{"a", "b", "c"} {
		if _, ok := processed.Load(id); !ok {
			t.Fatalf("job %s not processed", id)
		}
	}
	if _, _, active, completed, _ := q.Depths(); active != 0 || completed != 3 {
		t.Fatalf("expected all acked, active=%d completed=%d", active, completed)
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	q := NewMemoryQueue(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inFlight, maxInFlight int32
	var finished int32
	handler := func(ctx context.Context, d Delivery) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if atomic.AddInt32(&finished, 1) == 6 {
			cancel()
		}
		return nil
	}

	for i := 0; i < 6; i++ {
		if err := q.Enqueue(context.Background(), Job{ID: string(rune('a' + i))}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	pool := NewPool(q, handler, PoolOptions{Concurrency: 2, RatePerSecond: 1000, PollInterval: time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not finish")
	}

	if got := atomic.LoadInt32(&maxInFlight); got > 2 {
		t.Fatalf("concurrency bound violated: %d workers in flight", got)
	}
}

func TestPool_FailedJobIsRetriedThenExhausted(t *testing.T) {
	q := NewMemoryQueue(Options{MaxAttempts: 3, BackoffBase: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	handler := func(ctx context.Context, d Delivery) error {
		n := atomic.AddInt32(&attempts, 1)
		if n == 3 {
			// give the final Fail a moment to land before stopping
			go func() { time.Sleep(50 * time.Millisecond); cancel() }()
		}
		return errors.New("always failing")
	}

	if err := q.Enqueue(context.Background(), Job{ID: "r1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool := NewPool(q, handler, PoolOptions{Concurrency: 1, RatePerSecond: 1000, PollInterval: time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not stop")
	}

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	_, _, _, _, failed := q.Depths()
	if failed != 1 {
		t.Fatalf("expected job in failed set, got %d", failed)
	}
}

func TestPool_RateLimitsJobStarts(t *testing.T) {
	q := NewMemoryQueue(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const jobs = 4
	var mu sync.Mutex
	var starts []time.Time
	handler := func(ctx context.Context, d Delivery) error {
		mu.Lock()
		starts = append(starts, time.Now())
		n := len(starts)
		mu.Unlock()
		if n == jobs {
			cancel()
		}
		return nil
	}

	for i := 0; i < jobs; i++ {
		if err := q.Enqueue(context.Background(), Job{ID: string(rune('a' + i))}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// 50 starts/sec with burst 1: tokens are granted at least 20ms apart,
	// across all workers. Four starts therefore span at least 60ms.
	pool := NewPool(q, handler, PoolOptions{Concurrency: 2, RatePerSecond: 50, PollInterval: time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not finish")
	}

	if len(starts) != jobs {
		t.Fatalf("expected %d job starts, got %d", jobs, len(starts))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	if elapsed := starts[len(starts)-1].Sub(starts[0]); elapsed < 40*time.Millisecond {
		t.Fatalf("job starts not rate limited: %d starts within %v", jobs, elapsed)
	}
}

func TestPool_ShutdownInterruptedJobIsRedelivered(t *testing.T) {
	q := NewMemoryQueue(Options{MaxAttempts: 1})
	base := time.Unix(1700000000, 0).UTC()
	q.SetClock(func() time.Time { return base })

	ctx, cancel := context.WithCancel(context.Background())
	handler := func(ctx context.Context, d Delivery) error {
		cancel()
		<-ctx.Done()
		return fmt.Errorf("transcription stage: %w", ctx.Err())
	}

	if err := q.Enqueue(context.Background(), Job{ID: "r1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool := NewPool(q, handler, PoolOptions{Concurrency: 1, RatePerSecond: 1000, PollInterval: time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not stop")
	}

	// Final attempt cut short by shutdown: the job must not land in the
	// failed set, it stays active until the visibility timeout expires.
	_, _, active, _, failed := q.Depths()
	if failed != 0 {
		t.Fatalf("interrupted job must not be marked failed, failed=%d", failed)
	}
	if active != 1 {
		t.Fatalf("interrupted job must stay active, active=%d", active)
	}

	q.SetClock(func() time.Time { return base.Add(6 * time.Minute) })
	if n, err := q.Reap(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one reclaimed job, got %d (%v)", n, err)
	}
	d, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue after reap: %v", err)
	}
	if d.ID != "r1" || d.Attempt != 2 {
		t.Fatalf("expected redelivery of r1 as attempt 2, got %s attempt %d", d.ID, d.Attempt)
	}
}

func TestPool_PanicInHandlerCountsAsFailure(t *testing.T) {
	q := NewMemoryQueue(Options{MaxAttempts: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(ctx context.Context, d Delivery) error {
		go func() { time.Sleep(50 * time.Millisecond); cancel() }()
		panic("boom")
	}

	if err := q.Enqueue(context.Background(), Job{ID: "r1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool := NewPool(q, handler, PoolOptions{Concurrency: 1, RatePerSecond: 1000, PollInterval: time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not stop")
	}

	_, _, _, _, failed := q.Depths()
	if failed != 1 {
		t.Fatalf("panicking job must land in failed set, got %d", failed)
	}
}
