package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is the durable Backend. All state lives in Redis so pending and
// scheduled jobs survive process restarts, and every multi-key move runs in a
// Lua script so handing a job to a worker is atomic.
//
// Keys under the prefix:
//
//	<p>:ids       SET   outstanding job ids (single-flight dedup)
//	<p>:pending   LIST  ready jobs, FIFO
//	<p>:scheduled ZSET  job id -> retry-ready time (ms)
//	<p>:active    ZSET  job id -> visibility deadline (ms)
//	<p>:job:<id>  HASH  payload, attempts, enqueued_at, last_error
//	<p>:completed ZSET  job id -> finish time, trimmed by retention
//	<p>:failed    ZSET  job id -> failure time, trimmed by retention
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	opts   Options
	clock  func() time.Time
}

func NewRedisQueue(rdb *redis.Client, prefix string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = "callqc:queue"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, opts: opts.withDefaults(), clock: time.Now}
}

func (q *RedisQueue) key(suffix string) string { return q.prefix + ":" + suffix }

func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }

var enqueueScript = redis.NewScript(`
-- KEYS[1] = ids set
-- KEYS[2] = pending list
-- KEYS[3] = job hash
-- ARGV[1] = job id
-- ARGV[2] = payload
-- ARGV[3] = enqueued_at (ms)
--
-- Returns 1 if enqueued, 0 if the id is already outstanding.
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[3])
redis.call('HSET', KEYS[3], 'payload', ARGV[2], 'attempts', 0, 'enqueued_at', ARGV[3])
redis.call('PERSIST', KEYS[3])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
-- KEYS[1] = pending list
-- KEYS[2] = scheduled zset
-- KEYS[3] = active zset
-- KEYS[4] = job key prefix
-- ARGV[1] = now (ms)
-- ARGV[2] = visibility deadline (ms)
--
-- Promotes due retries, then claims the oldest pending job.
-- Returns {id, payload, attempts} or false when idle.
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
end

local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
local attempts = redis.call('HINCRBY', KEYS[4] .. id, 'attempts', 1)
local payload = redis.call('HGET', KEYS[4] .. id, 'payload')
return {id, payload or '', attempts}
`)

var ackScript = redis.NewScript(`
-- KEYS[1] = active zset
-- KEYS[2] = ids set
-- KEYS[3] = completed zset
-- KEYS[4] = job hash
-- ARGV[1] = job id
-- ARGV[2] = now (ms)
-- ARGV[3] = completed retention (ms)
-- ARGV[4] = completed max entries
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('PEXPIRE', KEYS[4], ARGV[3])

-- retention: time window first, then cap to the most recent N
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', ARGV[2] - ARGV[3])
local extra = redis.call('ZCARD', KEYS[3]) - tonumber(ARGV[4])
if extra > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[3], 0, extra - 1)
end
return 1
`)

var failScript = redis.NewScript(`
-- KEYS[1] = active zset
-- KEYS[2] = scheduled zset
-- KEYS[3] = ids set
-- KEYS[4] = failed zset
-- KEYS[5] = job hash
-- ARGV[1] = job id
-- ARGV[2] = '1' when attempts are exhausted
-- ARGV[3] = retry-ready time (ms)
-- ARGV[4] = now (ms)
-- ARGV[5] = failed retention (ms)
-- ARGV[6] = error text
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[5], 'last_error', ARGV[6])
if ARGV[2] == '1' then
  redis.call('SREM', KEYS[3], ARGV[1])
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
  redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', ARGV[4] - ARGV[5])
  redis.call('PEXPIRE', KEYS[5], ARGV[5])
else
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

var reapScript = redis.NewScript(`
-- KEYS[1] = active zset
-- KEYS[2] = pending list
-- ARGV[1] = now (ms)
--
-- Returns expired active jobs to pending so a crashed worker's job becomes
-- reclaimable. The re-dequeue consumes an attempt.
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #expired
`)

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errNoID
	}
	now := q.clock().UnixMilli()
	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.key("ids"), q.key("pending"), q.jobKey(job.ID)},
		job.ID, string(job.Payload), now,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	if res == 0 {
		return ErrDuplicateJob
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	now := q.clock()
	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.key("pending"), q.key("scheduled"), q.key("active"), q.prefix + ":job:"},
		now.UnixMilli(), now.Add(q.opts.VisibilityTimeout).UnixMilli(),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, ErrNoJob
		}
		return Delivery{}, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(res) != 3 {
		return Delivery{}, fmt.Errorf("queue: dequeue returned %d fields", len(res))
	}

	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	attempts, ok := res[2].(int64)
	if id == "" || !ok {
		return Delivery{}, fmt.Errorf("queue: malformed dequeue result %v", res)
	}
	return Delivery{
		Job:         Job{ID: id, Payload: []byte(payload)},
		Attempt:     int(attempts),
		MaxAttempts: q.opts.MaxAttempts,
	}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	err := ackScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("ids"), q.key("completed"), q.jobKey(d.ID)},
		d.ID, q.clock().UnixMilli(), q.opts.CompletedRetention.Milliseconds(), q.opts.CompletedMax,
	).Err()
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, d Delivery, jobErr error) error {
	now := q.clock()
	final := "0"
	if d.Final() {
		final = "1"
	}
	retryAt := now.Add(q.opts.backoffDelay(d.Attempt)).UnixMilli()
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	err := failScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("scheduled"), q.key("ids"), q.key("failed"), q.jobKey(d.ID)},
		d.ID, final, retryAt, now.UnixMilli(), q.opts.FailedRetention.Milliseconds(), msg,
	).Err()
	if err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}
	return nil
}

func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("pending")},
		q.clock().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: reap: %w", err)
	}
	return n, nil
}
