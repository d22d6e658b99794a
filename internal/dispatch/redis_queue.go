package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLease = 2 * time.Minute

// claimScript requeues expired leases, then moves up to ARGV[3] ready jobs
// into the in-flight set and returns their payloads. Ids whose payload is
// gone are dropped from both sets.
var claimScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local jobs = KEYS[3]
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local expired = redis.call('ZRANGEBYSCORE', inflight, '-inf', now)
for _, id in ipairs(expired) do
	redis.call('ZREM', inflight, id)
	redis.call('ZADD', ready, now, id)
end

local ids = redis.call('ZRANGEBYSCORE', ready, '-inf', now, 'LIMIT', 0, limit)
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', ready, id)
	local payload = redis.call('HGET', jobs, id)
	if payload then
		redis.call('ZADD', inflight, now + lease, id)
		table.insert(out, payload)
	end
end
return out
`)

// RedisQueue keeps job payloads in a hash and schedules them with two sorted
// sets scored by unix milliseconds. Dead jobs are pushed onto a list.
type RedisQueue struct {
	client *redis.Client
	prefix string
	lease  time.Duration
}

func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisQueueWithClient(client), nil
}

func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, prefix: "dispatch:", lease: defaultLease}
}

func (q *RedisQueue) readyKey() string    { return q.prefix + "ready" }
func (q *RedisQueue) inflightKey() string { return q.prefix + "inflight" }
func (q *RedisQueue) jobsKey() string     { return q.prefix + "jobs" }
func (q *RedisQueue) deadKey() string     { return q.prefix + "dead" }

func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range jobs {
			payload, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("marshal job %s: %w", job.ID, err)
			}
			pipe.HSet(ctx, q.jobsKey(), job.ID, payload)
			pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(job.NotBefore.UnixMilli()), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue jobs: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	keys := []string{q.readyKey(), q.inflightKey(), q.jobsKey()}
	payloads, err := claimScript.Run(ctx, q.client, keys, now.UnixMilli(), q.lease.Milliseconds(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs := make([]Job, 0, len(payloads))
	for _, payload := range payloads {
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), jobID)
		pipe.HDel(ctx, q.jobsKey(), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", jobID, err)
	}
	return nil
}

// Retry stores the updated job and schedules it for job.NotBefore.
func (q *RedisQueue) Retry(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), job.ID)
		pipe.HSet(ctx, q.jobsKey(), job.ID, payload)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(job.NotBefore.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Bury(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), job.ID)
		pipe.HDel(ctx, q.jobsKey(), job.ID)
		pipe.LPush(ctx, q.deadKey(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bury job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.HLen(ctx, q.jobsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// DeadLetters returns up to limit buried jobs, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]Job, error) {
	payloads, err := q.client.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	jobs := make([]Job, 0, len(payloads))
	for _, payload := range payloads {
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
