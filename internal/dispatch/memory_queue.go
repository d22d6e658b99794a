package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is the single-process queue used when no Redis URL is configured.
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     map[string]Job
	ready    map[string]time.Time
	inflight map[string]time.Time
	dead     []Job
	lease    time.Duration
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:     map[string]Job{},
		ready:    map[string]time.Time{},
		inflight: map[string]time.Time{},
		lease:    defaultLease,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobs ...Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range jobs {
		q.jobs[job.ID] = job
		q.ready[job.ID] = job.NotBefore
	}
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, deadline := range q.inflight {
		if !deadline.After(now) {
			delete(q.inflight, id)
			q.ready[id] = now
		}
	}

	due := make([]string, 0)
	for id, at := range q.ready {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if q.ready[due[i]].Equal(q.ready[due[j]]) {
			return due[i] < due[j]
		}
		return q.ready[due[i]].Before(q.ready[due[j]])
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Job, 0, len(due))
	for _, id := range due {
		delete(q.ready, id)
		q.inflight[id] = now.Add(q.lease)
		claimed = append(claimed, q.jobs[id])
	}
	return claimed, nil
}

func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, jobID)
	delete(q.jobs, jobID)
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.ID)
	q.jobs[job.ID] = job
	q.ready[job.ID] = job.NotBefore
	return nil
}

func (q *MemoryQueue) Bury(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.ID)
	delete(q.jobs, job.ID)
	q.dead = append(q.dead, job)
	return nil
}

func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

func (q *MemoryQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.dead))
	copy(out, q.dead)
	return out
}
