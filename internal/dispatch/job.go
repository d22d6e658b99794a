// Package dispatch delivers workflow side effects after the transition that
// produced them has committed. Jobs are retried with backoff and dead-lettered
// once they run out of attempts; nothing here can undo a transition.
package dispatch

import (
	"context"
	"errors"
	"time"

	"internflow/internal/workflow"
)

type Job struct {
	ID        string          `json:"id"`
	Intent    workflow.Intent `json:"intent"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	NotBefore time.Time       `json:"notBefore"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Queue stores jobs until a worker claims them. A claimed job is leased; if it
// is neither acked, retried nor buried before the lease ends it becomes ready
// again.
type Queue interface {
	Enqueue(ctx context.Context, jobs ...Job) error
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Ack(ctx context.Context, jobID string) error
	Retry(ctx context.Context, job Job) error
	Bury(ctx context.Context, job Job) error
	Depth(ctx context.Context) (int64, error)
}

// Handler performs one kind of side effect.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
