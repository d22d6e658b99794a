package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"internflow/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDispatcher(t *testing.T, q Queue, maxAttempts int) (*Dispatcher, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	d := New(q, zaptest.NewLogger(t), Options{
		MaxAttempts: maxAttempts,
		Workers:     4,
		BaseBackoff: time.Second,
		Now:         clock.Now,
	})
	return d, clock
}

func notifyIntent(userID string) workflow.Intent {
	return workflow.Intent{Kind: workflow.IntentNotify, Notify: &workflow.Notification{
		RequestID: "REQ-1",
		UserID:    userID,
		Type:      "request_approved",
		Title:     "Approved",
	}}
}

func TestDispatcherDeliversEachIntent(t *testing.T) {
	q := NewMemoryQueue()
	d, _ := newTestDispatcher(t, q, 3)

	var mu sync.Mutex
	var seen []string
	d.Register(workflow.IntentNotify, HandlerFunc(func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job.Intent.Notify.UserID)
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, []workflow.Intent{notifyIntent("STU-1"), notifyIntent("INSTR-1")}))

	n, err := d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"STU-1", "INSTR-1"}, seen)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDispatcherRetriesWithBackoffThenBuries(t *testing.T) {
	q := NewMemoryQueue()
	d, clock := newTestDispatcher(t, q, 3)

	calls := 0
	d.Register(workflow.IntentNotify, HandlerFunc(func(context.Context, Job) error {
		calls++
		return errors.New("smtp unavailable")
	}))

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, []workflow.Intent{notifyIntent("STU-1")}))

	_, err := d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	n, err := d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "job is not due before its backoff elapses")

	clock.Advance(time.Second)
	_, err = d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	clock.Advance(2 * time.Second)
	_, err = d.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "smtp unavailable", dead[0].LastError)
}

func TestDispatcherPermanentErrorSkipsRetries(t *testing.T) {
	q := NewMemoryQueue()
	d, _ := newTestDispatcher(t, q, 5)
	d.Register(workflow.IntentNotify, HandlerFunc(func(context.Context, Job) error {
		return Permanent(errors.New("recipient has no email"))
	}))

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, []workflow.Intent{notifyIntent("STU-1")}))
	_, err := d.ProcessOnce(ctx)
	require.NoError(t, err)

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Attempts)
}

func TestDispatcherUnknownKindIsDeadLettered(t *testing.T) {
	q := NewMemoryQueue()
	d, _ := newTestDispatcher(t, q, 5)

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, []workflow.Intent{{Kind: workflow.IntentGenerateDocument}}))
	_, err := d.ProcessOnce(ctx)
	require.NoError(t, err)

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "no handler registered")
}

func TestBackoffIsCapped(t *testing.T) {
	d, _ := newTestDispatcher(t, NewMemoryQueue(), 3)
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, maxBackoff, d.backoff(20))
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("plain")))
	assert.True(t, IsPermanent(Permanent(errors.New("bad"))))
}
