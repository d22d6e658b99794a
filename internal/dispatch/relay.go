package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"internflow/internal/store"
	"internflow/internal/workflow"
)

const relayBatchSize = 100

// Outbox is the durable record of intents written with their transition.
type Outbox interface {
	DrainOutbox(ctx context.Context, limit int, fn func([]store.OutboxEntry) error) (int, error)
}

type intentEnqueuer interface {
	Enqueue(ctx context.Context, intents []workflow.Intent) error
}

// Relay moves committed intents from the outbox onto the job queue. An entry
// is marked dispatched only after the queue accepted it, so a queue outage
// delays side effects instead of dropping them.
type Relay struct {
	outbox Outbox
	target intentEnqueuer
	logger *zap.Logger
	mu     sync.Mutex
}

func NewRelay(outbox Outbox, target intentEnqueuer, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{outbox: outbox, target: target, logger: logger}
}

// Flush drains the outbox until it is empty or the queue refuses a batch.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for {
		n, err := r.outbox.DrainOutbox(ctx, relayBatchSize, func(entries []store.OutboxEntry) error {
			intents := make([]workflow.Intent, len(entries))
			for i, entry := range entries {
				intents[i] = entry.Intent
			}
			return r.target.Enqueue(ctx, intents)
		})
		total += n
		if err != nil {
			return total, err
		}
		if n < relayBatchSize {
			return total, nil
		}
	}
}

// Run flushes on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox relay failed", zap.Int("relayed", n), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
