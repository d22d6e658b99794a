package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"internflow/internal/metrics"
	"internflow/internal/tracing"
	"internflow/internal/util"
	"internflow/internal/workflow"
)

const maxBackoff = 5 * time.Minute

type Options struct {
	MaxAttempts  int
	PollInterval time.Duration
	Workers      int
	BaseBackoff  time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Dispatcher routes queued intents to the handler registered for their kind.
type Dispatcher struct {
	queue    Queue
	logger   *zap.Logger
	opts     Options
	mu       sync.RWMutex
	handlers map[workflow.IntentKind]Handler
}

func New(queue Queue, logger *zap.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		logger:   logger,
		opts:     opts.withDefaults(),
		handlers: map[workflow.IntentKind]Handler{},
	}
}

func (d *Dispatcher) Register(kind workflow.IntentKind, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
}

func (d *Dispatcher) handler(kind workflow.IntentKind) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// Enqueue wraps each intent in a job. Callers invoke it only after the
// transition that produced the intents has committed.
func (d *Dispatcher) Enqueue(ctx context.Context, intents []workflow.Intent) error {
	if len(intents) == 0 {
		return nil
	}
	now := d.opts.Now()
	jobs := make([]Job, 0, len(intents))
	for _, intent := range intents {
		jobs = append(jobs, Job{
			ID:        util.NewID("job"),
			Intent:    intent,
			NotBefore: now,
			CreatedAt: now,
		})
	}
	if err := d.queue.Enqueue(ctx, jobs...); err != nil {
		return err
	}
	d.observeDepth(ctx)
	return nil
}

// Run polls the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("dispatch poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims up to Workers jobs, runs them concurrently and returns
// how many were claimed.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	jobs, err := d.queue.Claim(ctx, d.opts.Now(), d.opts.Workers)
	if err != nil {
		return 0, err
	}
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			d.process(ctx, job)
		}(job)
	}
	wg.Wait()
	if len(jobs) > 0 {
		d.observeDepth(ctx)
	}
	return len(jobs), nil
}

func (d *Dispatcher) process(ctx context.Context, job Job) {
	kind := string(job.Intent.Kind)
	ctx, span := tracing.Start(ctx, "dispatch."+kind,
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempts", job.Attempts),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	logger := d.logger.With(zap.String("job_id", job.ID), zap.String("kind", kind))

	handler, ok := d.handler(job.Intent.Kind)
	if !ok {
		err = Permanent(fmt.Errorf("no handler registered for %q", kind))
	} else {
		err = handler.Handle(ctx, job)
	}

	if err == nil {
		if ackErr := d.queue.Ack(ctx, job.ID); ackErr != nil {
			logger.Error("ack dispatch job", zap.Error(ackErr))
		}
		metrics.DispatchJobsTotal.WithLabelValues(kind, "delivered").Inc()
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	if IsPermanent(err) || job.Attempts >= d.opts.MaxAttempts {
		if buryErr := d.queue.Bury(ctx, job); buryErr != nil {
			logger.Error("bury dispatch job", zap.Error(buryErr))
		}
		metrics.DispatchJobsTotal.WithLabelValues(kind, "dead").Inc()
		logger.Error("dispatch job dead-lettered", zap.Int("attempts", job.Attempts), zap.Error(err))
		return
	}

	job.NotBefore = d.opts.Now().Add(d.backoff(job.Attempts))
	if retryErr := d.queue.Retry(ctx, job); retryErr != nil {
		logger.Error("reschedule dispatch job", zap.Error(retryErr))
	}
	metrics.DispatchJobsTotal.WithLabelValues(kind, "retried").Inc()
	logger.Warn("dispatch job failed, retrying",
		zap.Int("attempts", job.Attempts),
		zap.Time("not_before", job.NotBefore),
		zap.Error(err),
	)
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func (d *Dispatcher) observeDepth(ctx context.Context) {
	depth, err := d.queue.Depth(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.logger.Debug("queue depth unavailable", zap.Error(err))
		}
		return
	}
	metrics.DispatchQueueDepth.Set(float64(depth))
}
