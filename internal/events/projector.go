package events

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"internflow/internal/dispatch"
	"internflow/internal/metrics"
	"internflow/internal/search"
	"internflow/internal/workflow"
)

type RequestReader interface {
	GetRequest(ctx context.Context, requestID string) (workflow.Request, error)
}

type RequestIndexer interface {
	IndexRequest(ctx context.Context, record search.RequestRecord) error
}

// Projector handles status_changed jobs. It indexes the request as it is now,
// not as it was in the intent, so out-of-order delivery converges.
type Projector struct {
	requests  RequestReader
	indexer   RequestIndexer
	publisher Publisher
	logger    *zap.Logger
}

// NewProjector builds a Projector; indexer and publisher may each be nil.
func NewProjector(requests RequestReader, indexer RequestIndexer, publisher Publisher, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{requests: requests, indexer: indexer, publisher: publisher, logger: logger}
}

func (p *Projector) Handle(ctx context.Context, job dispatch.Job) error {
	change := job.Intent.Status
	if change == nil {
		return dispatch.Permanent(errors.New("status job without payload"))
	}
	if p.indexer != nil {
		req, err := p.requests.GetRequest(ctx, change.RequestID)
		if errors.Is(err, workflow.ErrNotFound) {
			return dispatch.Permanent(err)
		}
		if err != nil {
			return fmt.Errorf("%w: load request: %v", workflow.ErrDownstreamUnavailable, err)
		}
		if err := p.indexer.IndexRequest(ctx, search.RecordFromRequest(req)); err != nil {
			return fmt.Errorf("%w: index request: %v", workflow.ErrDownstreamUnavailable, err)
		}
	}

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, *change); err != nil {
			return fmt.Errorf("%w: %v", workflow.ErrDownstreamUnavailable, err)
		}
	}

	metrics.StatusChangesTotal.WithLabelValues(string(change.To)).Inc()
	p.logger.Debug("status change projected",
		zap.String("request_id", change.RequestID),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
	)
	return nil
}
