package search

import (
	"context"
	"fmt"

	"internflow/internal/store"
	"internflow/internal/workflow"
)

// RequestLister is the Postgres listing backed by the search_vector column.
type RequestLister interface {
	ListRequests(ctx context.Context, filter store.RequestFilter) ([]workflow.Request, error)
}

// PgFTS implements Searcher on top of Postgres full-text search.
type PgFTS struct {
	lister RequestLister
}

func NewPgFTS(lister RequestLister) *PgFTS {
	return &PgFTS{lister: lister}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]RequestRecord, int, error) {
	requests, err := p.lister.ListRequests(ctx, store.RequestFilter{
		Status: q.Status,
		Query:  q.Text,
		Limit:  q.Limit,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("postgres request search: %w", err)
	}
	records := make([]RequestRecord, 0, len(requests))
	for _, req := range requests {
		records = append(records, RecordFromRequest(req))
	}
	return records, len(records), nil
}

// LoadAll reads every request, one status at a time, for a full reindex.
func (p *PgFTS) LoadAll(ctx context.Context) ([]RequestRecord, error) {
	records := make([]RequestRecord, 0)
	for _, status := range workflow.AllStatuses() {
		batch, _, err := p.Search(ctx, Query{Status: status, Limit: 200})
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
	}
	return records, nil
}
