package search

import (
	"context"

	"go.uber.org/zap"
)

const (
	SourceIndex    = "meilisearch"
	SourcePostgres = "postgres"
)

// Service is the facade that tries the index first and falls back to Postgres.
type Service struct {
	index    Searcher
	indexer  Indexer
	fallback *PgFTS
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback *PgFTS, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{fallback: fallback, logger: logger}
	if meili != nil {
		s.index = meili
		s.indexer = meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: SourceIndex}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []RequestRecord{}, Query: q.Text, Source: SourcePostgres}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: SourcePostgres}
}

// IndexRequest pushes one record. It is a no-op without an index; callers in
// the dispatcher get the error back so the job is retried.
func (s *Service) IndexRequest(ctx context.Context, record RequestRecord) error {
	if s.indexer == nil {
		return nil
	}
	return s.indexer.IndexRequests(ctx, []RequestRecord{record})
}

// Reindex copies every request from Postgres into the index.
func (s *Service) Reindex(ctx context.Context) {
	if s.indexer == nil || s.index == nil || !s.index.Healthy() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadAll(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.indexer.IndexRequests(ctx, records); err != nil {
		s.logger.Warn("reindex failed", zap.Error(err))
		return
	}
	s.logger.Info("search index rebuilt", zap.Int("requests", len(records)))
}

func nonNil(r []RequestRecord) []RequestRecord {
	if r == nil {
		return []RequestRecord{}
	}
	return r
}
