package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxRequests = "placement_requests"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error; Healthy reports false until it recovers.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	m := newMeili(meili.New(url, meili.WithAPIKey(apiKey)), logger)
	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop()
	return m
}

func newMeili(client meili.ServiceManager, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Meili{client: client, logger: logger, done: make(chan struct{})}
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxRequests, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", idxRequests), zap.Error(err))
	}

	index := m.client.Index(idxRequests)
	filterable := []interface{}{"status", "studentId", "courseInstructorId", "supervisorId", "round"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.String("index", idxRequests), zap.Error(err))
	}
	searchable := []string{"projectTopic", "internshipId", "studentId", "id"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.String("index", idxRequests), zap.Error(err))
	}
	sortable := []string{"updatedAtUnix"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn("update sortable attributes", zap.String("index", idxRequests), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]RequestRecord, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errors.New("meilisearch unhealthy")
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 50
	}
	req := &meili.SearchRequest{
		IndexUID: idxRequests,
		Query:    q.Text,
		Limit:    limit,
		Offset:   int64(q.Offset),
		Sort:     []string{"updatedAtUnix:desc"},
	}
	if q.Status != "" {
		req.Filter = []string{fmt.Sprintf("status = %q", string(q.Status))}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{req}})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	records := make([]RequestRecord, 0)
	total := 0
	for _, result := range resp.Results {
		total += int(result.EstimatedTotalHits)
		for _, hit := range result.Hits {
			record, err := decodeHit(hit)
			if err != nil {
				return nil, 0, err
			}
			records = append(records, record)
		}
	}
	return records, total, nil
}

func decodeHit(hit meili.Hit) (RequestRecord, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return RequestRecord{}, fmt.Errorf("encode search hit: %w", err)
	}
	var record RequestRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return RequestRecord{}, fmt.Errorf("decode search hit: %w", err)
	}
	return record, nil
}

// IndexRequests adds or replaces request records.
func (m *Meili) IndexRequests(_ context.Context, records []RequestRecord) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxRequests).AddDocuments(records, nil); err != nil {
		return fmt.Errorf("index placement requests: %w", err)
	}
	return nil
}
