// Package search serves the staff request listing from Meilisearch, falling
// back to Postgres full-text search when the index is unavailable.
package search

import (
	"context"
	"time"

	"internflow/internal/workflow"
)

// RequestRecord is the document indexed for one placement request.
type RequestRecord struct {
	ID                 string `json:"id"`
	StudentID          string `json:"studentId"`
	InternshipID       string `json:"internshipId"`
	ProjectTopic       string `json:"projectTopic"`
	Status             string `json:"status"`
	Round              int    `json:"round"`
	CourseInstructorID string `json:"courseInstructorId"`
	SupervisorID       string `json:"supervisorId"`
	UpdatedAt          string `json:"updatedAt"`
	UpdatedAtUnix      int64  `json:"updatedAtUnix"`
}

func RecordFromRequest(req workflow.Request) RequestRecord {
	return RequestRecord{
		ID:                 req.ID,
		StudentID:          req.StudentID,
		InternshipID:       req.InternshipID,
		ProjectTopic:       req.ProjectTopic,
		Status:             string(req.Status),
		Round:              req.Round,
		CourseInstructorID: req.CourseInstructorID,
		SupervisorID:       req.SupervisorID,
		UpdatedAt:          req.UpdatedAt.UTC().Format(time.RFC3339),
		UpdatedAtUnix:      req.UpdatedAt.Unix(),
	}
}

type Query struct {
	Text   string
	Status workflow.Status
	Limit  int
	Offset int
}

// Response is the envelope returned by the listing endpoint.
type Response struct {
	Results []RequestRecord `json:"results"`
	Total   int             `json:"total"`
	Query   string          `json:"query"`
	Source  string          `json:"source"`
}

// Searcher can execute a request search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]RequestRecord, int, error)
	Healthy() bool
}

// Indexer pushes request records into an index.
type Indexer interface {
	IndexRequests(ctx context.Context, records []RequestRecord) error
}
