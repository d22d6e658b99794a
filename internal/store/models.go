package store

import (
	"encoding/json"
	"time"

	"internflow/internal/rbac"
	"internflow/internal/workflow"
)

// User is a row from the read-only user directory.
type User struct {
	ID              string
	DisplayName     string
	Email           string
	ProfileComplete bool
	Roles           rbac.Set
	CreatedAt       time.Time
}

type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	RequestID string     `json:"requestId"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	ActionURL string     `json:"actionUrl"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

type GeneratedDocument struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"requestId"`
	TemplateID string    `json:"templateId"`
	Round      int       `json:"round"`
	ObjectKey  string    `json:"objectKey"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"createdAt"`
}

// WorkflowEvent is one row of the append-only audit log.
type WorkflowEvent struct {
	ID         int64           `json:"id"`
	RequestID  string          `json:"requestId"`
	Round      int             `json:"round"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actorId"`
	FromStatus string          `json:"fromStatus,omitempty"`
	ToStatus   string          `json:"toStatus"`
	Detail     json.RawMessage `json:"detail"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type RequestFilter struct {
	Status workflow.Status
	Query  string
	Limit  int
}
