package store

import (
	"context"
	"fmt"
)

// InsertNotification is idempotent on the notification id so redelivered
// dispatch jobs do not duplicate inbox rows.
func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, request_id, type, title, message, action_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.UserID, n.RequestID, n.Type, n.Title, n.Message, n.ActionURL)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) HasNotification(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, request_id, type, title, message, action_url, read_at, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.UserID, &item.RequestID, &item.Type, &item.Title, &item.Message, &item.ActionURL, &item.ReadAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// UpsertGeneratedDocument keeps one row per request, template and round.
func (s *PostgresStore) UpsertGeneratedDocument(ctx context.Context, doc GeneratedDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generated_documents (id, request_id, template_id, round, object_key, url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id, template_id, round)
		DO UPDATE SET object_key = EXCLUDED.object_key, url = EXCLUDED.url
	`, doc.ID, doc.RequestID, doc.TemplateID, doc.Round, doc.ObjectKey, doc.URL)
	if err != nil {
		return fmt.Errorf("upsert generated document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGeneratedDocuments(ctx context.Context, requestID string) ([]GeneratedDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, template_id, round, object_key, url, created_at
		FROM generated_documents
		WHERE request_id = $1
		ORDER BY created_at
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list generated documents: %w", err)
	}
	defer rows.Close()

	items := make([]GeneratedDocument, 0)
	for rows.Next() {
		var item GeneratedDocument
		if err := rows.Scan(&item.ID, &item.RequestID, &item.TemplateID, &item.Round, &item.ObjectKey, &item.URL, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generated document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generated documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, requestID string, limit int) ([]WorkflowEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, round, action, actor_id, from_status, to_status, detail, created_at
		FROM workflow_events
		WHERE request_id = $1
		ORDER BY id
		LIMIT $2
	`, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflow events: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowEvent, 0)
	for rows.Next() {
		var item WorkflowEvent
		var detail []byte
		if err := rows.Scan(&item.ID, &item.RequestID, &item.Round, &item.Action, &item.ActorID, &item.FromStatus, &item.ToStatus, &detail, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		item.Detail = detail
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow events: %w", err)
	}
	return items, nil
}
