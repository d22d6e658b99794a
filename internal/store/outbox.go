package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"internflow/internal/workflow"
)

// OutboxEntry is an intent written alongside the transition that produced it
// and not yet handed to the job queue.
type OutboxEntry struct {
	ID     int64
	Intent workflow.Intent
}

func insertOutbox(ctx context.Context, tx *sql.Tx, requestID string, intents []workflow.Intent) error {
	for _, intent := range intents {
		payload, err := json.Marshal(intent)
		if err != nil {
			return fmt.Errorf("marshal outbox intent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO intent_outbox (request_id, payload)
			VALUES ($1, $2)
		`, requestID, payload); err != nil {
			return fmt.Errorf("insert outbox intent: %w", err)
		}
	}
	return nil
}

// DrainOutbox locks up to limit pending entries, passes them to fn and marks
// them dispatched when fn succeeds. Entries stay pending if fn fails, so the
// next drain retries them. Concurrent drains skip rows another drain holds.
func (s *PostgresStore) DrainOutbox(ctx context.Context, limit int, fn func([]OutboxEntry) error) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload
		FROM intent_outbox
		WHERE dispatched_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("select outbox: %w", err)
	}
	entries := make([]OutboxEntry, 0)
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox entry: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Intent); err != nil {
			rows.Close()
			return 0, fmt.Errorf("decode outbox entry %d: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate outbox: %w", err)
	}
	rows.Close()

	if len(entries) == 0 {
		return 0, nil
	}
	if err := fn(entries); err != nil {
		return 0, err
	}

	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	if _, err := tx.ExecContext(ctx, `UPDATE intent_outbox SET dispatched_at = NOW() WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("mark outbox dispatched: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox drain: %w", err)
	}
	return len(entries), nil
}
