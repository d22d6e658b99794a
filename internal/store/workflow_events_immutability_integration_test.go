package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// seedAuditRequest inserts the user and request rows an audit event needs.
func seedAuditRequest(t *testing.T, ctx context.Context, db *sql.DB, requestID string) {
	t.Helper()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO users (id, display_name) VALUES ('audit-student', 'Audit Student')
		ON CONFLICT (id) DO NOTHING
	`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO placement_requests (id, student_id, internship_id, status)
		VALUES ($1, 'audit-student', $1, 'pending')
		ON CONFLICT (id) DO NOTHING
	`, requestID); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO workflow_events (request_id, round, action, actor_id, from_status, to_status)
		VALUES ($1, 1, 'submit', 'audit-student', '', 'pending')
	`, requestID); err != nil {
		t.Fatalf("insert workflow event: %v", err)
	}
}

func openIntegrationDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := getTestDatabaseURL(t)
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, ctx
}

func expectImmutable(t *testing.T, err error, op string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s to be blocked, but it succeeded", op)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}
	if want := "workflow_events is immutable; " + op + " is not allowed"; pgErr.Message != want {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}
}

func TestWorkflowEventsBlockUpdate(t *testing.T) {
	db, ctx := openIntegrationDB(t)
	seedAuditRequest(t, ctx, db, "audit-update")

	_, err := db.ExecContext(ctx, `UPDATE workflow_events SET to_status = 'approved' WHERE request_id = 'audit-update'`)
	expectImmutable(t, err, "UPDATE")
}

func TestWorkflowEventsBlockDelete(t *testing.T) {
	db, ctx := openIntegrationDB(t)
	seedAuditRequest(t, ctx, db, "audit-delete")

	_, err := db.ExecContext(ctx, `DELETE FROM workflow_events WHERE request_id = 'audit-delete'`)
	expectImmutable(t, err, "DELETE")
}

func TestWorkflowEventsInsertStillWorks(t *testing.T) {
	db, ctx := openIntegrationDB(t)
	seedAuditRequest(t, ctx, db, "audit-insert")

	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_events WHERE request_id = 'audit-insert'`).Scan(&count)
	if err != nil {
		t.Fatalf("query workflow events: %v", err)
	}
	if count < 1 {
		t.Fatalf("expected at least 1 workflow event, got %d", count)
	}
}

// getTestDatabaseURL reads TEST_DATABASE_URL, falling back to the standard
// Postgres environment variables when POSTGRES_HOST is set.
func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := getenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}
	host := getenv("POSTGRES_HOST", "")
	if host == "" {
		return ""
	}
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "internflow")
	pass := getenv("POSTGRES_PASSWORD", "internflow")
	dbname := getenv("POSTGRES_DB", "internflow_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
