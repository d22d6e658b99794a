package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWorkflowEventsMigrationUsesBlockingTriggers(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0005_workflow_events_immutability.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"workflow_events_immutable_guard",
		"RAISE EXCEPTION",
		"ERRCODE = '55000'",
		"CREATE TRIGGER trg_workflow_events_block_update",
		"CREATE TRIGGER trg_workflow_events_block_delete",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail immutability guard, found silent DO INSTEAD NOTHING rule")
	}
}

func TestCommitteeMigrationEnforcesPerRoundUniqueness(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0003_committee_assignments.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(sqlBytes), "UNIQUE (request_id, round, committee_member_id)") {
		t.Fatal("committee_assignments must be unique per request, round and member")
	}

	requestsPath := filepath.Join("..", "..", "db", "migrations", "0002_placement_requests.up.sql")
	requestBytes, err := os.ReadFile(requestsPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(requestBytes), "UNIQUE (student_id, internship_id)") {
		t.Fatal("placement_requests must be unique per student and internship")
	}
}
