package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"internflow/internal/workflow"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TransitionFunc computes an outcome from a snapshot read under the row lock.
type TransitionFunc func(snap workflow.Snapshot) (workflow.Outcome, error)

// ApplyLocked serialises every write to one request. It locks the request row,
// loads the snapshot, runs fn and persists the outcome, an audit event and the
// outcome's intents in the same transaction. No-op outcomes are returned
// without writing.
func (s *PostgresStore) ApplyLocked(ctx context.Context, requestID string, fn TransitionFunc) (workflow.Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM placement_requests WHERE id = $1 FOR UPDATE`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Outcome{}, workflow.NotFound("placement request not found")
	}
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("lock placement request: %w", err)
	}

	snap, err := loadChildren(ctx, tx, req)
	if err != nil {
		return workflow.Outcome{}, err
	}

	out, err := fn(snap)
	if err != nil {
		return workflow.Outcome{}, err
	}
	if out.NoOp {
		return out, nil
	}

	if err := persistOutcome(ctx, tx, out); err != nil {
		return workflow.Outcome{}, err
	}
	if err := insertEvent(ctx, tx, out); err != nil {
		return workflow.Outcome{}, err
	}
	if err := insertOutbox(ctx, tx, out.Request.ID, out.Intents); err != nil {
		return workflow.Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.Outcome{}, fmt.Errorf("commit transition: %w", err)
	}
	return out, nil
}

func loadChildren(ctx context.Context, q queryer, req workflow.Request) (workflow.Snapshot, error) {
	snap := workflow.Snapshot{Request: req}

	roster, err := loadRoster(ctx, q, req.ID, req.Round)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	snap.Roster = roster

	rows, err := q.QueryContext(ctx, `SELECT week_number FROM weekly_reports WHERE request_id = $1 ORDER BY week_number`, req.ID)
	if err != nil {
		return workflow.Snapshot{}, fmt.Errorf("list report weeks: %w", err)
	}
	defer rows.Close()
	weeks := make([]int, 0)
	for rows.Next() {
		var week int
		if err := rows.Scan(&week); err != nil {
			return workflow.Snapshot{}, fmt.Errorf("scan report week: %w", err)
		}
		weeks = append(weeks, week)
	}
	if err := rows.Err(); err != nil {
		return workflow.Snapshot{}, fmt.Errorf("iterate report weeks: %w", err)
	}
	snap.ReportWeeks = weeks

	var evaluation workflow.Evaluation
	err = q.QueryRowContext(ctx, `
		SELECT request_id, evaluator_id, score, comments, submitted_at
		FROM evaluations
		WHERE request_id = $1
	`, req.ID).Scan(&evaluation.RequestID, &evaluation.EvaluatorID, &evaluation.Score, &evaluation.Comments, &evaluation.SubmittedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return workflow.Snapshot{}, fmt.Errorf("get evaluation: %w", err)
	default:
		snap.Evaluation = &evaluation
	}
	return snap, nil
}

func loadRoster(ctx context.Context, q queryer, requestID string, round int) ([]workflow.CommitteeAssignment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT request_id, round, committee_member_id, decision, reason, decided_at, assigned_at
		FROM committee_assignments
		WHERE request_id = $1 AND round = $2
		ORDER BY committee_member_id
	`, requestID, round)
	if err != nil {
		return nil, fmt.Errorf("list committee roster: %w", err)
	}
	defer rows.Close()

	roster := make([]workflow.CommitteeAssignment, 0)
	for rows.Next() {
		var item workflow.CommitteeAssignment
		var decidedAt sql.NullTime
		if err := rows.Scan(&item.RequestID, &item.Round, &item.MemberID, &item.Decision, &item.Reason, &decidedAt, &item.AssignedAt); err != nil {
			return nil, fmt.Errorf("scan committee assignment: %w", err)
		}
		item.DecidedAt = timePtr(decidedAt)
		roster = append(roster, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate committee roster: %w", err)
	}
	return roster, nil
}

func persistOutcome(ctx context.Context, tx *sql.Tx, out workflow.Outcome) error {
	req := out.Request
	_, err := tx.ExecContext(ctx, `
		UPDATE placement_requests SET
			status = $2,
			round = $3,
			course_instructor_id = $4,
			course_instructor_status = $5,
			staff_reviewed = $6,
			staff_status = $7,
			staff_reviewer_id = $8,
			staff_feedback = $9,
			supervisor_id = $10,
			supervisor_assigned = $11,
			committee_received = $12,
			committee_decision = $13,
			required_approvals = $14,
			feedback = $15,
			started_at = $16,
			completed_at = $17,
			updated_at = $18
		WHERE id = $1
	`,
		req.ID, string(req.Status), req.Round,
		nullString(req.CourseInstructorID), string(req.CourseInstructorStatus),
		req.StaffReviewed, string(req.StaffStatus), nullString(req.StaffReviewerID), req.StaffFeedback,
		nullString(req.SupervisorID), req.SupervisorAssigned,
		req.CommitteeReceived, string(req.CommitteeDecision), req.RequiredApprovals, req.Feedback,
		nullTime(req.StartedAt), nullTime(req.CompletedAt), req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update placement request: %w", err)
	}

	if out.ReplaceRoster != nil {
		if err := replaceRoster(ctx, tx, req, out.ReplaceRoster); err != nil {
			return err
		}
	}
	if out.MemberDecision != nil {
		if err := recordMemberDecision(ctx, tx, *out.MemberDecision, out.Tally); err != nil {
			return err
		}
	}
	if out.Appointment != nil {
		a := out.Appointment
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO supervisor_appointments (id, request_id, supervisor_id, appointed_by, appointed_at)
			VALUES ($1, $2, $3, $4, $5)
		`, a.ID, a.RequestID, a.SupervisorID, a.AppointedBy, a.AppointedAt); err != nil {
			return fmt.Errorf("insert supervisor appointment: %w", err)
		}
	}
	if out.Report != nil {
		r := out.Report
		_, err := tx.ExecContext(ctx, `
			INSERT INTO weekly_reports (request_id, week_number, content, submitted_by, submitted_at)
			VALUES ($1, $2, $3::jsonb, $4, $5)
		`, r.RequestID, r.Week, string(r.Content), r.SubmittedBy, r.SubmittedAt)
		if isUniqueViolation(err) {
			return workflow.Conflict("weekly report already submitted for this week", map[string]any{"week": r.Week})
		}
		if err != nil {
			return fmt.Errorf("insert weekly report: %w", err)
		}
	}
	if out.Evaluation != nil {
		e := out.Evaluation
		_, err := tx.ExecContext(ctx, `
			INSERT INTO evaluations (request_id, evaluator_id, score, comments, submitted_at)
			VALUES ($1, $2, $3, $4, $5)
		`, e.RequestID, e.EvaluatorID, e.Score, e.Comments, e.SubmittedAt)
		if isUniqueViolation(err) {
			return workflow.Conflict("final evaluation already recorded", nil)
		}
		if err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}
	}
	return nil
}

// replaceRoster supersedes the current round's roster. Rows from earlier
// rounds are left as history.
func replaceRoster(ctx context.Context, tx *sql.Tx, req workflow.Request, roster []workflow.CommitteeAssignment) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM committee_assignments
		WHERE request_id = $1 AND round = $2
	`, req.ID, req.Round); err != nil {
		return fmt.Errorf("clear committee roster: %w", err)
	}
	for _, member := range roster {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO committee_assignments (request_id, round, committee_member_id, decision, assigned_at)
			VALUES ($1, $2, $3, $4, $5)
		`, member.RequestID, member.Round, member.MemberID, string(member.Decision), member.AssignedAt)
		if isUniqueViolation(err) {
			return workflow.Conflict("committee member listed twice", map[string]any{"committeeMemberId": member.MemberID})
		}
		if err != nil {
			return fmt.Errorf("insert committee assignment: %w", err)
		}
	}
	return nil
}

// recordMemberDecision writes one member's decision and recounts the round
// from the rows inside the transaction. A recount that disagrees with the
// executor's tally aborts the transaction as a conflict.
func recordMemberDecision(ctx context.Context, tx *sql.Tx, member workflow.CommitteeAssignment, tally *workflow.Tally) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE committee_assignments
		SET decision = $4, reason = $5, decided_at = $6
		WHERE request_id = $1 AND round = $2 AND committee_member_id = $3 AND decision = 'pending'
	`, member.RequestID, member.Round, member.MemberID, string(member.Decision), member.Reason, nullTime(member.DecidedAt))
	if err != nil {
		return fmt.Errorf("record committee decision: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record committee decision: %w", err)
	}
	if affected == 0 {
		return workflow.Conflict("committee member has already decided this round", map[string]any{"committeeMemberId": member.MemberID})
	}
	if tally == nil {
		return nil
	}

	var approved, rejected int
	err = tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE decision = 'approved'),
			COUNT(*) FILTER (WHERE decision = 'rejected')
		FROM committee_assignments
		WHERE request_id = $1 AND round = $2
	`, member.RequestID, member.Round).Scan(&approved, &rejected)
	if err != nil {
		return fmt.Errorf("recount committee decisions: %w", err)
	}
	if approved != tally.Approved || rejected != tally.Rejected {
		return workflow.Conflict("committee tally changed during the transition", map[string]any{
			"approved": approved,
			"rejected": rejected,
		})
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, out workflow.Outcome) error {
	detail := map[string]any{}
	if out.MemberDecision != nil {
		detail["committeeMemberId"] = out.MemberDecision.MemberID
		detail["decision"] = out.MemberDecision.Decision
		if out.MemberDecision.Reason != "" {
			detail["reason"] = out.MemberDecision.Reason
		}
	}
	if out.Tally != nil {
		detail["tally"] = out.Tally
	}
	if out.ReplaceRoster != nil {
		members := make([]string, 0, len(out.ReplaceRoster))
		for _, member := range out.ReplaceRoster {
			members = append(members, member.MemberID)
		}
		detail["memberIds"] = members
	}
	if out.Report != nil {
		detail["week"] = out.Report.Week
	}
	if out.Appointment != nil {
		detail["supervisorId"] = out.Appointment.SupervisorID
	}
	if out.Evaluation != nil {
		detail["score"] = out.Evaluation.Score
	}
	if out.Request.Feedback != "" && out.StatusChanged() {
		detail["feedback"] = out.Request.Feedback
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal workflow event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_events (request_id, round, action, actor_id, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, out.Request.ID, out.Request.Round, string(out.Action), out.ActorID, string(out.From), string(out.Request.Status), string(encoded), out.Request.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}
