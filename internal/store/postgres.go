package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"internflow/internal/rbac"
	"internflow/internal/workflow"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const userColumns = `
	u.id, u.display_name, u.email, u.profile_complete, u.created_at,
	COALESCE(array_agg(ur.role ORDER BY ur.role) FILTER (WHERE ur.role IS NOT NULL), '{}')
`

func scanUser(scanner interface{ Scan(...any) error }) (User, error) {
	var user User
	var roles []string
	if err := scanner.Scan(&user.ID, &user.DisplayName, &user.Email, &user.ProfileComplete, &user.CreatedAt, pq.Array(&roles)); err != nil {
		return User{}, err
	}
	user.Roles = rbac.Parse(roles)
	return user, nil
}

// GetUserByID returns sql.ErrNoRows when the user is not in the directory.
func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		WHERE u.id = $1
		GROUP BY u.id
	`, userID)
	user, err := scanUser(row)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UsersByIDs loads the directory entries for ids. Unknown ids are absent from
// the result.
func (s *PostgresStore) UsersByIDs(ctx context.Context, ids []string) (map[string]User, error) {
	users := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		WHERE u.id = ANY($1)
		GROUP BY u.id
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users[user.ID] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) UsersWithRole(ctx context.Context, role rbac.Role) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE u.id IN (SELECT user_id FROM user_roles WHERE role = $1)
		GROUP BY u.id
		ORDER BY u.id
	`, string(role))
	if err != nil {
		return nil, fmt.Errorf("list users with role: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

const requestColumns = `
	id, student_id, internship_id, project_topic, status, round,
	course_instructor_id, course_instructor_status, staff_reviewed, staff_status,
	staff_reviewer_id, staff_feedback, supervisor_id, supervisor_assigned,
	committee_received, committee_decision, required_approvals, feedback,
	preferred_start_date, started_at, completed_at, created_at, updated_at
`

func scanRequest(scanner interface{ Scan(...any) error }) (workflow.Request, error) {
	var req workflow.Request
	var courseInstructorID, staffReviewerID, supervisorID sql.NullString
	var preferredStart, startedAt, completedAt sql.NullTime
	err := scanner.Scan(
		&req.ID,
		&req.StudentID,
		&req.InternshipID,
		&req.ProjectTopic,
		&req.Status,
		&req.Round,
		&courseInstructorID,
		&req.CourseInstructorStatus,
		&req.StaffReviewed,
		&req.StaffStatus,
		&staffReviewerID,
		&req.StaffFeedback,
		&supervisorID,
		&req.SupervisorAssigned,
		&req.CommitteeReceived,
		&req.CommitteeDecision,
		&req.RequiredApprovals,
		&req.Feedback,
		&preferredStart,
		&startedAt,
		&completedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return workflow.Request{}, err
	}
	req.CourseInstructorID = courseInstructorID.String
	req.StaffReviewerID = staffReviewerID.String
	req.SupervisorID = supervisorID.String
	req.PreferredStartDate = timePtr(preferredStart)
	req.StartedAt = timePtr(startedAt)
	req.CompletedAt = timePtr(completedAt)
	return req, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (workflow.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM placement_requests WHERE id = $1`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Request{}, workflow.NotFound("placement request not found")
	}
	if err != nil {
		return workflow.Request{}, fmt.Errorf("get placement request: %w", err)
	}
	return req, nil
}

// GetSnapshot reads a request and its current-round child rows without locking.
func (s *PostgresStore) GetSnapshot(ctx context.Context, requestID string) (workflow.Snapshot, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	return loadChildren(ctx, s.db, req)
}

// CreateRequest inserts a new request produced by workflow.Create together
// with its first audit event.
func (s *PostgresStore) CreateRequest(ctx context.Context, out workflow.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create request tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	req := out.Request
	_, err = tx.ExecContext(ctx, `
		INSERT INTO placement_requests (
			id, student_id, internship_id, project_topic, status, round,
			course_instructor_id, course_instructor_status, staff_status, committee_decision,
			preferred_start_date, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		req.ID, req.StudentID, req.InternshipID, req.ProjectTopic, string(req.Status), req.Round,
		nullString(req.CourseInstructorID), string(req.CourseInstructorStatus), string(req.StaffStatus), string(req.CommitteeDecision),
		nullTime(req.PreferredStartDate), req.CreatedAt, req.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return workflow.Conflict("a placement request for this internship already exists", map[string]any{
			"studentId":    req.StudentID,
			"internshipId": req.InternshipID,
		})
	}
	if err != nil {
		return fmt.Errorf("insert placement request: %w", err)
	}

	if err := insertEvent(ctx, tx, out); err != nil {
		return err
	}
	if err := insertOutbox(ctx, tx, req.ID, out.Intents); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create request: %w", err)
	}
	return nil
}

// ListRequests is the Postgres listing used when the search index is unavailable.
func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]workflow.Request, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM placement_requests
		WHERE ($1 = '' OR status = $1)
			AND ($2 = '' OR search_vector @@ plainto_tsquery('simple', $2))
		ORDER BY updated_at DESC
		LIMIT $3
	`, string(filter.Status), strings.TrimSpace(filter.Query), limit)
	if err != nil {
		return nil, fmt.Errorf("list placement requests: %w", err)
	}
	defer rows.Close()

	items := make([]workflow.Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan placement request: %w", err)
		}
		items = append(items, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate placement requests: %w", err)
	}
	return items, nil
}

// RequestsDueToStart lists requests with an assigned supervisor whose
// preferred start date has been reached.
func (s *PostgresStore) RequestsDueToStart(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM placement_requests
		WHERE status = 'supervisor_assigned'
			AND preferred_start_date IS NOT NULL
			AND preferred_start_date <= $1
		ORDER BY preferred_start_date
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests due to start: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests due to start: %w", err)
	}
	return ids, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
