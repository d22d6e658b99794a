package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"internflow/internal/auth"
	"internflow/internal/config"
	"internflow/internal/metrics"
	"internflow/internal/rbac"
	"internflow/internal/search"
	"internflow/internal/store"
	"internflow/internal/tracing"
	"internflow/internal/util"
	"internflow/internal/workflow"
)

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	UsersByIDs(context.Context, []string) (map[string]store.User, error)
	GetSnapshot(context.Context, string) (workflow.Snapshot, error)
	CreateRequest(context.Context, workflow.Outcome) error
	ApplyLocked(context.Context, string, store.TransitionFunc) (workflow.Outcome, error)
	ListNotifications(context.Context, string, int) ([]store.Notification, error)
	ListGeneratedDocuments(context.Context, string) ([]store.GeneratedDocument, error)
	ListEvents(context.Context, string, int) ([]store.WorkflowEvent, error)
	RequestsDueToStart(context.Context, time.Time, int) ([]string, error)
	Ping(context.Context) error
}

// outboxRelay moves intents committed to the outbox onto the job queue.
type outboxRelay interface {
	Flush(context.Context) (int, error)
}

type requestSearch interface {
	Search(context.Context, search.Query) search.Response
}

// Caller is the authenticated actor plus its directory row.
type Caller struct {
	Actor workflow.Actor
	User  store.User
}

type CreateRequestInput struct {
	StudentID          string     `json:"studentId"`
	InternshipID       string     `json:"internshipId"`
	ProjectTopic       string     `json:"projectTopic"`
	CourseInstructorID string     `json:"courseInstructorId"`
	PreferredStartDate *time.Time `json:"preferredStartDate"`
	Draft              bool       `json:"draft"`
}

// ActionInput is the union of every action payload; each action reads only
// the fields it needs.
type ActionInput struct {
	Decision           string          `json:"decision"`
	Feedback           string          `json:"feedback"`
	Reason             string          `json:"reason"`
	CourseInstructorID string          `json:"courseInstructorId"`
	MemberIDs          []string        `json:"memberIds"`
	SupervisorID       string          `json:"supervisorId"`
	Confirm            bool            `json:"confirm"`
	Week               int             `json:"week"`
	Content            json.RawMessage `json:"content"`
	Score              *int            `json:"score"`
	Comments           string          `json:"comments"`
}

type ActionResult struct {
	Request workflow.Request    `json:"request"`
	NoOp    bool                `json:"noOp"`
	Tally   *workflow.Tally     `json:"tally,omitempty"`
	Status  workflow.StatusView `json:"statusView"`
}

type Service struct {
	cfg    config.Config
	store  dataStore
	relay  outboxRelay
	search requestSearch
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg config.Config, dataStore dataStore, relay outboxRelay, search requestSearch, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		relay:  relay,
		search: search,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Policy() workflow.Policy {
	policy := workflow.DefaultPolicy()
	if s.cfg.RequiredApprovals > 0 {
		policy.RequiredApprovals = s.cfg.RequiredApprovals
	}
	policy.EarlyRejection = s.cfg.EarlyRejection
	if s.cfg.RequiredWeeklyReports > 0 {
		policy.RequiredWeeklyReports = s.cfg.RequiredWeeklyReports
	}
	return policy
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate verifies the bearer token and builds the caller's capability
// set. Roles claimed by the token narrow the directory roles; they never add
// to them.
func (s *Service) Authenticate(ctx context.Context, token string) (Caller, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.JWTSecret), token, s.now())
	if err != nil {
		return Caller{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Caller{}, errUnauthorized
	}
	if err != nil {
		return Caller{}, err
	}
	roles := user.Roles
	if len(claims.Roles) > 0 {
		roles = roles.Intersect(rbac.Parse(claims.Roles))
	}
	return Caller{Actor: workflow.Actor{ID: user.ID, Roles: roles}, User: user}, nil
}

func (s *Service) CreateRequest(ctx context.Context, caller Caller, input CreateRequestInput) (ActionResult, error) {
	ctx, span := tracing.Start(ctx, "workflow.create", attribute.String("actor.id", caller.Actor.ID))
	var err error
	defer func() { tracing.End(span, err) }()

	subjects, err := s.subjects(ctx, input.CourseInstructorID)
	if err != nil {
		return ActionResult{}, err
	}
	cmd := workflow.Command{
		Action:          workflow.ActionSubmit,
		Actor:           caller.Actor,
		ProfileComplete: caller.User.ProfileComplete,
		Subjects:        subjects,
	}
	out, err := workflow.Create(workflow.NewRequest{
		ID:                 util.NewID("req"),
		StudentID:          input.StudentID,
		InternshipID:       input.InternshipID,
		ProjectTopic:       input.ProjectTopic,
		CourseInstructorID: strings.TrimSpace(input.CourseInstructorID),
		PreferredStartDate: input.PreferredStartDate,
		Draft:              input.Draft,
	}, cmd, s.now())
	if err != nil {
		s.observe(workflow.ActionSubmit, err, false)
		return ActionResult{}, err
	}
	if err = s.store.CreateRequest(ctx, out); err != nil {
		s.observe(workflow.ActionSubmit, err, false)
		return ActionResult{}, err
	}
	s.observe(workflow.ActionSubmit, nil, false)
	s.enqueue(ctx, out)

	snap := workflow.Snapshot{Request: out.Request}
	return ActionResult{
		Request: out.Request,
		Status:  workflow.Describe(snap, s.Policy(), caller.Actor, s.now()),
	}, nil
}

// Act runs one workflow action against a request under its row lock.
func (s *Service) Act(ctx context.Context, caller Caller, requestID string, action workflow.Action, input ActionInput) (ActionResult, error) {
	ctx, span := tracing.Start(ctx, "workflow."+string(action),
		attribute.String("request.id", requestID),
		attribute.String("actor.id", caller.Actor.ID),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	cmd, err := s.command(ctx, caller, action, input)
	if err != nil {
		s.observe(action, err, false)
		return ActionResult{}, err
	}

	policy := s.Policy()
	now := s.now()
	var snapshot workflow.Snapshot
	started := time.Now()
	out, err := s.store.ApplyLocked(ctx, requestID, func(snap workflow.Snapshot) (workflow.Outcome, error) {
		snapshot = snap
		return workflow.Apply(snap, cmd, policy, now)
	})
	metrics.TransitionDuration.WithLabelValues(string(action)).Observe(time.Since(started).Seconds())
	s.observe(action, err, out.NoOp)
	if err != nil {
		return ActionResult{}, err
	}
	if !out.NoOp {
		s.enqueue(ctx, out)
	}

	view := snapshot
	view.Request = out.Request
	if fresh, loadErr := s.store.GetSnapshot(ctx, requestID); loadErr == nil {
		view = fresh
	}
	return ActionResult{
		Request: out.Request,
		NoOp:    out.NoOp,
		Tally:   out.Tally,
		Status:  workflow.Describe(view, policy, caller.Actor, s.now()),
	}, nil
}

func (s *Service) command(ctx context.Context, caller Caller, action workflow.Action, input ActionInput) (workflow.Command, error) {
	cmd := workflow.Command{
		Action:             action,
		Actor:              caller.Actor,
		Feedback:           firstNonBlank(input.Feedback, input.Reason),
		CourseInstructorID: strings.TrimSpace(input.CourseInstructorID),
		MemberIDs:          input.MemberIDs,
		SupervisorID:       strings.TrimSpace(input.SupervisorID),
		Confirm:            input.Confirm,
		Week:               input.Week,
		Content:            input.Content,
		Score:              input.Score,
		Comments:           input.Comments,
		ProfileComplete:    caller.User.ProfileComplete,
	}
	switch action {
	case workflow.ActionStaffReview, workflow.ActionInstructorReview, workflow.ActionCommitteeDecide:
		decision, err := workflow.ParseDecision(input.Decision)
		if err != nil {
			return workflow.Command{}, err
		}
		cmd.Decision = decision
	case workflow.ActionAssignSupervisor:
		cmd.AppointmentID = util.NewID("apt")
	}

	ids := append([]string{cmd.CourseInstructorID, cmd.SupervisorID}, input.MemberIDs...)
	subjects, err := s.subjects(ctx, ids...)
	if err != nil {
		return workflow.Command{}, err
	}
	cmd.Subjects = subjects
	return cmd, nil
}

// subjects loads the directory roles of every user a payload references.
func (s *Service) subjects(ctx context.Context, ids ...string) (map[string]rbac.Set, error) {
	unique := make([]string, 0, len(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	subjects := make(map[string]rbac.Set, len(unique))
	if len(unique) == 0 {
		return subjects, nil
	}
	users, err := s.store.UsersByIDs(ctx, unique)
	if err != nil {
		return nil, err
	}
	for id, user := range users {
		subjects[id] = user.Roles
	}
	return subjects, nil
}

// enqueue flushes the outbox the transition just wrote to. The intents are
// already durable, so a failure is logged and the background relay retries.
func (s *Service) enqueue(ctx context.Context, out workflow.Outcome) {
	if s.relay == nil || len(out.Intents) == 0 {
		return
	}
	if _, err := s.relay.Flush(ctx); err != nil {
		s.logger.Warn("flush intent outbox",
			zap.String("request_id", out.Request.ID),
			zap.String("action", string(out.Action)),
			zap.Int("intents", len(out.Intents)),
			zap.Error(err),
		)
	}
}

func (s *Service) observe(action workflow.Action, err error, noOp bool) {
	outcome := "applied"
	switch {
	case err != nil:
		outcome = "error"
		var wfErr *workflow.Error
		if errors.As(err, &wfErr) {
			outcome = strings.ToLower(string(wfErr.Kind))
		}
	case noOp:
		outcome = "noop"
	}
	metrics.TransitionsTotal.WithLabelValues(string(action), outcome).Inc()
}

func (s *Service) Status(ctx context.Context, caller Caller, requestID string) (workflow.StatusView, error) {
	snap, err := s.visibleSnapshot(ctx, caller, requestID)
	if err != nil {
		return workflow.StatusView{}, err
	}
	return workflow.Describe(snap, s.Policy(), caller.Actor, s.now()), nil
}

func (s *Service) GetRequest(ctx context.Context, caller Caller, requestID string) (map[string]any, error) {
	snap, err := s.visibleSnapshot(ctx, caller, requestID)
	if err != nil {
		return nil, err
	}
	documents, err := s.store.ListGeneratedDocuments(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"request":    snap.Request,
		"committee":  snap.Roster,
		"reports":    snap.ReportWeeks,
		"evaluation": snap.Evaluation,
		"documents":  documents,
		"status":     workflow.Describe(snap, s.Policy(), caller.Actor, s.now()),
	}, nil
}

func (s *Service) History(ctx context.Context, caller Caller, requestID string, limit int) ([]store.WorkflowEvent, error) {
	if _, err := s.visibleSnapshot(ctx, caller, requestID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, requestID, limit)
}

func (s *Service) visibleSnapshot(ctx context.Context, caller Caller, requestID string) (workflow.Snapshot, error) {
	snap, err := s.store.GetSnapshot(ctx, requestID)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	if !workflow.CanView(snap, caller.Actor) {
		return workflow.Snapshot{}, domainError(http.StatusForbidden, string(workflow.KindForbidden), "Forbidden", nil)
	}
	return snap, nil
}

func (s *Service) ListRequests(ctx context.Context, caller Caller, q search.Query) (search.Response, error) {
	if !caller.Actor.Roles.Can(rbac.ActionListRequests) {
		return search.Response{}, domainError(http.StatusForbidden, string(workflow.KindForbidden), "Forbidden", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.RequestRecord{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) Notifications(ctx context.Context, caller Caller, limit int) ([]store.Notification, error) {
	if !caller.Actor.Roles.Can(rbac.ActionReadInbox) {
		return nil, domainError(http.StatusForbidden, string(workflow.KindForbidden), "Forbidden", nil)
	}
	return s.store.ListNotifications(ctx, caller.Actor.ID, limit)
}

// StartDue applies the system start action to every request whose preferred
// start date has been reached. Requests that moved on meanwhile are skipped.
func (s *Service) StartDue(ctx context.Context) (int, error) {
	ids, err := s.store.RequestsDueToStart(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}
	system := Caller{Actor: workflow.SystemActor()}
	started := 0
	for _, id := range ids {
		result, err := s.Act(ctx, system, id, workflow.ActionStart, ActionInput{})
		if err != nil {
			if errors.Is(err, workflow.ErrIllegalTransition) || errors.Is(err, workflow.ErrConflict) {
				continue
			}
			s.logger.Warn("scheduled start failed", zap.String("request_id", id), zap.Error(err))
			continue
		}
		if !result.NoOp {
			started++
		}
	}
	return started, nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
