package workflow

import (
	"time"

	"internflow/internal/rbac"
)

type Gate string

const (
	GateSubmission      Gate = "submission"
	GateStaffReview     Gate = "staff_review"
	GateInstructor      Gate = "instructor_review"
	GateCommittee       Gate = "committee"
	GateSupervisor      Gate = "supervisor_assignment"
	GateStart           Gate = "start"
	GateWeeklyReports   Gate = "weekly_reports"
	GateFinalEvaluation Gate = "final_evaluation"
	GateCompleted       Gate = "completed"
)

type GateState string

const (
	GateNotStarted GateState = "not_started"
	GateWaiting    GateState = "in_progress"
	GatePassed     GateState = "approved"
	GateFailed     GateState = "rejected"
)

// CurrentGate is the gate that owns the next decision for a status. Rejected
// states report the gate that rejected them.
func CurrentGate(status Status) Gate {
	switch status {
	case StatusDraft:
		return GateSubmission
	case StatusPending, StatusStaffRejected:
		return GateStaffReview
	case StatusStaffReviewed, StatusInstructorRejected:
		return GateInstructor
	case StatusInstructorApproved, StatusCommitteeReview, StatusCommitteeRejected:
		return GateCommittee
	case StatusApproved:
		return GateSupervisor
	case StatusSupervisorAssigned:
		return GateStart
	case StatusInternshipStarted:
		return GateWeeklyReports
	case StatusInternshipOngoing:
		return GateFinalEvaluation
	default:
		return GateCompleted
	}
}

type GateView struct {
	Gate    Gate           `json:"gate"`
	State   GateState      `json:"state"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusView is the derived workflow status returned to clients.
type StatusView struct {
	RequestID       string     `json:"requestId"`
	Status          Status     `json:"status"`
	Round           int        `json:"round"`
	CurrentGate     Gate       `json:"currentGate"`
	Gates           []GateView `json:"gates"`
	Committee       *Tally     `json:"committee,omitempty"`
	ReportsRequired int        `json:"reportsRequired"`
	ReportsPresent  int        `json:"reportsPresent"`
	CanProceed      bool       `json:"canProceed"`
	IsCompleted     bool       `json:"isCompleted"`
	IsRejected      bool       `json:"isRejected"`
	AllowedActions  []Action   `json:"allowedActions"`
	Feedback        string     `json:"feedback,omitempty"`
}

// AllowedActions lists every action the actor could take right now, ignoring payload.
func AllowedActions(snap Snapshot, actor Actor, now time.Time) []Action {
	allowed := []Action{}
	for _, action := range allActions {
		if guard(snap, actor, action, now) == nil {
			allowed = append(allowed, action)
		}
	}
	return allowed
}

// CanView reports whether actor is a party to the request.
func CanView(snap Snapshot, actor Actor) bool {
	req := snap.Request
	switch {
	case actor.Roles.HasAny(rbac.RoleStaff, rbac.RoleAdmin), actor.IsSystem():
		return true
	case actor.ID == "":
		return false
	case actor.ID == req.StudentID, actor.ID == req.CourseInstructorID, actor.ID == req.SupervisorID:
		return true
	}
	return rosterEntry(snap.Roster, actor.ID) != nil
}

func Describe(snap Snapshot, policy Policy, actor Actor, now time.Time) StatusView {
	req := snap.Request
	view := StatusView{
		RequestID:       req.ID,
		Status:          req.Status,
		Round:           req.Round,
		CurrentGate:     CurrentGate(req.Status),
		ReportsRequired: policy.RequiredWeeklyReports,
		ReportsPresent:  len(snap.ReportWeeks),
		IsCompleted:     req.Status.IsCompleted(),
		IsRejected:      req.Status.IsRejected(),
		AllowedActions:  AllowedActions(snap, actor, now),
		Feedback:        req.Feedback,
	}

	required := req.RequiredApprovals
	if required == 0 {
		required = policy.RequiredApprovals
	}
	if tally, err := Aggregate(snap.Roster, required, policy.EarlyRejection); err == nil {
		view.Committee = &tally
	}

	view.Gates = []GateView{
		{Gate: GateStaffReview, State: decisionState(req.StaffStatus, req.Status.AtLeast(StatusPending) || req.Status.IsRejected()),
			Details: map[string]any{"reviewed": req.StaffReviewed, "feedback": req.StaffFeedback}},
		{Gate: GateInstructor, State: decisionState(req.CourseInstructorStatus, req.Status.AtLeast(StatusStaffReviewed) || req.Status == StatusInstructorRejected || req.Status == StatusCommitteeRejected),
			Details: map[string]any{"courseInstructorId": req.CourseInstructorID}},
		{Gate: GateCommittee, State: decisionState(req.CommitteeDecision, req.CommitteeReceived),
			Details: map[string]any{"received": req.CommitteeReceived, "rosterSize": len(snap.Roster)}},
		{Gate: GateSupervisor, State: boolState(req.SupervisorAssigned, req.Status.AtLeast(StatusApproved)),
			Details: map[string]any{"supervisorId": req.SupervisorID}},
		{Gate: GateStart, State: boolState(req.StartedAt != nil, req.Status.AtLeast(StatusSupervisorAssigned))},
		{Gate: GateWeeklyReports, State: boolState(len(missingWeeks(snap.ReportWeeks, policy.RequiredWeeklyReports)) == 0 && req.Status.AtLeast(StatusInternshipStarted), req.Status.AtLeast(StatusInternshipStarted)),
			Details: map[string]any{"missingWeeks": missingWeeks(snap.ReportWeeks, policy.RequiredWeeklyReports)}},
		{Gate: GateFinalEvaluation, State: boolState(snap.Evaluation != nil, req.Status.AtLeast(StatusInternshipOngoing))},
	}

	view.CanProceed = canProceed(snap, policy)
	return view
}

// canProceed is true when the current gate's preconditions are met so that
// the responsible party can move the request forward.
func canProceed(snap Snapshot, policy Policy) bool {
	req := snap.Request
	if req.Status.IsTerminal() {
		return false
	}
	switch req.Status {
	case StatusInstructorApproved:
		return len(snap.Roster) > 0
	case StatusInternshipOngoing:
		return len(missingWeeks(snap.ReportWeeks, policy.RequiredWeeklyReports)) == 0
	case StatusDraft, StatusPending:
		return req.InternshipID != ""
	case StatusStaffReviewed:
		return req.CourseInstructorID != ""
	default:
		return true
	}
}

func decisionState(decision Decision, reached bool) GateState {
	switch decision {
	case DecisionApproved:
		return GatePassed
	case DecisionRejected:
		return GateFailed
	}
	if reached {
		return GateWaiting
	}
	return GateNotStarted
}

func boolState(done, reached bool) GateState {
	if done {
		return GatePassed
	}
	if reached {
		return GateWaiting
	}
	return GateNotStarted
}
