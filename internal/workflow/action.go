package workflow

import (
	"fmt"
	"time"

	"internflow/internal/rbac"
)

type Action string

const (
	ActionSubmit           Action = "submit"
	ActionStaffReview      Action = "staff_review"
	ActionInstructorReview Action = "instructor_review"
	ActionAssignCommittee  Action = "assign_committee"
	ActionCommitteeReceive Action = "committee_receive"
	ActionCommitteeDecide  Action = "committee_decide"
	ActionAssignSupervisor Action = "assign_supervisor"
	ActionStart            Action = "start"
	ActionWeeklyReport     Action = "weekly_report"
	ActionFinalEvaluation  Action = "final_evaluation"
	ActionReopen           Action = "reopen"
)

var allActions = []Action{
	ActionSubmit,
	ActionStaffReview,
	ActionInstructorReview,
	ActionAssignCommittee,
	ActionCommitteeReceive,
	ActionCommitteeDecide,
	ActionAssignSupervisor,
	ActionStart,
	ActionWeeklyReport,
	ActionFinalEvaluation,
	ActionReopen,
}

func ParseAction(value string) (Action, error) {
	for _, action := range allActions {
		if string(action) == value {
			return action, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", value)
}

// guard checks role and state for an action without looking at its payload.
// The role check runs first so an outsider always sees Forbidden rather than
// learning where the request stands.
func guard(snap Snapshot, actor Actor, action Action, now time.Time) error {
	req := snap.Request
	switch action {
	case ActionSubmit:
		if !isOwner(req, actor) {
			return forbidden(req, action, "only the requesting student may submit")
		}
		return requireStatus(req, action, StatusDraft)

	case ActionStaffReview:
		if !actor.Roles.Has(rbac.RoleStaff) {
			return forbidden(req, action, "staff role required for the staff review gate")
		}
		return requireStatus(req, action, StatusPending)

	case ActionInstructorReview:
		if !isCourseInstructor(req, actor) {
			return forbidden(req, action, "only the assigned course instructor may decide this gate")
		}
		return requireStatus(req, action, StatusStaffReviewed)

	case ActionAssignCommittee:
		if !actor.Roles.Can(rbac.ActionManageRoster) {
			return forbidden(req, action, "staff or admin role required to assign the committee roster")
		}
		if req.Status == StatusCommitteeReview && decidedCount(snap.Roster) == 0 {
			return nil
		}
		if req.Status == StatusCommitteeReview {
			return illegal(req, action, "committee roster is locked once a member has decided")
		}
		return requireStatus(req, action, StatusInstructorApproved)

	case ActionCommitteeReceive:
		if err := requireStatus(req, action, StatusInstructorApproved); err != nil {
			return err
		}
		if len(snap.Roster) == 0 {
			return illegal(req, action, "committee roster has not been assigned")
		}
		if !isRosterMember(snap, actor) {
			return forbidden(req, action, "only a rostered committee member may receive this request")
		}
		return nil

	case ActionCommitteeDecide:
		if !isRosterMember(snap, actor) {
			return forbidden(req, action, "not on the committee roster for this request")
		}
		if member := rosterEntry(snap.Roster, actor.ID); member != nil && member.Decision != DecisionPending {
			return Conflict("committee member has already decided this round", map[string]any{"decision": member.Decision})
		}
		if req.Status == StatusCommitteeReview || committeeSettled(req) {
			return nil
		}
		return illegal(req, action, "")

	case ActionAssignSupervisor:
		related := actor.Roles.Has(rbac.RoleAdmin) || isCourseInstructor(req, actor) || isRosterMember(snap, actor)
		if !actor.Roles.Can(rbac.ActionAssignSupervise) || !related {
			return forbidden(req, action, "only an admin, the course instructor or a committee member may assign a supervisor")
		}
		return requireStatus(req, action, StatusApproved)

	case ActionStart:
		if !isOwner(req, actor) && !actor.Roles.Has(rbac.RoleAdmin) && !actor.IsSystem() {
			return forbidden(req, action, "only the student, an admin or the scheduler may start the internship")
		}
		if err := requireStatus(req, action, StatusSupervisorAssigned); err != nil {
			return err
		}
		if actor.IsSystem() && !startDateReached(req, now) {
			return illegal(req, action, "preferred start date has not been reached")
		}
		return nil

	case ActionWeeklyReport:
		if !isOwner(req, actor) {
			return forbidden(req, action, "only the student may submit weekly reports")
		}
		return requireStatus(req, action, StatusInternshipStarted, StatusInternshipOngoing)

	case ActionFinalEvaluation:
		if !isAssignedSupervisor(req, actor) && !isCourseInstructor(req, actor) {
			return forbidden(req, action, "only the assigned supervisor or course instructor may evaluate")
		}
		return requireStatus(req, action, StatusInternshipOngoing)

	case ActionReopen:
		if !isOwner(req, actor) {
			return forbidden(req, action, "only the requesting student may reopen")
		}
		if !req.Status.IsRejected() {
			return illegal(req, action, "only rejected requests can be reopened")
		}
		return nil
	}
	return validation(fmt.Sprintf("unknown action %q", action), nil)
}

func requireStatus(req Request, action Action, allowed ...Status) error {
	for _, status := range allowed {
		if req.Status == status {
			return nil
		}
	}
	return illegal(req, action, "")
}

func isOwner(req Request, actor Actor) bool {
	return actor.ID != "" && actor.ID == req.StudentID && actor.Roles.Has(rbac.RoleStudent)
}

func isCourseInstructor(req Request, actor Actor) bool {
	return actor.ID != "" && actor.ID == req.CourseInstructorID && actor.Roles.Has(rbac.RoleInstructor)
}

func isAssignedSupervisor(req Request, actor Actor) bool {
	return actor.ID != "" && actor.ID == req.SupervisorID && actor.Roles.Has(rbac.RoleSupervisor)
}

func isRosterMember(snap Snapshot, actor Actor) bool {
	return actor.Roles.Has(rbac.RoleCommittee) && rosterEntry(snap.Roster, actor.ID) != nil
}

func rosterEntry(roster []CommitteeAssignment, memberID string) *CommitteeAssignment {
	for i := range roster {
		if roster[i].MemberID == memberID {
			return &roster[i]
		}
	}
	return nil
}

func decidedCount(roster []CommitteeAssignment) int {
	count := 0
	for _, member := range roster {
		if member.Decision != DecisionPending {
			count++
		}
	}
	return count
}

// committeeSettled is true once the aggregate for the current round is final.
func committeeSettled(req Request) bool {
	if !req.CommitteeReceived || req.CommitteeDecision == DecisionPending || req.CommitteeDecision == "" {
		return false
	}
	return req.Status == StatusCommitteeRejected || req.Status.AtLeast(StatusApproved)
}

func startDateReached(req Request, now time.Time) bool {
	return req.PreferredStartDate != nil && !now.Before(*req.PreferredStartDate)
}

// missingWeeks lists required report weeks that have not been submitted.
func missingWeeks(weeks []int, required int) []int {
	present := make(map[int]bool, len(weeks))
	for _, week := range weeks {
		present[week] = true
	}
	missing := []int{}
	for week := 1; week <= required; week++ {
		if !present[week] {
			missing = append(missing, week)
		}
	}
	return missing
}
