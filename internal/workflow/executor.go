package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"internflow/internal/rbac"
)

// Create builds a brand new request for the submitting student. Uniqueness of
// (student, internship) is enforced by the store.
func Create(in NewRequest, cmd Command, now time.Time) (Outcome, error) {
	actor := cmd.Actor
	if !actor.Roles.Can(rbac.ActionSubmitRequest) {
		return Outcome{}, &Error{Kind: KindForbidden, Message: "only students may submit placement requests"}
	}
	studentID := strings.TrimSpace(in.StudentID)
	if studentID == "" {
		studentID = actor.ID
	}
	if studentID != actor.ID {
		return Outcome{}, &Error{Kind: KindForbidden, Message: "students may only submit their own requests"}
	}
	if strings.TrimSpace(in.ID) == "" {
		return Outcome{}, validation("request id is required", nil)
	}
	if strings.TrimSpace(in.InternshipID) == "" {
		return Outcome{}, validation("internshipId is required", map[string]any{"field": "internshipId"})
	}
	if in.CourseInstructorID != "" && !cmd.Subjects[in.CourseInstructorID].Has(rbac.RoleInstructor) {
		return Outcome{}, validation("courseInstructorId does not hold the instructor role", map[string]any{"courseInstructorId": in.CourseInstructorID})
	}

	status := StatusPending
	if in.Draft {
		status = StatusDraft
	} else if !cmd.ProfileComplete {
		return Outcome{}, validation("student profile is incomplete", map[string]any{"field": "profile"})
	}

	req := Request{
		ID:                     in.ID,
		StudentID:              studentID,
		InternshipID:           strings.TrimSpace(in.InternshipID),
		ProjectTopic:           strings.TrimSpace(in.ProjectTopic),
		Status:                 status,
		Round:                  1,
		CourseInstructorID:     in.CourseInstructorID,
		CourseInstructorStatus: DecisionPending,
		StaffStatus:            DecisionPending,
		CommitteeDecision:      DecisionPending,
		PreferredStartDate:     in.PreferredStartDate,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	out := Outcome{Request: req, Action: ActionSubmit, ActorID: actor.ID}
	if status == StatusPending {
		out.Intents = append(out.Intents, submittedIntents(req)...)
	}
	out.Intents = append(out.Intents, statusChanged("", req, ActionSubmit, actor.ID, now))
	out.Intents = pruneIntents(out.Intents)
	return out, nil
}

// Apply re-validates cmd against the snapshot and returns the resulting state
// plus side-effect intents. It never performs I/O.
func Apply(snap Snapshot, cmd Command, policy Policy, now time.Time) (Outcome, error) {
	if snap.Request.ID == "" {
		return Outcome{}, NotFound("placement request not found")
	}
	if cmd.Actor.ID == "" {
		return Outcome{}, NotFound("actor not found")
	}
	if err := validateDecision(cmd); err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		Request: snap.Request,
		From:    snap.Request.Status,
		Action:  cmd.Action,
		ActorID: cmd.Actor.ID,
	}

	repeat, err := checkRepeat(snap, cmd)
	if err != nil {
		return Outcome{}, err
	}
	if repeat {
		out.NoOp = true
		return out, nil
	}

	if err := guard(snap, cmd.Actor, cmd.Action, now); err != nil {
		return Outcome{}, err
	}

	switch cmd.Action {
	case ActionSubmit:
		err = applySubmit(&out, cmd)
	case ActionStaffReview:
		err = applyStaffReview(&out, cmd)
	case ActionInstructorReview:
		err = applyInstructorReview(&out, cmd)
	case ActionAssignCommittee:
		err = applyAssignCommittee(&out, cmd, policy, now)
	case ActionCommitteeReceive:
		err = applyCommitteeReceive(&out, snap)
	case ActionCommitteeDecide:
		err = applyCommitteeDecide(&out, snap, cmd, policy, now)
	case ActionAssignSupervisor:
		err = applyAssignSupervisor(&out, cmd, now)
	case ActionStart:
		err = applyStart(&out, cmd, now)
	case ActionWeeklyReport:
		err = applyWeeklyReport(&out, cmd, now)
	case ActionFinalEvaluation:
		err = applyFinalEvaluation(&out, snap, cmd, policy, now)
	case ActionReopen:
		applyReopen(&out)
	}
	if err != nil {
		return Outcome{}, err
	}

	if out.Request.Status != out.From {
		if !CanTransition(out.From, out.Request.Status) {
			return Outcome{}, illegal(snap.Request, cmd.Action, fmt.Sprintf("no edge from %s to %s", out.From, out.Request.Status))
		}
		out.Intents = append(out.Intents, statusChanged(out.From, out.Request, cmd.Action, cmd.Actor.ID, now))
	}
	out.Request.UpdatedAt = now
	out.Intents = pruneIntents(out.Intents)
	return out, nil
}

func validateDecision(cmd Command) error {
	switch cmd.Action {
	case ActionStaffReview, ActionInstructorReview, ActionCommitteeDecide:
		if cmd.Decision != DecisionApproved && cmd.Decision != DecisionRejected {
			return validation("decision must be approve or reject", map[string]any{"decision": cmd.Decision})
		}
	}
	return nil
}

// checkRepeat detects a retry of a decision that is already recorded. An
// identical retry is a no-op; a contradictory one is a conflict.
func checkRepeat(snap Snapshot, cmd Command) (bool, error) {
	req := snap.Request
	actor := cmd.Actor
	switch cmd.Action {
	case ActionSubmit:
		return isOwner(req, actor) && req.Status == StatusPending, nil

	case ActionStaffReview:
		if !actor.Roles.Has(rbac.RoleStaff) || !req.StaffReviewed {
			return false, nil
		}
		return sameDecision(req.StaffStatus, cmd.Decision, "staff review already recorded")

	case ActionInstructorReview:
		if !isCourseInstructor(req, actor) || req.CourseInstructorStatus == DecisionPending || req.CourseInstructorStatus == "" {
			return false, nil
		}
		return sameDecision(req.CourseInstructorStatus, cmd.Decision, "instructor decision already recorded")

	case ActionAssignCommittee:
		if !actor.Roles.HasAny(rbac.RoleStaff, rbac.RoleAdmin) || len(snap.Roster) == 0 {
			return false, nil
		}
		if req.Status != StatusInstructorApproved && req.Status != StatusCommitteeReview {
			return false, nil
		}
		return sameMembers(snap.Roster, cmd.MemberIDs), nil

	case ActionCommitteeReceive:
		return isRosterMember(snap, actor) && req.CommitteeReceived, nil

	case ActionCommitteeDecide:
		if !isRosterMember(snap, actor) {
			return false, nil
		}
		member := rosterEntry(snap.Roster, actor.ID)
		if member.Decision == DecisionPending || member.Decision == "" {
			return false, nil
		}
		return sameDecision(member.Decision, cmd.Decision, "committee member has already decided this round")

	case ActionAssignSupervisor:
		authorized := actor.Roles.Has(rbac.RoleAdmin) || isCourseInstructor(req, actor) || isRosterMember(snap, actor)
		if !authorized || !req.SupervisorAssigned {
			return false, nil
		}
		if req.SupervisorID == cmd.SupervisorID {
			return true, nil
		}
		return false, Conflict("a supervisor is already assigned", map[string]any{"supervisorId": req.SupervisorID})

	case ActionStart:
		authorized := isOwner(req, actor) || actor.Roles.Has(rbac.RoleAdmin) || actor.IsSystem()
		return authorized && req.StartedAt != nil, nil

	case ActionWeeklyReport:
		if !isOwner(req, actor) {
			return false, nil
		}
		for _, week := range snap.ReportWeeks {
			if week == cmd.Week {
				return false, Conflict("weekly report already submitted for this week", map[string]any{"week": cmd.Week})
			}
		}
		return false, nil

	case ActionFinalEvaluation:
		if snap.Evaluation == nil || (!isAssignedSupervisor(req, actor) && !isCourseInstructor(req, actor)) {
			return false, nil
		}
		existing := snap.Evaluation
		if existing.EvaluatorID == actor.ID && cmd.Score != nil && *cmd.Score == existing.Score {
			return true, nil
		}
		return false, Conflict("final evaluation already recorded", map[string]any{"evaluatorId": existing.EvaluatorID})
	}
	return false, nil
}

func sameDecision(recorded, incoming Decision, message string) (bool, error) {
	if recorded == incoming {
		return true, nil
	}
	return false, Conflict(message, map[string]any{"decision": recorded})
}

func sameMembers(roster []CommitteeAssignment, memberIDs []string) bool {
	ids := normalizeMembers(memberIDs)
	if len(ids) != len(roster) {
		return false
	}
	for _, id := range ids {
		if rosterEntry(roster, id) == nil {
			return false
		}
	}
	return true
}

func normalizeMembers(memberIDs []string) []string {
	seen := make(map[string]bool, len(memberIDs))
	out := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func applySubmit(out *Outcome, cmd Command) error {
	if !cmd.ProfileComplete {
		return validation("student profile is incomplete", map[string]any{"field": "profile"})
	}
	if out.Request.InternshipID == "" {
		return validation("internshipId is required", map[string]any{"field": "internshipId"})
	}
	out.Request.Status = StatusPending
	out.Intents = append(out.Intents, submittedIntents(out.Request)...)
	return nil
}

func submittedIntents(req Request) []Intent {
	return []Intent{
		notifyRole(req, rbac.RoleStaff, "request_submitted", "New placement request",
			fmt.Sprintf("Placement request for internship %s is waiting for staff review.", req.InternshipID)),
		notifyUser(req, req.StudentID, "request_received", "Request received",
			"Your placement request has been submitted and is waiting for staff review."),
	}
}

func applyStaffReview(out *Outcome, cmd Command) error {
	req := &out.Request
	feedback := strings.TrimSpace(cmd.Feedback)

	if cmd.Decision == DecisionRejected {
		req.StaffReviewed = true
		req.StaffStatus = DecisionRejected
		req.StaffReviewerID = cmd.Actor.ID
		req.StaffFeedback = feedback
		req.Feedback = feedback
		req.Status = StatusStaffRejected
		out.Intents = append(out.Intents, notifyUser(*req, req.StudentID, "staff_rejected", "Request returned by staff",
			firstNonEmpty(feedback, "Your placement request was returned by staff review.")))
		return nil
	}

	if id := strings.TrimSpace(cmd.CourseInstructorID); id != "" {
		if !cmd.Subjects[id].Has(rbac.RoleInstructor) {
			return validation("courseInstructorId does not hold the instructor role", map[string]any{"courseInstructorId": id})
		}
		req.CourseInstructorID = id
	}
	if req.CourseInstructorID == "" {
		return validation("a course instructor must be assigned before staff approval", map[string]any{"field": "courseInstructorId"})
	}
	req.StaffReviewed = true
	req.StaffStatus = DecisionApproved
	req.StaffReviewerID = cmd.Actor.ID
	req.StaffFeedback = feedback
	req.Feedback = feedback
	req.CourseInstructorStatus = DecisionPending
	req.Status = StatusStaffReviewed
	out.Intents = append(out.Intents,
		notifyUser(*req, req.StudentID, "staff_approved", "Staff review passed",
			"Your placement request passed staff review and was sent to your course instructor."),
		notifyUser(*req, req.CourseInstructorID, "instructor_review_requested", "Placement request awaiting your decision",
			"A placement request needs your review as course instructor."),
	)
	return nil
}

func applyInstructorReview(out *Outcome, cmd Command) error {
	req := &out.Request
	req.CourseInstructorStatus = cmd.Decision
	req.Feedback = strings.TrimSpace(cmd.Feedback)

	if cmd.Decision == DecisionRejected {
		req.Status = StatusInstructorRejected
		out.Intents = append(out.Intents, notifyUser(*req, req.StudentID, "instructor_rejected", "Request rejected by instructor",
			firstNonEmpty(req.Feedback, "Your course instructor rejected the placement request.")))
		return nil
	}
	req.Status = StatusInstructorApproved
	out.Intents = append(out.Intents,
		notifyUser(*req, req.StudentID, "instructor_approved", "Instructor approved your request",
			"Your course instructor approved the request. It now goes to the committee."),
		notifyRole(*req, rbac.RoleStaff, "committee_assignment_required", "Committee roster needed",
			"An instructor-approved placement request needs a committee roster."),
	)
	return nil
}

func applyAssignCommittee(out *Outcome, cmd Command, policy Policy, now time.Time) error {
	req := &out.Request
	members := normalizeMembers(cmd.MemberIDs)
	required := policy.RequiredApprovals
	if required < 1 {
		required = 1
	}
	if len(members) == 0 {
		return validation("memberIds must list at least one committee member", map[string]any{"field": "memberIds"})
	}
	if len(members) < required {
		return validation("roster is smaller than the approval quorum", map[string]any{
			"rosterSize":        len(members),
			"requiredApprovals": required,
		})
	}
	invalid := []string{}
	for _, id := range members {
		if id == req.StudentID || !cmd.Subjects[id].Has(rbac.RoleCommittee) {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return validation("every roster member must hold the committee role", map[string]any{"invalidMembers": invalid})
	}

	roster := make([]CommitteeAssignment, 0, len(members))
	for _, id := range members {
		roster = append(roster, CommitteeAssignment{
			RequestID:  req.ID,
			Round:      req.Round,
			MemberID:   id,
			Decision:   DecisionPending,
			AssignedAt: now,
		})
		out.Intents = append(out.Intents, notifyUser(*req, id, "committee_assigned", "Committee review assignment",
			"You were added to the committee roster for a placement request."))
	}
	out.ReplaceRoster = roster
	req.RequiredApprovals = required
	req.CommitteeDecision = DecisionPending
	return nil
}

func applyCommitteeReceive(out *Outcome, snap Snapshot) error {
	req := &out.Request
	req.CommitteeReceived = true
	req.CommitteeDecision = DecisionPending
	req.Status = StatusCommitteeReview
	out.Intents = append(out.Intents, notifyUser(*req, req.StudentID, "committee_review_started", "Committee review started",
		fmt.Sprintf("Your request is with a committee of %d members.", len(snap.Roster))))
	return nil
}

func applyCommitteeDecide(out *Outcome, snap Snapshot, cmd Command, policy Policy, now time.Time) error {
	req := &out.Request
	reason := strings.TrimSpace(cmd.Feedback)
	if cmd.Decision == DecisionRejected && reason == "" {
		return validation("a reason is required when rejecting", map[string]any{"field": "reason"})
	}

	roster := make([]CommitteeAssignment, len(snap.Roster))
	copy(roster, snap.Roster)
	member := rosterEntry(roster, cmd.Actor.ID)
	decidedAt := now
	member.Decision = cmd.Decision
	member.Reason = reason
	member.DecidedAt = &decidedAt
	recorded := *member
	out.MemberDecision = &recorded

	required := req.RequiredApprovals
	if required == 0 {
		required = policy.RequiredApprovals
	}
	tally, err := Aggregate(roster, required, policy.EarlyRejection)
	if err != nil {
		return illegal(*req, cmd.Action, err.Error())
	}
	out.Tally = &tally

	// Decisions arriving after the gate settled are kept for audit only.
	if committeeSettled(*req) {
		return nil
	}

	req.CommitteeDecision = tally.Aggregate
	switch tally.Aggregate {
	case DecisionApproved:
		req.Status = StatusApproved
		out.Intents = append(out.Intents,
			notifyUser(*req, req.StudentID, "committee_approved", "Placement approved",
				fmt.Sprintf("The committee approved your placement request (%d of %d approvals).", tally.Approved, tally.RosterSize)),
			notifyUser(*req, req.CourseInstructorID, "supervisor_assignment_required", "Assign a supervisor",
				"The committee approved a placement request. A supervising instructor must be assigned."),
			generateDocument(*req, TemplateApprovalLetter, map[string]any{
				"approvals":  tally.Approved,
				"rosterSize": tally.RosterSize,
				"decidedAt":  now.Format(time.RFC3339),
			}),
		)
	case DecisionRejected:
		if reason != "" {
			req.Feedback = reason
		}
		req.Status = StatusCommitteeRejected
		out.Intents = append(out.Intents, notifyUser(*req, req.StudentID, "committee_rejected", "Placement rejected by committee",
			firstNonEmpty(req.Feedback, "The committee rejected your placement request.")))
	}
	return nil
}

func applyAssignSupervisor(out *Outcome, cmd Command, now time.Time) error {
	req := &out.Request
	supervisorID := strings.TrimSpace(cmd.SupervisorID)
	if supervisorID == "" {
		return validation("supervisorId is required", map[string]any{"field": "supervisorId"})
	}
	if !cmd.Subjects[supervisorID].Has(rbac.RoleSupervisor) {
		return validation("target user does not hold the supervisor role", map[string]any{"supervisorId": supervisorID})
	}
	appointmentID := cmd.AppointmentID
	if appointmentID == "" {
		appointmentID = fmt.Sprintf("%s-r%d-%s", req.ID, req.Round, supervisorID)
	}

	req.SupervisorID = supervisorID
	req.SupervisorAssigned = true
	req.Status = StatusSupervisorAssigned
	out.Appointment = &SupervisorAppointment{
		ID:           appointmentID,
		RequestID:    req.ID,
		SupervisorID: supervisorID,
		AppointedBy:  cmd.Actor.ID,
		AppointedAt:  now,
	}
	out.Intents = append(out.Intents,
		notifyUser(*req, supervisorID, "supervisor_assigned", "New supervision assignment",
			"You were appointed as supervising instructor for a placement."),
		notifyUser(*req, req.StudentID, "supervisor_assigned", "Supervisor assigned",
			"A supervising instructor has been assigned to your placement."),
		generateDocument(*req, TemplateSupervisorAppointment, map[string]any{
			"supervisorId": supervisorID,
			"appointedBy":  cmd.Actor.ID,
			"appointedAt":  now.Format(time.RFC3339),
		}),
	)
	return nil
}

func applyStart(out *Outcome, cmd Command, now time.Time) error {
	req := &out.Request
	if !cmd.Actor.IsSystem() && !cmd.Confirm && !startDateReached(*req, now) {
		return validation("preferred start date has not been reached; confirm to start now", map[string]any{
			"preferredStartDate": req.PreferredStartDate,
		})
	}
	started := now
	req.StartedAt = &started
	req.Status = StatusInternshipStarted
	out.Intents = append(out.Intents,
		notifyUser(*req, req.SupervisorID, "internship_started", "Internship started",
			"An internship you supervise has started."),
		notifyUser(*req, req.CourseInstructorID, "internship_started", "Internship started",
			"A placement you approved has started."),
	)
	return nil
}

func applyWeeklyReport(out *Outcome, cmd Command, now time.Time) error {
	req := &out.Request
	if cmd.Week < 1 || cmd.Week > maxReportWeek {
		return validation(fmt.Sprintf("week must be between 1 and %d", maxReportWeek), map[string]any{"week": cmd.Week})
	}
	if err := ValidateWeeklyReport(cmd.Content); err != nil {
		return err
	}
	out.Report = &WeeklyReport{
		RequestID:   req.ID,
		Week:        cmd.Week,
		Content:     cmd.Content,
		SubmittedBy: cmd.Actor.ID,
		SubmittedAt: now,
	}
	if req.Status == StatusInternshipStarted {
		req.Status = StatusInternshipOngoing
	}
	out.Intents = append(out.Intents, notifyUser(*req, req.SupervisorID, "weekly_report_submitted", "Weekly report submitted",
		fmt.Sprintf("Week %d report is ready for review.", cmd.Week)))
	return nil
}

func applyFinalEvaluation(out *Outcome, snap Snapshot, cmd Command, policy Policy, now time.Time) error {
	req := &out.Request
	if missing := missingWeeks(snap.ReportWeeks, policy.RequiredWeeklyReports); len(missing) > 0 {
		err := illegal(*req, cmd.Action, "all required weekly reports must be submitted before the final evaluation")
		err.Details["missingWeeks"] = missing
		return err
	}
	if cmd.Score == nil {
		return validation("score is required", map[string]any{"field": "score"})
	}
	if err := ValidateEvaluation(*cmd.Score, cmd.Comments); err != nil {
		return err
	}

	completed := now
	req.CompletedAt = &completed
	req.Status = StatusInternshipCompleted
	out.Evaluation = &Evaluation{
		RequestID:   req.ID,
		EvaluatorID: cmd.Actor.ID,
		Score:       *cmd.Score,
		Comments:    strings.TrimSpace(cmd.Comments),
		SubmittedAt: now,
	}
	out.Intents = append(out.Intents,
		notifyUser(*req, req.StudentID, "internship_completed", "Internship completed",
			"Your final evaluation is recorded and your internship is complete."),
		generateDocument(*req, TemplateCompletionCertificate, map[string]any{
			"score":       *cmd.Score,
			"evaluatorId": cmd.Actor.ID,
			"completedAt": now.Format(time.RFC3339),
		}),
	)
	return nil
}

// applyReopen starts a new review round. Earlier rounds' rows stay untouched.
func applyReopen(out *Outcome) {
	req := &out.Request
	req.Round++
	req.Status = StatusPending
	req.StaffReviewed = false
	req.StaffStatus = DecisionPending
	req.StaffReviewerID = ""
	req.StaffFeedback = ""
	req.CourseInstructorStatus = DecisionPending
	req.CommitteeReceived = false
	req.CommitteeDecision = DecisionPending
	req.RequiredApprovals = 0
	req.Feedback = ""
	out.Intents = append(out.Intents, notifyRole(*req, rbac.RoleStaff, "request_resubmitted", "Placement request resubmitted",
		fmt.Sprintf("A rejected placement request was reopened for review round %d.", req.Round)))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// pruneIntents drops notifications that have no recipient yet, such as a
// supervisor notice before one is assigned.
func pruneIntents(intents []Intent) []Intent {
	out := intents[:0]
	for _, intent := range intents {
		if intent.Kind == IntentNotify && intent.Notify.UserID == "" && intent.Notify.Role == "" {
			continue
		}
		out = append(out, intent)
	}
	return out
}
