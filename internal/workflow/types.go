// Package workflow holds the placement approval state machine. Everything in
// here is pure: callers load a Snapshot, call Apply, and persist the Outcome.
package workflow

import (
	"encoding/json"
	"strings"
	"time"

	"internflow/internal/rbac"
)

type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ParseDecision accepts both verb and past-tense spellings.
func ParseDecision(value string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approve", "approved":
		return DecisionApproved, nil
	case "reject", "rejected":
		return DecisionRejected, nil
	default:
		return "", validation("decision must be approve or reject", map[string]any{"decision": value})
	}
}

type Request struct {
	ID                     string     `json:"id"`
	StudentID              string     `json:"studentId"`
	InternshipID           string     `json:"internshipId"`
	ProjectTopic           string     `json:"projectTopic,omitempty"`
	Status                 Status     `json:"status"`
	Round                  int        `json:"round"`
	CourseInstructorID     string     `json:"courseInstructorId,omitempty"`
	CourseInstructorStatus Decision   `json:"courseInstructorStatus"`
	StaffReviewed          bool       `json:"staffReviewed"`
	StaffStatus            Decision   `json:"staffStatus"`
	StaffReviewerID        string     `json:"staffReviewerId,omitempty"`
	StaffFeedback          string     `json:"staffFeedback,omitempty"`
	SupervisorID           string     `json:"supervisorId,omitempty"`
	SupervisorAssigned     bool       `json:"supervisorAssigned"`
	CommitteeReceived      bool       `json:"committeeReceived"`
	CommitteeDecision      Decision   `json:"committeeDecision"`
	RequiredApprovals      int        `json:"requiredApprovals,omitempty"`
	Feedback               string     `json:"feedback,omitempty"`
	PreferredStartDate     *time.Time `json:"preferredStartDate,omitempty"`
	StartedAt              *time.Time `json:"startedAt,omitempty"`
	CompletedAt            *time.Time `json:"completedAt,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

type CommitteeAssignment struct {
	RequestID  string     `json:"requestId"`
	Round      int        `json:"round"`
	MemberID   string     `json:"committeeMemberId"`
	Decision   Decision   `json:"decision"`
	Reason     string     `json:"reason,omitempty"`
	DecidedAt  *time.Time `json:"decidedAt,omitempty"`
	AssignedAt time.Time  `json:"assignedAt"`
}

type WeeklyReport struct {
	RequestID   string          `json:"requestId"`
	Week        int             `json:"week"`
	Content     json.RawMessage `json:"content"`
	SubmittedBy string          `json:"submittedBy"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

type SupervisorAppointment struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"requestId"`
	SupervisorID string    `json:"supervisorId"`
	AppointedBy  string    `json:"appointedBy"`
	AppointedAt  time.Time `json:"appointedAt"`
}

type Evaluation struct {
	RequestID   string    `json:"requestId"`
	EvaluatorID string    `json:"evaluatorId"`
	Score       int       `json:"score"`
	Comments    string    `json:"comments,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Snapshot is a request plus the child rows the gates read. Roster holds the
// current round only.
type Snapshot struct {
	Request     Request
	Roster      []CommitteeAssignment
	ReportWeeks []int
	Evaluation  *Evaluation
}

// Actor is an authenticated caller with its effective capability set.
type Actor struct {
	ID    string
	Roles rbac.Set
}

func SystemActor() Actor {
	return Actor{ID: "system", Roles: rbac.NewSet(rbac.RoleSystem)}
}

func (a Actor) IsSystem() bool {
	return a.Roles.Has(rbac.RoleSystem)
}

type Policy struct {
	RequiredApprovals     int
	EarlyRejection        bool
	RequiredWeeklyReports int
}

func DefaultPolicy() Policy {
	return Policy{RequiredApprovals: 2, EarlyRejection: true, RequiredWeeklyReports: 8}
}

// Command is one validated-at-the-boundary call into Apply. Subjects carries the
// directory roles of every other user the payload references.
type Command struct {
	Action             Action
	Actor              Actor
	Decision           Decision
	Feedback           string
	CourseInstructorID string
	MemberIDs          []string
	SupervisorID       string
	Confirm            bool
	Week               int
	Content            json.RawMessage
	Score              *int
	Comments           string
	ProfileComplete    bool
	Subjects           map[string]rbac.Set
	AppointmentID      string
}

type NewRequest struct {
	ID                 string
	StudentID          string
	InternshipID       string
	ProjectTopic       string
	CourseInstructorID string
	PreferredStartDate *time.Time
	Draft              bool
}

// Outcome is everything a store must write for one applied command.
type Outcome struct {
	Request        Request
	From           Status
	Action         Action
	ActorID        string
	NoOp           bool
	ReplaceRoster  []CommitteeAssignment
	MemberDecision *CommitteeAssignment
	Report         *WeeklyReport
	Appointment    *SupervisorAppointment
	Evaluation     *Evaluation
	Tally          *Tally
	Intents        []Intent
}

func (o Outcome) StatusChanged() bool {
	return !o.NoOp && o.From != o.Request.Status
}
