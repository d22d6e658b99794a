package workflow

import "fmt"

type Status string

const (
	StatusDraft               Status = "draft"
	StatusPending             Status = "pending"
	StatusStaffReviewed       Status = "staff_reviewed"
	StatusStaffRejected       Status = "staff_rejected"
	StatusInstructorApproved  Status = "instructor_approved"
	StatusInstructorRejected  Status = "instructor_rejected"
	StatusCommitteeReview     Status = "committee_review"
	StatusCommitteeRejected   Status = "committee_rejected"
	StatusApproved            Status = "approved"
	StatusSupervisorAssigned  Status = "supervisor_assigned"
	StatusInternshipStarted   Status = "internship_started"
	StatusInternshipOngoing   Status = "internship_ongoing"
	StatusInternshipCompleted Status = "internship_completed"
)

// happyPath is the total order of non-rejected states.
var happyPath = []Status{
	StatusDraft,
	StatusPending,
	StatusStaffReviewed,
	StatusInstructorApproved,
	StatusCommitteeReview,
	StatusApproved,
	StatusSupervisorAssigned,
	StatusInternshipStarted,
	StatusInternshipOngoing,
	StatusInternshipCompleted,
}

// edges is the only definition of legal status changes. Rejected states lead
// back to pending through reopen, which starts a new round.
var edges = map[Status][]Status{
	StatusDraft:               {StatusPending},
	StatusPending:             {StatusStaffReviewed, StatusStaffRejected},
	StatusStaffReviewed:       {StatusInstructorApproved, StatusInstructorRejected},
	StatusInstructorApproved:  {StatusCommitteeReview},
	StatusCommitteeReview:     {StatusApproved, StatusCommitteeRejected},
	StatusApproved:            {StatusSupervisorAssigned},
	StatusSupervisorAssigned:  {StatusInternshipStarted},
	StatusInternshipStarted:   {StatusInternshipOngoing},
	StatusInternshipOngoing:   {StatusInternshipCompleted},
	StatusStaffRejected:       {StatusPending},
	StatusInstructorRejected:  {StatusPending},
	StatusCommitteeRejected:   {StatusPending},
	StatusInternshipCompleted: nil,
}

// initialStatuses are the states a brand new request may be created in.
var initialStatuses = map[Status]bool{StatusDraft: true, StatusPending: true}

func ParseStatus(value string) (Status, error) {
	status := Status(value)
	if _, ok := edges[status]; !ok {
		return "", fmt.Errorf("unknown status %q", value)
	}
	return status, nil
}

func AllStatuses() []Status {
	out := make([]Status, 0, len(edges))
	out = append(out, happyPath...)
	return append(out, StatusStaffRejected, StatusInstructorRejected, StatusCommitteeRejected)
}

// CanTransition reports whether from -> to is an edge. An empty from means creation.
func CanTransition(from, to Status) bool {
	if from == "" {
		return initialStatuses[to]
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) IsRejected() bool {
	return s == StatusStaffRejected || s == StatusInstructorRejected || s == StatusCommitteeRejected
}

func (s Status) IsCompleted() bool {
	return s == StatusInternshipCompleted
}

func (s Status) IsTerminal() bool {
	return s.IsRejected() || s.IsCompleted()
}

func rankOf(s Status) int {
	for i, candidate := range happyPath {
		if candidate == s {
			return i
		}
	}
	return -1
}

// AtLeast reports whether s has reached target on the happy path.
func (s Status) AtLeast(target Status) bool {
	if s.IsRejected() {
		return false
	}
	return rankOf(s) >= rankOf(target)
}
