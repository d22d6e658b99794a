package workflow

import "errors"

var ErrEmptyRoster = errors.New("committee roster is empty")

// Tally is the committee aggregate, always derived from the roster rows.
type Tally struct {
	Approved   int      `json:"approved"`
	Rejected   int      `json:"rejected"`
	Pending    int      `json:"pending"`
	RosterSize int      `json:"rosterSize"`
	Required   int      `json:"requiredApprovals"`
	Aggregate  Decision `json:"aggregate"`
}

// Aggregate applies the N-of-M rule to a roster. With earlyRejection the gate
// rejects as soon as approval can no longer be reached; without it rejection
// waits until every member has decided.
func Aggregate(roster []CommitteeAssignment, required int, earlyRejection bool) (Tally, error) {
	if len(roster) == 0 {
		return Tally{}, ErrEmptyRoster
	}
	if required < 1 {
		required = 1
	}
	tally := Tally{RosterSize: len(roster), Required: required}
	for _, member := range roster {
		switch member.Decision {
		case DecisionApproved:
			tally.Approved++
		case DecisionRejected:
			tally.Rejected++
		default:
			tally.Pending++
		}
	}

	approvalImpossible := tally.Rejected > tally.RosterSize-required
	switch {
	case tally.Approved >= required:
		tally.Aggregate = DecisionApproved
	case tally.Rejected >= required:
		tally.Aggregate = DecisionRejected
	case approvalImpossible && (earlyRejection || tally.Pending == 0):
		tally.Aggregate = DecisionRejected
	default:
		tally.Aggregate = DecisionPending
	}
	return tally, nil
}
