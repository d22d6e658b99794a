package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"internflow/internal/rbac"
)

func gateState(view StatusView, gate Gate) GateState {
	for _, g := range view.Gates {
		if g.Gate == gate {
			return g.State
		}
	}
	return ""
}

func TestDescribeCommitteeInProgress(t *testing.T) {
	h := newHarness(t)
	h.toCommittee("C1", "C2", "C3")
	h.must(Command{Action: ActionCommitteeDecide, Actor: c1, Decision: DecisionApproved})

	view := Describe(h.snap, h.policy, c2, h.now)
	assert.Equal(t, StatusCommitteeReview, view.Status)
	assert.Equal(t, GateCommittee, view.CurrentGate)
	require.NotNil(t, view.Committee)
	assert.Equal(t, 1, view.Committee.Approved)
	assert.Equal(t, 2, view.Committee.Pending)
	assert.Equal(t, GatePassed, gateState(view, GateStaffReview))
	assert.Equal(t, GatePassed, gateState(view, GateInstructor))
	assert.Equal(t, GateWaiting, gateState(view, GateCommittee))
	assert.Equal(t, GateNotStarted, gateState(view, GateSupervisor))
	assert.Equal(t, []Action{ActionCommitteeDecide}, view.AllowedActions)
	assert.True(t, view.CanProceed)

	// C1 already decided; nothing left for it to do.
	assert.Empty(t, AllowedActions(h.snap, c1, h.now))
}

func TestDescribeRejectedRequest(t *testing.T) {
	h := newHarness(t)
	h.must(Command{Action: ActionStaffReview, Actor: staff, Decision: DecisionRejected, Feedback: "missing transcript"})

	view := Describe(h.snap, h.policy, student, h.now)
	assert.True(t, view.IsRejected)
	assert.False(t, view.CanProceed)
	assert.Equal(t, "missing transcript", view.Feedback)
	assert.Equal(t, GateFailed, gateState(view, GateStaffReview))
	assert.Equal(t, []Action{ActionReopen}, view.AllowedActions)
	assert.Nil(t, view.Committee)
}

func TestDescribeReportsProgress(t *testing.T) {
	h := newHarness(t)
	h.toCommittee("C1", "C2")
	h.must(Command{Action: ActionCommitteeDecide, Actor: c1, Decision: DecisionApproved})
	h.must(Command{Action: ActionCommitteeDecide, Actor: c2, Decision: DecisionApproved})
	h.must(Command{Action: ActionAssignSupervisor, Actor: admin, SupervisorID: "SUP-1"})
	h.must(Command{Action: ActionStart, Actor: student, Confirm: true})
	h.must(Command{Action: ActionWeeklyReport, Actor: student, Week: 1, Content: json.RawMessage(`{"summary":"kickoff"}`)})

	view := Describe(h.snap, h.policy, supervisor, h.now)
	assert.Equal(t, 2, view.ReportsRequired)
	assert.Equal(t, 1, view.ReportsPresent)
	assert.False(t, view.CanProceed)
	assert.Equal(t, GateWaiting, gateState(view, GateWeeklyReports))
	assert.Equal(t, GatePassed, gateState(view, GateSupervisor))
	assert.Contains(t, view.AllowedActions, ActionFinalEvaluation)
}

func TestCanView(t *testing.T) {
	h := newHarness(t)
	h.toCommittee("C1", "C2")

	assert.True(t, CanView(h.snap, student))
	assert.True(t, CanView(h.snap, staff))
	assert.True(t, CanView(h.snap, instructor))
	assert.True(t, CanView(h.snap, c2))
	assert.False(t, CanView(h.snap, c3))
	assert.False(t, CanView(h.snap, actor("STU-9", rbac.RoleStudent)))
	assert.True(t, CanView(h.snap, SystemActor()))
}
