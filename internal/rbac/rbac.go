package rbac

import (
	"encoding/json"
	"sort"
	"strings"
)

type Role string
type Action string

const (
	RoleStudent    Role = "student"
	RoleStaff      Role = "staff"
	RoleInstructor Role = "instructor"
	RoleCommittee  Role = "committee"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
	// RoleSystem is never stored in the directory; it marks scheduler-initiated actions.
	RoleSystem Role = "system"
)

const (
	ActionSubmitRequest   Action = "submit_request"
	ActionListRequests    Action = "list_requests"
	ActionManageRoster    Action = "manage_roster"
	ActionAssignSupervise Action = "assign_supervisor"
	ActionReadInbox       Action = "read_inbox"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return action != ActionSubmitRequest
	case RoleStaff:
		return action == ActionListRequests || action == ActionManageRoster || action == ActionReadInbox
	case RoleInstructor, RoleCommittee:
		return action == ActionAssignSupervise || action == ActionReadInbox
	case RoleStudent:
		return action == ActionSubmitRequest || action == ActionReadInbox
	case RoleSupervisor:
		return action == ActionReadInbox
	default:
		return false
	}
}

// Normalize maps a raw directory value onto a known role.
func Normalize(role string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleStudent, RoleStaff, RoleInstructor, RoleCommittee, RoleSupervisor, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// Set is the capability set attached to an actor for the duration of one call.
type Set map[Role]struct{}

func NewSet(roles ...Role) Set {
	set := make(Set, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
	}
	return set
}

// Parse builds a Set from directory values, dropping unknown roles.
func Parse(values []string) Set {
	set := make(Set, len(values))
	for _, value := range values {
		if role, ok := Normalize(value); ok {
			set[role] = struct{}{}
		}
	}
	return set
}

func (s Set) Has(role Role) bool {
	_, ok := s[role]
	return ok
}

func (s Set) HasAny(roles ...Role) bool {
	for _, role := range roles {
		if s.Has(role) {
			return true
		}
	}
	return false
}

func (s Set) Can(action Action) bool {
	for role := range s {
		if Can(role, action) {
			return true
		}
	}
	return false
}

func (s Set) Intersect(other Set) Set {
	out := Set{}
	for role := range s {
		if other.Has(role) {
			out[role] = struct{}{}
		}
	}
	return out
}

func (s Set) Roles() []Role {
	roles := make([]Role, 0, len(s))
	for role := range s {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func (s Set) Strings() []string {
	roles := s.Roles()
	out := make([]string, len(roles))
	for i, role := range roles {
		out[i] = string(role)
	}
	return out
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}
