// Package workflow defines the change request lifecycle: the status set, the
// legal transitions between statuses, and which role may drive each edge.
// Orchestration (persistence, audit, notification) lives in the app service;
// this package is pure rules so the table can be tested in isolation.
package workflow

import "changeman/api/internal/rbac"

type Status string

const (
	StatusDraft           Status = "draft"
	StatusSubmitted       Status = "submitted"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusInProgress      Status = "in_progress"
	StatusImplemented     Status = "implemented"
	StatusClosed          Status = "closed"
	StatusRejected        Status = "rejected"
	StatusRolledBack      Status = "rolled_back"
)

type Event string

const (
	EventSubmit              Event = "submit"
	EventApprove             Event = "approve"
	EventReject              Event = "reject"
	EventStartImplementation Event = "start_implementation"
	EventMarkImplemented     Event = "mark_implemented"
	EventClose               Event = "close"
	EventRollback            Event = "rollback"
)

type edge struct {
	from  Status
	to    Status
	roles []rbac.Role
}

var transitions = map[Event]edge{
	EventSubmit:              {from: StatusDraft, to: StatusPendingApproval, roles: []rbac.Role{rbac.RoleRequester}},
	EventApprove:             {from: StatusPendingApproval, to: StatusApproved, roles: []rbac.Role{rbac.RoleApprover}},
	EventReject:              {from: StatusPendingApproval, to: StatusRejected, roles: []rbac.Role{rbac.RoleApprover}},
	EventStartImplementation: {from: StatusApproved, to: StatusInProgress, roles: []rbac.Role{rbac.RoleImplementer}},
	EventMarkImplemented:     {from: StatusInProgress, to: StatusImplemented, roles: []rbac.Role{rbac.RoleImplementer}},
	EventClose:               {from: StatusImplemented, to: StatusClosed, roles: []rbac.Role{rbac.RoleApprover}},
	EventRollback:            {from: StatusImplemented, to: StatusRolledBack, roles: []rbac.Role{rbac.RoleImplementer, rbac.RoleApprover}},
}

// Valid reports whether s is a member of the status set.
func Valid(s Status) bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusPendingApproval, StatusApproved,
		StatusInProgress, StatusImplemented, StatusClosed, StatusRejected, StatusRolledBack:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are defined from s.
func Terminal(s Status) bool {
	return s == StatusClosed || s == StatusRejected || s == StatusRolledBack
}

// Target returns the destination status for event e taken from status from.
// ok is false when no such edge exists.
func Target(from Status, e Event) (to Status, ok bool) {
	t, exists := transitions[e]
	if !exists || t.from != from {
		return "", false
	}
	return t.to, true
}

// RoleAllowed reports whether role may drive event e. This is checked before
// the state precondition so a wrong-role attempt is distinguishable from a
// wrong-state attempt.
func RoleAllowed(e Event, role rbac.Role) bool {
	t, exists := transitions[e]
	if !exists {
		return false
	}
	for _, r := range t.roles {
		if r == role {
			return true
		}
	}
	return false
}

// Open reports whether a change request still participates in SLA tracking.
// Draft and pending requests have no implementation deadline yet; terminal
// requests are done.
func Open(s Status) bool {
	switch s {
	case StatusApproved, StatusInProgress, StatusImplemented:
		return true
	}
	return false
}
