// Package escalation routes issues agents cannot settle on their own and
// tracks each escalation as a thread of responses.
//
// Routing and the decision to surface a thread to the end user are pure
// functions (Route, ShouldEscalateToUser, DeriveStatus). Service keeps
// threads in a store.Store and applies them.
package escalation

import (
	"github.com/fyrsmithlabs/accord/internal/clock"
	"github.com/fyrsmithlabs/accord/internal/store"
)

// Type classifies an escalation request.
type Type string

const (
	TypeDesignDecision  Type = "design-decision"
	TypeSecurityConcern Type = "security-concern"
	TypeScopeChange     Type = "scope-change"
	TypeApprovalNeeded  Type = "approval-needed"
	TypeBlocker         Type = "blocker"
	TypeQuestion        Type = "question"
)

// AllTypes returns the known request types.
func AllTypes() []Type {
	return []Type{
		TypeDesignDecision, TypeSecurityConcern, TypeScopeChange,
		TypeApprovalNeeded, TypeBlocker, TypeQuestion,
	}
}

// AutoTarget asks Route to pick the handling role from the request type.
const AutoTarget = "auto"

// Handling roles chosen by Route.
const (
	RoleArchitect   = "architect"
	RoleAnalyst     = "analyst"
	RoleCoordinator = "coordinator"
)

// UserRole is the handler name used once a thread needs the end user.
const UserRole = "user"

// Status of a thread, derived from its latest response.
type Status string

const (
	StatusPending    Status = "pending"
	StatusResolved   Status = "resolved"
	StatusEscalated  Status = "escalated"
	StatusUserNeeded Status = "user-needed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusResolved, StatusEscalated, StatusUserNeeded:
		return true
	}
	return false
}

// Next actions a response may request.
const (
	ActionAskUser        = "ask-user"
	ActionEscalateHigher = "escalate-higher"
)

// Request is the original escalation.
type Request struct {
	From string `json:"from"`
	// To is a role name or AutoTarget. An empty To routes like AutoTarget.
	To      string            `json:"to"`
	Type    Type              `json:"type"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
	// OrchestrationID optionally ties the thread to an orchestration.
	OrchestrationID string          `json:"orchestration_id,omitempty"`
	At              clock.Timestamp `json:"at"`
}

// Response is one reply appended to a thread.
type Response struct {
	From       string          `json:"from"`
	Message    string          `json:"message"`
	Resolved   bool            `json:"resolved"`
	NextAction string          `json:"next_action,omitempty"`
	At         clock.Timestamp `json:"at"`
}

// Thread is a persisted escalation.
type Thread struct {
	store.Versioned
	ID        string          `json:"id"`
	Request   Request         `json:"request"`
	RoutedTo  string          `json:"routed_to"`
	Responses []Response      `json:"responses"`
	Status    Status          `json:"status"`
	CreatedAt clock.Timestamp `json:"created_at"`
	UpdatedAt clock.Timestamp `json:"updated_at"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status          Status
	RoutedTo        string
	OrchestrationID string
}

func (f Filter) match(t *Thread) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.RoutedTo != "" && t.RoutedTo != f.RoutedTo {
		return false
	}
	if f.OrchestrationID != "" && t.Request.OrchestrationID != f.OrchestrationID {
		return false
	}
	return true
}
