package orchestrator

import (
	"github.com/fyrsmithlabs/accord/internal/clock"
	"github.com/fyrsmithlabs/accord/internal/config"
	"github.com/fyrsmithlabs/accord/internal/store"
)

// Phase is a named stage of an orchestration.
type Phase string

const (
	PhaseInitialized     Phase = "initialized"
	PhaseAnalyzing       Phase = "analyzing"
	PhaseDesigning       Phase = "designing"
	PhaseReviewingDesign Phase = "reviewing_design"
	PhasePlanning        Phase = "planning"
	PhaseReviewingPlan   Phase = "reviewing_plan"
	PhaseExecuting       Phase = "executing"
	PhaseVerifying       Phase = "verifying"
	PhaseCompleted       Phase = "completed"
	PhaseFailed          Phase = "failed"
	PhasePaused          Phase = "paused"
)

// AllPhases returns every phase, forward path first.
func AllPhases() []Phase {
	return []Phase{
		PhaseInitialized, PhaseAnalyzing, PhaseDesigning, PhaseReviewingDesign,
		PhasePlanning, PhaseReviewingPlan, PhaseExecuting, PhaseVerifying,
		PhaseCompleted, PhaseFailed, PhasePaused,
	}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// Terminal reports whether p admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Status is the coarse lifecycle state of an orchestration.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// statusFor derives the status an orchestration has in phase p.
func statusFor(p Phase) Status {
	switch p {
	case PhaseCompleted:
		return StatusCompleted
	case PhaseFailed:
		return StatusFailed
	case PhasePaused:
		return StatusPaused
	}
	return StatusActive
}

// GateStatus is the approval state of a gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// Risk grades a gated change.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Valid reports whether r is empty or a known grade.
func (r Risk) Valid() bool {
	switch r {
	case "", RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// AutoApprover is recorded as the approver of auto-approved gates.
const AutoApprover = "auto"

// TransitionRecord is one entry of the phase history.
type TransitionRecord struct {
	From   Phase           `json:"from"`
	To     Phase           `json:"to"`
	At     clock.Timestamp `json:"at"`
	Actor  string          `json:"actor,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Gate is an approval checkpoint guarding a target phase.
type Gate struct {
	ID           string          `json:"id"`
	TargetPhase  Phase           `json:"target_phase"`
	Proposal     string          `json:"proposal"`
	ApproverRole string          `json:"approver_role"`
	ArtifactRef  string          `json:"artifact_ref,omitempty"`
	Risk         Risk            `json:"risk,omitempty"`
	Status       GateStatus      `json:"status"`
	ResolvedBy   string          `json:"resolved_by,omitempty"`
	Feedback     string          `json:"feedback,omitempty"`
	CreatedAt    clock.Timestamp `json:"created_at"`
	UpdatedAt    clock.Timestamp `json:"updated_at"`
}

// Decision is an immutable record of a choice.
type Decision struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Options   []string        `json:"options"`
	Chosen    string          `json:"chosen"`
	Rationale string          `json:"rationale"`
	MadeBy    string          `json:"made_by,omitempty"`
	DebateID  string          `json:"debate_id,omitempty"`
	Phase     Phase           `json:"phase"`
	At        clock.Timestamp `json:"at"`
}

// State is the persisted record of one orchestration.
type State struct {
	store.Versioned

	ID            string                     `json:"id"`
	Task          string                     `json:"task"`
	SessionID     string                     `json:"session_id"`
	Phase         Phase                      `json:"phase"`
	Status        Status                     `json:"status"`
	History       []TransitionRecord         `json:"history"`
	Gates         []Gate                     `json:"gates"`
	Decisions     []Decision                 `json:"decisions"`
	Config        config.OrchestrationConfig `json:"config"`
	Revisions     map[Phase]int              `json:"revisions"`
	FailureReason string                     `json:"failure_reason,omitempty"`
	CreatedAt     clock.Timestamp            `json:"created_at"`
	UpdatedAt     clock.Timestamp            `json:"updated_at"`
	Events        []Event                    `json:"events"`
}

// Gate returns the gate with id.
func (s *State) Gate(id string) (Gate, bool) {
	if i := s.gateIndex(id); i >= 0 {
		return s.Gates[i], true
	}
	return Gate{}, false
}

func (s *State) gateIndex(id string) int {
	for i := range s.Gates {
		if s.Gates[i].ID == id {
			return i
		}
	}
	return -1
}

// PendingGates returns the gates awaiting approval, oldest first.
func (s *State) PendingGates() []Gate {
	var out []Gate
	for _, g := range s.Gates {
		if g.Status == GatePending {
			out = append(out, g)
		}
	}
	return out
}

// RevisionsExhausted reports whether phase has been re-entered through
// regression max_revisions times. Resuming from paused into an earlier phase
// than the one paused counts as a regression. A zero limit never exhausts.
func (s *State) RevisionsExhausted(phase Phase) bool {
	return s.Config.MaxRevisions > 0 && s.Revisions[phase] >= s.Config.MaxRevisions
}

// Live reports whether the orchestration can still be worked on.
func (s *State) Live() bool {
	return s.Status == StatusActive || s.Status == StatusPaused
}
