package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/accord/internal/clock"
)

// Summary is a read-only digest of an orchestration for display.
type Summary struct {
	ID             string            `json:"id"`
	Task           string            `json:"task"`
	Phase          Phase             `json:"phase"`
	Status         Status            `json:"status"`
	NextPhase      Phase             `json:"next_phase,omitempty"`
	Step           int               `json:"step"`
	Steps          int               `json:"steps"`
	Transitions    int               `json:"transitions"`
	PendingGates   []Gate            `json:"pending_gates"`
	GatesTotal     int               `json:"gates_total"`
	Decisions      int               `json:"decisions"`
	LastTransition *TransitionRecord `json:"last_transition,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CreatedAt      clock.Timestamp   `json:"created_at"`
	UpdatedAt      clock.Timestamp   `json:"updated_at"`
}

// Summarize digests st.
func Summarize(st *State) Summary {
	s := Summary{
		ID:            st.ID,
		Task:          st.Task,
		Phase:         st.Phase,
		Status:        st.Status,
		Transitions:   len(st.History),
		PendingGates:  st.PendingGates(),
		GatesTotal:    len(st.Gates),
		Decisions:     len(st.Decisions),
		FailureReason: st.FailureReason,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}
	if s.PendingGates == nil {
		s.PendingGates = []Gate{}
	}
	if next, ok := NextPhase(st.Phase); ok {
		s.NextPhase = next
	}
	s.Step, s.Steps = Progress(st.Phase)
	if n := len(st.History); n > 0 {
		last := st.History[n-1]
		s.LastTransition = &last
	}
	return s
}

// Summary loads and digests an orchestration.
func (e *Engine) Summary(ctx context.Context, id string) (*Summary, error) {
	st, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s := Summarize(st)
	return &s, nil
}

// FormatStatus renders st as plain text.
func FormatStatus(st *State) string {
	s := Summarize(st)
	var b strings.Builder

	fmt.Fprintf(&b, "Orchestration %s (%s)\n", s.ID, s.Status)
	fmt.Fprintf(&b, "Task:  %s\n", s.Task)
	if s.Step > 0 {
		fmt.Fprintf(&b, "Phase: %s [%d/%d]\n", s.Phase, s.Step, s.Steps)
	} else {
		fmt.Fprintf(&b, "Phase: %s\n", s.Phase)
	}
	if s.NextPhase != "" {
		fmt.Fprintf(&b, "Next:  %s\n", s.NextPhase)
	}
	if s.FailureReason != "" {
		fmt.Fprintf(&b, "Failure: %s\n", s.FailureReason)
	}

	if len(s.PendingGates) > 0 {
		b.WriteString("Pending gates:\n")
		for _, g := range s.PendingGates {
			fmt.Fprintf(&b, "  - %s -> %s (approver: %s): %s\n", g.ID, g.TargetPhase, g.ApproverRole, g.Proposal)
		}
	}

	if len(st.History) > 0 {
		b.WriteString("History:\n")
		for _, tr := range st.History {
			line := fmt.Sprintf("  %s  %s -> %s", tr.At, tr.From, tr.To)
			if tr.Actor != "" {
				line += " by " + tr.Actor
			}
			if tr.Reason != "" {
				line += ": " + tr.Reason
			}
			b.WriteString(line + "\n")
		}
	}

	if len(st.Decisions) > 0 {
		b.WriteString("Decisions:\n")
		for _, d := range st.Decisions {
			fmt.Fprintf(&b, "  - %s: %s (%s)\n", d.Topic, d.Chosen, d.Rationale)
		}
	}
	return b.String()
}
