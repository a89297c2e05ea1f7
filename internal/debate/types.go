// Package debate runs bounded, multi-round structured exchanges between
// agents.
//
// A Room opens in round 1 and collects messages and concerns. Concerns with
// PriorityBlocker must be resolved before the room can be resolved, unless
// the caller overrides them explicitly. Advancing past the room's round limit
// ends the debate as exhausted.
package debate

import (
	"github.com/fyrsmithlabs/accord/internal/clock"
	"github.com/fyrsmithlabs/accord/internal/store"
)

// Status of a room.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusExhausted Status = "exhausted"
)

// MessageType classifies a message.
type MessageType string

const (
	MessageProposal   MessageType = "proposal"
	MessageCounter    MessageType = "counter"
	MessageConcern    MessageType = "concern"
	MessageResolution MessageType = "resolution"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageProposal, MessageCounter, MessageConcern, MessageResolution:
		return true
	}
	return false
}

// Priority of a concern.
type Priority string

const (
	PriorityLow     Priority = "low"
	PriorityMedium  Priority = "medium"
	PriorityHigh    Priority = "high"
	PriorityBlocker Priority = "blocker"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityBlocker:
		return true
	}
	return false
}

// OutcomeExhausted is the resolution outcome of a room that ran out of
// rounds.
const OutcomeExhausted = "exhausted"

// Message is one contribution to a room.
type Message struct {
	ID     string          `json:"id"`
	Author string          `json:"author"`
	Type   MessageType     `json:"type"`
	Body   string          `json:"body"`
	Round  int             `json:"round"`
	At     clock.Timestamp `json:"at"`
}

// Concern is an issue raised during a debate.
type Concern struct {
	ID          string          `json:"id"`
	Priority    Priority        `json:"priority"`
	Description string          `json:"description"`
	RaisedBy    string          `json:"raised_by"`
	Round       int             `json:"round"`
	Resolved    bool            `json:"resolved"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	Resolution  string          `json:"resolution,omitempty"`
	RaisedAt    clock.Timestamp `json:"raised_at"`
	ResolvedAt  clock.Timestamp `json:"resolved_at,omitempty"`
}

// Blocking reports whether c still prevents resolution.
func (c Concern) Blocking() bool {
	return c.Priority == PriorityBlocker && !c.Resolved
}

// Resolution concludes a room.
type Resolution struct {
	Outcome    string `json:"outcome"`
	ResolvedBy string `json:"resolved_by"`
	Rationale  string `json:"rationale,omitempty"`
	// OverrodeBlockers lists blocker concerns left open by an explicit
	// override.
	OverrodeBlockers []string        `json:"overrode_blockers,omitempty"`
	At               clock.Timestamp `json:"at"`
}

// Room is a persisted debate.
type Room struct {
	store.Versioned
	ID              string          `json:"id"`
	Topic           string          `json:"topic"`
	OrchestrationID string          `json:"orchestration_id,omitempty"`
	Participants    []string        `json:"participants"`
	Messages        []Message       `json:"messages"`
	Concerns        []Concern       `json:"concerns"`
	Round           int             `json:"round"`
	MaxRounds       int             `json:"max_rounds"`
	Status          Status          `json:"status"`
	Resolution      *Resolution     `json:"resolution,omitempty"`
	CreatedAt       clock.Timestamp `json:"created_at"`
	UpdatedAt       clock.Timestamp `json:"updated_at"`
}

// Blockers returns the unresolved blocker concerns.
func (r *Room) Blockers() []Concern {
	var out []Concern
	for _, c := range r.Concerns {
		if c.Blocking() {
			out = append(out, c)
		}
	}
	return out
}

// Concern returns the concern with id.
func (r *Room) Concern(id string) (Concern, bool) {
	for _, c := range r.Concerns {
		if c.ID == id {
			return c, true
		}
	}
	return Concern{}, false
}

func (r *Room) concernIndex(id string) int {
	for i, c := range r.Concerns {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// LastRound reports whether the room is in its final round.
func (r *Room) LastRound() bool {
	return r.Round >= r.MaxRounds
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status          Status
	OrchestrationID string
}

func (f Filter) match(r *Room) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.OrchestrationID != "" && r.OrchestrationID != f.OrchestrationID {
		return false
	}
	return true
}
