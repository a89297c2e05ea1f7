package orchestrator

import (
	"github.com/fyrsmithlabs/accord/internal/clock"
	"github.com/fyrsmithlabs/accord/internal/config"
	"github.com/fyrsmithlabs/accord/internal/coorderr"
)

// EventType tags an orchestration event.
type EventType string

const (
	EventCreated          EventType = "created"
	EventTransitioned     EventType = "transitioned"
	EventGateOpened       EventType = "gate_opened"
	EventGateApproved     EventType = "gate_approved"
	EventGateRejected     EventType = "gate_rejected"
	EventDecisionRecorded EventType = "decision_recorded"
	EventFailed           EventType = "failed"
)

// Event is one entry of an orchestration's append-only log. Exactly one
// payload field is set, matching Type.
type Event struct {
	Seq   int             `json:"seq"`
	Type  EventType       `json:"type"`
	At    clock.Timestamp `json:"at"`
	Actor string          `json:"actor,omitempty"`

	Created    *Created          `json:"created,omitempty"`
	Transition *TransitionRecord `json:"transition,omitempty"`
	Gate       *Gate             `json:"gate,omitempty"`
	Decision   *Decision         `json:"decision,omitempty"`
}

// Created is the payload of EventCreated.
type Created struct {
	ID        string                     `json:"id"`
	Task      string                     `json:"task"`
	SessionID string                     `json:"session_id"`
	Config    config.OrchestrationConfig `json:"config"`
}

// Replay folds events into the state they describe. The result equals the
// snapshot the events were taken from, apart from the store version.
func Replay(events []Event) (*State, error) {
	if len(events) == 0 || events[0].Type != EventCreated {
		return nil, coorderr.New(coorderr.KindInvalidArgument, "orchestration", "",
			"event log must start with a %s event", EventCreated)
	}
	st := &State{}
	for _, ev := range events {
		if err := st.apply(ev); err != nil {
			return nil, err
		}
		st.Events = append(st.Events, ev)
	}
	return st, nil
}

// emit numbers ev, appends it to the log and applies it.
func (s *State) emit(ev Event) error {
	ev.Seq = len(s.Events) + 1
	if err := s.apply(ev); err != nil {
		return err
	}
	s.Events = append(s.Events, ev)
	return nil
}

func (s *State) apply(ev Event) error {
	malformed := func() error {
		return coorderr.New(coorderr.KindInvalidArgument, "orchestration", s.ID,
			"event %d (%s) has no payload", ev.Seq, ev.Type)
	}

	switch ev.Type {
	case EventCreated:
		if ev.Created == nil {
			return malformed()
		}
		s.ID = ev.Created.ID
		s.Task = ev.Created.Task
		s.SessionID = ev.Created.SessionID
		s.Config = ev.Created.Config
		s.Phase = PhaseInitialized
		s.Status = StatusActive
		s.History = []TransitionRecord{}
		s.Gates = []Gate{}
		s.Decisions = []Decision{}
		s.Revisions = map[Phase]int{}
		s.CreatedAt = ev.At

	case EventTransitioned, EventFailed:
		if ev.Transition == nil {
			return malformed()
		}
		tr := *ev.Transition
		if IsRegression(s.reworkOrigin(tr.From), tr.To) {
			s.Revisions[tr.To]++
		}
		s.History = append(s.History, tr)
		s.Phase = tr.To
		s.Status = statusFor(tr.To)
		if ev.Type == EventFailed {
			s.FailureReason = tr.Reason
		}

	case EventGateOpened:
		if ev.Gate == nil {
			return malformed()
		}
		s.Gates = append(s.Gates, *ev.Gate)

	case EventGateApproved, EventGateRejected:
		if ev.Gate == nil {
			return malformed()
		}
		i := s.gateIndex(ev.Gate.ID)
		if i < 0 {
			return coorderr.NotFound("gate", ev.Gate.ID)
		}
		s.Gates[i] = *ev.Gate

	case EventDecisionRecorded:
		if ev.Decision == nil {
			return malformed()
		}
		d := *ev.Decision
		d.Options = append([]string(nil), d.Options...)
		s.Decisions = append(s.Decisions, d)

	default:
		return coorderr.New(coorderr.KindInvalidArgument, "orchestration", s.ID,
			"unknown event type %q", ev.Type)
	}

	s.UpdatedAt = ev.At
	return nil
}

// reworkOrigin is the phase a move out of from is measured against. Leaving
// paused counts from the phase that was paused, so executing, paused,
// designing is a regression to designing.
func (s *State) reworkOrigin(from Phase) Phase {
	if from != PhasePaused {
		return from
	}
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].To == PhasePaused {
			return s.History[i].From
		}
	}
	return from
}
