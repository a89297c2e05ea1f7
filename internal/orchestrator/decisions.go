package orchestrator

import (
	"context"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/coorderr"
	"github.com/fyrsmithlabs/accord/internal/ids"
)

const entityDecision = "decision"

// DecisionRequest describes a decision to record.
type DecisionRequest struct {
	OrchestrationID string
	Topic           string
	Options         []string
	Chosen          string
	Rationale       string
	MadeBy          string
	// DebateID optionally links the debate that produced the decision.
	DebateID string
}

// RecordDecision appends an immutable decision. It fails with NotFound for an
// unknown orchestration, TerminalState when the orchestration is terminal,
// and InvalidChoice when Chosen is not one of Options (or Options is empty).
func (e *Engine) RecordDecision(ctx context.Context, req DecisionRequest) (d *Decision, err error) {
	ctx, span := e.startSpan(ctx, "orchestrator.decision.record",
		attribute.String("orchestration_id", req.OrchestrationID),
	)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.Topic) == "" {
		return nil, e.refuse(ctx, "decision", coorderr.New(coorderr.KindInvalidArgument, entityDecision, "", "topic is required"))
	}
	if len(req.Options) == 0 {
		return nil, e.refuse(ctx, "decision", coorderr.New(coorderr.KindInvalidChoice, entityDecision, "", "no options were considered"))
	}
	if !slices.Contains(req.Options, req.Chosen) {
		return nil, e.refuse(ctx, "decision", coorderr.New(coorderr.KindInvalidChoice, entityDecision, "",
			"%q is not one of %v", req.Chosen, req.Options))
	}

	var recorded Decision
	st, err := e.update(ctx, req.OrchestrationID, func(s *State) error {
		if s.Phase.Terminal() {
			return terminalError(s)
		}
		now := e.clock.Now()
		recorded = Decision{
			ID:        e.ids.New(ids.PrefixDecision),
			Topic:     req.Topic,
			Options:   slices.Clone(req.Options),
			Chosen:    req.Chosen,
			Rationale: req.Rationale,
			MadeBy:    req.MadeBy,
			DebateID:  req.DebateID,
			Phase:     s.Phase,
			At:        now,
		}
		return s.emit(Event{Type: EventDecisionRecorded, At: now, Actor: req.MadeBy, Decision: &recorded})
	})
	if err != nil {
		return nil, e.refuse(ctx, "decision", err)
	}

	add(ctx, e.decisionCounter, attribute.String("phase", string(recorded.Phase)))
	e.logger.Info("decision recorded",
		zap.String("id", st.ID),
		zap.String("decision", recorded.ID),
		zap.String("topic", recorded.Topic),
		zap.String("chosen", recorded.Chosen),
	)
	return &recorded, nil
}

// Decisions returns the decision log of an orchestration in record order.
func (e *Engine) Decisions(ctx context.Context, orchestrationID string) ([]Decision, error) {
	st, err := e.Get(ctx, orchestrationID)
	if err != nil {
		return nil, err
	}
	return st.Decisions, nil
}
