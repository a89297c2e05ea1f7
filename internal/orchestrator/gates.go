package orchestrator

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/config"
	"github.com/fyrsmithlabs/accord/internal/coorderr"
	"github.com/fyrsmithlabs/accord/internal/ids"
)

const entityGate = "gate"

// Approver roles used by the default policy.
const (
	RolePM          = "pm"
	RoleUser        = "user"
	RoleCoordinator = "coordinator"
)

// GateRequest describes a gate to open.
type GateRequest struct {
	TargetPhase Phase
	Proposal    string
	// ApproverRole defaults to RequiredApprover for the target, then to
	// coordinator.
	ApproverRole string
	ArtifactRef  string
	Risk         Risk
}

// GateResult is returned by operations that may advance the phase.
type GateResult struct {
	Gate  Gate   `json:"gate"`
	State *State `json:"state"`
	// TransitionError is set when the gate was approved but moving to its
	// target phase was refused. The approval is persisted regardless.
	TransitionError error `json:"-"`
}

// Transitioned reports whether the gate's approval moved the phase.
func (r *GateResult) Transitioned() bool {
	return r.Gate.Status == GateApproved && r.TransitionError == nil
}

// RejectionResult is returned by RejectGate.
type RejectionResult struct {
	Gate  Gate   `json:"gate"`
	State *State `json:"state"`
	// RevisionLimitReached is set when the phase the rejected work would be
	// reworked in has used up its revisions.
	RevisionLimitReached bool `json:"revision_limit_reached"`
}

// RequiredApprover returns the role that must sign off before target under
// cfg, if any: leaving a review phase needs the PM, completion needs the
// user.
func RequiredApprover(cfg config.OrchestrationConfig, target Phase) (string, bool) {
	switch target {
	case PhasePlanning, PhaseExecuting:
		if cfg.RequirePMApproval {
			return RolePM, true
		}
	case PhaseCompleted:
		if cfg.RequireUserApproval {
			return RoleUser, true
		}
	}
	return "", false
}

// CreateGate opens a pending gate guarding req.TargetPhase. It fails with
// NotFound when the orchestration is missing or terminal. Under
// auto_approve_low_risk a low-risk gate is approved by AutoApprover at once,
// which attempts the transition exactly as ApproveGate does.
func (e *Engine) CreateGate(ctx context.Context, orchestrationID string, req GateRequest) (res *GateResult, err error) {
	ctx, span := e.startSpan(ctx, "orchestrator.gate.create",
		attribute.String("orchestration_id", orchestrationID),
		attribute.String("target", string(req.TargetPhase)),
	)
	defer func() { endSpan(span, err) }()

	if !req.TargetPhase.Valid() {
		return nil, e.refuse(ctx, "gate.create", coorderr.New(coorderr.KindInvalidArgument, entityGate, "",
			"unknown target phase %q", req.TargetPhase))
	}
	if strings.TrimSpace(req.Proposal) == "" {
		return nil, e.refuse(ctx, "gate.create", coorderr.New(coorderr.KindInvalidArgument, entityGate, "", "proposal summary is required"))
	}
	if !req.Risk.Valid() {
		return nil, e.refuse(ctx, "gate.create", coorderr.New(coorderr.KindInvalidArgument, entityGate, "", "unknown risk %q", req.Risk))
	}

	res = &GateResult{}
	st, err := e.update(ctx, orchestrationID, func(s *State) error {
		*res = GateResult{}
		if s.Phase.Terminal() {
			return coorderr.New(coorderr.KindNotFound, entityOrchestration, s.ID,
				"no live orchestration (it is %s)", s.Phase)
		}

		role := req.ApproverRole
		if role == "" {
			if r, ok := RequiredApprover(s.Config, req.TargetPhase); ok {
				role = r
			} else {
				role = RoleCoordinator
			}
		}
		now := e.clock.Now()
		g := Gate{
			ID:           e.ids.New(ids.PrefixGate),
			TargetPhase:  req.TargetPhase,
			Proposal:     req.Proposal,
			ApproverRole: role,
			ArtifactRef:  req.ArtifactRef,
			Risk:         req.Risk,
			Status:       GatePending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.emit(Event{Type: EventGateOpened, At: now, Gate: &g}); err != nil {
			return err
		}
		res.Gate = g

		if s.Config.AutoApproveLowRisk && req.Risk == RiskLow {
			return e.approve(s, g.ID, AutoApprover, res)
		}
		return nil
	})
	if err != nil {
		return nil, e.refuse(ctx, "gate.create", err)
	}
	res.State = st

	add(ctx, e.gateCounter, attribute.String("outcome", "opened"))
	e.logger.Info("gate opened",
		zap.String("id", st.ID),
		zap.String("gate", res.Gate.ID),
		zap.String("target", string(req.TargetPhase)),
		zap.String("approver_role", res.Gate.ApproverRole),
	)
	if res.Gate.Status == GateApproved {
		e.afterApproval(ctx, res)
	}
	return res, nil
}

// ApproveGate approves a pending gate and transitions the orchestration to
// the gate's target phase in the same write. It fails with NotFound for an
// unknown orchestration or gate, AlreadyResolved when the gate is not
// pending and TerminalState when the orchestration is terminal.
func (e *Engine) ApproveGate(ctx context.Context, orchestrationID, gateID, approver string) (res *GateResult, err error) {
	ctx, span := e.startSpan(ctx, "orchestrator.gate.approve",
		attribute.String("orchestration_id", orchestrationID),
		attribute.String("gate_id", gateID),
	)
	defer func() { endSpan(span, err) }()

	res = &GateResult{}
	st, err := e.update(ctx, orchestrationID, func(s *State) error {
		*res = GateResult{}
		if s.Phase.Terminal() {
			return terminalError(s)
		}
		return e.approve(s, gateID, approver, res)
	})
	if err != nil {
		return nil, e.refuse(ctx, "gate.approve", err)
	}
	res.State = st
	e.afterApproval(ctx, res)
	return res, nil
}

// approve marks the gate approved and attempts the transition. A refused
// transition is reported in res, not returned.
func (e *Engine) approve(s *State, gateID, approver string, res *GateResult) error {
	g, err := pendingGate(s, gateID)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	g.Status = GateApproved
	g.ResolvedBy = approver
	g.UpdatedAt = now
	if err := s.emit(Event{Type: EventGateApproved, At: now, Actor: approver, Gate: &g}); err != nil {
		return err
	}
	res.Gate = g

	if err := e.transition(s, g.TargetPhase, approver); err != nil {
		if !coorderr.IsValidation(err) {
			return err
		}
		res.TransitionError = err
	}
	return nil
}

func (e *Engine) afterApproval(ctx context.Context, res *GateResult) {
	outcome := "approved"
	if res.Gate.ResolvedBy == AutoApprover {
		outcome = "auto_approved"
	}
	add(ctx, e.gateCounter, attribute.String("outcome", outcome))

	if res.TransitionError != nil {
		e.logger.Warn("gate approved but transition refused",
			zap.String("id", res.State.ID),
			zap.String("gate", res.Gate.ID),
			zap.String("target", string(res.Gate.TargetPhase)),
			zap.Error(res.TransitionError),
		)
		return
	}
	e.logger.Info("gate approved",
		zap.String("id", res.State.ID),
		zap.String("gate", res.Gate.ID),
		zap.String("approver", res.Gate.ResolvedBy),
	)
	e.afterTransition(ctx, res.State)
}

// RejectGate rejects a pending gate with feedback. The phase is left
// unchanged; the caller decides where work goes next.
func (e *Engine) RejectGate(ctx context.Context, orchestrationID, gateID, feedback, rejecter string) (res *RejectionResult, err error) {
	ctx, span := e.startSpan(ctx, "orchestrator.gate.reject",
		attribute.String("orchestration_id", orchestrationID),
		attribute.String("gate_id", gateID),
	)
	defer func() { endSpan(span, err) }()

	res = &RejectionResult{}
	st, err := e.update(ctx, orchestrationID, func(s *State) error {
		*res = RejectionResult{}
		if s.Phase.Terminal() {
			return terminalError(s)
		}
		g, err := pendingGate(s, gateID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		g.Status = GateRejected
		g.ResolvedBy = rejecter
		g.Feedback = feedback
		g.UpdatedAt = now
		if err := s.emit(Event{Type: EventGateRejected, At: now, Actor: rejecter, Gate: &g}); err != nil {
			return err
		}
		res.Gate = g
		return nil
	})
	if err != nil {
		return nil, e.refuse(ctx, "gate.reject", err)
	}
	res.State = st
	if rework, ok := ReworkPhase(st.Phase); ok {
		res.RevisionLimitReached = st.RevisionsExhausted(rework)
	}

	add(ctx, e.gateCounter, attribute.String("outcome", "rejected"))
	e.logger.Info("gate rejected",
		zap.String("id", st.ID),
		zap.String("gate", gateID),
		zap.Bool("revision_limit_reached", res.RevisionLimitReached),
	)
	return res, nil
}

// pendingGate returns a copy of the pending gate with id.
func pendingGate(s *State, gateID string) (Gate, error) {
	g, ok := s.Gate(gateID)
	if !ok {
		return Gate{}, coorderr.NotFound(entityGate, gateID)
	}
	if g.Status != GatePending {
		return Gate{}, coorderr.New(coorderr.KindAlreadyResolved, entityGate, gateID, "gate is already %s", g.Status)
	}
	return g, nil
}
