package orchestrator

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/clock"
	"github.com/fyrsmithlabs/accord/internal/config"
	"github.com/fyrsmithlabs/accord/internal/coorderr"
	"github.com/fyrsmithlabs/accord/internal/ids"
	"github.com/fyrsmithlabs/accord/internal/recorder"
	"github.com/fyrsmithlabs/accord/internal/store"
)

const entityOrchestration = "orchestration"

// Engine applies phase transitions, gate outcomes and decisions to
// orchestration records.
type Engine struct {
	store    store.Store
	ids      ids.Generator
	clock    clock.Clock
	logger   *zap.Logger
	recorder recorder.Recorder
	retries  int

	// Telemetry
	tracer            trace.Tracer
	meter             metric.Meter
	transitionCounter metric.Int64Counter
	gateCounter       metric.Int64Counter
	decisionCounter   metric.Int64Counter
	rejectionCounter  metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDs sets the identifier generator.
func WithIDs(g ids.Generator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecorder sets the recorder notified when orchestrations finish.
func WithRecorder(r recorder.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithRetries bounds read-modify-write attempts on a contended record.
func WithRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retries = n
		}
	}
}

// NewEngine creates an engine over s.
func NewEngine(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	e := &Engine{
		store:    s,
		ids:      ids.UUID{},
		clock:    clock.System{},
		logger:   zap.NewNop(),
		recorder: recorder.Nop{},
		retries:  store.DefaultRetries,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("orchestrator")
	e.initMetrics()
	return e, nil
}

// CreateOrchestration starts a new orchestration in initialized and makes it
// the active one. It fails with AlreadyActive while the active pointer names
// an orchestration that is still active or paused.
func (e *Engine) CreateOrchestration(ctx context.Context, task, sessionID string, cfg config.OrchestrationConfig) (st *State, err error) {
	ctx, span := e.startSpan(ctx, "orchestrator.create", attribute.String("session_id", sessionID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(task) == "" {
		return nil, e.refuse(ctx, "create", coorderr.New(coorderr.KindInvalidArgument, entityOrchestration, "", "task description is required"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, e.refuse(ctx, "create", coorderr.Wrap(coorderr.KindInvalidArgument, err, entityOrchestration, "", "invalid orchestration config"))
	}

	if activeID, _ := e.store.ActiveID(ctx); activeID != "" {
		var current State
		if err := e.store.Get(ctx, store.KindOrchestration, activeID, &current); err == nil && current.Live() {
			return nil, e.refuse(ctx, "create", coorderr.New(coorderr.KindAlreadyActive, entityOrchestration, activeID,
				"orchestration %s is %s", activeID, current.Status))
		}
	}

	st = &State{}
	if err := st.emit(Event{
		Type:    EventCreated,
		At:      e.clock.Now(),
		Actor:   sessionID,
		Created: &Created{ID: e.ids.New(ids.PrefixOrchestration), Task: task, SessionID: sessionID, Config: cfg},
	}); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("orchestration_id", st.ID))

	if err := e.store.Put(ctx, store.KindOrchestration, st.ID, st); err != nil {
		e.logger.Error("failed to persist orchestration", zap.String("id", st.ID), zap.Error(err))
		return nil, err
	}
	e.appendActivity(ctx, st, 0)

	if err := e.store.SetActive(ctx, st.ID); err != nil {
		e.logger.Error("failed to set active orchestration", zap.String("id", st.ID), zap.Error(err))
		return nil, err
	}

	e.logger.Info("orchestration created",
		zap.String("id", st.ID),
		zap.String("session_id", sessionID),
	)
	return st, nil
}

// Get loads an orchestration.
func (e *Engine) Get(ctx context.Context, id string) (*State, error) {
	var st State
	if err := e.store.Get(ctx, store.KindOrchestration, id, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// List returns every readable orchestration, ordered by id.
func (e *Engine) List(ctx context.Context) ([]*State, error) {
	idList, err := e.store.List(ctx, store.KindOrchestration)
	if err != nil {
		return nil, err
	}
	out := make([]*State, 0, len(idList))
	for _, id := range idList {
		st, err := e.Get(ctx, id)
		if err != nil {
			if errors.Is(err, coorderr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Active returns the orchestration named by the active pointer.
func (e *Engine) Active(ctx context.Context) (*State, error) {
	id, _ := e.store.ActiveID(ctx)
	if id == "" {
		return nil, coorderr.New(coorderr.KindNotFound, entityOrchestration, "", "no active orchestration")
	}
	return e.Get(ctx, id)
}

// SetActive points the active pointer at an existing, live orchestration.
func (e *Engine) SetActive(ctx context.Context, id string) error {
	st, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if !st.Live() {
		return coorderr.New(coorderr.KindTerminalState, entityOrchestration, id, "orchestration is %s", st.Status)
	}
	return e.store.SetActive(ctx, id)
}

// ClearActive removes the active pointer.
func (e *Engine) ClearActive(ctx context.Context) error {
	return e.store.ClearActive(ctx, "")
}

// Transition moves an orchestration to target. It fails with NotFound for an
// unknown id, TerminalState when the current phase is terminal and
// InvalidTransition when target is not reachable in one step.
func (e *Engine) Transition(ctx context.Context, id string, target Phase, actor string) (st *State, err error) {
	ctx, span := e.startSpan(ctx, "orchestrator.transition",
		attribute.String("orchestration_id", id),
		attribute.String("target", string(target)),
	)
	defer func() { endSpan(span, err) }()

	st, err = e.update(ctx, id, func(s *State) error {
		return e.transition(s, target, actor)
	})
	if err != nil {
		return nil, e.refuse(ctx, "transition", err)
	}
	e.afterTransition(ctx, st)
	return st, nil
}

// FailOrchestration marks a non-terminal orchestration failed from any phase,
// recording reason.
func (e *Engine) FailOrchestration(ctx context.Context, id, reason string) (st *State, err error) {
	ctx, span := e.startSpan(ctx, "orchestrator.fail", attribute.String("orchestration_id", id))
	defer func() { endSpan(span, err) }()

	st, err = e.update(ctx, id, func(s *State) error {
		if s.Phase.Terminal() {
			return terminalError(s)
		}
		now := e.clock.Now()
		return s.emit(Event{
			Type:       EventFailed,
			At:         now,
			Transition: &TransitionRecord{From: s.Phase, To: PhaseFailed, At: now, Reason: reason},
		})
	})
	if err != nil {
		return nil, e.refuse(ctx, "fail", err)
	}
	e.afterTransition(ctx, st)
	return st, nil
}

// transition validates and applies one phase change to s.
func (e *Engine) transition(s *State, target Phase, actor string) error {
	if s.Phase.Terminal() {
		return terminalError(s)
	}
	if !CanTransition(s.Phase, target) {
		return coorderr.New(coorderr.KindInvalidTransition, entityOrchestration, s.ID,
			"cannot transition from %s to %s", s.Phase, target)
	}
	now := e.clock.Now()
	return s.emit(Event{
		Type:       EventTransitioned,
		At:         now,
		Actor:      actor,
		Transition: &TransitionRecord{From: s.Phase, To: target, At: now, Actor: actor},
	})
}

func terminalError(s *State) error {
	return coorderr.New(coorderr.KindTerminalState, entityOrchestration, s.ID,
		"orchestration is %s", s.Phase)
}

// update runs one read-modify-write cycle and appends the new events to the
// activity log.
func (e *Engine) update(ctx context.Context, id string, mutate func(*State) error) (*State, error) {
	var before int
	st, err := store.Update(ctx, e.store, store.KindOrchestration, id, func(s *State) error {
		before = len(s.Events)
		return mutate(s)
	}, store.WithRetries(e.retries))
	if err != nil {
		return nil, err
	}
	e.appendActivity(ctx, st, before)
	return st, nil
}

// appendActivity copies events from index from onward to the activity log.
// The record is already durable, so failures are logged only.
func (e *Engine) appendActivity(ctx context.Context, st *State, from int) {
	for _, ev := range st.Events[from:] {
		if err := e.store.AppendLog(ctx, store.KindOrchestration, st.ID, ev); err != nil {
			e.logger.Warn("failed to append activity log", zap.String("id", st.ID), zap.Error(err))
			return
		}
	}
}

// afterTransition handles the effects of the last applied transition:
// metrics, logging and, for terminal phases, clearing the active pointer and
// notifying the recorder.
func (e *Engine) afterTransition(ctx context.Context, st *State) {
	if len(st.History) == 0 {
		return
	}
	last := st.History[len(st.History)-1]
	add(ctx, e.transitionCounter,
		attribute.String("from", string(last.From)),
		attribute.String("to", string(last.To)),
	)
	e.logger.Info("phase changed",
		zap.String("id", st.ID),
		zap.String("from", string(last.From)),
		zap.String("to", string(last.To)),
		zap.String("actor", last.Actor),
	)

	if !st.Phase.Terminal() {
		return
	}
	if err := e.store.ClearActive(ctx, st.ID); err != nil {
		e.logger.Warn("failed to clear active orchestration", zap.String("id", st.ID), zap.Error(err))
	}
	ev := recorder.Event{
		Type:            recorder.OrchestrationCompleted,
		Source:          "orchestrator",
		EntityID:        st.ID,
		OrchestrationID: st.ID,
		Outcome:         string(st.Status),
		Summary:         st.Task,
		At:              last.At,
	}
	if st.Phase == PhaseFailed {
		ev.Type = recorder.OrchestrationFailed
		ev.Summary = st.FailureReason
	}
	recorder.Notify(ctx, e.recorder, e.logger, ev)
}

// refuse counts and logs a validation failure; other errors pass through.
func (e *Engine) refuse(ctx context.Context, op string, err error) error {
	if coorderr.IsValidation(err) {
		add(ctx, e.rejectionCounter,
			attribute.String("op", op),
			attribute.String("kind", string(coorderr.KindOf(err))),
		)
		e.logger.Debug("operation refused", zap.String("op", op), zap.Error(err))
		return err
	}
	e.logger.Error("operation failed", zap.String("op", op), zap.Error(err))
	return err
}
