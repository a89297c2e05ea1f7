package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/accord/internal/clock"
	"github.com/fyrsmithlabs/accord/internal/config"
	"github.com/fyrsmithlabs/accord/internal/coorderr"
	"github.com/fyrsmithlabs/accord/internal/ids"
	"github.com/fyrsmithlabs/accord/internal/logging"
	"github.com/fyrsmithlabs/accord/internal/recorder"
	"github.com/fyrsmithlabs/accord/internal/store"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	engine   *Engine
	store    store.Store
	recorder *recorder.Buffer
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemoryStore(), opts...)
}

func newTestEnvWithStore(t *testing.T, s store.Store, opts ...Option) *testEnv {
	t.Helper()
	buf := &recorder.Buffer{}
	base := []Option{
		WithIDs(ids.NewSequence()),
		WithClock(clock.NewStepped(testStart, time.Second)),
		WithRecorder(buf),
	}
	e, err := NewEngine(s, append(base, opts...)...)
	require.NoError(t, err)
	return &testEnv{engine: e, store: s, recorder: buf}
}

func (env *testEnv) create(t *testing.T) *State {
	t.Helper()
	st, err := env.engine.CreateOrchestration(context.Background(), "add rate limiting", "sess_1", config.DefaultOrchestration())
	require.NoError(t, err)
	return st
}

// walk transitions st through phases in order.
func (env *testEnv) walk(t *testing.T, id string, phases ...Phase) *State {
	t.Helper()
	var st *State
	for _, p := range phases {
		var err error
		st, err = env.engine.Transition(context.Background(), id, p, "coordinator")
		require.NoError(t, err, "transition to %s", p)
	}
	return st
}

// force writes phase into the record directly, bypassing the table.
func (env *testEnv) force(t *testing.T, id string, phase Phase) {
	t.Helper()
	_, err := store.Update(context.Background(), env.store, store.KindOrchestration, id, func(s *State) error {
		s.Phase = phase
		s.Status = statusFor(phase)
		return nil
	})
	require.NoError(t, err)
}

func TestNewEngine_RequiresStore(t *testing.T) {
	_, err := NewEngine(nil)
	assert.Error(t, err)
}

func TestCreateOrchestration(t *testing.T) {
	env := newTestEnv(t)
	st := env.create(t)

	assert.Equal(t, "orch_1", st.ID)
	assert.Equal(t, PhaseInitialized, st.Phase)
	assert.Equal(t, StatusActive, st.Status)
	assert.Equal(t, "add rate limiting", st.Task)
	assert.Equal(t, "sess_1", st.SessionID)
	assert.Equal(t, config.DefaultOrchestration(), st.Config)
	assert.Equal(t, int64(1), st.Version)
	assert.Empty(t, st.History)
	require.Len(t, st.Events, 1)
	assert.Equal(t, EventCreated, st.Events[0].Type)
	assert.Equal(t, clock.FromTime(testStart), st.CreatedAt)

	active, err := env.engine.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, st.ID, active.ID)
}

func TestCreateOrchestration_AlreadyActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.create(t)

	_, err := env.engine.CreateOrchestration(ctx, "second task", "sess_2", config.DefaultOrchestration())
	require.ErrorIs(t, err, coorderr.ErrAlreadyActive)

	env.force(t, first.ID, PhasePaused)
	_, err = env.engine.CreateOrchestration(ctx, "second task", "sess_2", config.DefaultOrchestration())
	require.ErrorIs(t, err, coorderr.ErrAlreadyActive, "a paused orchestration still holds the pointer")

	_, err = env.engine.FailOrchestration(ctx, first.ID, "abandoned")
	require.NoError(t, err)

	second, err := env.engine.CreateOrchestration(ctx, "second task", "sess_2", config.DefaultOrchestration())
	require.NoError(t, err)
	assert.Equal(t, "orch_2", second.ID)
}

func TestCreateOrchestration_StalePointerIgnored(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SetActive(context.Background(), "orch_gone"))
	env.create(t)
}

func TestCreateOrchestration_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.CreateOrchestration(ctx, "  ", "sess", config.DefaultOrchestration())
	assert.ErrorIs(t, err, coorderr.ErrInvalidArgument)

	bad := config.DefaultOrchestration()
	bad.MaxDebateRounds = 0
	_, err = env.engine.CreateOrchestration(ctx, "task", "sess", bad)
	assert.ErrorIs(t, err, coorderr.ErrInvalidArgument)

	all, err := env.engine.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "validation failures must not write")
}

func TestTransition_MustGoThroughAnalyzing(t *testing.T) {
	env := newTestEnv(t)
	st := env.create(t)

	_, err := env.engine.Transition(context.Background(), st.ID, PhaseExecuting, "coordinator")
	require.ErrorIs(t, err, coorderr.ErrInvalidTransition)

	after, err := env.engine.Get(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, st.Version, after.Version, "refused transition must not write")
	assert.Equal(t, PhaseInitialized, after.Phase)
}

func TestTransition_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Transition(context.Background(), "orch_missing", PhaseAnalyzing, "coordinator")
	assert.ErrorIs(t, err, coorderr.ErrNotFound)
}

func TestTransition_AppendsHistory(t *testing.T) {
	env := newTestEnv(t)
	st := env.create(t)

	st = env.walk(t, st.ID, PhaseAnalyzing, PhaseDesigning)
	require.Len(t, st.History, 2)
	assert.Equal(t, TransitionRecord{
		From:  PhaseInitialized,
		To:    PhaseAnalyzing,
		At:    clock.FromTime(testStart.Add(time.Second)),
		Actor: "coordinator",
	}, st.History[0])
	assert.Equal(t, PhaseDesigning, st.History[1].To)
	assert.Equal(t, PhaseDesigning, st.Phase)
	assert.Equal(t, int64(3), st.Version)
}

// Every (from, to) pair succeeds exactly when the table allows it, and
// nothing leaves a terminal phase.
func TestTransition_TableProperty(t *testing.T) {
	for _, from := range AllPhases() {
		for _, to := range AllPhases() {
			env := newTestEnv(t)
			st := env.create(t)
			env.force(t, st.ID, from)

			_, err := env.engine.Transition(context.Background(), st.ID, to, "coordinator")
			switch {
			case from.Terminal():
				assert.ErrorIs(t, err, coorderr.ErrTerminalState, "%s -> %s", from, to)
			case CanTransition(from, to):
				assert.NoError(t, err, "%s -> %s", from, to)
			default:
				assert.ErrorIs(t, err, coorderr.ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestTransition_StatusFollowsPhase(t *testing.T) {
	env := newTestEnv(t)
	st := env.create(t)
	st = env.walk(t, st.ID, PhaseAnalyzing, PhaseDesigning, PhaseReviewingDesign,
		PhasePlanning, PhaseReviewingPlan, PhaseExecuting, PhasePaused)
	assert.Equal(t, StatusPaused, st.Status)

	st = env.walk(t, st.ID, PhaseExecuting)
	assert.Equal(t, StatusActive, st.Status)

	st = env.walk(t, st.ID, PhaseVerifying, PhaseCompleted)
	assert.Equal(t, StatusCompleted, st.Status)
}

func TestTransition_TerminalClearsPointerAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.create(t)
	env.force(t, st.ID, PhaseVerifying)

	st, err := env.engine.Transition(ctx, st.ID, PhaseCompleted, "user")
	require.NoError(t, err)

	_, err = env.engine.Active(ctx)
	assert.ErrorIs(t, err, coorderr.ErrNotFound)

	events := env.recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, recorder.OrchestrationCompleted, events[0].Type)
	assert.Equal(t, st.ID, events[0].EntityID)

	_, err = env.engine.Transition(ctx, st.ID, PhaseExecuting, "coordinator")
	assert.ErrorIs(t, err, coorderr.ErrTerminalState)
}

func TestFailOrchestration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.create(t)
	env.walk(t, st.ID, PhaseAnalyzing)
	env.force(t, st.ID, PhasePaused)

	st, err := env.engine.FailOrchestration(ctx, st.ID, "budget exceeded")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "budget exceeded", st.FailureReason)
	last := st.History[len(st.History)-1]
	assert.Equal(t, PhasePaused, last.From, "fail is allowed from phases the table does not connect to failed")
	assert.Equal(t, "budget exceeded", last.Reason)

	events := env.recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, recorder.OrchestrationFailed, events[0].Type)
	assert.Equal(t, "budget exceeded", events[0].Summary)

	_, err = env.engine.FailOrchestration(ctx, st.ID, "again")
	assert.ErrorIs(t, err, coorderr.ErrTerminalState)

	_, err = env.engine.FailOrchestration(ctx, "orch_missing", "x")
	assert.ErrorIs(t, err, coorderr.ErrNotFound)
}

func TestTransition_CountsRevisions(t *testing.T) {
	env := newTestEnv(t)
	st := env.create(t)
	st = env.walk(t, st.ID, PhaseAnalyzing, PhaseDesigning, PhaseReviewingDesign, PhaseDesigning)
	assert.Equal(t, 1, st.Revisions[PhaseDesigning])
	assert.False(t, st.RevisionsExhausted(PhaseDesigning))

	for i := 0; i < 2; i++ {
		st = env.walk(t, st.ID, PhaseReviewingDesign, PhaseDesigning)
	}
	assert.Equal(t, 3, st.Revisions[PhaseDesigning])
	assert.True(t, st.RevisionsExhausted(PhaseDesigning))

	st = env.walk(t, st.ID, PhaseReviewingDesign, PhaseDesigning)
	assert.Equal(t, PhaseDesigning, st.Phase, "exhausted revisions never block a transition")
}

func TestTransition_CountsRevisionsAcrossPause(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.create(t)
	st = env.walk(t, st.ID, PhaseAnalyzing, PhaseDesigning, PhaseReviewingDesign, PhasePlanning, PhaseReviewingPlan, PhaseExecuting)

	st = env.walk(t, st.ID, PhasePaused, PhaseExecuting)
	assert.Empty(t, st.Revisions, "resuming the paused phase is not rework")

	st = env.walk(t, st.ID, PhasePaused, PhaseDesigning)
	assert.Equal(t, 1, st.Revisions[PhaseDesigning])

	st = env.walk(t, st.ID, PhaseReviewingDesign, PhasePlanning, PhaseReviewingPlan, PhaseExecuting, PhasePaused, PhasePlanning)
	assert.Equal(t, 1, st.Revisions[PhasePlanning])
	assert.Equal(t, 1, st.Revisions[PhaseDesigning])

	snapshot, err := env.engine.Get(ctx, st.ID)
	require.NoError(t, err)
	replayed, err := Replay(snapshot.Events)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Revisions, replayed.Revisions)
}

func TestSetActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.create(t)

	require.NoError(t, env.engine.ClearActive(ctx))
	_, err := env.engine.Active(ctx)
	require.ErrorIs(t, err, coorderr.ErrNotFound)

	require.NoError(t, env.engine.SetActive(ctx, st.ID))
	active, err := env.engine.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.ID, active.ID)

	assert.ErrorIs(t, env.engine.SetActive(ctx, "orch_missing"), coorderr.ErrNotFound)

	_, err = env.engine.FailOrchestration(ctx, st.ID, "x")
	require.NoError(t, err)
	assert.ErrorIs(t, env.engine.SetActive(ctx, st.ID), coorderr.ErrTerminalState)
}

func TestReplay_ReproducesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.create(t)
	env.walk(t, st.ID, PhaseAnalyzing, PhaseDesigning, PhaseReviewingDesign)

	rejected, err := env.engine.CreateGate(ctx, st.ID, GateRequest{TargetPhase: PhasePlanning, Proposal: "design v1"})
	require.NoError(t, err)
	_, err = env.engine.RejectGate(ctx, st.ID, rejected.Gate.ID, "missing threat model", "pm")
	require.NoError(t, err)
	env.walk(t, st.ID, PhaseDesigning, PhaseReviewingDesign)

	gate, err := env.engine.CreateGate(ctx, st.ID, GateRequest{TargetPhase: PhasePlanning, Proposal: "design v2"})
	require.NoError(t, err)
	_, err = env.engine.ApproveGate(ctx, st.ID, gate.Gate.ID, "pm")
	require.NoError(t, err)
	_, err = env.engine.RecordDecision(ctx, DecisionRequest{
		OrchestrationID: st.ID,
		Topic:           "storage",
		Options:         []string{"json", "sqlite"},
		Chosen:          "json",
		Rationale:       "single host",
	})
	require.NoError(t, err)
	_, err = env.engine.FailOrchestration(ctx, st.ID, "deprioritized")
	require.NoError(t, err)

	snapshot, err := env.engine.Get(ctx, st.ID)
	require.NoError(t, err)

	replayed, err := Replay(snapshot.Events)
	require.NoError(t, err)
	replayed.Version = snapshot.Version
	assert.Equal(t, snapshot, replayed)

	for i, ev := range snapshot.Events {
		assert.Equal(t, i+1, ev.Seq)
	}

	logged, err := env.store.ReadLog(ctx, store.KindOrchestration, st.ID)
	require.NoError(t, err)
	assert.Len(t, logged, len(snapshot.Events), "every event reaches the activity log")
}

func TestEngine_FileStoreRoundTrip(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	env := newTestEnvWithStore(t, fs)
	ctx := context.Background()

	st := env.create(t)
	st = env.walk(t, st.ID, PhaseAnalyzing, PhaseDesigning, PhaseReviewingDesign)
	res, err := env.engine.CreateGate(ctx, st.ID, GateRequest{TargetPhase: PhasePlanning, Proposal: "design", ArtifactRef: "docs/design.md", Risk: RiskMedium})
	require.NoError(t, err)

	loaded, err := env.engine.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, res.State, loaded)
}

func TestEngine_RecorderFailureDoesNotFail(t *testing.T) {
	tl := logging.NewTestLogger()
	failing := recorder.Func(func(context.Context, recorder.Event) error { return errors.New("memory layer down") })
	env := newTestEnv(t, WithRecorder(failing), WithLogger(tl.Underlying()))
	st := env.create(t)
	env.force(t, st.ID, PhaseVerifying)

	st, err := env.engine.Transition(context.Background(), st.ID, PhaseCompleted, "user")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, 1, tl.FilterMessage("failed to record event").Len())
	tl.AssertLogged(t, zapcore.WarnLevel, "failed to record event")
}

func TestEngine_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	env := newTestEnv(t)
	st := env.create(t)
	_, err := env.engine.Transition(context.Background(), st.ID, PhaseVerifying, "coordinator")
	require.Error(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "orchestrator.create")
	assert.Contains(t, names, "orchestrator.transition")

	last := sr.Ended()[len(sr.Ended())-1]
	assert.Equal(t, "orchestrator.transition", last.Name())
	assert.Equal(t, "Error", last.Status().Code.String())
}

func TestList_SkipsCorruptRecords(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	env := newTestEnvWithStore(t, fs)
	st := env.create(t)

	corrupt := &testCorrupt{Phase: []int{1}}
	require.NoError(t, fs.Put(context.Background(), store.KindOrchestration, "orch_zzz", corrupt))

	all, err := env.engine.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, st.ID, all[0].ID)
}

// testCorrupt stores a document whose fields do not decode into State.
type testCorrupt struct {
	store.Versioned
	Phase []int `json:"phase"`
}
