package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/accord/internal/clock"
	"github.com/fyrsmithlabs/accord/internal/coorderr"
	"github.com/fyrsmithlabs/accord/internal/ids"
	"github.com/fyrsmithlabs/accord/internal/logging"
	"github.com/fyrsmithlabs/accord/internal/recorder"
	"github.com/fyrsmithlabs/accord/internal/store"
)

func newTestService(t *testing.T, st store.Store) (*Service, *recorder.Buffer) {
	t.Helper()
	buf := &recorder.Buffer{}
	svc := NewService(st,
		WithIDs(ids.NewSequence()),
		WithClock(clock.NewStepped(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), time.Second)),
		WithRecorder(buf),
	)
	return svc, buf
}

func TestOpen_ApprovalNeededSurfacesImmediately(t *testing.T) {
	svc, buf := newTestService(t, nil)
	ctx := context.Background()

	th, err := svc.Open(ctx, Request{From: "developer", To: AutoTarget, Type: TypeApprovalNeeded, Message: "ship the migration?"})
	require.NoError(t, err)
	assert.Equal(t, "esc_1", th.ID)
	assert.Equal(t, RoleAnalyst, th.RoutedTo)
	assert.Equal(t, StatusPending, th.Status)
	assert.Empty(t, th.Responses)

	needs, err := svc.NeedsUser(ctx, th.ID)
	require.NoError(t, err)
	assert.True(t, needs)

	events := buf.Events()
	require.Len(t, events, 1)
	assert.Equal(t, recorder.EscalationOpened, events[0].Type)
	assert.Equal(t, th.ID, events[0].EntityID)
}

func TestOpen_Defaults(t *testing.T) {
	svc, _ := newTestService(t, nil)
	th, err := svc.Open(context.Background(), Request{From: "qa", Message: "which env?"})
	require.NoError(t, err)
	assert.Equal(t, TypeQuestion, th.Request.Type)
	assert.Equal(t, AutoTarget, th.Request.To)
	assert.Equal(t, RoleCoordinator, th.RoutedTo)
	assert.NotZero(t, th.Request.At)
}

func TestOpen_Validation(t *testing.T) {
	svc, buf := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Open(ctx, Request{Message: "x"})
	assert.ErrorIs(t, err, coorderr.ErrInvalidArgument)
	_, err = svc.Open(ctx, Request{From: "dev", Message: "  "})
	assert.ErrorIs(t, err, coorderr.ErrInvalidArgument)

	all, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, buf.Events())
}

func TestRespond_Lifecycle(t *testing.T) {
	svc, buf := newTestService(t, nil)
	ctx := context.Background()
	th, err := svc.Open(ctx, Request{From: "developer", Type: TypeBlocker, Message: "CI is red"})
	require.NoError(t, err)

	th, err = svc.Respond(ctx, th.ID, Response{From: "coordinator", Message: "needs a decision", NextAction: ActionEscalateHigher})
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, th.Status)

	th, err = svc.Respond(ctx, th.ID, Response{From: "architect", Message: "flaky test quarantined", Resolved: true})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, th.Status)

	// a later unresolved response retracts the resolution
	th, err = svc.Respond(ctx, th.ID, Response{From: "developer", Message: "red again"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, th.Status)
	require.Len(t, th.Responses, 3)
	assert.True(t, th.Responses[1].At < th.Responses[2].At)
	assert.Equal(t, int64(4), th.Version)

	var statuses []string
	for _, ev := range buf.Events() {
		if ev.Type == recorder.EscalationStatusChanged {
			statuses = append(statuses, ev.Outcome)
		}
	}
	assert.Equal(t, []string{"escalated", "resolved", "pending"}, statuses)
}

func TestRespond_NoEventWithoutStatusChange(t *testing.T) {
	svc, buf := newTestService(t, nil)
	ctx := context.Background()
	th, err := svc.Open(ctx, Request{From: "dev", Message: "?"})
	require.NoError(t, err)

	_, err = svc.Respond(ctx, th.ID, Response{From: "coordinator", Message: "looking"})
	require.NoError(t, err)
	assert.Len(t, buf.Events(), 1, "only the open event")
}

func TestRespond_ThreeUnresolvedNeedsUser(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	th, err := svc.Open(ctx, Request{From: "dev", Type: TypeQuestion, Message: "which API version?"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		needs, err := svc.NeedsUser(ctx, th.ID)
		require.NoError(t, err)
		assert.False(t, needs, "after %d responses", i)
		_, err = svc.Respond(ctx, th.ID, Response{From: "coordinator", Message: "unsure"})
		require.NoError(t, err)
	}
	needs, err := svc.NeedsUser(ctx, th.ID)
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestRespond_Errors(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Respond(ctx, "esc_missing", Response{From: "x", Message: "y"})
	assert.ErrorIs(t, err, coorderr.ErrNotFound)

	th, err := svc.Open(ctx, Request{From: "dev", Message: "?"})
	require.NoError(t, err)
	_, err = svc.Respond(ctx, th.ID, Response{Message: "anonymous"})
	assert.ErrorIs(t, err, coorderr.ErrInvalidArgument)

	_, err = svc.NeedsUser(ctx, "esc_missing")
	assert.ErrorIs(t, err, coorderr.ErrNotFound)
}

func TestList_Filter(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	a, err := svc.Open(ctx, Request{From: "dev", Type: TypeDesignDecision, Message: "a", OrchestrationID: "orch_1"})
	require.NoError(t, err)
	b, err := svc.Open(ctx, Request{From: "dev", Type: TypeScopeChange, Message: "b", OrchestrationID: "orch_1"})
	require.NoError(t, err)
	_, err = svc.Open(ctx, Request{From: "dev", Type: TypeScopeChange, Message: "c", OrchestrationID: "orch_2"})
	require.NoError(t, err)
	_, err = svc.Respond(ctx, b.ID, Response{From: "analyst", Message: "ok", Resolved: true})
	require.NoError(t, err)

	all, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	got, err := svc.List(ctx, Filter{RoutedTo: RoleArchitect})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = svc.List(ctx, Filter{OrchestrationID: "orch_1", Status: StatusResolved})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
}

func TestService_FileStoreRoundTrip(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	svc, _ := newTestService(t, fs)
	ctx := context.Background()

	th, err := svc.Open(ctx, Request{
		From:    "security",
		Type:    TypeSecurityConcern,
		Message: "token logged in plaintext",
		Context: map[string]string{"file": "auth.go", "line": "42"},
	})
	require.NoError(t, err)
	th, err = svc.Respond(ctx, th.ID, Response{From: "architect", Message: "investigating", NextAction: ActionAskUser})
	require.NoError(t, err)

	loaded, err := svc.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, th, loaded)
	assert.Equal(t, StatusUserNeeded, loaded.Status)

	logged, err := fs.ReadLog(ctx, store.KindEscalation, th.ID)
	require.NoError(t, err)
	assert.Len(t, logged, 2)
}

func TestService_RecorderFailureIgnored(t *testing.T) {
	failing := recorder.Func(func(context.Context, recorder.Event) error { return errors.New("down") })
	tl := logging.NewTestLogger()
	svc := NewService(nil, WithRecorder(failing), WithLogger(tl.Underlying()))
	th, err := svc.Open(context.Background(), Request{From: "dev", Message: "?"})
	require.NoError(t, err)
	assert.NotEmpty(t, th.ID)
	tl.AssertLogged(t, zapcore.WarnLevel, "failed to record event")
	tl.AssertField(t, "escalation opened", "routed_to", RoleCoordinator)
}

func TestFormatForUser(t *testing.T) {
	th := &Thread{
		ID:       "esc_1",
		Status:   StatusPending,
		RoutedTo: RoleArchitect,
		Request: Request{
			From:    "security",
			Type:    TypeSecurityConcern,
			Message: "token logged in plaintext",
			Context: map[string]string{"line": "42", "file": "auth.go"},
		},
		Responses: []Response{{From: "architect", Message: "checking", NextAction: ActionEscalateHigher}},
	}
	out := FormatForUser(th)
	assert.Contains(t, out, "Escalation esc_1 [pending]")
	assert.Contains(t, out, "security-concern from security (handled by architect)")
	assert.Contains(t, out, "  file: auth.go\n  line: 42\n")
	assert.Contains(t, out, "1. [ ] architect: checking (next: escalate-higher)")
	assert.Contains(t, out, "Your input is needed")

	th.Responses = append(th.Responses, Response{From: "architect", Message: "fixed", Resolved: true})
	th.Status = StatusResolved
	out = FormatForUser(th)
	assert.Contains(t, out, "2. [x] architect: fixed")
	assert.NotContains(t, out, "Your input is needed")
}
