package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/accord/internal/coorderr"
	"github.com/fyrsmithlabs/accord/internal/debate"
	"github.com/fyrsmithlabs/accord/internal/escalation"
	"github.com/fyrsmithlabs/accord/internal/orchestrator"
)

// runCLI executes one accord invocation against dir and returns its stdout.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	out, _, err := runCLIStreams(t, dir, args...)
	return out, err
}

// runCLIStreams is runCLI that also returns what was written to stderr.
func runCLIStreams(t *testing.T, dir string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	g := &globalOptions{}
	root := newRootCmd(g)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--state-dir=" + dir, "--log-level=error"}, args...))
	err := execute(context.Background(), root, g)
	return out.String(), errOut.String(), err
}

// runJSON executes an invocation with --json and decodes its output into v.
func runJSON(t *testing.T, dir string, v any, args ...string) {
	t.Helper()
	out, err := runCLI(t, dir, append([]string{"--json"}, args...)...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func startOrchestration(t *testing.T, dir string) string {
	t.Helper()
	var st orchestrator.State
	runJSON(t, dir, &st, "start", "add", "rate", "limiting", "--session", "sess_1")
	require.NotEmpty(t, st.ID)
	return st.ID
}

func TestStartAndTransition(t *testing.T) {
	dir := t.TempDir()
	id := startOrchestration(t, dir)

	var st orchestrator.State
	runJSON(t, dir, &st, "transition", "analyzing")
	assert.Equal(t, id, st.ID)
	assert.Equal(t, orchestrator.PhaseAnalyzing, st.Phase)

	var s orchestrator.Summary
	runJSON(t, dir, &s, "status")
	assert.Equal(t, "add rate limiting", s.Task)
	assert.Equal(t, orchestrator.PhaseAnalyzing, s.Phase)
	assert.Equal(t, orchestrator.PhaseDesigning, s.NextPhase)
	assert.Equal(t, 1, s.Transitions)

	out, err := runCLI(t, dir, "next")
	require.NoError(t, err)
	assert.Equal(t, "designing\n", out)
}

func TestStartWhileActive(t *testing.T) {
	dir := t.TempDir()
	startOrchestration(t, dir)

	_, err := runCLI(t, dir, "start", "second task")
	require.Error(t, err)
	assert.ErrorIs(t, err, coorderr.ErrAlreadyActive)
	assert.Equal(t, 2, exitCode(err))
}

func TestTransitionRefused(t *testing.T) {
	dir := t.TempDir()
	startOrchestration(t, dir)

	_, err := runCLI(t, dir, "transition", "executing")
	assert.ErrorIs(t, err, coorderr.ErrInvalidTransition)

	_, err = runCLI(t, dir, "transition", "shipping")
	var ie *inputError
	assert.True(t, errors.As(err, &ie))
	assert.Equal(t, 2, exitCode(err))
}

func TestStatusWithoutActive(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "status")
	assert.ErrorIs(t, err, coorderr.ErrNotFound)
	assert.Contains(t, err.Error(), "pass --id")
}

func TestGateApproveAdvances(t *testing.T) {
	dir := t.TempDir()
	startOrchestration(t, dir)
	for _, p := range []string{"analyzing", "designing", "reviewing_design"} {
		_, err := runCLI(t, dir, "transition", p)
		require.NoError(t, err)
	}

	var opened orchestrator.GateResult
	runJSON(t, dir, &opened, "gate", "open", "planning", "--proposal", "token bucket per tenant", "--artifact", "docs/design.md")
	assert.Equal(t, orchestrator.GatePending, opened.Gate.Status)
	assert.Equal(t, orchestrator.RolePM, opened.Gate.ApproverRole)

	var gates []orchestrator.Gate
	runJSON(t, dir, &gates, "gate", "list", "--pending")
	require.Len(t, gates, 1)

	var approved orchestrator.GateResult
	runJSON(t, dir, &approved, "gate", "approve", opened.Gate.ID, "--by", "pm")
	assert.Equal(t, orchestrator.GateApproved, approved.Gate.Status)
	assert.Equal(t, orchestrator.PhasePlanning, approved.State.Phase)

	_, err := runCLI(t, dir, "gate", "approve", opened.Gate.ID, "--by", "pm")
	assert.ErrorIs(t, err, coorderr.ErrAlreadyResolved)
}

func TestGateReject(t *testing.T) {
	dir := t.TempDir()
	startOrchestration(t, dir)
	for _, p := range []string{"analyzing", "designing", "reviewing_design"} {
		_, err := runCLI(t, dir, "transition", p)
		require.NoError(t, err)
	}
	var opened orchestrator.GateResult
	runJSON(t, dir, &opened, "gate", "open", "planning", "--proposal", "v1")

	var rejected orchestrator.RejectionResult
	runJSON(t, dir, &rejected, "gate", "reject", opened.Gate.ID, "--feedback", "missing threat model", "--by", "pm")
	assert.Equal(t, orchestrator.GateRejected, rejected.Gate.Status)
	assert.Equal(t, "missing threat model", rejected.Gate.Feedback)
	assert.Equal(t, orchestrator.PhaseReviewingDesign, rejected.State.Phase)
}

func TestDecide(t *testing.T) {
	dir := t.TempDir()
	startOrchestration(t, dir)

	var d orchestrator.Decision
	runJSON(t, dir, &d, "decide", "--topic", "limiter algorithm",
		"--option", "token bucket", "--option", "sliding window",
		"--chosen", "token bucket", "--rationale", "burst tolerance", "--by", "architect")
	assert.Equal(t, "token bucket", d.Chosen)
	assert.Equal(t, []string{"token bucket", "sliding window"}, d.Options)

	_, err := runCLI(t, dir, "decide", "--topic", "store", "--option", "redis", "--chosen", "memcached")
	assert.ErrorIs(t, err, coorderr.ErrInvalidChoice)

	var s orchestrator.Summary
	runJSON(t, dir, &s, "status")
	assert.Equal(t, 1, s.Decisions)
}

func TestFailAndActivate(t *testing.T) {
	dir := t.TempDir()
	id := startOrchestration(t, dir)

	var st orchestrator.State
	runJSON(t, dir, &st, "fail", "upstream", "outage")
	assert.Equal(t, orchestrator.PhaseFailed, st.Phase)
	assert.Equal(t, "upstream outage", st.FailureReason)

	_, err := runCLI(t, dir, "activate", id)
	assert.ErrorIs(t, err, coorderr.ErrTerminalState)

	// the failed orchestration released the pointer
	startOrchestration(t, dir)

	var all []orchestrator.Summary
	runJSON(t, dir, &all, "status", "--all")
	assert.Len(t, all, 2)
}

func TestEscalationFlow(t *testing.T) {
	dir := t.TempDir()

	var th escalation.Thread
	runJSON(t, dir, &th, "escalate", "open", "use", "the", "v2", "API?",
		"--from", "developer", "--type", "design-decision", "--context", "file=api.go")
	assert.Equal(t, escalation.RoleArchitect, th.RoutedTo)
	assert.Equal(t, escalation.StatusPending, th.Status)
	assert.Equal(t, map[string]string{"file": "api.go"}, th.Request.Context)

	var answered escalation.Thread
	runJSON(t, dir, &answered, "escalate", "respond", th.ID, "yes", "--from", "architect", "--resolved")
	assert.Equal(t, escalation.StatusResolved, answered.Status)
	require.Len(t, answered.Responses, 1)

	out, err := runCLI(t, dir, "escalate", "show", th.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Escalation "+th.ID)
	assert.Contains(t, out, "Responses (1):")

	var threads []escalation.Thread
	runJSON(t, dir, &threads, "escalate", "list", "--status", "resolved")
	assert.Len(t, threads, 1)

	_, err = runCLI(t, dir, "escalate", "list", "--status", "stuck")
	assert.Equal(t, 2, exitCode(err))
}

func TestEscalationSurvivesInvocations(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "escalate", "open", "which", "API", "version?", "--from", "developer")
	require.NoError(t, err)
	id := strings.Fields(out)[0]
	assert.True(t, strings.HasPrefix(id, "esc_"), out)

	out, err = runCLI(t, dir, "escalate", "respond", id, "v2", "--from", "coordinator", "--resolved")
	require.NoError(t, err)
	assert.Contains(t, out, id+": resolved")

	out, err = runCLI(t, dir, "escalate", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.NotContains(t, out, "no escalations")
}

func TestEscalationMemoryOnlyWhenNotPersisted(t *testing.T) {
	t.Setenv("ACCORD_ESCALATION_PERSIST", "false")
	dir := t.TempDir()

	var th escalation.Thread
	runJSON(t, dir, &th, "escalate", "open", "lost?", "--from", "developer")

	_, err := runCLI(t, dir, "escalate", "respond", th.ID, "yes", "--from", "coordinator")
	require.Error(t, err)
	assert.ErrorIs(t, err, coorderr.ErrNotFound)
}

func TestRefusedCommandReleasesApp(t *testing.T) {
	dir := t.TempDir()
	startOrchestration(t, dir)

	g := &globalOptions{}
	root := newRootCmd(g)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--state-dir=" + dir, "--log-level=error", "transition", "verifying"})

	released := false
	pre := root.PersistentPreRunE
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := pre(cmd, args); err != nil {
			return err
		}
		g.app.closers = append(g.app.closers, func() error {
			released = true
			return nil
		})
		return nil
	}

	err := execute(context.Background(), root, g)
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	assert.True(t, released, "closers run after a refused command")
	assert.Nil(t, g.app)
}

func TestCommandLogsCarryIDs(t *testing.T) {
	dir := t.TempDir()

	var st orchestrator.State
	out, logs, err := runCLIStreams(t, dir, "--json", "--log-level=debug", "start", "add", "caching", "--session", "sess_9")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st), out)
	assert.Contains(t, logs, "orchestration started")
	assert.Contains(t, logs, st.ID)
	assert.Contains(t, logs, "sess_9")
	assert.Contains(t, logs, "req_")

	_, logs, err = runCLIStreams(t, dir, "--log-level=debug", "transition", "analyzing")
	require.NoError(t, err)
	assert.Contains(t, logs, "phase changed")
	assert.Contains(t, logs, st.ID)

	var room debate.Room
	runJSON(t, dir, &room, "debate", "open", "cache", "layer", "--by", "architect")
	_, logs, err = runCLIStreams(t, dir, "--log-level=debug", "debate", "advance", room.ID)
	require.NoError(t, err)
	assert.Contains(t, logs, "round advanced")
	assert.Contains(t, logs, room.ID)
}

func TestEscalateOpenRequiresFrom(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "escalate", "open", "help")
	assert.Error(t, err)
}

func TestEscalateRoute(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--type", "security-concern"}, "architect"},
		{[]string{"--type", "scope-change"}, "analyst"},
		{[]string{"--type", "blocker"}, "coordinator"},
		{[]string{"--type", "blocker", "--to", "devops"}, "devops"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			out, err := runCLI(t, t.TempDir(), append([]string{"escalate", "route"}, tt.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tt.want+"\n", out)
		})
	}
}

func TestDebateFlow(t *testing.T) {
	dir := t.TempDir()
	orch := startOrchestration(t, dir)

	var room debate.Room
	runJSON(t, dir, &room, "debate", "open", "limiter", "algorithm",
		"--proposal", "token bucket", "--by", "architect", "--orchestration", orch)
	assert.Equal(t, 1, room.Round)
	assert.Equal(t, orch, room.OrchestrationID)
	require.Len(t, room.Messages, 1)

	var concern debate.Concern
	runJSON(t, dir, &concern, "debate", "concern", room.ID, "no", "per-tenant", "quotas",
		"--by", "security", "--priority", "blocker")
	assert.True(t, concern.Blocking())

	var blockers []debate.Concern
	runJSON(t, dir, &blockers, "debate", "blockers", room.ID)
	require.Len(t, blockers, 1)

	_, err := runCLI(t, dir, "debate", "resolve", room.ID, "token bucket", "--by", "coordinator")
	assert.ErrorIs(t, err, coorderr.ErrUnresolvedBlockers)

	runJSON(t, dir, &concern, "debate", "resolve-concern", room.ID, concern.ID, "--by", "architect", "--note", "quota table")
	assert.True(t, concern.Resolved)

	var resolved struct {
		Debate   debate.Room           `json:"debate"`
		Decision orchestrator.Decision `json:"decision"`
	}
	runJSON(t, dir, &resolved, "debate", "resolve", room.ID, "token bucket",
		"--by", "coordinator", "--rationale", "agreed",
		"--record-decision", "--option", "token bucket", "--option", "sliding window")
	assert.Equal(t, debate.StatusResolved, resolved.Debate.Status)
	assert.Equal(t, room.ID, resolved.Decision.DebateID)
	assert.Equal(t, "token bucket", resolved.Decision.Chosen)

	var s orchestrator.Summary
	runJSON(t, dir, &s, "status")
	assert.Equal(t, 1, s.Decisions)

	out, err := runCLI(t, dir, "debate", "show", room.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Outcome: token bucket (by coordinator)")
}

func TestDebateRoundsExhaust(t *testing.T) {
	dir := t.TempDir()

	var room debate.Room
	runJSON(t, dir, &room, "debate", "open", "naming", "--max-rounds", "2")
	assert.Equal(t, 2, room.MaxRounds)

	runJSON(t, dir, &room, "debate", "advance", room.ID)
	assert.Equal(t, 2, room.Round)
	runJSON(t, dir, &room, "debate", "advance", room.ID)
	assert.Equal(t, debate.StatusExhausted, room.Status)
	assert.Equal(t, 2, room.Round)

	var rooms []debate.Room
	runJSON(t, dir, &rooms, "debate", "list", "--status", "exhausted")
	assert.Len(t, rooms, 1)
}

func TestDebatePostRejectsConcernType(t *testing.T) {
	dir := t.TempDir()
	var room debate.Room
	runJSON(t, dir, &room, "debate", "open", "naming")

	_, err := runCLI(t, dir, "debate", "post", room.ID, "too long", "--author", "qa", "--type", "concern")
	assert.ErrorIs(t, err, coorderr.ErrInvalidArgument)
}
