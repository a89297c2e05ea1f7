package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/accord/internal/coorderr"
)

func TestRecordDecision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.create(t)
	env.walk(t, st.ID, PhaseAnalyzing, PhaseDesigning)

	d, err := env.engine.RecordDecision(ctx, DecisionRequest{
		OrchestrationID: st.ID,
		Topic:           "limiter algorithm",
		Options:         []string{"token bucket", "sliding window"},
		Chosen:          "token bucket",
		Rationale:       "burst tolerance",
		MadeBy:          "architect",
		DebateID:        "debate_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "dec_1", d.ID)
	assert.Equal(t, PhaseDesigning, d.Phase)
	assert.Equal(t, "debate_1", d.DebateID)
	assert.NotZero(t, d.At)

	log, err := env.engine.Decisions(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, *d, log[0])
}

func TestRecordDecision_InvalidChoice(t *testing.T) {
	env := newTestEnv(t)
	st := env.create(t)
	tests := []struct {
		name    string
		options []string
		chosen  string
	}{
		{"not an option", []string{"a", "b"}, "c"},
		{"no options", nil, "a"},
		{"case differs", []string{"Redis"}, "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.RecordDecision(context.Background(), DecisionRequest{
				OrchestrationID: st.ID,
				Topic:           "cache",
				Options:         tt.options,
				Chosen:          tt.chosen,
			})
			assert.ErrorIs(t, err, coorderr.ErrInvalidChoice)
		})
	}

	loaded, err := env.engine.Get(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Decisions)
	assert.Equal(t, st.Version, loaded.Version)
}

func TestRecordDecision_AppendOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.create(t)

	var snapshots [][]Decision
	for _, topic := range []string{"storage", "transport", "auth"} {
		_, err := env.engine.RecordDecision(ctx, DecisionRequest{
			OrchestrationID: st.ID,
			Topic:           topic,
			Options:         []string{"x", "y"},
			Chosen:          "y",
		})
		require.NoError(t, err)
		log, err := env.engine.Decisions(ctx, st.ID)
		require.NoError(t, err)
		snapshots = append(snapshots, log)
	}

	for i := 1; i < len(snapshots); i++ {
		require.Len(t, snapshots[i], len(snapshots[i-1])+1)
		assert.Equal(t, snapshots[i-1], snapshots[i][:len(snapshots[i-1])], "earlier entries never change")
	}
}

func TestRecordDecision_OptionsCopied(t *testing.T) {
	env := newTestEnv(t)
	st := env.create(t)
	opts := []string{"a", "b"}
	d, err := env.engine.RecordDecision(context.Background(), DecisionRequest{OrchestrationID: st.ID, Topic: "t", Options: opts, Chosen: "a"})
	require.NoError(t, err)

	opts[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, d.Options)
}

func TestRecordDecision_Refusals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.create(t)

	_, err := env.engine.RecordDecision(ctx, DecisionRequest{OrchestrationID: st.ID, Topic: "", Options: []string{"a"}, Chosen: "a"})
	assert.ErrorIs(t, err, coorderr.ErrInvalidArgument)

	_, err = env.engine.RecordDecision(ctx, DecisionRequest{OrchestrationID: "orch_missing", Topic: "t", Options: []string{"a"}, Chosen: "a"})
	assert.ErrorIs(t, err, coorderr.ErrNotFound)

	_, err = env.engine.FailOrchestration(ctx, st.ID, "stopped")
	require.NoError(t, err)
	_, err = env.engine.RecordDecision(ctx, DecisionRequest{OrchestrationID: st.ID, Topic: "t", Options: []string{"a"}, Chosen: "a"})
	assert.ErrorIs(t, err, coorderr.ErrTerminalState)
}
