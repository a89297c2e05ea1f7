package coorderr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes_Unique(t *testing.T) {
	seen := make(map[string]Kind)
	for kind, k := range kinds {
		if other, dup := seen[k.code]; dup {
			t.Errorf("duplicate code %s for %s and %s", k.code, kind, other)
		}
		seen[k.code] = kind
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "basic",
			err:      New(KindInvalidTransition, "", "", "cannot move from %s to %s", "initialized", "executing"),
			contains: []string{"ACC002", "cannot move from initialized to executing"},
		},
		{
			name:     "with entity and id",
			err:      NotFound("gate", "gate_1"),
			contains: []string{"ACC001", "gate not found", "(gate id=gate_1)"},
		},
		{
			name:     "with cause",
			err:      Persistence(errors.New("disk full"), "orchestration", "orch_1", "save"),
			contains: []string{"ACC010", "save failed", "disk full"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				assert.Contains(t, msg, s)
			}
		})
	}
}

func TestError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("approve: %w", New(KindAlreadyResolved, "gate", "g1", "gate already approved"))

	assert.True(t, errors.Is(err, ErrAlreadyResolved))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindAlreadyResolved, KindOf(err))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("permission denied")
	err := Persistence(cause, "debate", "d1", "write")

	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrPersistenceFailure)
}

func TestKindOf_Foreign(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(NotFound("orchestration", "x")))
	assert.True(t, IsValidation(New(KindUnresolvedBlockers, "debate", "d", "blocked")))
	assert.False(t, IsValidation(Persistence(errors.New("x"), "", "", "read")))
	assert.False(t, IsValidation(New(KindVersionConflict, "", "", "conflict")))
	assert.False(t, IsValidation(errors.New("plain")))
}
