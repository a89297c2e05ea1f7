package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUUID_New(t *testing.T) {
	g := UUID{}

	a := g.New(PrefixGate)
	b := g.New(PrefixGate)

	assert.True(t, strings.HasPrefix(a, "gate_"))
	assert.Len(t, a, len("gate_")+32)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, g.New(""), "_")
}

func TestSequence_New(t *testing.T) {
	s := NewSequence()

	assert.Equal(t, "orch_1", s.New(PrefixOrchestration))
	assert.Equal(t, "orch_2", s.New(PrefixOrchestration))
	assert.Equal(t, "gate_1", s.New(PrefixGate))
}
