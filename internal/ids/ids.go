// Package ids generates record identifiers.
package ids

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Generator produces collision-resistant identifiers with a readable prefix,
// e.g. "orch_3f0c...".
type Generator interface {
	New(prefix string) string
}

// UUID generates identifiers from random v4 UUIDs.
type UUID struct{}

// New returns prefix_<uuid without dashes>.
func (UUID) New(prefix string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// Sequence is a deterministic generator for tests that numbers identifiers
// per prefix: orch_1, orch_2, gate_1...
type Sequence struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewSequence returns an empty Sequence.
func NewSequence() *Sequence {
	return &Sequence{counts: make(map[string]int)}
}

// New returns the next identifier for prefix.
func (s *Sequence) New(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[prefix]++
	return fmt.Sprintf("%s_%d", prefix, s.counts[prefix])
}

// Identifier prefixes used across the coordination core.
const (
	PrefixOrchestration = "orch"
	PrefixGate          = "gate"
	PrefixDecision      = "dec"
	PrefixEscalation    = "esc"
	PrefixDebate        = "debate"
	PrefixMessage       = "msg"
	PrefixConcern       = "concern"
	PrefixRequest       = "req"
)
