package orchestrator

// transitions is the fixed phase graph. The order of each successor list
// matters: NextPhase picks the first forward entry.
var transitions = map[Phase][]Phase{
	PhaseInitialized:     {PhaseAnalyzing},
	PhaseAnalyzing:       {PhaseDesigning, PhaseFailed},
	PhaseDesigning:       {PhaseReviewingDesign, PhaseFailed},
	PhaseReviewingDesign: {PhasePlanning, PhaseDesigning, PhaseFailed},
	PhasePlanning:        {PhaseReviewingPlan, PhaseFailed},
	PhaseReviewingPlan:   {PhaseExecuting, PhasePlanning, PhaseFailed},
	PhaseExecuting:       {PhaseVerifying, PhaseFailed, PhasePaused},
	PhaseVerifying:       {PhaseCompleted, PhaseExecuting, PhaseFailed},
	PhasePaused:          {PhaseExecuting, PhaseAnalyzing, PhaseDesigning, PhasePlanning},
	PhaseCompleted:       {},
	PhaseFailed:          {},
}

// forward is the happy path, used to tell advances from regressions.
var forward = []Phase{
	PhaseInitialized, PhaseAnalyzing, PhaseDesigning, PhaseReviewingDesign,
	PhasePlanning, PhaseReviewingPlan, PhaseExecuting, PhaseVerifying, PhaseCompleted,
}

func forwardIndex(p Phase) int {
	for i, f := range forward {
		if f == p {
			return i
		}
	}
	return -1
}

// AllowedTransitions returns the phases reachable from p in one step.
func AllowedTransitions(p Phase) []Phase {
	next := transitions[p]
	out := make([]Phase, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// NextPhase returns the single forward successor of current. It reports
// false for terminal phases and for paused, whose successors are all
// equally valid.
func NextPhase(current Phase) (Phase, bool) {
	from := forwardIndex(current)
	if from < 0 {
		return "", false
	}
	for _, p := range transitions[current] {
		if forwardIndex(p) > from {
			return p, true
		}
	}
	return "", false
}

// IsRegression reports whether moving from one phase to another goes back
// along the forward path.
func IsRegression(from, to Phase) bool {
	f, t := forwardIndex(from), forwardIndex(to)
	return f >= 0 && t >= 0 && t < f
}

// ReworkPhase returns the phase a rejection at current sends work back to,
// e.g. designing for reviewing_design.
func ReworkPhase(current Phase) (Phase, bool) {
	for _, p := range transitions[current] {
		if IsRegression(current, p) {
			return p, true
		}
	}
	return "", false
}

// Progress returns the 1-based position of p on the forward path and the
// path length, or 0 when p is off the path.
func Progress(p Phase) (step, total int) {
	return forwardIndex(p) + 1, len(forward)
}
