package escalation

// internalAttempts is how many unresolved responses a routine thread gets
// before it surfaces to the user.
const internalAttempts = 3

// Route returns the role that handles req. An explicit target is returned
// verbatim; AutoTarget (or an empty target) picks by type.
func Route(req Request) string {
	if req.To != "" && req.To != AutoTarget {
		return req.To
	}
	switch req.Type {
	case TypeDesignDecision, TypeSecurityConcern:
		return RoleArchitect
	case TypeScopeChange, TypeApprovalNeeded:
		return RoleAnalyst
	default:
		return RoleCoordinator
	}
}

// ShouldEscalateToUser reports whether t must surface to the end user:
// approval requests always do, security concerns after one unresolved
// response, anything else after three.
func ShouldEscalateToUser(t *Thread) bool {
	unresolved := allUnresolved(t.Responses)
	switch {
	case t.Request.Type == TypeApprovalNeeded:
		return true
	case t.Request.Type == TypeSecurityConcern && len(t.Responses) >= 1 && unresolved:
		return true
	case len(t.Responses) >= internalAttempts && unresolved:
		return true
	}
	return false
}

// DeriveStatus computes a thread's status from its latest response only.
// A later response overrides whatever earlier ones implied, including a
// resolution.
func DeriveStatus(responses []Response) Status {
	if len(responses) == 0 {
		return StatusPending
	}
	last := responses[len(responses)-1]
	switch {
	case last.Resolved:
		return StatusResolved
	case last.NextAction == ActionAskUser:
		return StatusUserNeeded
	case last.NextAction == ActionEscalateHigher:
		return StatusEscalated
	}
	return StatusPending
}

func allUnresolved(responses []Response) bool {
	for _, r := range responses {
		if r.Resolved {
			return false
		}
	}
	return true
}
