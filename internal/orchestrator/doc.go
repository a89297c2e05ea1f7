// Package orchestrator tracks a multi-agent task through its phases.
//
// # Overview
//
// An orchestration moves through a fixed phase graph:
//
//	initialized → analyzing → designing → reviewing_design → planning →
//	reviewing_plan → executing → verifying → completed
//
// Review phases may only regress to the phase they review. executing may be
// paused, and paused resumes into any live phase. completed and failed are
// terminal.
//
// # Key Components
//
// ## Engine
//
// The Engine is the only writer of orchestration records. It owns:
//   - phase transitions validated against the table in transitions.go
//   - approval gates (CreateGate, ApproveGate, RejectGate)
//   - the decision log (RecordDecision)
//   - the active orchestration pointer
//
// ## Gates
//
// A gate guards a target phase. Approving a pending gate transitions the
// orchestration to that phase in the same write. If the transition is not
// legal from the current phase the approval still persists and the failure
// is returned in GateResult.TransitionError. Rejection never moves the phase.
// Who must approve what is policy (RequiredApprover), not part of the table.
//
// ## Event log
//
// Every mutation is appended to State.Events as a typed event and applied to
// the snapshot through the same fold that Replay uses, so replaying a
// record's events always reproduces its snapshot.
//
// # Usage Example
//
//	engine, err := orchestrator.NewEngine(st, orchestrator.WithLogger(logger))
//	state, err := engine.CreateOrchestration(ctx, "add rate limiting", "sess_1", cfg.Orchestration)
//	state, err = engine.Transition(ctx, state.ID, orchestrator.PhaseAnalyzing, "coordinator")
//	res, err := engine.CreateGate(ctx, state.ID, orchestrator.GateRequest{
//	    TargetPhase:  orchestrator.PhasePlanning,
//	    Proposal:     "design doc v2",
//	    ApproverRole: "pm",
//	})
//	res, err = engine.ApproveGate(ctx, state.ID, res.Gate.ID, "pm")
//
// # Concurrency
//
// Each operation is one read-modify-write of one record, guarded by the
// store's version stamp and retried on conflict. There is no cross-record
// transaction: the active pointer is written after the record.
package orchestrator
