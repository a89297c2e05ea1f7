package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/logging"
	"github.com/fyrsmithlabs/accord/internal/orchestrator"
)

func newGateCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Open, approve, reject and list approval gates",
		Long: `Gates couple role sign-off to phase advancement. Approving a gate moves
the orchestration to the gate's target phase; rejecting it leaves the phase
unchanged.

Examples:
  accord gate open planning --proposal "token bucket per tenant" --artifact docs/design.md
  accord gate approve gate_1 --by pm
  accord gate reject gate_1 --feedback "missing threat model" --by pm
  accord gate list`,
	}
	cmd.PersistentFlags().String("id", "", "orchestration id (default: active)")
	cmd.AddCommand(newGateOpenCmd(g), newGateApproveCmd(g), newGateRejectCmd(g), newGateListCmd(g))
	return cmd
}

func gateOrchestration(ctx context.Context, g *globalOptions, cmd *cobra.Command) (context.Context, string, error) {
	id, _ := cmd.Flags().GetString("id")
	return g.app.orchestrationID(ctx, id)
}

func newGateOpenCmd(g *globalOptions) *cobra.Command {
	var req orchestrator.GateRequest
	var target, risk string
	cmd := &cobra.Command{
		Use:   "open <target-phase>",
		Short: "Open a pending gate guarding a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctx, oid, err := gateOrchestration(ctx, g, cmd)
			if err != nil {
				return err
			}
			target = args[0]
			req.TargetPhase = orchestrator.Phase(target)
			req.Risk = orchestrator.Risk(risk)
			res, err := g.app.engine.CreateGate(ctx, oid, req)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), res, func() string { return describeGateResult("opened", res) })
		},
	}
	cmd.Flags().StringVar(&req.Proposal, "proposal", "", "summary of what is being approved (required)")
	cmd.Flags().StringVar(&req.ApproverRole, "approver", "", "approver role (default from policy)")
	cmd.Flags().StringVar(&req.ArtifactRef, "artifact", "", "reference to the artifact under review")
	cmd.Flags().StringVar(&risk, "risk", "", "risk level: low, medium, high")
	_ = cmd.MarkFlagRequired("proposal")
	return cmd
}

func newGateApproveCmd(g *globalOptions) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "approve <gate-id>",
		Short: "Approve a gate and advance to its target phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctx, oid, err := gateOrchestration(ctx, g, cmd)
			if err != nil {
				return err
			}
			res, err := g.app.engine.ApproveGate(ctx, oid, args[0], by)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Debug(ctx, "gate approved", zap.String("gate", res.Gate.ID), zap.String("phase", string(res.State.Phase)))
			if err := g.emit(cmd.OutOrStdout(), res, func() string { return describeGateResult("approved", res) }); err != nil {
				return err
			}
			return res.TransitionError
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "approver identity")
	return cmd
}

func newGateRejectCmd(g *globalOptions) *cobra.Command {
	var by, feedback string
	cmd := &cobra.Command{
		Use:   "reject <gate-id>",
		Short: "Reject a gate with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctx, oid, err := gateOrchestration(ctx, g, cmd)
			if err != nil {
				return err
			}
			res, err := g.app.engine.RejectGate(ctx, oid, args[0], feedback, by)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Debug(ctx, "gate rejected", zap.String("gate", res.Gate.ID), zap.Bool("revision_limit_reached", res.RevisionLimitReached))
			return g.emit(cmd.OutOrStdout(), res, func() string {
				s := fmt.Sprintf("%s rejected; %s stays in %s\n", res.Gate.ID, res.State.ID, res.State.Phase)
				if res.RevisionLimitReached {
					s += "revision limit reached for this phase\n"
				}
				return s
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "rejecter identity")
	cmd.Flags().StringVar(&feedback, "feedback", "", "what must change (required)")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func newGateListCmd(g *globalOptions) *cobra.Command {
	var pendingOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the gates of an orchestration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ctx, oid, err := gateOrchestration(ctx, g, cmd)
			if err != nil {
				return err
			}
			st, err := g.app.engine.Get(ctx, oid)
			if err != nil {
				return err
			}
			gates := st.Gates
			if pendingOnly {
				gates = st.PendingGates()
			}
			if gates == nil {
				gates = []orchestrator.Gate{}
			}
			return g.emit(cmd.OutOrStdout(), gates, func() string { return renderGates(gates) })
		},
	}
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "only pending gates")
	return cmd
}

func describeGateResult(verb string, res *orchestrator.GateResult) string {
	s := fmt.Sprintf("%s %s (%s -> %s, approver %s)\n", res.Gate.ID, verb, res.Gate.Status, res.Gate.TargetPhase, res.Gate.ApproverRole)
	switch {
	case res.TransitionError != nil:
		s += fmt.Sprintf("phase unchanged: %v\n", res.TransitionError)
	case res.Gate.Status == orchestrator.GateApproved:
		s += fmt.Sprintf("%s is now %s\n", res.State.ID, res.State.Phase)
	}
	return s
}
