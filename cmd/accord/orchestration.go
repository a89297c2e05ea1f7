package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/logging"
	"github.com/fyrsmithlabs/accord/internal/orchestrator"
	"github.com/fyrsmithlabs/accord/internal/store"
)

func newStartCmd(g *globalOptions) *cobra.Command {
	var (
		sessionID   string
		autoApprove bool
		noPM        bool
		noUser      bool
		maxRevs     int
		maxRounds   int
	)
	cmd := &cobra.Command{
		Use:   "start <task>",
		Short: "Start a new orchestration and make it active",
		Long: `Start a new orchestration in the initialized phase.

Only one orchestration may be active per state directory; finish, fail or
deactivate the current one first.

Examples:
  accord start "add rate limiting" --session sess_42
  accord start "fix typo" --auto-approve-low-risk --no-pm-approval`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.app.cfg.Orchestration
			flags := cmd.Flags()
			if flags.Changed("auto-approve-low-risk") {
				cfg.AutoApproveLowRisk = autoApprove
			}
			if noPM {
				cfg.RequirePMApproval = false
			}
			if noUser {
				cfg.RequireUserApproval = false
			}
			if flags.Changed("max-revisions") {
				cfg.MaxRevisions = maxRevs
			}
			if flags.Changed("max-debate-rounds") {
				cfg.MaxDebateRounds = maxRounds
			}

			ctx := logging.WithSessionID(cmd.Context(), sessionID)
			st, err := g.app.engine.CreateOrchestration(ctx, strings.Join(args, " "), sessionID, cfg)
			if err != nil {
				return err
			}
			ctx = logging.WithOrchestrationID(ctx, st.ID)
			logging.FromContext(ctx).Debug(ctx, "orchestration started", zap.String("phase", string(st.Phase)))
			return g.emit(cmd.OutOrStdout(), st, func() string {
				return fmt.Sprintf("Started %s (%s)\n", st.ID, st.Phase)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session identifier of the coordinator")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve-low-risk", false, "approve low-risk gates automatically")
	cmd.Flags().BoolVar(&noPM, "no-pm-approval", false, "do not require PM sign-off after reviews")
	cmd.Flags().BoolVar(&noUser, "no-user-approval", false, "do not require user sign-off before completion")
	cmd.Flags().IntVar(&maxRevs, "max-revisions", 0, "revision limit per reviewed phase (0 = unlimited)")
	cmd.Flags().IntVar(&maxRounds, "max-debate-rounds", 0, "round limit for debates")
	return cmd
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	var (
		watch bool
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "status [orchestration-id]",
		Short: "Show an orchestration (default: the active one)",
		Long: `Show the phase, pending gates and decisions of an orchestration.

Examples:
  accord status
  accord status orch_3f0c --json
  accord status --watch
  accord status --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if all {
				return listOrchestrations(ctx, g, cmd)
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			if watch {
				return watchStatus(ctx, g, cmd, id)
			}
			return printStatus(ctx, g, cmd, id)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-render whenever the state changes")
	cmd.Flags().BoolVar(&all, "all", false, "list every orchestration")
	return cmd
}

func printStatus(ctx context.Context, g *globalOptions, cmd *cobra.Command, id string) error {
	ctx, id, err := g.app.orchestrationID(ctx, id)
	if err != nil {
		return err
	}
	st, err := g.app.engine.Get(ctx, id)
	if err != nil {
		return err
	}
	return g.emit(cmd.OutOrStdout(), orchestrator.Summarize(st), func() string { return renderStatus(st) })
}

func listOrchestrations(ctx context.Context, g *globalOptions, cmd *cobra.Command) error {
	all, err := g.app.engine.List(ctx)
	if err != nil {
		return err
	}
	summaries := make([]orchestrator.Summary, 0, len(all))
	for _, st := range all {
		summaries = append(summaries, orchestrator.Summarize(st))
	}
	activeID, _ := g.app.store.ActiveID(ctx)
	return g.emit(cmd.OutOrStdout(), summaries, func() string {
		var b strings.Builder
		for _, s := range summaries {
			marker := " "
			if s.ID == activeID {
				marker = "*"
			}
			fmt.Fprintf(&b, "%s %-20s %-10s %-17s %s\n", marker, s.ID, s.Status, s.Phase, s.Task)
		}
		return b.String()
	})
}

// watchStatus renders once, then again on every change to the watched
// orchestration or the active pointer, until ctx is done.
func watchStatus(ctx context.Context, g *globalOptions, cmd *cobra.Command, id string) error {
	w, err := g.app.store.Watch(ctx)
	if err != nil {
		return err
	}
	defer w.Stop()

	render := func() {
		if err := printStatus(ctx, g, cmd, id); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render(err.Error()))
		}
	}
	render()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-w.Changes():
			if !ok {
				return nil
			}
			relevant := ch.ID == "" || (ch.Kind == store.KindOrchestration && (id == "" || ch.ID == id))
			if relevant {
				if !g.jsonOut {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				render()
			}
		}
	}
}

func newNextCmd(g *globalOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the forward phase after the current one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ctx, oid, err := g.app.orchestrationID(ctx, id)
			if err != nil {
				return err
			}
			st, err := g.app.engine.Get(ctx, oid)
			if err != nil {
				return err
			}
			next, ok := orchestrator.NextPhase(st.Phase)
			out := map[string]any{
				"id":      st.ID,
				"phase":   st.Phase,
				"next":    next,
				"allowed": orchestrator.AllowedTransitions(st.Phase),
			}
			return g.emit(cmd.OutOrStdout(), out, func() string {
				if !ok {
					return fmt.Sprintf("%s: no single forward phase (allowed: %s)\n", st.Phase, joinPhases(orchestrator.AllowedTransitions(st.Phase)))
				}
				return string(next) + "\n"
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "orchestration id (default: active)")
	return cmd
}

func newTransitionCmd(g *globalOptions) *cobra.Command {
	var (
		id    string
		actor string
	)
	cmd := &cobra.Command{
		Use:   "transition <phase>",
		Short: "Move an orchestration to a phase",
		Long: `Move an orchestration to a phase allowed by the transition table.

Phases: initialized, analyzing, designing, reviewing_design, planning,
reviewing_plan, executing, verifying, completed, failed, paused.

Examples:
  accord transition analyzing
  accord transition paused --id orch_3f0c --actor coordinator`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			target := orchestrator.Phase(args[0])
			if !target.Valid() {
				return usageError("unknown phase %q", args[0])
			}
			ctx, oid, err := g.app.orchestrationID(ctx, id)
			if err != nil {
				return err
			}
			st, err := g.app.engine.Transition(ctx, oid, target, actor)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Debug(ctx, "phase changed", zap.String("phase", string(st.Phase)), zap.String("actor", actor))
			return g.emit(cmd.OutOrStdout(), st, func() string {
				return fmt.Sprintf("%s: %s\n", st.ID, st.Phase)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "orchestration id (default: active)")
	cmd.Flags().StringVar(&actor, "actor", "coordinator", "who is making the change")
	return cmd
}

func newFailCmd(g *globalOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "fail <reason>",
		Short: "Mark an orchestration failed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctx, oid, err := g.app.orchestrationID(ctx, id)
			if err != nil {
				return err
			}
			st, err := g.app.engine.FailOrchestration(ctx, oid, strings.Join(args, " "))
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Debug(ctx, "orchestration failed", zap.String("reason", st.FailureReason))
			return g.emit(cmd.OutOrStdout(), st, func() string {
				return fmt.Sprintf("%s: failed (%s)\n", st.ID, st.FailureReason)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "orchestration id (default: active)")
	return cmd
}

func newActivateCmd(g *globalOptions) *cobra.Command {
	var unset bool
	cmd := &cobra.Command{
		Use:   "activate [orchestration-id]",
		Short: "Point the active pointer at an orchestration, or clear it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if unset {
				if err := g.app.engine.ClearActive(ctx); err != nil {
					return err
				}
				return g.emit(cmd.OutOrStdout(), map[string]any{"active": nil}, func() string { return "no active orchestration\n" })
			}
			if len(args) != 1 {
				return usageError("activate needs an orchestration id or --clear")
			}
			if err := g.app.engine.SetActive(ctx, args[0]); err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), map[string]any{"active": args[0]}, func() string {
				return fmt.Sprintf("active: %s\n", args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&unset, "clear", false, "clear the active pointer")
	return cmd
}

func newDecideCmd(g *globalOptions) *cobra.Command {
	var (
		id  string
		req orchestrator.DecisionRequest
	)
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Record a decision in the orchestration's log",
		Long: `Record an immutable decision: the topic, the options considered, the one
chosen and why.

Examples:
  accord decide --topic "limiter algorithm" --option "token bucket" --option "sliding window" \
    --chosen "token bucket" --rationale "burst tolerance" --by architect`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ctx, oid, err := g.app.orchestrationID(ctx, id)
			if err != nil {
				return err
			}
			req.OrchestrationID = oid
			d, err := g.app.engine.RecordDecision(ctx, req)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Debug(ctx, "decision recorded", zap.String("decision", d.ID))
			return g.emit(cmd.OutOrStdout(), d, func() string {
				return fmt.Sprintf("%s recorded: %s -> %s\n", d.ID, d.Topic, d.Chosen)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "orchestration id (default: active)")
	cmd.Flags().StringVar(&req.Topic, "topic", "", "what was decided (required)")
	cmd.Flags().StringArrayVar(&req.Options, "option", nil, "an option considered (repeatable)")
	cmd.Flags().StringVar(&req.Chosen, "chosen", "", "the chosen option (required)")
	cmd.Flags().StringVar(&req.Rationale, "rationale", "", "why it was chosen")
	cmd.Flags().StringVar(&req.MadeBy, "by", "", "who decided")
	cmd.Flags().StringVar(&req.DebateID, "debate", "", "debate that produced the decision")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("chosen")
	return cmd
}

func joinPhases(ps []orchestrator.Phase) string {
	if len(ps) == 0 {
		return "none"
	}
	s := make([]string, len(ps))
	for i, p := range ps {
		s[i] = string(p)
	}
	return strings.Join(s, ", ")
}
