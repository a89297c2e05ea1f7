package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/debate"
	"github.com/fyrsmithlabs/accord/internal/logging"
	"github.com/fyrsmithlabs/accord/internal/orchestrator"
)

func newDebateCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debate",
		Short: "Run bounded debates between agents",
		Long: `A debate collects proposals, counters and concerns over a limited number
of rounds. Blocker concerns must be resolved, or explicitly overridden,
before the debate can be resolved.

Examples:
  accord debate open "limiter algorithm" --proposal "token bucket" --by architect
  accord debate concern debate_1 "no per-tenant quotas" --by security --priority blocker
  accord debate resolve-concern debate_1 concern_1 --by architect --note "quota table added"
  accord debate resolve debate_1 "token bucket" --by coordinator --record-decision \
    --option "token bucket" --option "sliding window"`,
	}
	cmd.AddCommand(
		newDebateOpenCmd(g),
		newDebatePostCmd(g),
		newDebateConcernCmd(g),
		newDebateResolveConcernCmd(g),
		newDebateAdvanceCmd(g),
		newDebateBlockersCmd(g),
		newDebateResolveCmd(g),
		newDebateShowCmd(g),
		newDebateListCmd(g),
	)
	return cmd
}

func newDebateOpenCmd(g *globalOptions) *cobra.Command {
	var req debate.OpenRequest
	cmd := &cobra.Command{
		Use:   "open <topic>",
		Short: "Open a debate in round 1",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			req.Topic = strings.Join(args, " ")
			if req.OrchestrationID != "" {
				st, err := g.app.engine.Get(ctx, req.OrchestrationID)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("max-rounds") {
					req.MaxRounds = st.Config.MaxDebateRounds
				}
			}
			if req.OrchestrationID != "" {
				ctx = logging.WithOrchestrationID(ctx, req.OrchestrationID)
			}
			room, err := g.app.debates.Open(ctx, req)
			if err != nil {
				return err
			}
			ctx = logging.WithDebateID(ctx, room.ID)
			logging.FromContext(ctx).Debug(ctx, "debate opened", zap.Int("max_rounds", room.MaxRounds))
			return g.emit(cmd.OutOrStdout(), room, func() string {
				return fmt.Sprintf("%s opened (round %d/%d)\n", room.ID, room.Round, room.MaxRounds)
			})
		},
	}
	cmd.Flags().StringVar(&req.Proposal, "proposal", "", "opening proposal")
	cmd.Flags().StringVar(&req.OpenedBy, "by", "", "who opens the debate")
	cmd.Flags().StringArrayVar(&req.Participants, "participant", nil, "participant role (repeatable)")
	cmd.Flags().IntVar(&req.MaxRounds, "max-rounds", 0, "round limit (default from config or orchestration)")
	cmd.Flags().StringVar(&req.OrchestrationID, "orchestration", "", "related orchestration id")
	return cmd
}

func newDebatePostCmd(g *globalOptions) *cobra.Command {
	var (
		req debate.PostRequest
		typ string
	)
	cmd := &cobra.Command{
		Use:   "post <debate-id> <body>",
		Short: "Post a proposal, counter or resolution message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = debate.MessageType(typ)
			req.Body = strings.Join(args[1:], " ")
			ctx := logging.WithDebateID(cmd.Context(), args[0])
			room, err := g.app.debates.Post(ctx, args[0], req)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Debug(ctx, "message posted", zap.String("type", typ), zap.Int("round", room.Round))
			return g.emit(cmd.OutOrStdout(), room, func() string {
				m := room.Messages[len(room.Messages)-1]
				return fmt.Sprintf("%s posted to %s (round %d)\n", m.ID, room.ID, m.Round)
			})
		},
	}
	cmd.Flags().StringVar(&req.Author, "author", "", "message author (required)")
	cmd.Flags().StringVar(&typ, "type", string(debate.MessageProposal), "message type: proposal, counter, resolution")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

func newDebateConcernCmd(g *globalOptions) *cobra.Command {
	var (
		req      debate.ConcernRequest
		priority string
	)
	cmd := &cobra.Command{
		Use:   "concern <debate-id> <description>",
		Short: "Raise a concern",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Priority = debate.Priority(priority)
			req.Description = strings.Join(args[1:], " ")
			c, err := g.app.debates.RaiseConcern(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), c, func() string {
				return fmt.Sprintf("%s raised [%s]\n", c.ID, c.Priority)
			})
		},
	}
	cmd.Flags().StringVar(&req.RaisedBy, "by", "", "who raises the concern (required)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or blocker (default medium)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newDebateResolveConcernCmd(g *globalOptions) *cobra.Command {
	var by, note string
	cmd := &cobra.Command{
		Use:   "resolve-concern <debate-id> <concern-id>",
		Short: "Mark a concern resolved",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.app.debates.ResolveConcern(cmd.Context(), args[0], args[1], by, note)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), c, func() string {
				return fmt.Sprintf("%s resolved by %s\n", c.ID, c.ResolvedBy)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "resolver (required)")
	cmd.Flags().StringVar(&note, "note", "", "how the concern was addressed")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newDebateAdvanceCmd(g *globalOptions) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "advance <debate-id>",
		Short: "Move to the next round; the last round ends the debate as exhausted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := logging.WithDebateID(cmd.Context(), args[0])
			room, err := g.app.debates.AdvanceRound(ctx, args[0], by)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Debug(ctx, "round advanced", zap.Int("round", room.Round), zap.String("status", string(room.Status)))
			return g.emit(cmd.OutOrStdout(), room, func() string {
				if room.Status == debate.StatusExhausted {
					return fmt.Sprintf("%s exhausted after %d rounds\n", room.ID, room.Round)
				}
				return fmt.Sprintf("%s: round %d/%d\n", room.ID, room.Round, room.MaxRounds)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "who advances the round")
	return cmd
}

func newDebateBlockersCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "blockers <debate-id>",
		Short: "List open blocker concerns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blockers, err := g.app.debates.GetBlockers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if blockers == nil {
				blockers = []debate.Concern{}
			}
			return g.emit(cmd.OutOrStdout(), blockers, func() string {
				if len(blockers) == 0 {
					return dimStyle.Render("no open blockers") + "\n"
				}
				var b strings.Builder
				for _, c := range blockers {
					fmt.Fprintf(&b, "%-12s %s %s\n", c.ID, c.Description, dimStyle.Render("("+c.RaisedBy+")"))
				}
				return b.String()
			})
		},
	}
}

func newDebateResolveCmd(g *globalOptions) *cobra.Command {
	var (
		req     debate.ResolveRequest
		record  bool
		options []string
	)
	cmd := &cobra.Command{
		Use:   "resolve <debate-id> <outcome>",
		Short: "Conclude a debate",
		Long: `Conclude a debate with an outcome. Open blocker concerns refuse the
resolution unless --override-blockers is passed.

With --record-decision the outcome is also recorded as a decision on the
debate's orchestration, choosing the outcome among --option values.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := logging.WithDebateID(cmd.Context(), args[0])
			req.Outcome = strings.Join(args[1:], " ")
			if record && len(options) == 0 {
				return usageError("--record-decision needs at least one --option")
			}
			room, err := g.app.debates.Resolve(ctx, args[0], req)
			if err != nil {
				return err
			}
			out := struct {
				Debate   *debate.Room           `json:"debate"`
				Decision *orchestrator.Decision `json:"decision,omitempty"`
			}{Debate: room}
			logging.FromContext(ctx).Debug(ctx, "debate resolved", zap.String("outcome", req.Outcome))

			if record {
				if room.OrchestrationID == "" {
					return usageError("debate %s is not linked to an orchestration", room.ID)
				}
				ctx = logging.WithOrchestrationID(ctx, room.OrchestrationID)
				out.Decision, err = g.app.engine.RecordDecision(ctx, orchestrator.DecisionRequest{
					OrchestrationID: room.OrchestrationID,
					Topic:           room.Topic,
					Options:         options,
					Chosen:          req.Outcome,
					Rationale:       req.Rationale,
					MadeBy:          req.ResolvedBy,
					DebateID:        room.ID,
				})
				if err != nil {
					return err
				}
			}
			return g.emit(cmd.OutOrStdout(), out, func() string {
				s := fmt.Sprintf("%s resolved: %s\n", room.ID, room.Resolution.Outcome)
				if n := len(room.Resolution.OverrodeBlockers); n > 0 {
					s += fmt.Sprintf("overrode %d blocker(s): %s\n", n, strings.Join(room.Resolution.OverrodeBlockers, ", "))
				}
				if out.Decision != nil {
					s += fmt.Sprintf("recorded %s on %s\n", out.Decision.ID, room.OrchestrationID)
				}
				return s
			})
		},
	}
	cmd.Flags().StringVar(&req.ResolvedBy, "by", "", "who concludes the debate (required)")
	cmd.Flags().StringVar(&req.Rationale, "rationale", "", "why this outcome")
	cmd.Flags().BoolVar(&req.OverrideBlockers, "override-blockers", false, "resolve despite open blocker concerns")
	cmd.Flags().BoolVar(&record, "record-decision", false, "record the outcome as a decision on the linked orchestration")
	cmd.Flags().StringArrayVar(&options, "option", nil, "option considered, for --record-decision (repeatable)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newDebateShowCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <debate-id>",
		Short: "Show a debate transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, err := g.app.debates.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), room, func() string { return debate.FormatRoom(room) })
		},
	}
}

func newDebateListCmd(g *globalOptions) *cobra.Command {
	var (
		f      debate.Filter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List debates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = debate.Status(status)
			rooms, err := g.app.debates.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if rooms == nil {
				rooms = []*debate.Room{}
			}
			return g.emit(cmd.OutOrStdout(), rooms, func() string {
				if len(rooms) == 0 {
					return dimStyle.Render("no debates") + "\n"
				}
				var b strings.Builder
				for _, r := range rooms {
					fmt.Fprintf(&b, "%-12s %-10s %d/%d  %s\n", r.ID, r.Status, r.Round, r.MaxRounds, r.Topic)
				}
				return b.String()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only debates with this status: open, resolved, exhausted")
	cmd.Flags().StringVar(&f.OrchestrationID, "orchestration", "", "only debates of this orchestration")
	return cmd
}
