package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/escalation"
	"github.com/fyrsmithlabs/accord/internal/logging"
)

func newEscalateCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Open and answer escalation threads",
		Long: `Escalations carry a question or concern from one agent to the role best
placed to answer it. Threads that cannot be settled internally are flagged
for the user.

Threads are stored under the state directory. Setting escalation.persist to
false keeps them in memory for the current invocation only.

Examples:
  accord escalate open "use the v2 billing API?" --from developer --type design-decision
  accord escalate respond esc_1 "yes, v1 is deprecated" --from architect --resolved
  accord escalate route --type security-concern`,
	}
	cmd.AddCommand(
		newEscalateOpenCmd(g),
		newEscalateRespondCmd(g),
		newEscalateShowCmd(g),
		newEscalateListCmd(g),
		newEscalateRouteCmd(g),
	)
	return cmd
}

func newEscalateOpenCmd(g *globalOptions) *cobra.Command {
	var (
		req     escalation.Request
		typ     string
		entries map[string]string
	)
	cmd := &cobra.Command{
		Use:   "open <message>",
		Short: "Open an escalation thread",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Message = strings.Join(args, " ")
			req.Type = escalation.Type(typ)
			req.Context = entries
			ctx := cmd.Context()
			if req.OrchestrationID != "" {
				ctx = logging.WithOrchestrationID(ctx, req.OrchestrationID)
			}
			t, err := g.app.escalations.Open(ctx, req)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Debug(ctx, "escalation opened", zap.String("escalation", t.ID), zap.String("routed_to", t.RoutedTo))
			return g.emit(cmd.OutOrStdout(), t, func() string {
				s := fmt.Sprintf("%s routed to %s (%s)\n", t.ID, t.RoutedTo, t.Status)
				if escalation.ShouldEscalateToUser(t) {
					s += "user input needed\n"
				}
				return s
			})
		},
	}
	cmd.Flags().StringVar(&req.From, "from", "", "role raising the escalation (required)")
	cmd.Flags().StringVar(&req.To, "to", escalation.AutoTarget, "target role, or auto to route by type")
	cmd.Flags().StringVar(&typ, "type", string(escalation.TypeQuestion), "escalation type")
	cmd.Flags().StringToStringVar(&entries, "context", nil, "context entries as key=value")
	cmd.Flags().StringVar(&req.OrchestrationID, "orchestration", "", "related orchestration id")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newEscalateRespondCmd(g *globalOptions) *cobra.Command {
	var resp escalation.Response
	cmd := &cobra.Command{
		Use:   "respond <escalation-id> <message>",
		Short: "Append a response to a thread",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp.Message = strings.Join(args[1:], " ")
			ctx := cmd.Context()
			t, err := g.app.escalations.Respond(ctx, args[0], resp)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Debug(ctx, "escalation answered", zap.String("escalation", t.ID), zap.String("status", string(t.Status)))
			return g.emit(cmd.OutOrStdout(), t, func() string {
				return fmt.Sprintf("%s: %s (%d responses)\n", t.ID, t.Status, len(t.Responses))
			})
		},
	}
	cmd.Flags().StringVar(&resp.From, "from", "", "responding role (required)")
	cmd.Flags().BoolVar(&resp.Resolved, "resolved", false, "the response settles the thread")
	cmd.Flags().StringVar(&resp.NextAction, "next-action", "", "follow-up: ask-user, escalate-higher or free text")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newEscalateShowCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <escalation-id>",
		Short: "Show a thread as presented to the user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := g.app.escalations.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), t, func() string { return escalation.FormatForUser(t) })
		},
	}
}

func newEscalateListCmd(g *globalOptions) *cobra.Command {
	var status string
	var f escalation.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation threads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = escalation.Status(status)
			if f.Status != "" && !f.Status.Valid() {
				return usageError("unknown status %q", status)
			}
			threads, err := g.app.escalations.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if threads == nil {
				threads = []*escalation.Thread{}
			}
			return g.emit(cmd.OutOrStdout(), threads, func() string {
				if len(threads) == 0 {
					return dimStyle.Render("no escalations") + "\n"
				}
				var b strings.Builder
				for _, t := range threads {
					fmt.Fprintf(&b, "%-10s %-12s %-18s %-11s %s\n", t.ID, t.Status, t.Request.Type, t.RoutedTo, t.Request.Message)
				}
				return b.String()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only threads with this status")
	cmd.Flags().StringVar(&f.RoutedTo, "routed-to", "", "only threads routed to this role")
	cmd.Flags().StringVar(&f.OrchestrationID, "orchestration", "", "only threads of this orchestration")
	return cmd
}

func newEscalateRouteCmd(g *globalOptions) *cobra.Command {
	var to, typ string
	cmd := &cobra.Command{
		Use:         "route",
		Short:       "Print where an escalation would be routed",
		Annotations: map[string]string{"pure": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			role := escalation.Route(escalation.Request{To: to, Type: escalation.Type(typ)})
			return g.emit(cmd.OutOrStdout(), map[string]string{"routed_to": role}, func() string { return role + "\n" })
		},
	}
	cmd.Flags().StringVar(&to, "to", escalation.AutoTarget, "target role, or auto")
	cmd.Flags().StringVar(&typ, "type", string(escalation.TypeQuestion), "escalation type")
	return cmd
}
