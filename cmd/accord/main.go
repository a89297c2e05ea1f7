// Package main implements the accord CLI, the coordinator's entry point to
// orchestration state, gates, decisions, escalations and debates.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/accord/internal/coorderr"
)

// version information
var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	stateDir   string
	logLevel   string
	jsonOut    bool

	app *app
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := &globalOptions{}
	if err := execute(ctx, newRootCmd(g), g); err != nil {
		os.Exit(exitCode(err))
	}
}

// execute runs root and releases the app even when the command fails.
func execute(ctx context.Context, root *cobra.Command, g *globalOptions) error {
	defer g.release()
	return root.ExecuteContext(ctx)
}

func (g *globalOptions) release() {
	if g.app != nil {
		g.app.close()
		g.app = nil
	}
}

func newRootCmd(g *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "accord",
		Short: "Coordinate phases, approvals and disagreements between agents",
		Long: `accord tracks a multi-agent task through its phases, the approval gates
between them, the decisions made along the way, and the escalations and
debates used when agents cannot agree.

State lives under the state directory (default .accord/), one JSON document
per orchestration, debate and escalation.

Examples:
  # Start an orchestration and walk it forward
  accord start "add rate limiting" --session sess_42
  accord transition analyzing
  accord status

  # Ask the PM to sign off on the design
  accord gate open planning --proposal "token bucket per tenant"
  accord gate approve gate_1 --by pm

  # Route a question automatically
  accord escalate open "which API version?" --from developer --type question`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipApp(cmd) {
				return nil
			}
			a, err := newApp(cmd.Context(), g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			g.app = a
			cmd.SetContext(a.scope(cmd.Context(), cmd))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default <state-dir>/config.yaml)")
	root.PersistentFlags().StringVar(&g.stateDir, "state-dir", "", "coordination state directory (default .accord)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "output results as JSON")

	root.AddCommand(
		newStartCmd(g),
		newStatusCmd(g),
		newNextCmd(g),
		newTransitionCmd(g),
		newFailCmd(g),
		newActivateCmd(g),
		newGateCmd(g),
		newDecideCmd(g),
		newEscalateCmd(g),
		newDebateCmd(g),
	)
	return root
}

// skipApp reports whether cmd runs without opening state.
func skipApp(cmd *cobra.Command) bool {
	return cmd.Annotations["pure"] == "true" || cmd.Name() == "help"
}

// exitCode maps refused operations to 2 and everything else to 1.
func exitCode(err error) int {
	fmt.Fprintln(os.Stderr, "Error:", err)
	if coorderr.IsValidation(err) {
		return 2
	}
	var pe *inputError
	if errors.As(err, &pe) {
		return 2
	}
	return 1
}

// inputError reports bad command-line input.
type inputError struct{ msg string }

func (e *inputError) Error() string { return e.msg }

func usageError(format string, args ...any) error {
	return &inputError{msg: fmt.Sprintf(format, args...)}
}

func (g *globalOptions) emit(w io.Writer, v any, text func() string) error {
	if g.jsonOut {
		return outputJSON(w, v)
	}
	_, err := fmt.Fprint(w, text())
	return err
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
