package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/slate/internal/harness"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Final bool // include the final board snapshot
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <scenario.yaml>",
		Short: "Run a scenario and print its trace",
		Long: `Run one scenario and print the step-by-step trace.

The trace interleaves scripted steps with the writes the shared store
accepted, in order. Useful for debugging a failing scenario or reading
how concurrent edits resolved.

Examples:
  slate trace ./scenarios/lock-handoff.yaml
  slate trace ./scenarios/undo-redo.yaml --final --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Final, "final", false, "include the final board snapshot")

	return cmd
}

func runTrace(opts *TraceOptions, scenarioFile string, cmd *cobra.Command) error {
	scenario, err := harness.LoadScenario(scenarioFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	result, err := harness.Run(scenario)
	if err != nil {
		return WrapExitError(ExitFailure, "scenario execution failed", err)
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		payload := map[string]any{
			"scenario": scenario.Name,
			"pass":     result.Pass,
			"trace":    result.Trace,
		}
		if opts.Final {
			payload["final"] = result.Final
		}
		if len(result.Errors) > 0 {
			payload["errors"] = result.Errors
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(payload); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "Scenario: %s\n\n", scenario.Name)
		for _, ev := range result.Trace {
			printTraceEvent(w, ev)
		}
		if opts.Final {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Final board:")
			for _, o := range result.Final {
				fmt.Fprintf(w, "  %s %s at (%g,%g) %gx%g seq=%d\n",
					o.ID, o.Type, o.X, o.Y, o.Width, o.Height, o.Seq)
			}
		}
		if len(result.Errors) > 0 {
			fmt.Fprintln(w)
			for _, e := range result.Errors {
				fmt.Fprintf(w, "FAIL %s\n", e)
			}
		}
	}

	if !result.Pass {
		return NewExitError(ExitFailure, "scenario assertions failed")
	}
	return nil
}

func printTraceEvent(w io.Writer, ev harness.TraceEvent) {
	switch ev.Type {
	case "step":
		line := fmt.Sprintf("step %d:", ev.Step)
		if ev.Client != "" {
			line += " " + ev.Client
		}
		line += " " + ev.Op
		if ev.ID != "" {
			line += " " + ev.ID
		}
		if ev.Error != "" {
			line += " (rejected: " + ev.Error + ")"
		}
		fmt.Fprintln(w, line)
	case "event":
		fmt.Fprintf(w, "  -> %s %s seq=%d by %s\n", ev.Kind, ev.ID, ev.Seq, ev.By)
	}
}
