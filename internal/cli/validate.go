package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/slate/internal/harness"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// ValidationResult holds the validation outcome for one file.
type ValidationResult struct {
	File  string `json:"file"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Validate scenario files",
		Long: `Validate scenario files against the schema without running them.

Each file is unified with the embedded CUE schema and then checked for
cross-field rules: known clients, required step fields, well-formed
assertions.

Examples:
  slate validate ./scenarios/lock-handoff.yaml
  slate validate ./scenarios/*.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *ValidateOptions, files []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	results := make([]ValidationResult, 0, len(files))
	failed := 0
	for _, file := range files {
		res := ValidationResult{File: file, Valid: true}
		if _, err := harness.LoadScenario(file); err != nil {
			res.Valid = false
			res.Error = err.Error()
			failed++
		}
		results = append(results, res)

		if opts.Format != "json" {
			if res.Valid {
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", file)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s\n  %s\n", file, res.Error)
			}
		}
	}

	if opts.Format == "json" {
		if failed > 0 {
			if err := formatter.Error("E_INVALID_SCENARIO",
				fmt.Sprintf("%d file(s) invalid", failed), results); err != nil {
				return err
			}
			return NewExitError(ExitFailure, fmt.Sprintf("%d file(s) invalid", failed))
		}
		return formatter.Success(results)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d file(s) invalid", failed))
	}
	return nil
}
