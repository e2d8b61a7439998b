package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/liamcoop/trackerrules/bundle"
)

// ValidationResult is the json output of validate
type ValidationResult struct {
	Valid     bool     `json:"valid"`
	Program   string   `json:"program,omitempty"`
	Rules     int      `json:"rules"`
	Variables int      `json:"variables"`
	Errors    []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bundle>",
		Short: "Check a rule bundle",
		Long: `Check a rule bundle without running it.

Variable definitions, rule structure and action contents are validated,
then every condition and action expression is compiled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd.OutOrStdout())
		},
	}
}

func runValidate(opts *RootOptions, path string, out io.Writer) error {
	b, err := bundle.Load(path)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Err: err}
	}

	result := ValidationResult{
		Program:   b.Program,
		Rules:     len(b.Rules),
		Variables: len(b.Variables),
	}

	// Engine validates the bundle before compiling its expressions
	if _, err := b.Engine(); err != nil {
		result.Errors = splitErrors(err)
	}
	result.Valid = len(result.Errors) == 0

	if err := writeValidation(opts.Format, out, result); err != nil {
		return err
	}

	if !result.Valid {
		return &ExitError{
			Code: ExitFailure,
			Err:  fmt.Errorf("validation failed with %d error(s)", len(result.Errors)),
		}
	}
	return nil
}

func writeValidation(format string, out io.Writer, result ValidationResult) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if result.Valid {
		fmt.Fprintf(out, "%s: %d rules, %d variables, valid\n", result.Program, result.Rules, result.Variables)
		return nil
	}

	fmt.Fprintln(out, "Validation failed")
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  %s\n", e)
	}
	return nil
}

// splitErrors flattens errors.Join trees into one message per problem
func splitErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var msgs []string
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, splitErrors(e)...)
		}
		return msgs
	}
	return []string{err.Error()}
}
