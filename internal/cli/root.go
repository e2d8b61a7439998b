// Package cli implements rulectl, which checks and runs rule bundles
// without a server or database.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/trackerrules/internal/logger"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the bundle is invalid
	ExitCommandError = 2 // bad flags or unreadable files
)

// ExitError carries the process exit code of a failed command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode returns the exit code for err. Errors without one exit with
// ExitCommandError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// RootOptions holds the global flags
type RootOptions struct {
	Verbose bool
	Format  string // "text" or "json"
}

// NewRootCommand creates the rulectl command tree
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "rulectl",
		Short:         "Validate and evaluate program rule bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}

			// keep stdout clean for command output
			level := "warn"
			if opts.Verbose {
				level = "debug"
			}
			return logger.Init(logger.Options{Level: level, Output: cmd.ErrOrStderr()})
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log rule evaluation to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))

	return cmd
}
