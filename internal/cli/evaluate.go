package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/liamcoop/trackerrules/bundle"
	"github.com/liamcoop/trackerrules/models"
	"github.com/liamcoop/trackerrules/rules"
)

// Input is the document evaluated against a bundle. Without an event the
// enrollment in the context is evaluated.
type Input struct {
	Event   *rules.Event            `json:"event,omitempty"`
	Context rules.EvaluationContext `json:"context"`
}

// EvaluateOptions holds the flags of evaluate
type EvaluateOptions struct {
	Bundle string
	Input  string
	Rules  []string
}

// NewEvaluateCommand creates the evaluate command
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run a bundle's rules against an input document",
		Long: `Run a bundle's rules against a JSON input document and print the
effects. Use "-" as the input to read it from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd.Context(), rootOpts, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.Bundle, "bundle", "b", "", "rule bundle (YAML)")
	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "input document (JSON)")
	cmd.Flags().StringSliceVar(&opts.Rules, "rules", nil, "only run these rule IDs")
	cmd.MarkFlagRequired("bundle")
	cmd.MarkFlagRequired("input")

	return cmd
}

func runEvaluate(ctx context.Context, rootOpts *RootOptions, opts *EvaluateOptions, stdin io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b, err := bundle.Load(opts.Bundle)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Err: err}
	}

	engine, err := b.Engine()
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("invalid bundle: %w", err)}
	}

	input, err := readInput(opts.Input, stdin)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Err: err}
	}
	if len(opts.Rules) > 0 {
		input.Context.RuleIDs = opts.Rules
	}

	var effects []rules.Effect
	if input.Event != nil {
		effects, err = engine.EvaluateEvent(ctx, *input.Event, input.Context)
	} else {
		effects, err = engine.EvaluateEnrollment(ctx, input.Context)
	}
	if err != nil {
		return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("evaluation failed: %w", err)}
	}

	return writeEffects(rootOpts.Format, out, effects)
}

func readInput(path string, stdin io.Reader) (*Input, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var input Input
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("invalid input %s: %w", path, err)
	}
	return &input, nil
}

func writeEffects(format string, out io.Writer, effects []rules.Effect) error {
	if format == "json" {
		if effects == nil {
			effects = []rules.Effect{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(effects)
	}

	if len(effects) == 0 {
		fmt.Fprintln(out, "No effects")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tCONTENT\tFIELD\tDATA")
	for _, e := range effects {
		var content, field string
		if m, ok := e.Action.(models.MessageAction); ok {
			content, field = m.Content(), m.Field()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Action.Kind(), content, field, e.Data)
	}
	return w.Flush()
}
