package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/reconcile/internal/schema"
)

// KindSummary describes one declared kind.
type KindSummary struct {
	Name        string   `json:"name"`
	Fields      int      `json:"fields"`
	Unique      []string `json:"unique_together,omitempty"`
	SoftDeletes bool     `json:"soft_deletes"`
	ScopeField  string   `json:"scope_field,omitempty"`
}

// SchemaResult holds validation results.
type SchemaResult struct {
	Valid bool          `json:"valid"`
	Kinds []KindSummary `json:"kinds"`
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Work with kind declarations",
	}
	cmd.AddCommand(newSchemaValidateCommand(rootOpts))
	return cmd
}

func newSchemaValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a schema file without opening a database",
		Long: `Parse a YAML or CUE schema file and check every kind declaration:
field types, reference targets, unique-together fields, the status and
scope fields, and duplicate kind names.

Examples:
  reconcile schema validate ./schema.yaml
  reconcile schema validate ./schema.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaValidate(rootOpts, args[0], cmd)
		},
	}
}

func runSchemaValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	kinds, err := schema.LoadFile(path)
	if err != nil {
		return schemaError(f, err)
	}
	f.VerboseLog("Loaded %d kind(s) from %s", len(kinds), path)

	reg := schema.NewRegistry()
	res := SchemaResult{Valid: true, Kinds: make([]KindSummary, 0, len(kinds))}
	for _, k := range kinds {
		if err := reg.Register(k); err != nil {
			return schemaError(f, err)
		}
		res.Kinds = append(res.Kinds, KindSummary{
			Name:        k.Name,
			Fields:      len(k.Fields),
			Unique:      k.UniqueTogether,
			SoftDeletes: k.StatusField != "",
			ScopeField:  k.ScopeField,
		})
	}
	if len(kinds) == 0 {
		_ = f.Error(ErrCodeConfiguration, "no kinds declared in "+path, nil)
		return NewExitError(ExitFailure, ErrCodeConfiguration+": no kinds declared")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✓ Schema valid: %d kind(s)", len(res.Kinds))
	for _, k := range res.Kinds {
		fmt.Fprintf(&b, "\n  %s (%d fields)", k.Name, k.Fields)
	}
	return f.Success(b.String(), res)
}

func schemaError(f *OutputFormatter, err error) error {
	var loadErr *schema.LoadError
	if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
		details := map[string]any{
			"file":   loadErr.Pos.Filename(),
			"line":   loadErr.Pos.Line(),
			"column": loadErr.Pos.Column(),
		}
		_ = f.Error(ErrCodeConfiguration, loadErr.Message, details)
		return WrapExitError(ExitFailure, ErrCodeConfiguration+": invalid schema", err)
	}
	return f.Fail("invalid schema", err)
}
