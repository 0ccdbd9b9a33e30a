package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/engine"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Source string
	Scope  int64
	DryRun bool
	Actor  string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <kind> <file>",
		Short: "Reconcile a batch of external records",
		Long: `Match each record in a YAML batch against its cross-reference.

Records without a reference create an entity and its reference. Records
whose entity differs are updated. Records whose reference points at a
missing or deleted entity are reported and left alone; the command then
exits with status 1.

The batch file:

  source: hubspot
  records:
    - key: a-1
      changed: 2024-02-01T12:00:00Z
      fields: {name: Acme, seats: 10}
      create: {vip: true}

Examples:
  reconcile import crm.account accounts.yaml --source hubspot --dry-run
  reconcile import crm.account accounts.yaml --actor user:sync`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "external system name (defaults to the file's source)")
	cmd.Flags().Int64Var(&opts.Scope, "scope", 0, "reference scope (0 for the default scope)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would happen without writing")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "actor recorded in the audit trail")

	return cmd
}

func runImport(opts *ImportOptions, kind, path string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	batch, err := engine.LoadImportFile(path)
	if err != nil {
		_ = f.Error(ErrCodeReadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read import file", err)
	}
	source := opts.Source
	if source == "" {
		source = batch.Source
	}
	if batch.Kind != "" && batch.Kind != kind {
		msg := fmt.Sprintf("file declares kind %s, not %s", batch.Kind, kind)
		_ = f.Error(ErrCodeReadFailed, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}
	scope := opts.Scope
	if scope == 0 {
		scope = batch.Scope
	}

	en, _, err := opts.openEngine(ctx, cmd, f)
	if err != nil {
		return err
	}
	defer en.Close()

	f.VerboseLog("Importing %d %s record(s) from %s", len(batch.Records), kind, source)
	sum, err := en.Import(ctx, engine.ImportRequest{
		Kind:    kind,
		Source:  source,
		Scope:   scope,
		Records: batch.Records,
		DryRun:  opts.DryRun,
		Actor:   collab.ActorOf(opts.Actor),
	})
	if err != nil {
		return f.Fail("import failed", err)
	}

	verb := "Imported"
	if sum.DryRun {
		verb = "Dry run"
	}
	text := fmt.Sprintf("%s: %d created, %d changed, %d unchanged, %d need repair",
		verb, sum.Created, sum.Changed, sum.Unchanged, sum.NeedsRepair)
	if sum.NeedsRepair > 0 {
		text += "\n  orphaned: " + strings.Join(sum.Orphaned, ", ")
	}
	if err := f.Success(text, sum); err != nil {
		return err
	}
	if sum.NeedsRepair > 0 {
		return NewExitError(ExitFailure, ErrCodeNeedsRepair+": references need repair")
	}
	return nil
}
