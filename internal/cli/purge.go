package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// PurgeResult reports a purge.
type PurgeResult struct {
	Kind   string `json:"kind"`
	Purged int    `json:"purged"`
}

// NewPurgeDeletedCommand creates the purge-deleted command.
func NewPurgeDeletedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-deleted <kind>",
		Short: "Permanently remove soft-deleted entities",
		Long: `Hard-delete every entity of a kind whose status is deleted, together
with its audit trail, relationship links and cross-references.

Examples:
  reconcile purge-deleted crm.account`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurgeDeleted(rootOpts, args[0], cmd)
		},
	}
}

func runPurgeDeleted(opts *RootOptions, kind string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	en, _, err := opts.openEngine(ctx, cmd, f)
	if err != nil {
		return err
	}
	defer en.Close()

	n, err := en.Repo.PurgeDeleted(ctx, kind)
	if err != nil {
		return f.Fail("purge failed", err)
	}
	return f.Success(fmt.Sprintf("Purged %d deleted %s entities", n, kind), PurgeResult{Kind: kind, Purged: n})
}
