package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// InitResult reports an initialized database.
type InitResult struct {
	Driver string   `json:"driver"`
	DSN    string   `json:"dsn"`
	Kinds  []string `json:"kinds"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and check the schema file",
		Long: `Open the configured database, creating tables on first use, and
load the configured schema file.

Safe to run repeatedly; existing data is kept.

Examples:
  reconcile init --db ./crm.db --schema ./schema.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(rootOpts, cmd)
		},
	}
}

func runInit(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	en, cfg, err := opts.openEngine(context.Background(), cmd, f)
	if err != nil {
		return err
	}
	defer en.Close()

	res := InitResult{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Kinds:  en.Schemas.Names(),
	}
	return f.Success(fmt.Sprintf("✓ Initialized %s (%d kinds)", res.DSN, len(res.Kinds)), res)
}
