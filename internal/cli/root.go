package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/config"
	"github.com/roach88/reconcile/internal/engine"
	"github.com/roach88/reconcile/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Config is the configuration file; empty searches the defaults.
	Config string

	// Database and Schema override the configured DSN and schema file.
	Database string
	Schema   string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the reconcile CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Record reconciliation and relationship engine",
		Long: `Keep typed records in step with external systems.

Records are declared per kind in a schema file, queried with stored
condition groups, linked to each other and matched against external
records by source and key. Every change is written to an audit trail.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				msg := fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
				fmt.Fprintln(cmd.ErrOrStderr(), msg)
				return NewExitError(ExitCommandError, msg)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to config file (default ./reconcile.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database DSN, overrides database.dsn")
	cmd.PersistentFlags().StringVar(&opts.Schema, "schema", "", "schema file, overrides engine.schema_file")

	// Add subcommands
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewLinksCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewPurgeDeletedCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// formatter builds the output formatter for a command.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// loadConfig reads configuration and applies the flag overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, err
	}
	if o.Database != "" {
		cfg.Database.DSN = o.Database
	}
	if o.Schema != "" {
		cfg.Engine.SchemaFile = o.Schema
	}
	if o.Verbose {
		cfg.Logger.Level = "debug"
	}
	return cfg, nil
}

// openEngine loads configuration and opens the engine. Engine logs go to
// the command's stderr.
func (o *RootOptions) openEngine(ctx context.Context, cmd *cobra.Command, f *OutputFormatter) (*engine.Engine, *config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	log, err := logging.NewWriter(cfg.Logger, cmd.ErrOrStderr())
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, nil, WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	f.VerboseLog("Opening %s database %s", cfg.Database.Driver, cfg.Database.DSN)

	en, err := engine.Open(ctx, cfg, log.With(zap.String("cmd", cmd.Name())), nil)
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return nil, nil, WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	return en, cfg, nil
}
