package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/reconcile/internal/engine"
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/predicate"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Conditions     string
	Group          string
	SaveAs         string
	Order          []string
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// QueryResult holds the matched entities.
type QueryResult struct {
	Kind     string       `json:"kind"`
	Filter   string       `json:"filter,omitempty"`
	Count    int          `json:"count"`
	Entities []EntityView `json:"entities"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <kind>",
		Short: "List entities matching a condition group",
		Long: `List entities of a kind, filtered by a condition file or a stored
condition group.

A condition file is a YAML list of rows:

  - attr: name
    op: icontains
    value: acme
  - attr: seats
    op: gt
    value: 5
    logical_and: true

Rows combine left to right with AND (logical_and) or OR; group_prev
extends the previous group instead of the whole expression, and negate
wraps a row in NOT. --save-as stores the rows under a group key for
later use with --group.

Examples:
  reconcile query crm.account --conditions big.yaml --order -seats
  reconcile query crm.account --conditions big.yaml --save-as big-accounts
  reconcile query crm.account --group big-accounts --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Conditions, "conditions", "c", "", "YAML condition file")
	cmd.Flags().StringVar(&opts.Group, "group", "", "stored condition group key")
	cmd.Flags().StringVar(&opts.SaveAs, "save-as", "", "store the condition file under this group key")
	cmd.Flags().StringSliceVar(&opts.Order, "order", nil, "order keys, prefix - for descending")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows (0 for all)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "rows to skip")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "include soft-deleted entities")
	cmd.MarkFlagsMutuallyExclusive("conditions", "group")

	return cmd
}

func runQuery(opts *QueryOptions, kind string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	if opts.SaveAs != "" && opts.Conditions == "" {
		_ = f.Error(ErrCodeGeneric, "--save-as needs --conditions", nil)
		return NewExitError(ExitCommandError, "--save-as needs --conditions")
	}

	en, _, err := opts.openEngine(ctx, cmd, f)
	if err != nil {
		return err
	}
	defer en.Close()

	k, err := en.Repo.Kind(kind)
	if err != nil {
		return f.Fail("unknown kind", err)
	}

	var p predicate.Predicate
	switch {
	case opts.Conditions != "":
		data, err := os.ReadFile(opts.Conditions)
		if err != nil {
			_ = f.Error(ErrCodeReadFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read conditions", err)
		}
		rows, err := engine.ParseConditions(k, data)
		if err != nil {
			return f.Fail("invalid conditions", err)
		}
		if opts.SaveAs != "" {
			if err := en.SaveConditions(ctx, kind, opts.SaveAs, rows); err != nil {
				return f.Fail("failed to save conditions", err)
			}
			f.VerboseLog("Saved %d condition(s) as %q", len(rows), opts.SaveAs)
		}
		p = predicate.FromConditions(rows)
	case opts.Group != "":
		if p, err = en.Filter(ctx, opts.Group); err != nil {
			return f.Fail("failed to load condition group", err)
		}
	}
	f.VerboseLog("Filter: %s", predicate.Format(p))

	var qopts []entity.QueryOption
	if len(opts.Order) > 0 {
		qopts = append(qopts, entity.OrderBy(opts.Order...))
	}
	if opts.Limit > 0 || opts.Offset > 0 {
		qopts = append(qopts, entity.Page(opts.Limit, opts.Offset))
	}
	if opts.IncludeDeleted {
		qopts = append(qopts, entity.IncludeDeleted())
	}

	found, err := en.Repo.All(ctx, kind, p, qopts...)
	if err != nil {
		return f.Fail("query failed", err)
	}

	res := QueryResult{
		Kind:     kind,
		Filter:   predicate.Format(p),
		Count:    len(found),
		Entities: viewsOf(found),
	}
	if opts.Format == "json" {
		return f.Success("", res)
	}
	writeEntities(f.Writer, res.Entities)
	fmt.Fprintf(f.Writer, "%d %s entities\n", res.Count, kind)
	return nil
}
