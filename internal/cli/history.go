package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reconcile/internal/audit"
	"github.com/roach88/reconcile/internal/collab"
)

const dateLayout = "2006-01-02"

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Event string
	Actor string
	From  string
	To    string
	Scope []int64
}

// HistoryEntry is one printed audit record.
type HistoryEntry struct {
	At          time.Time `json:"at"`
	Kind        string    `json:"kind"`
	ID          int64     `json:"id"`
	Event       string    `json:"event"`
	Code        string    `json:"code"`
	Actor       string    `json:"actor,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	OperationID string    `json:"operation_id,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <kind> [id]",
		Short: "Show the audit trail of a kind or one entity",
		Long: `Show audit records, oldest first.

--from and --to take dates and are widened to whole days; both must be
given for the range to apply.

Examples:
  reconcile history crm.account 42
  reconcile history crm.account --event updated --actor user:alice
  reconcile history crm.account --from 2024-03-01 --to 2024-03-31`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Event, "event", "", "created|updated|deleted|accessed")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "only records by this actor")
	cmd.Flags().StringVar(&opts.From, "from", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.To, "to", "", "last day (YYYY-MM-DD)")
	cmd.Flags().Int64SliceVar(&opts.Scope, "scope", nil, "only records in these scopes")

	return cmd
}

func runHistory(opts *HistoryOptions, args []string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	q, err := opts.query(args)
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid arguments", err)
	}

	en, _, err := opts.openEngine(ctx, cmd, f)
	if err != nil {
		return err
	}
	defer en.Close()

	if _, err := en.Repo.Kind(args[0]); err != nil {
		return f.Fail("unknown kind", err)
	}
	records, err := en.Trail.History(ctx, q)
	if err != nil {
		return f.Fail("failed to read history", err)
	}

	entries := make([]HistoryEntry, len(records))
	for i, r := range records {
		entries[i] = HistoryEntry{
			At:          r.At,
			Kind:        r.Kind,
			ID:          r.EntityID,
			Event:       string(r.Event),
			Code:        r.Code,
			Actor:       r.Actor,
			Detail:      r.Detail,
			OperationID: r.OperationID,
		}
	}
	if opts.Format == "json" {
		return f.Success("", entries)
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %s#%d %s %s", e.At.Format(time.RFC3339), e.Kind, e.ID, e.Event, e.Code)
		if e.Actor != "" {
			line += " by " + e.Actor
		}
		if e.Detail != "" {
			line += ": " + e.Detail
		}
		fmt.Fprintln(f.Writer, line)
	}
	if len(entries) == 0 {
		fmt.Fprintln(f.Writer, "No audit records")
	}
	return nil
}

func (o *HistoryOptions) query(args []string) (audit.HistoryQuery, error) {
	target := audit.Target{Kind: args[0]}
	if len(args) == 2 {
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || id <= 0 {
			return audit.HistoryQuery{}, fmt.Errorf("invalid id %q", args[1])
		}
		target.ID = id
	}
	q := audit.HistoryQuery{
		Targets: []audit.Target{target},
		Event:   audit.Event(o.Event),
		Scopes:  o.Scope,
	}
	switch audit.Event(o.Event) {
	case "", audit.EventCreated, audit.EventUpdated, audit.EventDeleted, audit.EventAccessed:
	default:
		return q, fmt.Errorf("unknown event %q", o.Event)
	}
	if o.Actor != "" {
		q.Actor = collab.ActorOf(o.Actor)
		q.RestrictToActor = true
	}
	if o.From != "" || o.To != "" {
		if o.From == "" || o.To == "" {
			return q, fmt.Errorf("--from and --to must be given together")
		}
		var err error
		if q.Start, err = time.Parse(dateLayout, o.From); err != nil {
			return q, fmt.Errorf("invalid --from: %w", err)
		}
		if q.End, err = time.Parse(dateLayout, o.To); err != nil {
			return q, fmt.Errorf("invalid --to: %w", err)
		}
	}
	return q, nil
}
