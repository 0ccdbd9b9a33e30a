package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
)

// LinksOptions holds flags for the links command.
type LinksOptions struct {
	*RootOptions
	Kind    string
	Parents bool
	Link    []string
	Unlink  []string
	Both    bool
}

// LinksResult groups linked entities by kind.
type LinksResult struct {
	Kind      string                  `json:"kind"`
	ID        int64                   `json:"id"`
	Direction string                  `json:"direction"` // "children" or "parents"
	Linked    map[string][]EntityView `json:"linked"`
}

// NewLinksCommand creates the links command.
func NewLinksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LinksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "links <kind> <id>",
		Short: "Show or change the relationship links of an entity",
		Long: `List the entities an entity links to, grouped by kind. With --parents
list the entities of --kind that link to it instead.

--link and --unlink take kind:id and change links before listing;
--both applies them in both directions.

Examples:
  reconcile links crm.account 42
  reconcile links crm.contact 7 --parents --kind crm.account
  reconcile links crm.account 42 --link crm.contact:7 --both`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLinks(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only links to (or from, with --parents) this kind")
	cmd.Flags().BoolVar(&opts.Parents, "parents", false, "list parents linking to the entity (needs --kind)")
	cmd.Flags().StringSliceVar(&opts.Link, "link", nil, "link to kind:id")
	cmd.Flags().StringSliceVar(&opts.Unlink, "unlink", nil, "remove the link to kind:id")
	cmd.Flags().BoolVar(&opts.Both, "both", false, "apply --link/--unlink in both directions")

	return cmd
}

func runLinks(opts *LinksOptions, args []string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || id <= 0 {
		_ = f.Error(ErrCodeGeneric, fmt.Sprintf("invalid id %q", args[1]), nil)
		return NewExitError(ExitCommandError, "invalid id")
	}
	if opts.Parents && opts.Kind == "" {
		_ = f.Error(ErrCodeGeneric, "--parents needs --kind", nil)
		return NewExitError(ExitCommandError, "--parents needs --kind")
	}

	en, _, err := opts.openEngine(ctx, cmd, f)
	if err != nil {
		return err
	}
	defer en.Close()

	self, found, err := en.Repo.ByIdentity(ctx, args[0], id)
	if err != nil {
		return f.Fail("lookup failed", err)
	}
	if !found {
		return f.Fail("lookup failed", failure.New(failure.CodeNotFound, "%s#%d not found", args[0], id))
	}

	for _, spec := range opts.Link {
		other, err := parseRef(spec)
		if err != nil {
			return f.Fail("invalid --link", err)
		}
		if opts.Both {
			_, _, err = en.Relations.LinkBoth(ctx, self, other)
		} else {
			_, err = en.Relations.Link(ctx, self, other)
		}
		if err != nil {
			return f.Fail("link failed", err)
		}
		f.VerboseLog("Linked %s#%d -> %s", self.Kind, self.ID, spec)
	}
	for _, spec := range opts.Unlink {
		other, err := parseRef(spec)
		if err != nil {
			return f.Fail("invalid --unlink", err)
		}
		if _, err := en.Relations.Unlink(ctx, self, other, opts.Both); err != nil {
			return f.Fail("unlink failed", err)
		}
		f.VerboseLog("Unlinked %s#%d -> %s", self.Kind, self.ID, spec)
	}

	res := LinksResult{Kind: self.Kind, ID: self.ID, Direction: "children", Linked: map[string][]EntityView{}}
	var linked map[string][]*entity.Entity
	switch {
	case opts.Parents:
		res.Direction = "parents"
		parents, err := en.Relations.ParentsOf(ctx, self, opts.Kind)
		if err != nil {
			return f.Fail("failed to read links", err)
		}
		linked = map[string][]*entity.Entity{opts.Kind: parents}
	case opts.Kind != "":
		children, err := en.Relations.ChildrenOf(ctx, self, opts.Kind)
		if err != nil {
			return f.Fail("failed to read links", err)
		}
		linked = map[string][]*entity.Entity{opts.Kind: children}
	default:
		if linked, err = en.Relations.AllLinksFrom(ctx, self); err != nil {
			return f.Fail("failed to read links", err)
		}
	}
	for kind, list := range linked {
		if len(list) > 0 {
			res.Linked[kind] = viewsOf(list)
		}
	}

	if opts.Format == "json" {
		return f.Success("", res)
	}
	if len(res.Linked) == 0 {
		fmt.Fprintf(f.Writer, "No %s for %s#%d\n", res.Direction, res.Kind, res.ID)
		return nil
	}
	for _, kind := range slices.Sorted(maps.Keys(res.Linked)) {
		fmt.Fprintf(f.Writer, "%s (%d)\n", kind, len(res.Linked[kind]))
		writeEntities(f.Writer, res.Linked[kind])
	}
	return nil
}

// parseRef parses kind:id.
func parseRef(s string) (ir.Ref, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return ir.Ref{}, failure.New(failure.CodeConfiguration, "expected kind:id, got %q", s)
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return ir.Ref{}, failure.New(failure.CodeConfiguration, "invalid id in %q", s)
	}
	return ir.Ref{Kind: s[:i], ID: id}, nil
}
