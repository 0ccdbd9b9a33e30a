package entity

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/logging"
	"github.com/roach88/reconcile/internal/predicate"
	"github.com/roach88/reconcile/internal/querysql"
	"github.com/roach88/reconcile/internal/retry"
	"github.com/roach88/reconcile/internal/schema"
	"github.com/roach88/reconcile/internal/store"
)

// DefaultPageSize is the number of rows a lazy query fetches per page.
const DefaultPageSize = 100

// Recorder appends lifecycle audit records. A failed write is reported
// by the recorder itself and never fails the business operation.
type Recorder interface {
	RecordCreated(ctx context.Context, e *Entity, actor collab.Actor, detail, code string) bool
	RecordDeleted(ctx context.Context, e *Entity, actor collab.Actor, detail, code string) bool
}

// Options wires a Repository to its collaborators. Store and Schemas are
// required; the rest default to no-op or system implementations.
type Options struct {
	Store    *store.Store
	Schemas  *schema.Registry
	Retry    *retry.Policy
	Clock    collab.Clock
	Scope    collab.ScopeProvider
	Recorder Recorder
	Logger   *zap.Logger
	PageSize int
}

// Repository reads and writes entities of every registered kind.
//
// Thread-safety: safe for concurrent use; state lives in the store.
type Repository struct {
	store    *store.Store
	schemas  *schema.Registry
	retry    *retry.Policy
	clock    collab.Clock
	scope    collab.ScopeProvider
	recorder Recorder
	log      *zap.Logger
	pageSize int
	purgers  []Purger
}

// NewRepository creates a Repository.
func NewRepository(opts Options) *Repository {
	r := &Repository{
		store:    opts.Store,
		schemas:  opts.Schemas,
		retry:    opts.Retry,
		clock:    opts.Clock,
		scope:    opts.Scope,
		recorder: opts.Recorder,
		log:      logging.OrNop(opts.Logger).With(zap.String("mod", "entity")),
		pageSize: opts.PageSize,
	}
	if r.retry == nil {
		r.retry = retry.New(retry.DefaultConfig(), opts.Logger, nil)
	}
	if r.clock == nil {
		r.clock = collab.SystemClock{}
	}
	if r.scope == nil {
		r.scope = collab.StaticScope(0)
	}
	if r.pageSize <= 0 {
		r.pageSize = DefaultPageSize
	}
	return r
}

// SetRecorder attaches the audit recorder after construction.
func (r *Repository) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// Store returns the storage collaborator.
func (r *Repository) Store() *store.Store { return r.store }

// Retry returns the write retry policy.
func (r *Repository) Retry() *retry.Policy { return r.retry }

// Clock returns the time source.
func (r *Repository) Clock() collab.Clock { return r.clock }

// Scope returns the default-scope provider.
func (r *Repository) Scope() collab.ScopeProvider { return r.scope }

// Kind returns the registered schema of a kind.
func (r *Repository) Kind(name string) (*schema.Kind, error) {
	return r.schemas.Require(name)
}

// FieldExists reports whether field names a declared field of kind,
// applying reference shorthand.
func (r *Repository) FieldExists(kind, field string) (bool, error) {
	k, err := r.Kind(kind)
	if err != nil {
		return false, err
	}
	return k.FieldExists(field), nil
}

// DeclaredUniqueFields returns the unique-together fields of kind.
func (r *Repository) DeclaredUniqueFields(kind string) ([]string, bool, error) {
	k, err := r.Kind(kind)
	if err != nil {
		return nil, false, err
	}
	fields, ok := k.UniqueFields()
	return fields, ok, nil
}

// ByIdentity loads one entity of any status.
// Returns (e, true, nil) when found, (nil, false, nil) when missing.
func (r *Repository) ByIdentity(ctx context.Context, kind string, id int64) (*Entity, bool, error) {
	k, err := r.Kind(kind)
	if err != nil {
		return nil, false, err
	}
	row, found, err := r.store.GetEntity(ctx, k.Name, id)
	if err != nil || !found {
		return nil, false, err
	}
	out, err := r.hydrate(ctx, k, []store.EntityRow{row})
	if err != nil {
		return nil, false, err
	}
	return out[0], true, nil
}

// ByIdentities loads the entities of kind with the given ids in id order.
// Missing ids are skipped.
func (r *Repository) ByIdentities(ctx context.Context, kind string, ids []int64) ([]*Entity, error) {
	k, err := r.Kind(kind)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.GetEntities(ctx, k.Name, ids)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, k, rows)
}

// QueryOption shapes a Query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	orderBy        []string
	limit          int
	offset         int
	pageSize       int
	includeDeleted bool
}

// OrderBy sorts by fields; a leading "-" sorts descending. The id is
// always the final key.
func OrderBy(keys ...string) QueryOption {
	return func(o *queryOptions) { o.orderBy = append(o.orderBy, keys...) }
}

// Page limits the query to limit rows after skipping offset.
// A non-positive limit means no limit.
func Page(limit, offset int) QueryOption {
	return func(o *queryOptions) { o.limit, o.offset = limit, offset }
}

// PageSize sets how many rows each round trip fetches.
func PageSize(n int) QueryOption {
	return func(o *queryOptions) { o.pageSize = n }
}

// IncludeDeleted keeps soft-deleted entities in the results.
func IncludeDeleted() QueryOption {
	return func(o *queryOptions) { o.includeDeleted = true }
}

// Query returns a lazy sequence of the entities of kind matching p.
//
// Rows are fetched a page at a time as the sequence is ranged over.
// Ranging again re-runs the query. A nil predicate matches everything.
// Errors are yielded once, after which the sequence ends.
func (r *Repository) Query(ctx context.Context, kind string, p predicate.Predicate, opts ...QueryOption) iter.Seq2[*Entity, error] {
	o := queryOptions{pageSize: r.pageSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pageSize <= 0 {
		o.pageSize = r.pageSize
	}

	return func(yield func(*Entity, error) bool) {
		k, err := r.Kind(kind)
		if err != nil {
			yield(nil, err)
			return
		}
		if err := predicate.Validate(k, p); err != nil {
			yield(nil, err)
			return
		}

		fetched := 0
		for {
			size := o.pageSize
			if o.limit > 0 {
				if remaining := o.limit - fetched; remaining < size {
					size = remaining
				}
				if size <= 0 {
					return
				}
			}
			q, err := r.store.Compiler().Select(k, p, querysql.SelectOptions{
				OrderBy:        o.orderBy,
				Limit:          size,
				Offset:         o.offset + fetched,
				IncludeDeleted: o.includeDeleted,
			})
			if err != nil {
				yield(nil, failure.Wrap(failure.CodeConfiguration, err, "compile query").WithEntity(k.Name, 0))
				return
			}
			rows, err := r.store.QueryEntities(ctx, q)
			if err != nil {
				yield(nil, err)
				return
			}
			page, err := r.hydrate(ctx, k, rows)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			fetched += len(rows)
			if len(rows) < size {
				return
			}
		}
	}
}

// All collects a query into a slice.
func (r *Repository) All(ctx context.Context, kind string, p predicate.Predicate, opts ...QueryOption) ([]*Entity, error) {
	out := []*Entity{}
	for e, err := range r.Query(ctx, kind, p, opts...) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// First returns the first match in query order.
func (r *Repository) First(ctx context.Context, kind string, p predicate.Predicate, opts ...QueryOption) (*Entity, bool, error) {
	opts = append(opts, func(o *queryOptions) { o.limit = 1 })
	for e, err := range r.Query(ctx, kind, p, opts...) {
		if err != nil {
			return nil, false, err
		}
		return e, true, nil
	}
	return nil, false, nil
}

// Exists reports whether any entity of kind matches p.
func (r *Repository) Exists(ctx context.Context, kind string, p predicate.Predicate) (bool, error) {
	_, found, err := r.First(ctx, kind, p)
	return found, err
}

// Count returns the number of entities of kind matching p.
func (r *Repository) Count(ctx context.Context, kind string, p predicate.Predicate, opts ...QueryOption) (int64, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	k, err := r.Kind(kind)
	if err != nil {
		return 0, err
	}
	if err := predicate.Validate(k, p); err != nil {
		return 0, err
	}
	q, err := r.store.Compiler().Count(k, p, o.includeDeleted)
	if err != nil {
		return 0, failure.Wrap(failure.CodeConfiguration, err, "compile count").WithEntity(k.Name, 0)
	}
	return r.store.CountEntities(ctx, q)
}

// hydrate decodes rows and attaches their collections.
func (r *Repository) hydrate(ctx context.Context, k *schema.Kind, rows []store.EntityRow) ([]*Entity, error) {
	out := make([]*Entity, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	var members map[int64]map[string][]int64
	if len(k.Collections()) > 0 {
		ids := make([]int64, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
		}
		var err error
		if members, err = r.store.MembersOf(ctx, ids); err != nil {
			return nil, err
		}
	}
	for _, row := range rows {
		e, err := decode(k, row, members[row.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decode(k *schema.Kind, row store.EntityRow, members map[string][]int64) (*Entity, error) {
	values, err := ir.DecodeDocument(row.Fields, k.TypeOf)
	if err != nil {
		return nil, fmt.Errorf("entity %s#%d: %w", k.Name, row.ID, err)
	}
	for name, v := range values {
		if ref, ok := v.(ir.Ref); ok {
			f, _ := k.Field(name)
			ref.Kind = f.Target
			values[name] = ref
		}
	}
	e := &Entity{
		Kind:    k.Name,
		ID:      row.ID,
		Values:  values,
		Members: make(map[string]ir.RefSet, len(k.Collections())),
		Status:  row.Status,
		Scope:   row.Scope,
		Created: row.Created,
		Updated: row.Updated,
	}
	for _, f := range k.Collections() {
		e.Members[f.Name] = ir.NewRefSet(members[f.Name]...)
	}
	if k.StatusField != "" {
		e.Values[k.StatusField] = ir.String(row.Status)
	}
	return e, nil
}
