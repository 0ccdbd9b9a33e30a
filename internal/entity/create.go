package entity

import (
	"context"

	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/store"
)

// CreateOption adjusts Create.
type CreateOption func(*createOptions)

type createOptions struct {
	deferAudit bool
}

// DeferAudit leaves the created audit record to the caller. A caller
// creating inside its own transaction writes it with RecordCreated after
// that transaction commits.
func DeferAudit() CreateOption {
	return func(o *createOptions) { o.deferAudit = true }
}

// Create stores a new entity of kind.
//
// values are normalized like a save (reference shorthand, entity handles,
// non-positive references clear). When the kind has a scope field and it
// is unset, the default scope is filled in. Collections are written after
// the row. A created audit record is appended after commit unless
// DeferAudit is given.
func (r *Repository) Create(ctx context.Context, kind string, values map[string]any, actor collab.Actor, opts ...CreateOption) (*Entity, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	k, err := r.Kind(kind)
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeAll(k, values)
	if err != nil {
		return nil, err
	}

	scope := r.scope.DefaultScope(ctx)
	if k.ScopeField != "" {
		if id, ok := scopeOf(normalized[k.ScopeField]); ok {
			scope = id
		} else {
			f, _ := k.Field(k.ScopeField)
			if f.IsReference() {
				normalized[k.ScopeField] = ir.Ref{Kind: f.Target, ID: scope}
			} else {
				normalized[k.ScopeField] = ir.Int(scope)
			}
		}
	}

	e := &Entity{
		Kind:    k.Name,
		Values:  map[string]ir.Value{},
		Members: map[string]ir.RefSet{},
		Status:  store.StatusActive,
		Scope:   scope,
	}
	for _, f := range k.Collections() {
		e.Members[f.Name] = ir.RefSet{}
	}
	for name, v := range normalized {
		e.Set(name, v)
	}
	if k.StatusField != "" {
		e.Values[k.StatusField] = ir.String(e.Status)
	}

	scalars := make(map[string]ir.Value, len(e.Values))
	for name, v := range e.Values {
		if name != k.StatusField {
			scalars[name] = v
		}
	}
	doc, err := ir.EncodeDocument(scalars)
	if err != nil {
		return nil, err
	}

	err = r.retry.OnTransientConflict(ctx, "create", func(ctx context.Context) error {
		return r.store.RunInTransaction(ctx, func(ctx context.Context) error {
			now := r.clock.Now()
			id, err := r.store.InsertEntity(ctx, store.EntityRow{
				Kind:    k.Name,
				Fields:  doc,
				Status:  e.Status,
				Scope:   scope,
				Created: now,
				Updated: now,
			})
			if err != nil {
				return withEntity(err, k.Name, 0)
			}
			e.ID, e.Created, e.Updated = id, now.UTC(), now.UTC()

			for _, f := range k.Collections() {
				if set := e.Members[f.Name]; len(set) > 0 {
					if err := r.store.ReplaceMembers(ctx, k.Name, id, f.Name, set); err != nil {
						return withEntity(err, k.Name, id)
					}
				}
			}
			return r.reclaimUniqueKey(ctx, k, id, e.Get)
		})
	}, zap.String("kind", k.Name))
	if err != nil {
		r.log.Warn("create failed", zap.String("kind", k.Name), zap.Error(err))
		return nil, err
	}

	if !o.deferAudit {
		r.RecordCreated(ctx, e, actor)
	}
	return e, nil
}

// RecordCreated appends the created audit record for e when a recorder
// is wired.
func (r *Repository) RecordCreated(ctx context.Context, e *Entity, actor collab.Actor) {
	if r.recorder != nil {
		r.recorder.RecordCreated(ctx, e, actor, "", "")
	}
}
