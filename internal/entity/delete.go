package entity

import (
	"context"

	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/store"
)

// Audit codes written on status transitions.
const (
	CodeDeleteQueued   = "DEL_QUEUE_ADD"
	CodeDeleteUnqueued = "DEL_QUEUE_REM"
)

// Purger removes records another component owns for an entity that is
// about to be hard-deleted.
type Purger interface {
	PurgeEntity(ctx context.Context, kind string, id int64) error
}

// AddPurger registers a component to run before hard deletes.
// Purgers run in registration order inside the delete transaction.
func (r *Repository) AddPurger(p Purger) {
	r.purgers = append(r.purgers, p)
}

// DeleteOptions selects how Delete treats an entity.
type DeleteOptions struct {
	// Hard removes the row even when the kind has a status field.
	Hard bool

	// Deactivate moves an active entity to inactive instead of deleted.
	Deactivate bool
}

// Delete toggles e's status or removes it.
//
// Kinds without a status field, and Hard deletes, remove the row along
// with its audit trail, links, references, memberships and flags.
// Otherwise an active entity moves to deleted (or inactive) and an
// inactive or deleted one is restored to active.
//
// Returns true when e ends up deleted or inactive, false when it was
// restored. e is updated in place.
func (r *Repository) Delete(ctx context.Context, e *Entity, actor collab.Actor, opts DeleteOptions) (bool, error) {
	k, err := r.Kind(e.Kind)
	if err != nil {
		return false, err
	}
	if e.ID <= 0 {
		return false, failure.New(failure.CodeNotFound, "entity was never stored").WithEntity(k.Name, e.ID)
	}
	if opts.Hard || k.StatusField == "" {
		return true, r.hardDelete(ctx, e)
	}

	next, code := store.StatusDeleted, CodeDeleteQueued
	if opts.Deactivate {
		next = store.StatusInactive
	}
	if !e.Active() {
		next, code = store.StatusActive, CodeDeleteUnqueued
	}

	updated := r.clock.Now().UTC()
	err = r.retry.OnTransientConflict(ctx, "delete", func(ctx context.Context) error {
		found, err := r.store.SetEntityStatus(ctx, k.Name, e.ID, next, updated)
		if err != nil {
			return withEntity(err, k.Name, e.ID)
		}
		if !found {
			return failure.New(failure.CodeNotFound, "entity vanished").WithEntity(k.Name, e.ID)
		}
		return nil
	}, zap.String("kind", k.Name), zap.Int64("id", e.ID))
	if err != nil {
		return false, err
	}

	e.Status, e.Updated = next, updated
	if e.Values != nil {
		e.Values[k.StatusField] = ir.String(next)
	}
	if r.recorder != nil {
		r.recorder.RecordDeleted(ctx, e, actor, "", code)
	}
	return next != store.StatusActive, nil
}

func (r *Repository) hardDelete(ctx context.Context, e *Entity) error {
	err := r.retry.OnTransientConflict(ctx, "delete", func(ctx context.Context) error {
		return r.store.RunInTransaction(ctx, func(ctx context.Context) error {
			for _, p := range r.purgers {
				if err := p.PurgeEntity(ctx, e.Kind, e.ID); err != nil {
					return err
				}
			}
			if _, err := r.store.DeleteEntity(ctx, e.Kind, e.ID); err != nil {
				return withEntity(err, e.Kind, e.ID)
			}
			return nil
		})
	}, zap.String("kind", e.Kind), zap.Int64("id", e.ID))
	if err != nil {
		return err
	}
	r.log.Debug("entity removed", zap.String("kind", e.Kind), zap.Int64("id", e.ID))
	e.Status = store.StatusDeleted
	return nil
}

// PurgeDeleted hard-deletes every entity of kind in deleted status and
// returns how many were removed.
func (r *Repository) PurgeDeleted(ctx context.Context, kind string) (int, error) {
	k, err := r.Kind(kind)
	if err != nil {
		return 0, err
	}
	if k.StatusField == "" {
		return 0, nil
	}
	ids, err := r.store.EntityIDsWithStatus(ctx, k.Name, store.StatusDeleted)
	if err != nil {
		return 0, err
	}
	entities, err := r.ByIdentities(ctx, k.Name, ids)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entities {
		if err := r.hardDelete(ctx, e); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		r.log.Info("purged deleted entities", zap.String("kind", k.Name), zap.Int("count", n))
	}
	return n, nil
}
