package entity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/schema"
)

// Set assigns a normalized value in memory: ref sets go to Members,
// everything else to Values.
func (e *Entity) Set(name string, v ir.Value) {
	if set, ok := v.(ir.RefSet); ok {
		if e.Members == nil {
			e.Members = map[string]ir.RefSet{}
		}
		e.Members[name] = ir.NewRefSet(set...)
		return
	}
	if e.Values == nil {
		e.Values = map[string]ir.Value{}
	}
	if v == nil {
		v = ir.Null{}
	}
	e.Values[name] = v
}

// Write persists normalized changes to e's row: changed scalar columns
// are merged into the stored document, changed collections are replaced
// whole, and the unique-together key is re-claimed when one of its
// fields changes. e itself is not modified; the returned time is the
// new updated stamp.
//
// Write does not retry or open its own audit record; callers run it
// inside a transaction under the retry policy.
func (r *Repository) Write(ctx context.Context, k *schema.Kind, e *Entity, changes map[string]ir.Value) (time.Time, error) {
	if len(changes) == 0 {
		return e.Updated, nil
	}
	now := r.clock.Now().UTC()
	err := r.store.RunInTransaction(ctx, func(ctx context.Context) error {
		scalars := make(map[string]ir.Value, len(changes))
		var collections []string
		for name, v := range changes {
			if _, ok := v.(ir.RefSet); ok {
				collections = append(collections, name)
				continue
			}
			scalars[name] = v
		}
		slices.Sort(collections)

		patch, err := ir.EncodeDocument(scalars)
		if err != nil {
			return err
		}
		var scope *int64
		if k.ScopeField != "" {
			if v, ok := scalars[k.ScopeField]; ok {
				if id, ok := scopeOf(v); ok {
					scope = &id
				}
			}
		}
		found, err := r.store.PatchEntity(ctx, k.Name, e.ID, patch, scope, now)
		if err != nil {
			return withEntity(err, k.Name, e.ID)
		}
		if !found {
			return failure.New(failure.CodeNotFound, "entity vanished").WithEntity(k.Name, e.ID)
		}

		for _, name := range collections {
			set := changes[name].(ir.RefSet)
			if err := r.store.ReplaceMembers(ctx, k.Name, e.ID, name, set); err != nil {
				return withEntity(err, k.Name, e.ID)
			}
		}

		if touchesUnique(k, scalars) {
			if err := r.reclaimUniqueKey(ctx, k, e.ID, func(name string) ir.Value {
				if v, ok := scalars[name]; ok {
					return v
				}
				return e.Get(name)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (r *Repository) reclaimUniqueKey(ctx context.Context, k *schema.Kind, id int64, get func(string) ir.Value) error {
	key, err := uniqueKey(k, get)
	if err != nil {
		return err
	}
	if err := r.store.ReleaseUniqueKeys(ctx, id); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	if err := r.store.PutUniqueKey(ctx, k.Name, key, id); err != nil {
		return withEntity(err, k.Name, id)
	}
	return nil
}

func touchesUnique(k *schema.Kind, changes map[string]ir.Value) bool {
	for _, name := range k.UniqueTogether {
		if _, ok := changes[name]; ok {
			return true
		}
	}
	return false
}

// scopeOf extracts a scope id from an integer or reference value.
func scopeOf(v ir.Value) (int64, bool) {
	switch val := v.(type) {
	case ir.Int:
		return int64(val), true
	case ir.Ref:
		return val.ID, true
	}
	return 0, false
}

// withEntity scopes classified failures to an entity.
func withEntity(err error, kind string, id int64) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe.WithEntity(kind, id)
	}
	return fmt.Errorf("%s#%d: %w", kind, id, err)
}
