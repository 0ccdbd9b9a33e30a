package diff

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
)

// SaveBulk applies the same proposed values to every entity of kind in
// ids, all or nothing. Returns how many entities changed.
func (en *Engine) SaveBulk(ctx context.Context, kind string, ids []int64, values map[string]any, actor collab.Actor) (int, error) {
	targets := make(map[int64]map[string]any, len(ids))
	for _, id := range ids {
		targets[id] = values
	}
	n, err := en.saveBulk(ctx, kind, targets, actor)
	if err != nil {
		en.log.Error("bulk save failed",
			zap.String("kind", kind),
			zap.Int64s("ids", ids),
			zap.Any("values", values),
			zap.Error(err))
	}
	return n, err
}

// SaveBulkTargeted applies per-entity proposed values, all or nothing.
// Returns how many entities changed.
func (en *Engine) SaveBulkTargeted(ctx context.Context, kind string, targets map[int64]map[string]any, actor collab.Actor) (int, error) {
	n, err := en.saveBulk(ctx, kind, targets, actor)
	if err != nil {
		en.log.Error("targeted bulk save failed",
			zap.String("kind", kind),
			zap.Int64s("ids", slices.Sorted(maps.Keys(targets))),
			zap.Any("values", targets),
			zap.Error(err))
	}
	return n, err
}

type pending struct {
	e       *entity.Entity
	delta   Delta
	changes map[string]ir.Value
}

func (en *Engine) saveBulk(ctx context.Context, kind string, targets map[int64]map[string]any, actor collab.Actor) (int, error) {
	k, err := en.repo.Kind(kind)
	if err != nil {
		return 0, err
	}
	ids := slices.Sorted(maps.Keys(targets))
	entities, err := en.repo.ByIdentities(ctx, k.Name, ids)
	if err != nil {
		return 0, err
	}
	if len(entities) != len(ids) {
		found := make(map[int64]bool, len(entities))
		for _, e := range entities {
			found[e.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				return 0, failure.New(failure.CodeNotFound, "bulk target missing").WithEntity(k.Name, id)
			}
		}
	}

	work := make([]pending, 0, len(entities))
	for _, e := range entities {
		d, err := en.ComputeDelta(ctx, e, targets[e.ID])
		if err != nil {
			return 0, err
		}
		if !d.Empty() {
			work = append(work, pending{e: e, delta: d, changes: d.changes()})
		}
	}
	if len(work) == 0 {
		return 0, nil
	}

	start := time.Now()
	stamps := make([]time.Time, len(work))
	err = en.repo.Retry().OnTransientConflict(ctx, "bulk_apply", func(ctx context.Context) error {
		return en.repo.Store().RunInTransaction(ctx, func(ctx context.Context) error {
			for i, w := range work {
				updated, err := en.repo.Write(ctx, k, w.e, w.changes)
				if err != nil {
					return err
				}
				stamps[i] = updated
			}
			return nil
		})
	}, zap.String("kind", k.Name), zap.Int("count", len(work)))
	if err != nil {
		return 0, err
	}
	en.metrics.SaveDuration.WithLabelValues("bulk_apply").Observe(time.Since(start).Seconds())

	if en.trail != nil {
		ctx, _ = en.trail.WithOperation(ctx)
	}
	for i, w := range work {
		for name, v := range w.changes {
			w.e.Set(name, v)
		}
		w.e.Updated = stamps[i]
		if en.trail != nil {
			en.trail.RecordUpdated(ctx, w.e, actor, strings.Join(w.delta.Names(), ", "), "")
		}
	}
	return len(work), nil
}
