package diff

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/audit"
	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/logging"
	"github.com/roach88/reconcile/internal/metrics"
	"github.com/roach88/reconcile/internal/predicate"
	"github.com/roach88/reconcile/internal/schema"
)

// CodeDuplicateCleared marks the audit record of a removed duplicate.
const CodeDuplicateCleared = "DUP_CLEAR"

// Engine computes and applies deltas.
//
// Thread-safety: safe for concurrent use. Concurrent saves of the same
// entity are last-writer-wins per field.
type Engine struct {
	repo    *entity.Repository
	trail   *audit.Trail
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New creates an Engine. trail may be nil to skip auditing.
func New(repo *entity.Repository, trail *audit.Trail, log *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		repo:    repo,
		trail:   trail,
		log:     logging.OrNop(log).With(zap.String("mod", "diff")),
		metrics: metrics.OrNew(m),
	}
}

// ApplyOption tunes ApplyChange and Save.
type ApplyOption func(*applyOptions)

type applyOptions struct {
	resolveDuplicates bool
	code              string
	skipAudit         bool
}

// WithDuplicateResolution removes a record colliding on the kind's
// unique-together fields and retries the write once.
func WithDuplicateResolution() ApplyOption {
	return func(o *applyOptions) { o.resolveDuplicates = true }
}

// WithCode sets the audit code of the change record.
func WithCode(code string) ApplyOption {
	return func(o *applyOptions) { o.code = code }
}

// WithoutAudit skips the change record.
func WithoutAudit() ApplyOption {
	return func(o *applyOptions) { o.skipAudit = true }
}

// ApplyChange writes d to e and updates e in memory.
//
// Returns whether anything was written and the pre-change values of
// every changed field, collections included. An empty delta writes
// nothing and returns (false, empty, nil).
func (en *Engine) ApplyChange(ctx context.Context, e *entity.Entity, d Delta, actor collab.Actor, opts ...ApplyOption) (bool, map[string]ir.Value, error) {
	var o applyOptions
	for _, opt := range opts {
		opt(&o)
	}
	revert := map[string]ir.Value{}
	if d.Empty() {
		return false, revert, nil
	}
	k, err := en.repo.Kind(e.Kind)
	if err != nil {
		return false, nil, err
	}
	if o.resolveDuplicates {
		if _, ok := k.UniqueFields(); !ok {
			return false, nil, failure.Configuration(k.Name, "duplicate resolution needs unique_together")
		}
	}

	start := time.Now()
	changes := d.changes()
	for name := range changes {
		revert[name] = e.Get(name)
	}

	updated, err := en.write(ctx, k, e, changes)
	if err != nil && failure.IsConstraint(err) && o.resolveDuplicates {
		if cleared, rerr := en.clearDuplicate(ctx, k, e, changes, actor); rerr != nil {
			return false, nil, rerr
		} else if cleared {
			updated, err = en.write(ctx, k, e, changes)
		}
	}
	if err != nil {
		en.log.Warn("apply failed",
			zap.String("kind", k.Name),
			zap.Int64("id", e.ID),
			zap.Strings("fields", d.Names()),
			zap.Error(err))
		return false, nil, err
	}

	for name, v := range changes {
		e.Set(name, v)
	}
	e.Updated = updated
	en.metrics.SaveDuration.WithLabelValues("apply").Observe(time.Since(start).Seconds())

	if en.trail != nil && !o.skipAudit {
		en.trail.RecordUpdated(ctx, e, actor, strings.Join(d.Names(), ", "), o.code)
	}
	return true, revert, nil
}

// Save computes the delta between e and proposed and applies it.
func (en *Engine) Save(ctx context.Context, e *entity.Entity, proposed map[string]any, actor collab.Actor, opts ...ApplyOption) (bool, map[string]ir.Value, error) {
	d, err := en.ComputeDelta(ctx, e, proposed)
	if err != nil {
		return false, nil, err
	}
	return en.ApplyChange(ctx, e, d, actor, opts...)
}

func (en *Engine) write(ctx context.Context, k *schema.Kind, e *entity.Entity, changes map[string]ir.Value) (time.Time, error) {
	var updated time.Time
	err := en.repo.Retry().OnTransientConflict(ctx, "apply", func(ctx context.Context) error {
		var err error
		updated, err = en.repo.Write(ctx, k, e, changes)
		return err
	}, zap.String("kind", k.Name), zap.Int64("id", e.ID))
	return updated, err
}

// clearDuplicate finds the record holding e's would-be unique-together
// values and hard-deletes it, audit trail included. Reports whether a
// record was removed.
func (en *Engine) clearDuplicate(ctx context.Context, k *schema.Kind, e *entity.Entity, changes map[string]ir.Value, actor collab.Actor) (bool, error) {
	fields, _ := k.UniqueFields()
	var p predicate.Predicate = predicate.NewLeaf("id", predicate.OpNE, ir.Int(e.ID))
	for _, name := range fields {
		v, ok := changes[name]
		if !ok {
			v = e.Get(name)
		}
		if ir.IsNull(v) {
			return false, nil
		}
		p = predicate.AndOf(p, predicate.NewLeaf(name, predicate.OpExact, v))
	}

	dup, found, err := en.repo.First(ctx, k.Name, p, entity.IncludeDeleted())
	if err != nil || !found {
		return false, err
	}
	if _, err := en.repo.Delete(ctx, dup, actor, entity.DeleteOptions{Hard: true}); err != nil {
		return false, err
	}
	en.log.Info("cleared duplicate",
		zap.String("kind", k.Name),
		zap.Int64("id", e.ID),
		zap.Int64("duplicate", dup.ID))
	if en.trail != nil {
		en.trail.RecordChange(ctx, e, actor,
			fmt.Sprintf("removed duplicate %s#%d", k.Name, dup.ID),
			audit.EventDeleted, CodeDuplicateCleared)
	}
	return true, nil
}
