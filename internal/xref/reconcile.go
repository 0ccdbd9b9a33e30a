package xref

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/diff"
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/store"
)

// Differ computes the delta between an entity and proposed values.
type Differ interface {
	ComputeDelta(ctx context.Context, e *entity.Entity, proposed map[string]any) (diff.Delta, error)
}

// Outcome classifies a Reconcile call.
type Outcome string

const (
	// OutcomeCreated means no reference existed; an entity and its
	// reference were created.
	OutcomeCreated Outcome = "created"

	// OutcomeDiff means the referenced entity differs from Fields.
	OutcomeDiff Outcome = "diff"

	// OutcomeUnchanged means the referenced entity matches Fields.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeNeedsRepair means the reference points at a missing or
	// deleted entity and no replacement was supplied.
	OutcomeNeedsRepair Outcome = "needs_repair"

	// OutcomeRepaired means an orphaned reference was re-pointed at the
	// supplied replacement.
	OutcomeRepaired Outcome = "repaired"
)

// ReconcileRequest describes one incoming external record.
type ReconcileRequest struct {
	Kind        string
	Source      string
	ExternalKey string

	// Scope selects the reference scope; zero uses the default scope.
	Scope int64

	// Fields are the external record's values, compared against the
	// referenced entity.
	Fields map[string]any

	// CreateFields are added to Fields only when an entity is created.
	CreateFields map[string]any

	// ExternalChanged is the source's last-modified stamp, stored on a
	// newly created reference.
	ExternalChanged *time.Time

	// Replacement re-associates an orphaned reference instead of
	// reporting it.
	Replacement *entity.Entity

	Actor collab.Actor
}

// Result reports what Reconcile found or did.
type Result struct {
	Outcome   Outcome
	Entity    *entity.Entity
	Reference Reference

	// Delta holds the fields that differ when Outcome is diff or
	// repaired. It is never applied by Reconcile.
	Delta diff.Delta

	// Orphan is the dangling reference when Outcome is needs_repair.
	Orphan *Reference
}

// NeedsRepair reports whether the caller must supply a replacement.
func (r Result) NeedsRepair() bool {
	return r.Outcome == OutcomeNeedsRepair
}

// Reconcile matches an external record against its reference.
//
// With no reference, an entity is created from Fields plus CreateFields
// and referenced, atomically. With a reference to a live entity, the
// dry-run delta against Fields is returned. With a reference to a
// missing or deleted entity, the orphan is reported, or re-pointed at
// Replacement when one is given; a second reference is never created.
//
// The lookup and the create share one transaction. When another caller
// references the key first, the new entity is rolled back and the call
// resolves against the winning reference.
func (s *Service) Reconcile(ctx context.Context, req ReconcileRequest) (Result, error) {
	if req.Source == "" || req.ExternalKey == "" {
		return Result{}, failure.Configuration(req.Kind, "reconcile needs a source and external key")
	}
	k, err := s.repo.Kind(req.Kind)
	if err != nil {
		return Result{}, err
	}
	scope := req.Scope
	if scope == 0 {
		scope = s.repo.Scope().DefaultScope(ctx)
	}

	var (
		res     Result
		created bool
	)
	err = s.repo.Retry().OnTransientConflict(ctx, "reconcile", func(ctx context.Context) error {
		created = false
		return s.db.RunInTransaction(ctx, func(ctx context.Context) error {
			ref, found, err := s.FindReferenceIn(ctx, scope, req.Source, req.ExternalKey, k.Name)
			if err != nil {
				return err
			}
			if found {
				res, err = s.resolve(ctx, req, ref)
				return err
			}
			if res, err = s.create(ctx, req, scope); err != nil {
				return err
			}
			created = true
			return nil
		})
	}, zap.String("kind", k.Name), zap.String("source", req.Source), zap.String("key", req.ExternalKey))

	var taken *keyTaken
	if errors.As(err, &taken) {
		// Lost the race inside the transaction; the new entity is gone.
		res, err = s.resolve(ctx, req, taken.ref)
	}
	if err != nil {
		s.log.Warn("reconcile failed",
			zap.String("kind", k.Name),
			zap.String("source", req.Source),
			zap.String("key", req.ExternalKey),
			zap.Error(err))
		return Result{}, err
	}
	if created {
		s.repo.RecordCreated(ctx, res.Entity, req.Actor)
	}
	s.metrics.Reconciles.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

// keyTaken aborts a create whose external key was referenced by another
// caller after the lookup.
type keyTaken struct {
	ref Reference
}

func (e *keyTaken) Error() string {
	return fmt.Sprintf("external key %s/%s already references %s#%d",
		e.ref.Source, e.ref.ExternalKey, e.ref.Kind, e.ref.EntityID)
}

// create stores the entity and its reference. It must run inside a
// transaction; a keyTaken error leaves the caller to roll back.
func (s *Service) create(ctx context.Context, req ReconcileRequest, scope int64) (Result, error) {
	values := make(map[string]any, len(req.Fields)+len(req.CreateFields))
	maps.Copy(values, req.Fields)
	maps.Copy(values, req.CreateFields)

	k, err := s.repo.Kind(req.Kind)
	if err != nil {
		return Result{}, err
	}
	if k.ScopeField != "" {
		if _, set := values[k.ScopeField]; !set {
			values[k.ScopeField] = scope
		}
	}

	e, err := s.repo.Create(ctx, req.Kind, values, req.Actor, entity.DeferAudit())
	if err != nil {
		return Result{}, err
	}
	// The reference lives in the requested scope even when the kind
	// carries no scope field of its own.
	now := s.repo.Clock().Now()
	row, inserted, err := s.db.InsertRef(ctx, store.RefRow{
		Kind:            e.Kind,
		EntityID:        e.ID,
		Source:          req.Source,
		Scope:           scope,
		ExternalKey:     req.ExternalKey,
		ExternalChanged: req.ExternalChanged,
		Created:         now,
		Updated:         now,
	})
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		return Result{}, &keyTaken{ref: fromRow(row)}
	}
	return Result{Outcome: OutcomeCreated, Entity: e, Reference: fromRow(row)}, nil
}

func (s *Service) resolve(ctx context.Context, req ReconcileRequest, ref Reference) (Result, error) {
	e, found, err := s.repo.ByIdentity(ctx, ref.Kind, ref.EntityID)
	if err != nil {
		return Result{}, err
	}
	outcome := OutcomeDiff
	if !found || e.Deleted() {
		if req.Replacement == nil {
			s.log.Info("reference orphaned",
				zap.String("kind", ref.Kind),
				zap.String("source", ref.Source),
				zap.String("key", ref.ExternalKey),
				zap.Int64("id", ref.EntityID))
			orphan := ref
			return Result{Outcome: OutcomeNeedsRepair, Reference: ref, Orphan: &orphan}, nil
		}
		if ref, err = s.Repair(ctx, ref, req.Replacement); err != nil {
			return Result{}, err
		}
		e, outcome = req.Replacement, OutcomeRepaired
	}

	d, err := s.differ.ComputeDelta(ctx, e, req.Fields)
	if err != nil {
		return Result{}, err
	}
	if outcome == OutcomeDiff && d.Empty() {
		outcome = OutcomeUnchanged
	}
	return Result{Outcome: outcome, Entity: e, Reference: ref, Delta: d}, nil
}
