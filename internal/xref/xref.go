package xref

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/logging"
	"github.com/roach88/reconcile/internal/metrics"
	"github.com/roach88/reconcile/internal/store"
)

// Reference links an entity to a key in an external source.
type Reference struct {
	ID              int64
	Kind            string
	EntityID        int64
	Source          string
	Scope           int64
	ExternalKey     string
	ExternalChanged *time.Time
	Created         time.Time
	Updated         time.Time
}

// Entity returns the referenced entity as a reference value.
func (r Reference) Entity() ir.Ref {
	return ir.Ref{Kind: r.Kind, ID: r.EntityID}
}

// Service reads, writes and reconciles references.
//
// Thread-safety: safe for concurrent use.
type Service struct {
	repo    *entity.Repository
	differ  Differ
	db      *store.Store
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Service. differ computes the dry-run deltas Reconcile
// reports.
func New(repo *entity.Repository, differ Differ, log *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		differ:  differ,
		db:      repo.Store(),
		log:     logging.OrNop(log).With(zap.String("mod", "xref")),
		metrics: metrics.OrNew(m),
	}
}

// FindReference returns the reference of kind for an external key in the
// default scope.
func (s *Service) FindReference(ctx context.Context, source, key, kind string) (Reference, bool, error) {
	return s.FindReferenceIn(ctx, s.repo.Scope().DefaultScope(ctx), source, key, kind)
}

// FindReferenceIn is FindReference in an explicit scope.
func (s *Service) FindReferenceIn(ctx context.Context, scope int64, source, key, kind string) (Reference, bool, error) {
	row, found, err := s.db.FindRef(ctx, kind, scope, source, key)
	if err != nil || !found {
		return Reference{}, false, err
	}
	return fromRow(row), true, nil
}

// ReferencesFor returns the references pointing at e. An empty source
// returns every source.
func (s *Service) ReferencesFor(ctx context.Context, e ir.Identifiable, source string) ([]Reference, error) {
	r := e.Identity()
	rows, err := s.db.RefsForEntity(ctx, r.Kind, r.ID, source)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// ReferencesForIDs returns the references of kind from source whose
// entity is in ids, or not in ids when invert is set.
func (s *Service) ReferencesForIDs(ctx context.Context, source, kind string, ids []int64, invert bool) ([]Reference, error) {
	rows, err := s.db.RefsForIDs(ctx, kind, source, ids, invert)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// MakeReference points (e's kind, e's scope, source, key) at e, creating
// the reference or re-pointing the existing one.
func (s *Service) MakeReference(ctx context.Context, e *entity.Entity, source, key string, changedAt *time.Time) (Reference, error) {
	if e.ID <= 0 {
		return Reference{}, failure.Configuration(e.Kind, "cannot reference unsaved entity")
	}
	if source == "" || key == "" {
		return Reference{}, failure.Configuration(e.Kind, "reference needs a source and key")
	}
	var out Reference
	err := s.repo.Retry().OnTransientConflict(ctx, "make_reference", func(ctx context.Context) error {
		now := s.repo.Clock().Now()
		row, err := s.db.UpsertRef(ctx, store.RefRow{
			Kind:            e.Kind,
			EntityID:        e.ID,
			Source:          source,
			Scope:           e.Scope,
			ExternalKey:     key,
			ExternalChanged: changedAt,
			Created:         now,
			Updated:         now,
		})
		if err != nil {
			return err
		}
		out = fromRow(row)
		return nil
	}, zap.String("kind", e.Kind), zap.Int64("id", e.ID), zap.String("source", source))
	return out, err
}

// Repair re-points an orphaned reference at a replacement entity of the
// same kind.
func (s *Service) Repair(ctx context.Context, ref Reference, e *entity.Entity) (Reference, error) {
	if e.Kind != ref.Kind {
		return Reference{}, failure.Configuration(ref.Kind, "cannot repair reference with %s entity", e.Kind)
	}
	if e.ID <= 0 {
		return Reference{}, failure.Configuration(e.Kind, "cannot repair reference with unsaved entity")
	}
	err := s.repo.Retry().OnTransientConflict(ctx, "repair_reference", func(ctx context.Context) error {
		now := s.repo.Clock().Now()
		found, err := s.db.RepointRef(ctx, ref.ID, e.ID, now)
		if err != nil {
			return err
		}
		if !found {
			return failure.New(failure.CodeNotFound, "reference %d vanished", ref.ID).WithEntity(ref.Kind, ref.EntityID)
		}
		ref.EntityID = e.ID
		ref.Updated = now.UTC()
		return nil
	}, zap.String("kind", ref.Kind), zap.Int64("ref", ref.ID))
	if err != nil {
		return Reference{}, err
	}
	s.log.Info("reference repaired",
		zap.String("kind", ref.Kind),
		zap.String("source", ref.Source),
		zap.String("key", ref.ExternalKey),
		zap.Int64("id", e.ID))
	return ref, nil
}

// ClearReferences removes the references pointing at e. An empty source
// removes every source. Returns how many were removed.
func (s *Service) ClearReferences(ctx context.Context, e ir.Identifiable, source string) (int64, error) {
	r := e.Identity()
	var n int64
	err := s.repo.Retry().OnTransientConflict(ctx, "clear_references", func(ctx context.Context) error {
		var err error
		n, err = s.db.DeleteRefs(ctx, r.Kind, r.ID, source)
		return err
	}, zap.String("kind", r.Kind), zap.Int64("id", r.ID))
	return n, err
}

// PurgeEntity removes every reference to an entity being hard-deleted.
func (s *Service) PurgeEntity(ctx context.Context, kind string, id int64) error {
	_, err := s.db.DeleteRefs(ctx, kind, id, "")
	return err
}

var _ entity.Purger = (*Service)(nil)

func fromRow(r store.RefRow) Reference {
	return Reference{
		ID:              r.ID,
		Kind:            r.Kind,
		EntityID:        r.EntityID,
		Source:          r.Source,
		Scope:           r.Scope,
		ExternalKey:     r.ExternalKey,
		ExternalChanged: r.ExternalChanged,
		Created:         r.Created,
		Updated:         r.Updated,
	}
}

func fromRows(rows []store.RefRow) []Reference {
	out := make([]Reference, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out
}
