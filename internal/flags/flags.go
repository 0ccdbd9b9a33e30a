// Package flags attaches free-form string flags to individual records or,
// with record id 0, to a whole kind.
//
// Record flags are cached on the entity after the first read. Writes
// through this package keep the cache current; use Fresh to bypass it
// when another process may have changed the flags.
package flags

import (
	"context"
	"maps"

	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/logging"
	"github.com/roach88/reconcile/internal/store"
)

// Service reads and writes flags.
//
// Thread-safety: safe for concurrent use. The per-entity cache is not;
// an *entity.Entity must not be shared across goroutines.
type Service struct {
	repo *entity.Repository
	db   *store.Store
	log  *zap.Logger
}

// New creates a Service.
func New(repo *entity.Repository, log *zap.Logger) *Service {
	return &Service{
		repo: repo,
		db:   repo.Store(),
		log:  logging.OrNop(log).With(zap.String("mod", "flags")),
	}
}

// GetOption tunes reads.
type GetOption func(*getOptions)

type getOptions struct{ fresh bool }

// Fresh re-reads the store instead of trusting the entity's cache.
func Fresh() GetOption {
	return func(o *getOptions) { o.fresh = true }
}

// All returns every flag on e.
func (s *Service) All(ctx context.Context, e *entity.Entity, opts ...GetOption) (map[string]string, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	if cached, ok := e.CachedFlags(); ok && !o.fresh {
		return maps.Clone(cached), nil
	}
	if e.ID <= 0 {
		e.CacheFlags(nil)
		return map[string]string{}, nil
	}
	loaded, err := s.db.Flags(ctx, e.Kind, e.ID)
	if err != nil {
		return nil, err
	}
	e.CacheFlags(loaded)
	return maps.Clone(loaded), nil
}

// Get returns one flag on e.
func (s *Service) Get(ctx context.Context, e *entity.Entity, name string, opts ...GetOption) (string, bool, error) {
	all, err := s.All(ctx, e, opts...)
	if err != nil {
		return "", false, err
	}
	v, ok := all[name]
	return v, ok, nil
}

// Value returns one flag on e, or def when unset.
func (s *Service) Value(ctx context.Context, e *entity.Entity, name, def string, opts ...GetOption) (string, error) {
	v, ok, err := s.Get(ctx, e, name, opts...)
	if err != nil || !ok {
		return def, err
	}
	return v, nil
}

// Set stores a flag on e.
func (s *Service) Set(ctx context.Context, e *entity.Entity, name, value string) error {
	if e.ID <= 0 {
		return failure.Configuration(e.Kind, "cannot flag unsaved entity")
	}
	if err := s.set(ctx, e.Kind, e.ID, name, value); err != nil {
		return err
	}
	if cached, ok := e.CachedFlags(); ok {
		cached[name] = value
	}
	return nil
}

// Unset removes a flag from e and reports whether it was set.
func (s *Service) Unset(ctx context.Context, e *entity.Entity, name string) (bool, error) {
	removed, err := s.unset(ctx, e.Kind, e.ID, name)
	if err != nil {
		return false, err
	}
	if cached, ok := e.CachedFlags(); ok {
		delete(cached, name)
	}
	return removed, nil
}

// Global returns a kind-wide flag.
func (s *Service) Global(ctx context.Context, kind, name string) (string, bool, error) {
	all, err := s.Globals(ctx, kind)
	if err != nil {
		return "", false, err
	}
	v, ok := all[name]
	return v, ok, nil
}

// Globals returns every kind-wide flag.
func (s *Service) Globals(ctx context.Context, kind string) (map[string]string, error) {
	if _, err := s.repo.Kind(kind); err != nil {
		return nil, err
	}
	return s.db.Flags(ctx, kind, store.GlobalRecord)
}

// SetGlobal stores a kind-wide flag.
func (s *Service) SetGlobal(ctx context.Context, kind, name, value string) error {
	if _, err := s.repo.Kind(kind); err != nil {
		return err
	}
	return s.set(ctx, kind, store.GlobalRecord, name, value)
}

// UnsetGlobal removes a kind-wide flag.
func (s *Service) UnsetGlobal(ctx context.Context, kind, name string) (bool, error) {
	return s.unset(ctx, kind, store.GlobalRecord, name)
}

// KindsWithFlag lists the kinds with name set on any record, sorted.
func (s *Service) KindsWithFlag(ctx context.Context, name string) ([]string, error) {
	return s.db.KindsWithFlag(ctx, name)
}

// WithFlag returns the entities of kind carrying name, limited to scope
// unless scope is zero. Global flags do not count.
func (s *Service) WithFlag(ctx context.Context, kind string, scope int64, name string) ([]*entity.Entity, error) {
	ids, err := s.db.RecordsWithFlag(ctx, kind, name)
	if err != nil {
		return nil, err
	}
	entities, err := s.repo.ByIdentities(ctx, kind, ids)
	if err != nil {
		return nil, err
	}
	if scope == 0 {
		return entities, nil
	}
	out := make([]*entity.Entity, 0, len(entities))
	for _, e := range entities {
		if e.Scope == scope {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) set(ctx context.Context, kind string, id int64, name, value string) error {
	if name == "" {
		return failure.Configuration(kind, "flag name is required")
	}
	return s.repo.Retry().OnTransientConflict(ctx, "set_flag", func(ctx context.Context) error {
		return s.db.SetFlag(ctx, kind, id, name, value)
	}, zap.String("kind", kind), zap.Int64("id", id), zap.String("flag", name))
}

func (s *Service) unset(ctx context.Context, kind string, id int64, name string) (bool, error) {
	var removed bool
	err := s.repo.Retry().OnTransientConflict(ctx, "unset_flag", func(ctx context.Context) error {
		var err error
		removed, err = s.db.UnsetFlag(ctx, kind, id, name)
		return err
	}, zap.String("kind", kind), zap.Int64("id", id), zap.String("flag", name))
	return removed, err
}
