package engine

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/audit"
	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/config"
	"github.com/roach88/reconcile/internal/diff"
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/flags"
	"github.com/roach88/reconcile/internal/logging"
	"github.com/roach88/reconcile/internal/metrics"
	"github.com/roach88/reconcile/internal/relation"
	"github.com/roach88/reconcile/internal/retry"
	"github.com/roach88/reconcile/internal/schema"
	"github.com/roach88/reconcile/internal/store"
	"github.com/roach88/reconcile/internal/xref"
)

// Engine groups the services that share one store.
//
// Thread-safety: every service is safe for concurrent use, so an Engine
// may be shared across goroutines.
type Engine struct {
	Store     *store.Store
	Schemas   *schema.Registry
	Repo      *entity.Repository
	Trail     *audit.Trail
	Diff      *diff.Engine
	Relations *relation.Store
	Refs      *xref.Service
	Flags     *flags.Service
	Metrics   *metrics.Metrics

	log *zap.Logger
}

// Options configures New. Store and Schemas are required.
type Options struct {
	Store    *store.Store
	Schemas  *schema.Registry
	Retry    retry.Config
	Clock    collab.Clock
	Scope    collab.ScopeProvider
	IDs      audit.IDGenerator
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	PageSize int
}

// New wires the services around an open store.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Schemas == nil {
		return nil, fmt.Errorf("engine: schema registry is required")
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	log := logging.OrNop(opts.Logger)
	m := metrics.OrNew(opts.Metrics)
	policy := retry.New(opts.Retry, log, m)

	repo := entity.NewRepository(entity.Options{
		Store:    opts.Store,
		Schemas:  opts.Schemas,
		Retry:    policy,
		Clock:    opts.Clock,
		Scope:    opts.Scope,
		Logger:   log,
		PageSize: opts.PageSize,
	})
	trail := audit.New(audit.Options{
		Store:   opts.Store,
		Retry:   policy,
		Clock:   repo.Clock(),
		Scope:   repo.Scope(),
		IDs:     opts.IDs,
		Logger:  log,
		Metrics: m,
	})
	repo.SetRecorder(trail)

	differ := diff.New(repo, trail, log, m)
	e := &Engine{
		Store:     opts.Store,
		Schemas:   opts.Schemas,
		Repo:      repo,
		Trail:     trail,
		Diff:      differ,
		Relations: relation.New(repo, log),
		Refs:      xref.New(repo, differ, log, m),
		Flags:     flags.New(repo, log),
		Metrics:   m,
		log:       log.With(zap.String("mod", "engine")),
	}

	// Audit first so a failed link or reference purge leaves the
	// history intact when the transaction rolls back.
	repo.AddPurger(trail)
	repo.AddPurger(e.Relations)
	repo.AddPurger(e.Refs)
	return e, nil
}

// Open builds an Engine from configuration: it opens the configured
// backend, applies the table schema and registers the kinds declared in
// cfg.Engine.SchemaFile. reg receives the metrics; nil keeps them
// private.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger, reg prometheus.Registerer) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log = logging.OrNop(log)

	schemas := schema.NewRegistry()
	if cfg.Engine.SchemaFile != "" {
		if err := schemas.LoadFile(cfg.Engine.SchemaFile); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", cfg.Engine.SchemaFile, err)
		}
	}

	s, err := store.OpenWith(ctx, store.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}

	e, err := New(Options{
		Store:    s,
		Schemas:  schemas,
		Retry:    cfg.Retry,
		Scope:    collab.StaticScope(cfg.Engine.DefaultScope),
		Logger:   log,
		Metrics:  metrics.New(reg),
		PageSize: cfg.Engine.PageSize,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	e.log.Debug("engine opened",
		zap.String("driver", cfg.Database.Driver),
		zap.Strings("kinds", schemas.Names()))
	return e, nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.Store.Close()
}
