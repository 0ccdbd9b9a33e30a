package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/logging"
	"github.com/roach88/reconcile/internal/metrics"
	"github.com/roach88/reconcile/internal/retry"
	"github.com/roach88/reconcile/internal/store"
)

// Event is the kind of lifecycle transition a record describes.
type Event string

const (
	EventCreated  Event = "created"
	EventUpdated  Event = "updated"
	EventDeleted  Event = "deleted"
	EventAccessed Event = "accessed"
)

// CodeGeneral is the code used when the caller supplies none.
const CodeGeneral = "GENERAL"

// Record is one audit entry.
type Record struct {
	ID          int64
	Kind        string
	EntityID    int64
	Event       Event
	Actor       string
	Detail      string
	Code        string
	Scope       int64
	OperationID string
	At          time.Time
}

// IDGenerator produces operation ids.
type IDGenerator interface {
	NewID() string
}

// uuidV7 generates time-ordered operation ids.
type uuidV7 struct{}

func (uuidV7) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type operationKey struct{}

// WithOperation binds an operation id to ctx so every record written
// under it is correlated. An id already bound is kept.
func (t *Trail) WithOperation(ctx context.Context) (context.Context, string) {
	if id := OperationOf(ctx); id != "" {
		return ctx, id
	}
	id := t.ids.NewID()
	return context.WithValue(ctx, operationKey{}, id), id
}

// OperationOf returns the operation id bound to ctx, or "".
func OperationOf(ctx context.Context) string {
	id, _ := ctx.Value(operationKey{}).(string)
	return id
}

// Options wires a Trail to its collaborators.
type Options struct {
	Store   *store.Store
	Retry   *retry.Policy
	Clock   collab.Clock
	Scope   collab.ScopeProvider
	IDs     IDGenerator
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Trail writes and reads audit records.
//
// Thread-safety: safe for concurrent use.
type Trail struct {
	store   *store.Store
	retry   *retry.Policy
	clock   collab.Clock
	scope   collab.ScopeProvider
	ids     IDGenerator
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Trail.
func New(opts Options) *Trail {
	t := &Trail{
		store:   opts.Store,
		retry:   opts.Retry,
		clock:   opts.Clock,
		scope:   opts.Scope,
		ids:     opts.IDs,
		log:     logging.OrNop(opts.Logger).With(zap.String("mod", "audit")),
		metrics: metrics.OrNew(opts.Metrics),
	}
	if t.retry == nil {
		t.retry = retry.New(retry.DefaultConfig(), opts.Logger, t.metrics)
	}
	if t.clock == nil {
		t.clock = collab.SystemClock{}
	}
	if t.scope == nil {
		t.scope = collab.StaticScope(0)
	}
	if t.ids == nil {
		t.ids = uuidV7{}
	}
	return t
}

// RecordChange appends one record for e. An empty code becomes GENERAL.
// Reports whether the record was written.
func (t *Trail) RecordChange(ctx context.Context, e *entity.Entity, actor collab.Actor, detail string, event Event, code string) bool {
	if code == "" {
		code = CodeGeneral
	}
	scope := e.Scope
	if scope == 0 {
		scope = t.scope.DefaultScope(ctx)
	}
	ctx, op := t.WithOperation(ctx)
	row := store.AuditRow{
		Kind:        e.Kind,
		EntityID:    e.ID,
		Event:       string(event),
		Actor:       actor.Ref,
		Detail:      detail,
		Code:        code,
		Scope:       scope,
		OperationID: op,
		At:          t.clock.Now(),
	}
	err := t.retry.OnTransientConflict(ctx, "audit", func(ctx context.Context) error {
		_, err := t.store.InsertAudit(ctx, row)
		return err
	}, zap.String("kind", e.Kind), zap.Int64("id", e.ID), zap.String("event", row.Event))
	if err != nil {
		t.metrics.AuditDropped.Inc()
		t.log.Warn("audit record dropped",
			zap.String("kind", e.Kind),
			zap.Int64("id", e.ID),
			zap.String("event", row.Event),
			zap.String("code", code),
			zap.Error(err))
		return false
	}
	return true
}

// RecordAccess notes that actor read e.
func (t *Trail) RecordAccess(ctx context.Context, e *entity.Entity, actor collab.Actor) bool {
	return t.RecordChange(ctx, e, actor, "", EventAccessed, "")
}

// RecordCreated appends a created record.
func (t *Trail) RecordCreated(ctx context.Context, e *entity.Entity, actor collab.Actor, detail, code string) bool {
	return t.RecordChange(ctx, e, actor, detail, EventCreated, code)
}

// RecordUpdated appends an updated record.
func (t *Trail) RecordUpdated(ctx context.Context, e *entity.Entity, actor collab.Actor, detail, code string) bool {
	return t.RecordChange(ctx, e, actor, detail, EventUpdated, code)
}

// RecordDeleted appends a deleted record.
func (t *Trail) RecordDeleted(ctx context.Context, e *entity.Entity, actor collab.Actor, detail, code string) bool {
	return t.RecordChange(ctx, e, actor, detail, EventDeleted, code)
}

// Purge deletes every record for e and returns how many were removed.
func (t *Trail) Purge(ctx context.Context, e *entity.Entity) (int64, error) {
	var n int64
	err := t.retry.OnTransientConflict(ctx, "audit_purge", func(ctx context.Context) error {
		var err error
		n, err = t.store.DeleteAudit(ctx, e.Kind, e.ID)
		return err
	}, zap.String("kind", e.Kind), zap.Int64("id", e.ID))
	return n, err
}

// PurgeEntity satisfies entity.Purger so hard deletes drop the history.
func (t *Trail) PurgeEntity(ctx context.Context, kind string, id int64) error {
	_, err := t.store.DeleteAudit(ctx, kind, id)
	return err
}

var (
	_ entity.Recorder = (*Trail)(nil)
	_ entity.Purger   = (*Trail)(nil)
)
