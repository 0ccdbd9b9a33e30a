package audit

import (
	"context"
	"time"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/store"
)

// Target selects the history of a kind, or of one entity when ID is set.
type Target struct {
	Kind string
	ID   int64
}

// HistoryQuery filters History. Zero fields do not filter.
type HistoryQuery struct {
	// Targets are combined with OR.
	Targets []Target

	// Start and End bound the range when both are set. The range is
	// widened to whole days: Start's midnight through the midnight after
	// End, exclusive.
	Start time.Time
	End   time.Time

	Event Event

	// Actor limits results to one actor when RestrictToActor is set.
	Actor           collab.Actor
	RestrictToActor bool

	Scopes []int64
}

// History returns matching records, oldest first.
func (t *Trail) History(ctx context.Context, q HistoryQuery) ([]Record, error) {
	f := store.AuditFilter{
		Event:  string(q.Event),
		Scopes: q.Scopes,
	}
	for _, tg := range q.Targets {
		f.Targets = append(f.Targets, store.AuditTarget{Kind: tg.Kind, EntityID: tg.ID})
	}
	if !q.Start.IsZero() && !q.End.IsZero() {
		f.Start = midnight(q.Start)
		f.End = midnight(q.End).AddDate(0, 0, 1)
	}
	if q.RestrictToActor && !q.Actor.None() {
		f.Actor = q.Actor.Ref
	}

	rows, err := t.store.QueryAudit(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Record{
			ID:          r.ID,
			Kind:        r.Kind,
			EntityID:    r.EntityID,
			Event:       Event(r.Event),
			Actor:       r.Actor,
			Detail:      r.Detail,
			Code:        r.Code,
			Scope:       r.Scope,
			OperationID: r.OperationID,
			At:          r.At,
		}
	}
	return out, nil
}

// EntityHistory returns the records of one entity.
func (t *Trail) EntityHistory(ctx context.Context, kind string, id int64) ([]Record, error) {
	return t.History(ctx, HistoryQuery{Targets: []Target{{Kind: kind, ID: id}}})
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// AccessLog returns the access records of e, oldest first.
func (t *Trail) AccessLog(ctx context.Context, kind string, id int64) ([]Record, error) {
	return t.History(ctx, HistoryQuery{Targets: []Target{{Kind: kind, ID: id}}, Event: EventAccessed})
}
