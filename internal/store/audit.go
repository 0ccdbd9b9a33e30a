package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AuditRow is one stored audit record.
type AuditRow struct {
	ID          int64
	Kind        string
	EntityID    int64
	Event       string
	Actor       string
	Detail      string
	Code        string
	Scope       int64
	OperationID string
	At          time.Time
}

// AuditTarget selects records of one kind, optionally one entity.
type AuditTarget struct {
	Kind     string
	EntityID int64 // 0 selects every entity of Kind
}

// AuditFilter narrows an audit query. Zero values do not filter.
type AuditFilter struct {
	// Targets are combined with OR.
	Targets []AuditTarget

	// Start is inclusive, End exclusive.
	Start time.Time
	End   time.Time

	Event  string
	Actor  string
	Scopes []int64
}

// InsertAudit appends an audit record and returns its id.
func (s *Store) InsertAudit(ctx context.Context, r AuditRow) (int64, error) {
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO audit_records
		(kind, entity_id, event, actor, detail, code, scope, operation_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		r.Kind,
		r.EntityID,
		r.Event,
		r.Actor,
		r.Detail,
		r.Code,
		r.Scope,
		r.OperationID,
		micros(r.At),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit: %w", classify(err))
	}
	return id, nil
}

// QueryAudit returns matching records oldest first.
// Order: at ASC, id ASC.
func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditRow, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Targets) > 0 {
		ors := make([]string, 0, len(f.Targets))
		for _, t := range f.Targets {
			if t.EntityID != 0 {
				ors = append(ors, "(kind = ? AND entity_id = ?)")
				args = append(args, t.Kind, t.EntityID)
				continue
			}
			ors = append(ors, "kind = ?")
			args = append(args, t.Kind)
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	if !f.Start.IsZero() {
		clauses = append(clauses, "at >= ?")
		args = append(args, micros(f.Start))
	}
	if !f.End.IsZero() {
		clauses = append(clauses, "at < ?")
		args = append(args, micros(f.End))
	}
	if f.Event != "" {
		clauses = append(clauses, "event = ?")
		args = append(args, f.Event)
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, f.Actor)
	}
	if len(f.Scopes) > 0 {
		clauses = append(clauses, "scope IN ("+placeholders(len(f.Scopes))+")")
		for _, sc := range f.Scopes {
			args = append(args, sc)
		}
	}

	query := `
		SELECT id, kind, entity_id, event, actor, detail, code, scope, operation_id, at
		FROM audit_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY at ASC, " + s.stableOrder("id")

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	out := []AuditRow{}
	for rows.Next() {
		var (
			r  AuditRow
			at int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.EntityID, &r.Event, &r.Actor,
			&r.Detail, &r.Code, &r.Scope, &r.OperationID, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		r.At = fromMicros(at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", classify(err))
	}
	return out, nil
}

// DeleteAudit removes every record for one entity and reports how many.
func (s *Store) DeleteAudit(ctx context.Context, kind string, entityID int64) (int64, error) {
	res, err := s.exec(ctx, "DELETE FROM audit_records WHERE kind = ? AND entity_id = ?", kind, entityID)
	if err != nil {
		return 0, fmt.Errorf("delete audit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete audit: rows affected: %w", err)
	}
	return n, nil
}
