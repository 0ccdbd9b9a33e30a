package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RefRow is one stored external reference.
type RefRow struct {
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

const refColumns = "id, kind, entity_id, source, scope, external_key, external_changed, created, updated"

// UpsertRef stores a reference keyed by (kind, scope, source, key).
// An existing reference for the same key is re-pointed at row.EntityID;
// use InsertRef where an existing reference must win.
// Returns the stored row.
func (s *Store) UpsertRef(ctx context.Context, row RefRow) (RefRow, error) {
	var changed sql.NullInt64
	if row.ExternalChanged != nil {
		changed = sql.NullInt64{Int64: micros(*row.ExternalChanged), Valid: true}
	}
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO external_refs
		(kind, entity_id, source, scope, external_key, external_changed, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, scope, source, external_key) DO UPDATE SET
			entity_id = excluded.entity_id,
			external_changed = excluded.external_changed,
			updated = excluded.updated
		RETURNING id
	`,
		row.Kind, row.EntityID, row.Source, row.Scope, row.ExternalKey,
		changed, micros(row.Created), micros(row.Updated),
	).Scan(&id)
	if err != nil {
		return RefRow{}, fmt.Errorf("upsert ref: %w", classify(err))
	}
	stored, found, err := s.getRef(ctx, "WHERE id = ?", id)
	if err != nil {
		return RefRow{}, fmt.Errorf("upsert ref: %w", err)
	}
	if !found {
		return RefRow{}, fmt.Errorf("upsert ref: row %d vanished", id)
	}
	return stored, nil
}

// InsertRef stores a reference unless one already exists for
// (kind, scope, source, key). It never re-points an existing reference.
//
// Returns:
//   - (row, true, nil) if a new reference was inserted
//   - (existing, false, nil) if the key was already referenced
//   - (zero, false, err) on database error
func (s *Store) InsertRef(ctx context.Context, row RefRow) (RefRow, bool, error) {
	var changed sql.NullInt64
	if row.ExternalChanged != nil {
		changed = sql.NullInt64{Int64: micros(*row.ExternalChanged), Valid: true}
	}
	var (
		out      RefRow
		inserted bool
	)
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		var id int64
		err := s.queryRow(ctx, `
			INSERT INTO external_refs
			(kind, entity_id, source, scope, external_key, external_changed, created, updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, scope, source, external_key) DO NOTHING
			RETURNING id
		`,
			row.Kind, row.EntityID, row.Source, row.Scope, row.ExternalKey,
			changed, micros(row.Created), micros(row.Updated),
		).Scan(&id)
		switch {
		case err == nil:
			inserted = true
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("insert: %w", classify(err))
		}

		var found bool
		if inserted {
			out, found, err = s.getRef(ctx, "WHERE id = ?", id)
		} else {
			out, found, err = s.FindRef(ctx, row.Kind, row.Scope, row.Source, row.ExternalKey)
		}
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("ref conflict but no row for %s %s/%s", row.Kind, row.Source, row.ExternalKey)
		}
		return nil
	})
	if err != nil {
		return RefRow{}, false, fmt.Errorf("insert ref: %w", err)
	}
	return out, inserted, nil
}

// FindRef returns the reference for one external key.
func (s *Store) FindRef(ctx context.Context, kind string, scope int64, source, key string) (RefRow, bool, error) {
	r, found, err := s.getRef(ctx, `
		WHERE kind = ? AND scope = ? AND source = ? AND external_key = ?
	`, kind, scope, source, key)
	if err != nil {
		return RefRow{}, false, fmt.Errorf("find ref: %w", err)
	}
	return r, found, nil
}

// RefsForEntity lists references pointing at one entity. An empty
// source lists every source.
func (s *Store) RefsForEntity(ctx context.Context, kind string, entityID int64, source string) ([]RefRow, error) {
	where := "WHERE kind = ? AND entity_id = ?"
	args := []any{kind, entityID}
	if source != "" {
		where += " AND source = ?"
		args = append(args, source)
	}
	refs, err := s.queryRefs(ctx, where, args...)
	if err != nil {
		return nil, fmt.Errorf("refs for entity: %w", err)
	}
	return refs, nil
}

// RefsForIDs lists references of kind from source whose entity is in ids,
// or not in ids when invert is set.
func (s *Store) RefsForIDs(ctx context.Context, kind, source string, ids []int64, invert bool) ([]RefRow, error) {
	where := "WHERE kind = ? AND source = ?"
	args := []any{kind, source}
	switch {
	case len(ids) == 0 && !invert:
		return []RefRow{}, nil
	case len(ids) > 0:
		in := "IN"
		if invert {
			in = "NOT IN"
		}
		where += " AND entity_id " + in + " (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	refs, err := s.queryRefs(ctx, where, args...)
	if err != nil {
		return nil, fmt.Errorf("refs for ids: %w", err)
	}
	return refs, nil
}

// RepointRef moves an existing reference to another entity.
func (s *Store) RepointRef(ctx context.Context, id, entityID int64, updated time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE external_refs SET entity_id = ?, updated = ? WHERE id = ?
	`, entityID, micros(updated), id)
	if err != nil {
		return false, fmt.Errorf("repoint ref: %w", err)
	}
	return affected(res)
}

// DeleteRefs removes references pointing at one entity. An empty source
// removes every source.
func (s *Store) DeleteRefs(ctx context.Context, kind string, entityID int64, source string) (int64, error) {
	query := "DELETE FROM external_refs WHERE kind = ? AND entity_id = ?"
	args := []any{kind, entityID}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete refs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete refs: rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) getRef(ctx context.Context, where string, args ...any) (RefRow, bool, error) {
	refs, err := s.queryRefs(ctx, where, args...)
	if err != nil {
		return RefRow{}, false, err
	}
	if len(refs) == 0 {
		return RefRow{}, false, nil
	}
	return refs[0], true, nil
}

func (s *Store) queryRefs(ctx context.Context, where string, args ...any) ([]RefRow, error) {
	rows, err := s.query(ctx, "SELECT "+refColumns+" FROM external_refs "+where+
		" ORDER BY "+s.stableOrder("id"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RefRow{}
	for rows.Next() {
		var (
			r                RefRow
			changed          sql.NullInt64
			created, updated int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.EntityID, &r.Source, &r.Scope, &r.ExternalKey,
			&changed, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan ref: %w", err)
		}
		if changed.Valid {
			t := fromMicros(changed.Int64)
			r.ExternalChanged = &t
		}
		r.Created = fromMicros(created)
		r.Updated = fromMicros(updated)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
