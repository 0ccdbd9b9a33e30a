package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/reconcile/internal/querysql"
)

// Record status values.
const (
	StatusActive   = "a"
	StatusInactive = "i"
	StatusDeleted  = querysql.StatusDeleted
)

// EntityRow is one stored entity document.
type EntityRow struct {
	ID      int64
	Kind    string
	Fields  []byte // JSON object keyed by column
	Status  string
	Scope   int64
	Created time.Time
	Updated time.Time
}

// InsertEntity stores a new entity and returns its id.
// An empty Status stores StatusActive.
func (s *Store) InsertEntity(ctx context.Context, row EntityRow) (int64, error) {
	if row.Status == "" {
		row.Status = StatusActive
	}
	if len(row.Fields) == 0 {
		row.Fields = []byte("{}")
	}
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO entities (kind, fields, status, scope, created, updated)
		VALUES (?, `+s.jsonParam()+`, ?, ?, ?, ?)
		RETURNING id
	`,
		row.Kind,
		string(row.Fields),
		row.Status,
		row.Scope,
		micros(row.Created),
		micros(row.Updated),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert entity: %w", classify(err))
	}
	return id, nil
}

// GetEntity reads one entity of kind by id.
// Returns (row, true, nil) when found, (zero, false, nil) when missing.
func (s *Store) GetEntity(ctx context.Context, kind string, id int64) (EntityRow, bool, error) {
	row := s.queryRow(ctx, `
		SELECT `+querysql.EntityColumns+`
		FROM entities e
		WHERE e.kind = ? AND e.id = ?
	`, kind, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EntityRow{}, false, nil
	}
	if err != nil {
		return EntityRow{}, false, fmt.Errorf("get entity: %w", classify(err))
	}
	return e, true, nil
}

// GetEntities reads the entities of kind with the given ids, in id order.
// Missing ids are skipped.
func (s *Store) GetEntities(ctx context.Context, kind string, ids []int64) ([]EntityRow, error) {
	if len(ids) == 0 {
		return []EntityRow{}, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, kind)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.query(ctx, `
		SELECT `+querysql.EntityColumns+`
		FROM entities e
		WHERE e.kind = ? AND e.id IN (`+placeholders(len(ids))+`)
		ORDER BY `+s.stableOrder("e.id"), args...)
	if err != nil {
		return nil, fmt.Errorf("get entities: %w", err)
	}
	return collectEntities(rows)
}

// QueryEntities runs a compiled row query. Rows are fully read before
// returning so callers may issue further statements on the same
// transaction.
func (s *Store) QueryEntities(ctx context.Context, q querysql.Query) ([]EntityRow, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", classify(err))
	}
	return collectEntities(rows)
}

// CountEntities runs a compiled COUNT query.
func (s *Store) CountEntities(ctx context.Context, q querysql.Query) (int64, error) {
	var n int64
	if err := s.conn(ctx).QueryRowContext(ctx, q.SQL, q.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entities: %w", classify(err))
	}
	return n, nil
}

// PatchEntity merges patch (a JSON object of changed columns) into the
// stored document and bumps updated. Columns absent from patch are left
// untouched. Reports whether a row was updated.
func (s *Store) PatchEntity(ctx context.Context, kind string, id int64, patch []byte, scope *int64, updated time.Time) (bool, error) {
	set := "fields = " + s.mergeExpr()
	args := []any{string(patch)}
	if scope != nil {
		set += ", scope = ?"
		args = append(args, *scope)
	}
	set += ", updated = ?"
	args = append(args, micros(updated), kind, id)

	res, err := s.exec(ctx, "UPDATE entities SET "+set+" WHERE kind = ? AND id = ?", args...)
	if err != nil {
		return false, fmt.Errorf("patch entity: %w", err)
	}
	return affected(res)
}

// SetEntityStatus changes the status of one entity.
func (s *Store) SetEntityStatus(ctx context.Context, kind string, id int64, status string, updated time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE entities SET status = ?, updated = ?
		WHERE kind = ? AND id = ?
	`, status, micros(updated), kind, id)
	if err != nil {
		return false, fmt.Errorf("set entity status: %w", err)
	}
	return affected(res)
}

// DeleteEntity removes the entity row together with its members,
// memberships in other collections, unique keys and flags. Audit records,
// links and references are owned by their own components.
func (s *Store) DeleteEntity(ctx context.Context, kind string, id int64) (bool, error) {
	var deleted bool
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		for _, stmt := range []struct {
			sql  string
			args []any
		}{
			{"DELETE FROM entity_members WHERE entity_id = ? OR member_id = ?", []any{id, id}},
			{"DELETE FROM unique_keys WHERE entity_id = ?", []any{id}},
			{"DELETE FROM flags WHERE kind = ? AND record_id = ?", []any{kind, id}},
		} {
			if _, err := s.exec(ctx, stmt.sql, stmt.args...); err != nil {
				return err
			}
		}
		res, err := s.exec(ctx, "DELETE FROM entities WHERE kind = ? AND id = ?", kind, id)
		if err != nil {
			return err
		}
		deleted, err = affected(res)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}
	return deleted, nil
}

// EntityIDsWithStatus lists ids of kind in the given status, ascending.
func (s *Store) EntityIDsWithStatus(ctx context.Context, kind, status string) ([]int64, error) {
	rows, err := s.query(ctx, `
		SELECT e.id FROM entities e
		WHERE e.kind = ? AND e.status = ?
		ORDER BY `+s.stableOrder("e.id"), kind, status)
	if err != nil {
		return nil, fmt.Errorf("list entity ids: %w", err)
	}
	return collectIDs(rows)
}

// jsonParam is the placeholder expression for a JSON document argument.
func (s *Store) jsonParam() string {
	if s.dialect == querysql.Postgres {
		return "?::jsonb"
	}
	return "json(?)"
}

// mergeExpr merges a JSON object parameter into the fields column.
// SQLite's json_patch drops keys set to null, which reads back the same
// as an explicit null.
func (s *Store) mergeExpr() string {
	if s.dialect == querysql.Postgres {
		return "fields || ?::jsonb"
	}
	return "json_patch(fields, json(?))"
}

func (s *Store) stableOrder(col string) string {
	if s.dialect == querysql.SQLite {
		return col + " COLLATE BINARY ASC"
	}
	return col + " ASC"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (EntityRow, error) {
	var (
		e                EntityRow
		fields           []byte
		created, updated int64
	)
	if err := r.Scan(&e.ID, &e.Kind, &fields, &e.Status, &e.Scope, &created, &updated); err != nil {
		return EntityRow{}, err
	}
	e.Fields = fields
	e.Created = fromMicros(created)
	e.Updated = fromMicros(updated)
	return e, nil
}

func collectEntities(rows *sql.Rows) ([]EntityRow, error) {
	defer rows.Close()
	out := []EntityRow{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", classify(err))
	}
	return out, nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	out := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", classify(err))
	}
	return out, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
