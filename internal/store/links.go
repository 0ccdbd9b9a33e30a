package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LinkRow is one stored relationship link.
type LinkRow struct {
	ID         int64
	ParentKind string
	ParentID   int64
	ChildKind  string
	ChildID    int64
	Created    time.Time
	Updated    time.Time
}

const linkColumns = "id, parent_kind, parent_id, child_kind, child_id, created, updated"

// InsertLink creates a link, or returns the existing one for the same
// (parent, child) pair.
//
// Returns:
//   - (row, true, nil) if a new link was inserted
//   - (existing, false, nil) if the pair was already linked
//   - (zero, false, err) on database error
//
// The insert and the fallback select share one transaction so the
// returned row is always the stored one.
func (s *Store) InsertLink(ctx context.Context, row LinkRow) (LinkRow, bool, error) {
	var (
		out      LinkRow
		inserted bool
	)
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		var id int64
		err := s.queryRow(ctx, `
			INSERT INTO relationship_links
			(parent_kind, parent_id, child_kind, child_id, created, updated)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (parent_kind, parent_id, child_kind, child_id) DO NOTHING
			RETURNING id
		`,
			row.ParentKind, row.ParentID, row.ChildKind, row.ChildID,
			micros(row.Created), micros(row.Updated),
		).Scan(&id)
		switch {
		case err == nil:
			out = row
			out.ID = id
			out.Created = fromMicros(micros(row.Created))
			out.Updated = fromMicros(micros(row.Updated))
			inserted = true
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("insert: %w", classify(err))
		}

		// Conflict - fetch the existing link
		existing, found, err := s.GetLink(ctx, row.ParentKind, row.ParentID, row.ChildKind, row.ChildID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("link conflict but no row for %s#%d -> %s#%d",
				row.ParentKind, row.ParentID, row.ChildKind, row.ChildID)
		}
		out = existing
		return nil
	})
	if err != nil {
		return LinkRow{}, false, fmt.Errorf("insert link: %w", err)
	}
	return out, inserted, nil
}

// GetLink reads the link for one (parent, child) pair.
func (s *Store) GetLink(ctx context.Context, parentKind string, parentID int64, childKind string, childID int64) (LinkRow, bool, error) {
	links, err := s.queryLinks(ctx, `
		WHERE parent_kind = ? AND parent_id = ? AND child_kind = ? AND child_id = ?
	`, parentKind, parentID, childKind, childID)
	if err != nil {
		return LinkRow{}, false, fmt.Errorf("get link: %w", err)
	}
	if len(links) == 0 {
		return LinkRow{}, false, nil
	}
	return links[0], true, nil
}

// DeleteLink removes the link for one (parent, child) pair.
func (s *Store) DeleteLink(ctx context.Context, parentKind string, parentID int64, childKind string, childID int64) (bool, error) {
	res, err := s.exec(ctx, `
		DELETE FROM relationship_links
		WHERE parent_kind = ? AND parent_id = ? AND child_kind = ? AND child_id = ?
	`, parentKind, parentID, childKind, childID)
	if err != nil {
		return false, fmt.Errorf("delete link: %w", err)
	}
	return affected(res)
}

// LinksFrom lists links whose parent is (kind, id). An empty childKind
// lists every child kind.
func (s *Store) LinksFrom(ctx context.Context, kind string, id int64, childKind string) ([]LinkRow, error) {
	where := "WHERE parent_kind = ? AND parent_id = ?"
	args := []any{kind, id}
	if childKind != "" {
		where += " AND child_kind = ?"
		args = append(args, childKind)
	}
	links, err := s.queryLinks(ctx, where, args...)
	if err != nil {
		return nil, fmt.Errorf("links from: %w", err)
	}
	return links, nil
}

// LinksTo lists links whose child is (kind, id). An empty parentKind
// lists every parent kind.
func (s *Store) LinksTo(ctx context.Context, kind string, id int64, parentKind string) ([]LinkRow, error) {
	where := "WHERE child_kind = ? AND child_id = ?"
	args := []any{kind, id}
	if parentKind != "" {
		where += " AND parent_kind = ?"
		args = append(args, parentKind)
	}
	links, err := s.queryLinks(ctx, where, args...)
	if err != nil {
		return nil, fmt.Errorf("links to: %w", err)
	}
	return links, nil
}

// DeleteLinksOf removes every link in which (kind, id) is parent or child.
func (s *Store) DeleteLinksOf(ctx context.Context, kind string, id int64) (int64, error) {
	res, err := s.exec(ctx, `
		DELETE FROM relationship_links
		WHERE (parent_kind = ? AND parent_id = ?) OR (child_kind = ? AND child_id = ?)
	`, kind, id, kind, id)
	if err != nil {
		return 0, fmt.Errorf("delete links: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete links: rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) queryLinks(ctx context.Context, where string, args ...any) ([]LinkRow, error) {
	rows, err := s.query(ctx, "SELECT "+linkColumns+" FROM relationship_links "+where+
		" ORDER BY "+s.stableOrder("id"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []LinkRow{}
	for rows.Next() {
		var (
			l                LinkRow
			created, updated int64
		)
		if err := rows.Scan(&l.ID, &l.ParentKind, &l.ParentID, &l.ChildKind, &l.ChildID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.Created = fromMicros(created)
		l.Updated = fromMicros(updated)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
