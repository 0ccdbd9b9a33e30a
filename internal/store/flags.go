package store

import (
	"context"
	"fmt"
)

// GlobalRecord is the record id of kind-wide flags.
const GlobalRecord int64 = 0

// Flags returns every flag set on one record.
func (s *Store) Flags(ctx context.Context, kind string, recordID int64) (map[string]string, error) {
	rows, err := s.query(ctx, `
		SELECT flag, value FROM flags WHERE kind = ? AND record_id = ? ORDER BY flag
	`, kind, recordID)
	if err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flags: %w", classify(err))
	}
	return out, nil
}

// SetFlag stores or overwrites one flag.
func (s *Store) SetFlag(ctx context.Context, kind string, recordID int64, flag, value string) error {
	if _, err := s.exec(ctx, `
		INSERT INTO flags (kind, record_id, flag, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, record_id, flag) DO UPDATE SET value = excluded.value
	`, kind, recordID, flag, value); err != nil {
		return fmt.Errorf("set flag: %w", err)
	}
	return nil
}

// UnsetFlag removes one flag and reports whether it was set.
func (s *Store) UnsetFlag(ctx context.Context, kind string, recordID int64, flag string) (bool, error) {
	res, err := s.exec(ctx, `
		DELETE FROM flags WHERE kind = ? AND record_id = ? AND flag = ?
	`, kind, recordID, flag)
	if err != nil {
		return false, fmt.Errorf("unset flag: %w", err)
	}
	return affected(res)
}

// KindsWithFlag lists the kinds with flag set on any record, sorted.
func (s *Store) KindsWithFlag(ctx context.Context, flag string) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT DISTINCT kind FROM flags WHERE flag = ? ORDER BY kind
	`, flag)
	if err != nil {
		return nil, fmt.Errorf("kinds with flag: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, fmt.Errorf("scan kind: %w", err)
		}
		out = append(out, kind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kinds: %w", classify(err))
	}
	return out, nil
}

// RecordsWithFlag lists record ids of kind carrying flag, ascending.
// Kind-wide flags are excluded.
func (s *Store) RecordsWithFlag(ctx context.Context, kind, flag string) ([]int64, error) {
	ids, err := s.queryIDs(ctx, `
		SELECT record_id FROM flags
		WHERE kind = ? AND flag = ? AND record_id <> ?
		ORDER BY `+s.stableOrder("record_id"), kind, flag, GlobalRecord)
	if err != nil {
		return nil, fmt.Errorf("records with flag: %w", err)
	}
	return ids, nil
}
