package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/reconcile/internal/failure"
)

// ReplaceMembers sets the members of one collection field to exactly ids.
func (s *Store) ReplaceMembers(ctx context.Context, kind string, entityID int64, field string, ids []int64) error {
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.exec(ctx, `
			DELETE FROM entity_members WHERE entity_id = ? AND field = ?
		`, entityID, field); err != nil {
			return fmt.Errorf("replace members: clear: %w", err)
		}
		for _, id := range ids {
			if _, err := s.exec(ctx, `
				INSERT INTO entity_members (kind, entity_id, field, member_id)
				VALUES (?, ?, ?, ?)
				ON CONFLICT DO NOTHING
			`, kind, entityID, field, id); err != nil {
				return fmt.Errorf("replace members: insert: %w", err)
			}
		}
		return nil
	})
}

// Members returns every collection of one entity as field → sorted ids.
// Fields without members are absent.
func (s *Store) Members(ctx context.Context, entityID int64) (map[string][]int64, error) {
	byEntity, err := s.MembersOf(ctx, []int64{entityID})
	if err != nil {
		return nil, err
	}
	if m, ok := byEntity[entityID]; ok {
		return m, nil
	}
	return map[string][]int64{}, nil
}

// MembersOf batch-loads collections for many entities:
// entity id → field → sorted member ids.
func (s *Store) MembersOf(ctx context.Context, entityIDs []int64) (map[int64]map[string][]int64, error) {
	out := make(map[int64]map[string][]int64, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(entityIDs))
	for i, id := range entityIDs {
		args[i] = id
	}
	rows, err := s.query(ctx, `
		SELECT entity_id, field, member_id FROM entity_members
		WHERE entity_id IN (`+placeholders(len(entityIDs))+`)
		ORDER BY entity_id, field, member_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entityID, memberID int64
			field              string
		)
		if err := rows.Scan(&entityID, &field, &memberID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if out[entityID] == nil {
			out[entityID] = map[string][]int64{}
		}
		out[entityID][field] = append(out[entityID][field], memberID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", classify(err))
	}
	return out, nil
}

// PutUniqueKey claims key for entityID. A key already held by another
// entity fails with CONSTRAINT_VIOLATION; re-claiming one's own key is a
// no-op.
func (s *Store) PutUniqueKey(ctx context.Context, kind, key string, entityID int64) error {
	holder, found, err := s.UniqueKeyHolder(ctx, key)
	if err != nil {
		return err
	}
	if found {
		if holder == entityID {
			return nil
		}
		return failure.Constraint(kind, fmt.Errorf("unique key held by entity %d", holder)).
			WithDetail("holder", strconv.FormatInt(holder, 10))
	}
	if _, err := s.exec(ctx, `
		INSERT INTO unique_keys (key_hash, kind, entity_id) VALUES (?, ?, ?)
	`, key, kind, entityID); err != nil {
		return fmt.Errorf("put unique key: %w", err)
	}
	return nil
}

// ReleaseUniqueKeys drops every unique key held by entityID.
func (s *Store) ReleaseUniqueKeys(ctx context.Context, entityID int64) error {
	if _, err := s.exec(ctx, "DELETE FROM unique_keys WHERE entity_id = ?", entityID); err != nil {
		return fmt.Errorf("release unique keys: %w", err)
	}
	return nil
}

// UniqueKeyHolder returns the entity holding key.
func (s *Store) UniqueKeyHolder(ctx context.Context, key string) (int64, bool, error) {
	ids, err := s.queryIDs(ctx, "SELECT entity_id FROM unique_keys WHERE key_hash = ?", key)
	if err != nil {
		return 0, false, fmt.Errorf("unique key holder: %w", err)
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}
