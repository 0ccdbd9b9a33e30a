package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/predicate"
)

// SaveConditions replaces the condition rows stored under groupKey.
// Rows are stored in SortOrder (ties keep slice order) and renumbered
// 0..n-1.
func (s *Store) SaveConditions(ctx context.Context, groupKey string, rows []predicate.Condition) error {
	rows = slices.Clone(rows)
	slices.SortStableFunc(rows, func(a, b predicate.Condition) int {
		return cmp.Compare(a.SortOrder, b.SortOrder)
	})
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.exec(ctx, "DELETE FROM conditions WHERE group_key = ?", groupKey); err != nil {
			return fmt.Errorf("save conditions: clear: %w", err)
		}
		for i, c := range rows {
			if c.Value == nil {
				c.Value = ir.Null{}
			}
			value, err := ir.MarshalTyped(c.Value)
			if err != nil {
				return fmt.Errorf("save conditions: row %d: %w", i, err)
			}
			if _, err := s.exec(ctx, `
				INSERT INTO conditions
				(group_key, sort_order, attr, op, value, negate, logical_and, group_prev)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, groupKey, i, c.Attr, string(c.Op), string(value), c.Negate, c.LogicalAnd, c.GroupPrev); err != nil {
				return fmt.Errorf("save conditions: row %d: %w", i, err)
			}
		}
		return nil
	})
}

// LoadConditions returns the rows stored under groupKey in sort order.
// An unknown key yields an empty slice.
func (s *Store) LoadConditions(ctx context.Context, groupKey string) ([]predicate.Condition, error) {
	rows, err := s.query(ctx, `
		SELECT sort_order, attr, op, value, negate, logical_and, group_prev
		FROM conditions
		WHERE group_key = ?
		ORDER BY sort_order ASC
	`, groupKey)
	if err != nil {
		return nil, fmt.Errorf("load conditions: %w", err)
	}
	defer rows.Close()

	out := []predicate.Condition{}
	for rows.Next() {
		var (
			c     predicate.Condition
			op    string
			value string
		)
		if err := rows.Scan(&c.SortOrder, &c.Attr, &op, &value, &c.Negate, &c.LogicalAnd, &c.GroupPrev); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		c.Op = predicate.Op(op)
		v, err := ir.UnmarshalTyped([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", c.Attr, err)
		}
		c.Value = v
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conditions: %w", classify(err))
	}
	return out, nil
}
