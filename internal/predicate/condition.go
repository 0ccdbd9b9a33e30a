package predicate

import (
	"sort"

	"github.com/roach88/reconcile/internal/ir"
)

// Condition is one persisted row of a filter definition.
type Condition struct {
	Attr  string   `json:"attr" yaml:"attr"`
	Op    Op       `json:"op,omitempty" yaml:"op,omitempty"`
	Value ir.Value `json:"-" yaml:"-"`

	// Negate wraps this condition's leaf in NOT.
	Negate bool `json:"negate,omitempty" yaml:"negate,omitempty"`

	// LogicalAnd combines with AND when set, OR otherwise.
	LogicalAnd bool `json:"logical_and,omitempty" yaml:"logical_and,omitempty"`

	// GroupPrev combines with the last formed group instead of the whole
	// running expression.
	GroupPrev bool `json:"group_prev,omitempty" yaml:"group_prev,omitempty"`

	SortOrder int `json:"sort_order" yaml:"sort_order"`
}

// Leaf returns the condition's comparison, negated if flagged.
func (c Condition) Leaf() Predicate {
	leaf := NewLeaf(c.Attr, c.Op, c.Value)
	if c.Negate {
		return NotOf(leaf)
	}
	return leaf
}

// FromConditions builds a predicate from condition rows ordered by
// SortOrder (ties keep input order).
//
// The first row starts the expression as a plain comparison; its Negate
// flag is ignored. Each later row's leaf, negated if flagged, is combined
// with AND or OR. Without GroupPrev it combines with the whole running
// expression and becomes the new last group. With GroupPrev it extends the
// last group, which is then parenthesized and re-attached to what preceded
// it, so rows A, B (and), C (or, group_prev) yield A AND (B OR C).
//
// No rows yields nil, which matches everything.
func FromConditions(rows []Condition) Predicate {
	if len(rows) == 0 {
		return nil
	}
	ordered := make([]Condition, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SortOrder < ordered[j].SortOrder
	})

	var b chain
	for i, c := range ordered {
		if i == 0 {
			b.start(NewLeaf(c.Attr, c.Op, c.Value))
			continue
		}
		b.add(c.Leaf(), c.LogicalAnd, c.GroupPrev)
	}
	return b.expr
}

// chain is the accumulator state of FromConditions.
type chain struct {
	expr Predicate // whole running expression

	base    Predicate // expression preceding the last group, nil if none
	baseAnd bool      // operator joining base and group
	group   Predicate // last formed group
}

func (b *chain) start(leaf Predicate) {
	b.expr = leaf
	b.group = leaf
	b.base = nil
}

func (b *chain) add(leaf Predicate, and, groupPrev bool) {
	if !groupPrev {
		b.base = b.expr
		b.baseAnd = and
		b.group = leaf
		b.expr = combine(b.expr, leaf, and)
		return
	}
	inner := b.group
	if g, ok := inner.(Group); ok {
		inner = g.Inner
	}
	b.group = GroupOf(combine(inner, leaf, and))
	if b.base == nil {
		b.expr = b.group
		return
	}
	b.expr = combine(b.base, b.group, b.baseAnd)
}

func combine(left, right Predicate, and bool) Predicate {
	if and {
		return AndOf(left, right)
	}
	return OrOf(left, right)
}
