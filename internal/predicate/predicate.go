package predicate

import (
	"fmt"
	"strings"

	"github.com/roach88/reconcile/internal/ir"
)

// Predicate is a boolean filter over entity fields.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Op is a leaf comparison operator.
type Op string

const (
	OpExact      Op = "exact"
	OpIExact     Op = "iexact"
	OpContains   Op = "contains"
	OpIContains  Op = "icontains"
	OpStartsWith Op = "startswith"
	OpEndsWith   Op = "endswith"
	OpGT         Op = "gt"
	OpGTE        Op = "gte"
	OpLT         Op = "lt"
	OpLTE        Op = "lte"
	OpIn         Op = "in"
	OpIsNull     Op = "isnull"
	OpNE         Op = "ne"
)

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpExact, OpIExact, OpContains, OpIContains, OpStartsWith, OpEndsWith,
		OpGT, OpGTE, OpLT, OpLTE, OpIn, OpIsNull, OpNE:
		return true
	}
	return false
}

// Textual reports whether op matches on text patterns.
func (op Op) Textual() bool {
	switch op {
	case OpIExact, OpContains, OpIContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

// Leaf compares one field with a literal value.
type Leaf struct {
	Field string
	Op    Op
	Value ir.Value
}

func (Leaf) predicateNode() {}

// And is true when both sides are true.
type And struct {
	Left, Right Predicate
}

func (And) predicateNode() {}

// Or is true when either side is true.
type Or struct {
	Left, Right Predicate
}

func (Or) predicateNode() {}

// Not negates its inner predicate.
type Not struct {
	Inner Predicate
}

func (Not) predicateNode() {}

// Group marks its inner predicate as a unit. Backends always parenthesize
// it and it is never re-flattened into an enclosing chain.
type Group struct {
	Inner Predicate
}

func (Group) predicateNode() {}

// NewLeaf builds a comparison. An empty op means exact.
func NewLeaf(field string, op Op, value ir.Value) Leaf {
	if op == "" {
		op = OpExact
	}
	if value == nil {
		value = ir.Null{}
	}
	return Leaf{Field: field, Op: op, Value: value}
}

// AndOf combines two predicates; a nil side is dropped.
func AndOf(left, right Predicate) Predicate {
	switch {
	case left == nil:
		return right
	case right == nil:
		return left
	}
	return And{Left: left, Right: right}
}

// OrOf combines two predicates; a nil side is dropped.
func OrOf(left, right Predicate) Predicate {
	switch {
	case left == nil:
		return right
	case right == nil:
		return left
	}
	return Or{Left: left, Right: right}
}

// NotOf negates p.
func NotOf(p Predicate) Predicate {
	return Not{Inner: p}
}

// GroupOf marks p as a unit. Grouping a group or a nil predicate is a no-op.
func GroupOf(p Predicate) Predicate {
	switch p.(type) {
	case nil, Group:
		return p
	}
	return Group{Inner: p}
}

// Walk calls fn for every leaf in p, left to right.
func Walk(p Predicate, fn func(Leaf) error) error {
	switch n := p.(type) {
	case nil:
		return nil
	case Leaf:
		return fn(n)
	case And:
		if err := Walk(n.Left, fn); err != nil {
			return err
		}
		return Walk(n.Right, fn)
	case Or:
		if err := Walk(n.Left, fn); err != nil {
			return err
		}
		return Walk(n.Right, fn)
	case Not:
		return Walk(n.Inner, fn)
	case Group:
		return Walk(n.Inner, fn)
	default:
		return fmt.Errorf("unknown predicate type: %T", p)
	}
}

// Format renders p for humans, e.g. `name = "Acme" AND (seats > 5 OR NOT vip)`.
func Format(p Predicate) string {
	var b strings.Builder
	format(&b, p)
	return b.String()
}

func format(b *strings.Builder, p Predicate) {
	switch n := p.(type) {
	case nil:
		b.WriteString("TRUE")
	case Leaf:
		fmt.Fprintf(b, "%s %s %s", n.Field, n.Op, formatValue(n.Value))
	case And:
		format(b, n.Left)
		b.WriteString(" AND ")
		formatOperand(b, n.Right)
	case Or:
		format(b, n.Left)
		b.WriteString(" OR ")
		formatOperand(b, n.Right)
	case Not:
		b.WriteString("NOT ")
		if _, leaf := n.Inner.(Leaf); leaf {
			format(b, n.Inner)
			return
		}
		b.WriteByte('(')
		format(b, n.Inner)
		b.WriteByte(')')
	case Group:
		b.WriteByte('(')
		format(b, n.Inner)
		b.WriteByte(')')
	}
}

// formatOperand parenthesizes a right-hand combination, which left-to-right
// reading would otherwise misattribute.
func formatOperand(b *strings.Builder, p Predicate) {
	switch p.(type) {
	case And, Or:
		b.WriteByte('(')
		format(b, p)
		b.WriteByte(')')
	default:
		format(b, p)
	}
}

func formatValue(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
