package predicate

import (
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/schema"
)

// Validate resolves every leaf against the kind's schema and checks the
// operator fits the field and operand. Problems are configuration errors.
//
// Validate is a pure function with no side effects.
func Validate(kind *schema.Kind, p Predicate) error {
	return Walk(p, func(l Leaf) error {
		return validateLeaf(kind, l)
	})
}

func validateLeaf(kind *schema.Kind, l Leaf) error {
	if !l.Op.Valid() {
		return failure.Configuration(kind.Name, "field %q: unknown operator %q", l.Field, l.Op)
	}
	if !kind.FieldExists(l.Field) {
		return failure.Configuration(kind.Name, "unknown field %q", l.Field)
	}

	switch l.Op {
	case OpIsNull:
		if _, ok := l.Value.(ir.Bool); !ok {
			return failure.Configuration(kind.Name, "field %q: isnull needs a boolean operand", l.Field)
		}
		return nil
	case OpIn:
		switch l.Value.(type) {
		case ir.List, ir.RefSet:
		default:
			return failure.Configuration(kind.Name, "field %q: in needs a list operand", l.Field)
		}
	}

	f, declared := kind.Resolve(l.Field)
	if !declared {
		// id and status
		if l.Op.Textual() && l.Field == "id" {
			return failure.Configuration(kind.Name, "field %q: %s does not apply to identities", l.Field, l.Op)
		}
		return nil
	}
	switch {
	case f.IsCollection():
		if l.Op != OpExact && l.Op != OpIn && l.Op != OpNE {
			return failure.Configuration(kind.Name, "collection field %q supports exact, ne, in and isnull only", l.Field)
		}
	case f.IsReference():
		if l.Op.Textual() {
			return failure.Configuration(kind.Name, "reference field %q: %s does not apply", l.Field, l.Op)
		}
	}
	return nil
}
