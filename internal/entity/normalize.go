package entity

import (
	"fmt"

	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/schema"
)

// Normalize resolves name against kind (reference shorthand included)
// and coerces in to the field's type.
//
// A reference whose id is zero or negative clears the field (null)
// unless the field is exempt, in which case the raw id is kept.
// Unknown fields and the status field fail with CONFIGURATION.
func Normalize(kind *schema.Kind, name string, in any) (schema.Field, ir.Value, error) {
	if kind.StatusField != "" && name == kind.StatusField {
		return schema.Field{}, nil, failure.Configuration(kind.Name,
			"status field %q is changed through Delete", name)
	}
	f, ok := kind.Resolve(name)
	if !ok {
		return schema.Field{}, nil, failure.Configuration(kind.Name, "unknown field %q", name)
	}
	v, err := f.Coerce(in)
	if err != nil {
		return schema.Field{}, nil, failure.Wrap(failure.CodeConfiguration, err,
			"field %q: invalid value", name).WithEntity(kind.Name, 0)
	}
	if ref, ok := v.(ir.Ref); ok && ref.ID <= 0 && !f.Exempt {
		return f, ir.Null{}, nil
	}
	return f, v, nil
}

// NormalizeAll normalizes a proposed value map into canonical field names.
// Two keys naming the same field (e.g. "owner" and "owner_id") conflict.
func NormalizeAll(kind *schema.Kind, values map[string]any) (map[string]ir.Value, error) {
	out := make(map[string]ir.Value, len(values))
	source := make(map[string]string, len(values))
	for _, name := range ir.SortedKeys(values) {
		f, v, err := Normalize(kind, name, values[name])
		if err != nil {
			return nil, err
		}
		if prev, dup := source[f.Name]; dup {
			return nil, failure.Configuration(kind.Name,
				"fields %q and %q both set %q", prev, name, f.Name)
		}
		source[f.Name] = name
		out[f.Name] = v
	}
	return out, nil
}

// uniqueKey returns the unique-together hash for values, or "" when the
// kind declares none or any of the fields is null.
func uniqueKey(kind *schema.Kind, get func(string) ir.Value) (string, error) {
	fields, ok := kind.UniqueFields()
	if !ok {
		return "", nil
	}
	subset := make(map[string]ir.Value, len(fields))
	for _, name := range fields {
		v := get(name)
		if ir.IsNull(v) {
			return "", nil
		}
		subset[name] = v
	}
	key, err := ir.UniqueKeyHash(kind.Name, subset)
	if err != nil {
		return "", fmt.Errorf("unique key: %w", err)
	}
	return key, nil
}
