package diff

import (
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/ir"
)

// FieldChange is an old/new pair for one watched field.
type FieldChange struct {
	Field string
	Old   ir.Value
	New   ir.Value
}

// Tracked remembers the values of watched fields at one point in time.
type Tracked struct {
	fields []string
	values map[string]ir.Value
}

// Snapshot captures the current values of fields on e.
func Snapshot(e *entity.Entity, fields ...string) *Tracked {
	t := &Tracked{fields: append([]string(nil), fields...), values: make(map[string]ir.Value, len(fields))}
	for _, name := range fields {
		t.values[name] = e.Get(name)
	}
	return t
}

// Changes compares e against the snapshot and returns the watched
// fields that differ, in the order they were watched.
func (t *Tracked) Changes(e *entity.Entity) []FieldChange {
	out := []FieldChange{}
	for _, name := range t.fields {
		now := e.Get(name)
		if !ir.Equal(t.values[name], now) {
			out = append(out, FieldChange{Field: name, Old: t.values[name], New: now})
		}
	}
	return out
}

// Changed reports whether field differs from the snapshot.
func (t *Tracked) Changed(e *entity.Entity, field string) bool {
	old, ok := t.values[field]
	return ok && !ir.Equal(old, e.Get(field))
}
