package diff

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/ir"
)

// Delta is the set of fields whose proposed value differs from the
// stored one.
type Delta struct {
	Kind string

	// Values holds changed scalar and reference fields.
	Values map[string]ir.Value

	// Members holds changed collection fields.
	Members map[string]ir.RefSet
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.Values) == 0 && len(d.Members) == 0
}

// Names returns every changed field name, sorted.
func (d Delta) Names() []string {
	names := make([]string, 0, len(d.Values)+len(d.Members))
	names = slices.AppendSeq(names, maps.Keys(d.Values))
	names = slices.AppendSeq(names, maps.Keys(d.Members))
	slices.Sort(names)
	return names
}

// changes flattens d into one map keyed by field name.
func (d Delta) changes() map[string]ir.Value {
	out := make(map[string]ir.Value, len(d.Values)+len(d.Members))
	maps.Copy(out, d.Values)
	for name, set := range d.Members {
		out[name] = set
	}
	return out
}

// ComputeDelta normalizes proposed against e's kind and keeps the keys
// whose value differs from e.
//
// References may be given as raw ids or entity handles. A non-positive
// reference id clears the field unless the field is exempt. Unknown
// fields fail with CONFIGURATION.
func (en *Engine) ComputeDelta(ctx context.Context, e *entity.Entity, proposed map[string]any) (Delta, error) {
	d := Delta{Kind: e.Kind, Values: map[string]ir.Value{}, Members: map[string]ir.RefSet{}}
	k, err := en.repo.Kind(e.Kind)
	if err != nil {
		return d, err
	}
	normalized, err := entity.NormalizeAll(k, proposed)
	if err != nil {
		return d, err
	}
	for name, v := range normalized {
		if ir.Equal(e.Get(name), v) {
			continue
		}
		if set, ok := v.(ir.RefSet); ok {
			d.Members[name] = set
			continue
		}
		d.Values[name] = v
	}
	return d, nil
}
