package entity

import (
	"maps"
	"time"

	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/store"
)

// Entity is one stored record.
//
// Values holds scalar and reference columns keyed by declared field name;
// Members holds collection fields. A column absent from Values reads as
// null.
type Entity struct {
	Kind    string
	ID      int64
	Values  map[string]ir.Value
	Members map[string]ir.RefSet
	Status  string
	Scope   int64
	Created time.Time
	Updated time.Time

	flags map[string]string // nil until loaded
}

// Ref returns the type-erased reference to e.
func (e *Entity) Ref() ir.Ref {
	return ir.Ref{Kind: e.Kind, ID: e.ID}
}

// Identity satisfies ir.Identifiable so an entity can be passed wherever
// a reference value is accepted.
func (e *Entity) Identity() ir.Ref {
	return e.Ref()
}

// Get returns the value of a field: a ref set for collections, null for
// unset columns.
func (e *Entity) Get(name string) ir.Value {
	if set, ok := e.Members[name]; ok {
		return set
	}
	if v, ok := e.Values[name]; ok && v != nil {
		return v
	}
	return ir.Null{}
}

// Deleted reports whether e is soft-deleted.
func (e *Entity) Deleted() bool {
	return e.Status == store.StatusDeleted
}

// Active reports whether e has the active status.
func (e *Entity) Active() bool {
	return e.Status == store.StatusActive
}

// Clone returns a deep copy of e without the flag cache.
func (e *Entity) Clone() *Entity {
	cp := *e
	cp.Values = maps.Clone(e.Values)
	cp.Members = make(map[string]ir.RefSet, len(e.Members))
	for k, v := range e.Members {
		cp.Members[k] = ir.NewRefSet(v...)
	}
	cp.flags = nil
	return &cp
}

// CachedFlags returns the loaded flag cache.
func (e *Entity) CachedFlags() (map[string]string, bool) {
	return e.flags, e.flags != nil
}

// CacheFlags replaces the flag cache.
func (e *Entity) CacheFlags(flags map[string]string) {
	if flags == nil {
		flags = map[string]string{}
	}
	e.flags = flags
}

// InvalidateFlags drops the flag cache so the next read reloads it.
func (e *Entity) InvalidateFlags() {
	e.flags = nil
}
