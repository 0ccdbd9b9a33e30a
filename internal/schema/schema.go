// Package schema holds the explicit per-kind field declarations the engine
// resolves once at registration time instead of introspecting records.
package schema

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
)

// fieldName restricts field names to identifiers so they can be embedded
// in JSON paths without quoting.
var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Field declares one named, typed entity field.
type Field struct {
	Name string       `yaml:"name" json:"name"`
	Type ir.FieldType `yaml:"type" json:"type"`

	// Target is the referenced kind for reference and collection fields.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`

	// Exempt keeps zero or negative reference ids as-is instead of
	// treating them as "clear the reference".
	Exempt bool `yaml:"exempt,omitempty" json:"exempt,omitempty"`
}

// IsReference reports whether the field holds a single reference.
func (f Field) IsReference() bool { return f.Type == ir.TypeReference }

// IsCollection reports whether the field holds a member-id set.
func (f Field) IsCollection() bool { return f.Type == ir.TypeCollection }

// Coerce normalizes caller input for this field, stamping the target kind
// on references.
func (f Field) Coerce(in any) (ir.Value, error) {
	v, err := ir.Coerce(f.Type, in)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.Name, err)
	}
	if r, ok := v.(ir.Ref); ok {
		r.Kind = f.Target
		return r, nil
	}
	return v, nil
}

// Kind declares the schema of one entity kind.
type Kind struct {
	Name   string  `yaml:"name" json:"name"`
	Fields []Field `yaml:"fields" json:"fields"`

	// UniqueTogether names fields whose values are jointly unique.
	UniqueTogether []string `yaml:"unique_together,omitempty" json:"unique_together,omitempty"`

	// StatusField exposes the record status (a/i/d) under this name.
	// Kinds without one are hard-deleted.
	StatusField string `yaml:"status_field,omitempty" json:"status_field,omitempty"`

	// ScopeField names the integer or reference field carrying the
	// tenant scope.
	ScopeField string `yaml:"scope_field,omitempty" json:"scope_field,omitempty"`

	byName map[string]int
}

// Field returns the declared field with exactly this name.
func (k *Kind) Field(name string) (Field, bool) {
	if k.byName != nil {
		i, ok := k.byName[name]
		if !ok {
			return Field{}, false
		}
		return k.Fields[i], true
	}
	for _, f := range k.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Resolve finds a field by name, applying reference shorthand in both
// directions: "owner_id" resolves a reference field "owner", and "owner"
// resolves a reference field declared as "owner_id".
func (k *Kind) Resolve(name string) (Field, bool) {
	if f, ok := k.Field(name); ok {
		return f, true
	}
	if base, ok := strings.CutSuffix(name, "_id"); ok {
		if f, ok := k.Field(base); ok && f.IsReference() {
			return f, true
		}
	}
	if f, ok := k.Field(name + "_id"); ok && f.IsReference() {
		return f, true
	}
	return Field{}, false
}

// FieldExists reports whether name resolves to a declared field, the
// status field, or the identity column.
func (k *Kind) FieldExists(name string) bool {
	if name == "id" || (k.StatusField != "" && name == k.StatusField) {
		return true
	}
	_, ok := k.Resolve(name)
	return ok
}

// UniqueFields returns the declared unique-together field names.
func (k *Kind) UniqueFields() ([]string, bool) {
	if len(k.UniqueTogether) == 0 {
		return nil, false
	}
	return slices.Clone(k.UniqueTogether), true
}

// Collections returns the collection-valued fields in declaration order.
func (k *Kind) Collections() []Field {
	var out []Field
	for _, f := range k.Fields {
		if f.IsCollection() {
			out = append(out, f)
		}
	}
	return out
}

// TypeOf reports the type of a declared column. It satisfies the column
// lookup ir.DecodeDocument expects.
func (k *Kind) TypeOf(column string) (ir.FieldType, bool) {
	f, ok := k.Field(column)
	if !ok {
		return "", false
	}
	return f.Type, true
}

// Validate checks the declaration for programmer errors.
func (k *Kind) Validate() error {
	if k.Name == "" {
		return failure.Configuration("", "kind name is required")
	}
	seen := make(map[string]bool, len(k.Fields))
	for _, f := range k.Fields {
		switch {
		case f.Name == "":
			return failure.Configuration(k.Name, "field name is required")
		case !fieldName.MatchString(f.Name):
			return failure.Configuration(k.Name, "field name %q is not an identifier", f.Name)
		case f.Name == "id":
			return failure.Configuration(k.Name, "field %q is reserved", f.Name)
		case seen[f.Name]:
			return failure.Configuration(k.Name, "duplicate field %q", f.Name)
		case !f.Type.Valid():
			return failure.Configuration(k.Name, "field %q: unknown type %q", f.Name, f.Type)
		case (f.IsReference() || f.IsCollection()) && f.Target == "":
			return failure.Configuration(k.Name, "field %q: %s requires a target kind", f.Name, f.Type)
		}
		seen[f.Name] = true
	}
	for _, name := range k.UniqueTogether {
		f, ok := k.Field(name)
		if !ok {
			return failure.Configuration(k.Name, "unique_together names unknown field %q", name)
		}
		if f.IsCollection() {
			return failure.Configuration(k.Name, "unique_together field %q is a collection", name)
		}
	}
	if k.StatusField != "" && !fieldName.MatchString(k.StatusField) {
		return failure.Configuration(k.Name, "status_field %q is not an identifier", k.StatusField)
	}
	if k.StatusField != "" && seen[k.StatusField] {
		return failure.Configuration(k.Name, "status_field %q collides with a declared field", k.StatusField)
	}
	if k.ScopeField != "" {
		f, ok := k.Field(k.ScopeField)
		if !ok {
			return failure.Configuration(k.Name, "scope_field names unknown field %q", k.ScopeField)
		}
		if f.Type != ir.TypeInteger && !f.IsReference() {
			return failure.Configuration(k.Name, "scope_field %q must be integer or reference", k.ScopeField)
		}
	}
	return nil
}

func (k *Kind) index() {
	k.byName = make(map[string]int, len(k.Fields))
	for i, f := range k.Fields {
		k.byName[f.Name] = i
	}
}

// Registry maps kind names to their declarations.
// Safe for concurrent use; kinds are immutable once registered.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*Kind)}
}

// Register validates and stores a kind. Re-registering a name fails.
func (r *Registry) Register(k Kind) error {
	if err := k.Validate(); err != nil {
		return err
	}
	k.Fields = slices.Clone(k.Fields)
	k.UniqueTogether = slices.Clone(k.UniqueTogether)
	k.index()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[k.Name]; exists {
		return failure.Configuration(k.Name, "kind already registered")
	}
	r.kinds[k.Name] = &k
	return nil
}

// Lookup returns the registered kind.
func (r *Registry) Lookup(name string) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// MustLookup returns the registered kind or panics.
func (r *Registry) MustLookup(name string) *Kind {
	k, ok := r.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("schema: kind %q not registered", name))
	}
	return k
}

// Require returns the registered kind or a configuration error.
func (r *Registry) Require(name string) (*Kind, error) {
	k, ok := r.Lookup(name)
	if !ok {
		return nil, failure.Configuration(name, "kind not registered")
	}
	return k, nil
}

// Names returns the registered kind names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
