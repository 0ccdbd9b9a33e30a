package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/reconcile/internal/audit"
	"github.com/roach88/reconcile/internal/engine"
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/store"
)

// AssertionContext carries what state assertions read from.
type AssertionContext struct {
	Ctx     context.Context
	Engine  *engine.Engine
	Aliases map[string]ir.Ref
}

// AssertionError is returned when an assertion fails.
// It includes the audit trail to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Audit    []audit.Record
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Audit) > 0 {
		fmt.Fprintf(&buf, "\nAudit trail:\n")
		for i, r := range e.Audit {
			fmt.Fprintf(&buf, "  [%d] %s#%d %s %s %q\n", i+1, r.Kind, r.EntityID, r.Event, r.Code, r.Detail)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertAuditContains:
		return assertAuditContains(result.Audit, a, actx.Aliases)
	case AssertAuditOrder:
		return assertAuditOrder(result.Audit, a, actx.Aliases)
	case AssertAuditCount:
		return assertAuditCount(result.Audit, a, actx.Aliases)
	case AssertFinalState:
		return assertFinalState(actx, a)
	case AssertEntityCount:
		return assertEntityCount(actx, a)
	case AssertLinks:
		return assertLinks(actx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// auditFilter selects the records an audit assertion is about.
func auditFilter(a Assertion, aliases map[string]ir.Ref) (func(audit.Record) bool, error) {
	var target ir.Ref
	if a.Entity != "" {
		ref, ok := aliases[a.Entity]
		if !ok {
			return nil, fmt.Errorf("unknown entity alias %q", a.Entity)
		}
		target = ref
	}
	return func(r audit.Record) bool {
		if target.ID > 0 && (r.Kind != target.Kind || r.EntityID != target.ID) {
			return false
		}
		if a.Kind != "" && r.Kind != a.Kind {
			return false
		}
		if a.Event != "" && string(r.Event) != a.Event {
			return false
		}
		if a.Code != "" && r.Code != a.Code {
			return false
		}
		return a.Detail == "" || r.Detail == a.Detail
	}, nil
}

func describe(a Assertion) string {
	parts := []string{}
	for _, kv := range [][2]string{
		{"entity", a.Entity}, {"kind", a.Kind}, {"event", a.Event}, {"code", a.Code}, {"detail", a.Detail},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, " ")
}

// assertAuditContains checks that at least one record matches.
func assertAuditContains(trail []audit.Record, a Assertion, aliases map[string]ir.Ref) error {
	match, err := auditFilter(a, aliases)
	if err != nil {
		return err
	}
	if slices.ContainsFunc(trail, match) {
		return nil
	}
	return &AssertionError{
		Type:     AssertAuditContains,
		Expected: "audit record with " + describe(a),
		Actual:   "not found in audit trail",
		Audit:    trail,
	}
}

// assertAuditOrder checks an entity's codes appear in exactly this order.
func assertAuditOrder(trail []audit.Record, a Assertion, aliases map[string]ir.Ref) error {
	match, err := auditFilter(Assertion{Entity: a.Entity}, aliases)
	if err != nil {
		return err
	}
	var codes []string
	for _, r := range trail {
		if match(r) {
			codes = append(codes, r.Code)
		}
	}
	if !slices.Equal(codes, a.Codes) {
		return &AssertionError{
			Type:     AssertAuditOrder,
			Expected: fmt.Sprintf("codes %v for %s", a.Codes, a.Entity),
			Actual:   fmt.Sprintf("codes %v", codes),
			Audit:    trail,
		}
	}
	return nil
}

// assertAuditCount checks the number of matching records.
func assertAuditCount(trail []audit.Record, a Assertion, aliases map[string]ir.Ref) error {
	match, err := auditFilter(a, aliases)
	if err != nil {
		return err
	}
	count := 0
	for _, r := range trail {
		if match(r) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertAuditCount,
			Expected: fmt.Sprintf("%d records with %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d records", count),
			Audit:    trail,
		}
	}
	return nil
}

var statusNames = map[string]string{
	"active":   store.StatusActive,
	"inactive": store.StatusInactive,
	"deleted":  store.StatusDeleted,
}

// assertFinalState checks an aliased entity's stored status and values.
// Values are compared after coercion to the field's declared type, and a
// string given for a reference field names an alias.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	ref, ok := actx.Aliases[a.Entity]
	if !ok {
		return fmt.Errorf("unknown entity alias %q", a.Entity)
	}
	repo := actx.Engine.Repo
	e, found, err := repo.ByIdentity(actx.Ctx, ref.Kind, ref.ID)
	if err != nil {
		return err
	}
	if a.Missing {
		if found {
			return &AssertionError{Type: AssertFinalState, Expected: ref.String() + " missing", Actual: "entity exists"}
		}
		return nil
	}
	if !found {
		return &AssertionError{Type: AssertFinalState, Expected: ref.String() + " to exist", Actual: "entity not found"}
	}

	if a.Status != "" {
		want, ok := statusNames[a.Status]
		if !ok {
			want = a.Status
		}
		if e.Status != want {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s status %q", ref, want),
				Actual:   fmt.Sprintf("status %q", e.Status),
			}
		}
	}

	k, err := repo.Kind(ref.Kind)
	if err != nil {
		return err
	}
	for _, name := range ir.SortedKeys(a.Expect) {
		in := a.Expect[name]
		if f, ok := k.Resolve(name); ok && f.IsReference() {
			if alias, ok := in.(string); ok {
				target, ok := actx.Aliases[alias]
				if !ok {
					return fmt.Errorf("field %q: unknown entity alias %q", name, alias)
				}
				in = target.ID
			}
		}
		_, want, err := entity.Normalize(k, name, in)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		if got := e.Get(name); !ir.Equal(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %v", ref, name, ir.Native(want)),
				Actual:   fmt.Sprintf("%s.%s = %v", ref, name, ir.Native(got)),
			}
		}
	}
	return nil
}

// assertEntityCount checks how many entities of a kind exist.
func assertEntityCount(actx *AssertionContext, a Assertion) error {
	var opts []entity.QueryOption
	if a.IncludeDeleted {
		opts = append(opts, entity.IncludeDeleted())
	}
	n, err := actx.Engine.Repo.Count(actx.Ctx, a.Kind, nil, opts...)
	if err != nil {
		return err
	}
	if n != int64(a.Count) {
		return &AssertionError{
			Type:     AssertEntityCount,
			Expected: fmt.Sprintf("%d %s entities", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d entities", n),
		}
	}
	return nil
}

// assertLinks checks an entity's children of one kind, ignoring order.
func assertLinks(actx *AssertionContext, a Assertion) error {
	parent, ok := actx.Aliases[a.Entity]
	if !ok {
		return fmt.Errorf("unknown entity alias %q", a.Entity)
	}
	want := make([]int64, 0, len(a.Children))
	for _, alias := range a.Children {
		ref, ok := actx.Aliases[alias]
		if !ok {
			return fmt.Errorf("unknown entity alias %q", alias)
		}
		want = append(want, ref.ID)
	}
	children, err := actx.Engine.Relations.ChildrenOf(actx.Ctx, parent, a.Kind)
	if err != nil {
		return err
	}
	got := make([]int64, len(children))
	for i, c := range children {
		got[i] = c.ID
	}
	slices.Sort(want)
	slices.Sort(got)
	if !slices.Equal(want, got) {
		return &AssertionError{
			Type:     AssertLinks,
			Expected: fmt.Sprintf("%s children %v", parent, want),
			Actual:   fmt.Sprintf("children %v", got),
		}
	}
	return nil
}
