package engine

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/failure"
	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/predicate"
	"github.com/roach88/reconcile/internal/schema"
)

// conditionDoc is the file form of a condition row. Unlike
// predicate.Condition it carries its operand, typed later against the
// kind's fields.
type conditionDoc struct {
	Attr       string       `yaml:"attr"`
	Op         predicate.Op `yaml:"op"`
	Value      any          `yaml:"value"`
	Negate     bool         `yaml:"negate"`
	LogicalAnd bool         `yaml:"logical_and"`
	GroupPrev  bool         `yaml:"group_prev"`
	SortOrder  *int         `yaml:"sort_order"`
}

// ParseConditions decodes a YAML list of condition rows for kind.
// Rows without sort_order keep file order. A missing op means exact.
func ParseConditions(kind *schema.Kind, data []byte) ([]predicate.Condition, error) {
	var docs []conditionDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse conditions: %w", err)
	}
	rows := make([]predicate.Condition, 0, len(docs))
	for i, d := range docs {
		if d.Attr == "" {
			return nil, failure.Configuration(kind.Name, "condition %d: attr is required", i)
		}
		if d.Op == "" {
			d.Op = predicate.OpExact
		}
		v, err := operand(kind, d.Attr, d.Op, d.Value)
		if err != nil {
			return nil, failure.Wrap(failure.CodeConfiguration, err, "condition %d", i)
		}
		order := i
		if d.SortOrder != nil {
			order = *d.SortOrder
		}
		rows = append(rows, predicate.Condition{
			Attr:       d.Attr,
			Op:         d.Op,
			Value:      v,
			Negate:     d.Negate,
			LogicalAnd: d.LogicalAnd,
			GroupPrev:  d.GroupPrev,
			SortOrder:  order,
		})
	}
	return rows, nil
}

func operand(kind *schema.Kind, attr string, op predicate.Op, raw any) (ir.Value, error) {
	switch {
	case op == predicate.OpIsNull:
		return ir.Coerce(ir.TypeBoolean, raw)
	case op == predicate.OpIn, op.Textual():
		return ir.Infer(raw)
	}
	f, ok := kind.Resolve(attr)
	if !ok {
		return ir.Infer(raw)
	}
	if f.IsCollection() {
		return ir.Coerce(ir.TypeReference, raw)
	}
	return f.Coerce(raw)
}

// SaveConditions stores rows under groupKey, replacing any earlier group.
// Rows are validated against kind first so a stored group always
// compiles.
func (e *Engine) SaveConditions(ctx context.Context, kind, groupKey string, rows []predicate.Condition) error {
	k, err := e.Repo.Kind(kind)
	if err != nil {
		return err
	}
	if err := predicate.Validate(k, predicate.FromConditions(rows)); err != nil {
		return err
	}
	return e.Store.SaveConditions(ctx, groupKey, rows)
}

// Filter loads the group stored under groupKey and builds its predicate.
// An unknown group yields nil, which matches everything.
func (e *Engine) Filter(ctx context.Context, groupKey string) (predicate.Predicate, error) {
	rows, err := e.Store.LoadConditions(ctx, groupKey)
	if err != nil {
		return nil, err
	}
	return predicate.FromConditions(rows), nil
}

// QueryConditions returns the entities of kind selected by rows.
func (e *Engine) QueryConditions(ctx context.Context, kind string, rows []predicate.Condition, opts ...entity.QueryOption) ([]*entity.Entity, error) {
	return e.Repo.All(ctx, kind, predicate.FromConditions(rows), opts...)
}

// QueryGroup returns the entities of kind selected by a stored group.
func (e *Engine) QueryGroup(ctx context.Context, kind, groupKey string, opts ...entity.QueryOption) ([]*entity.Entity, error) {
	p, err := e.Filter(ctx, groupKey)
	if err != nil {
		return nil, err
	}
	return e.Repo.All(ctx, kind, p, opts...)
}
