package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/reconcile/internal/ir"
	"github.com/roach88/reconcile/internal/predicate"
	"github.com/roach88/reconcile/internal/schema"
)

// EntityColumns is the column list every entity query selects, in the
// order store scanners expect.
const EntityColumns = "e.id, e.kind, e.fields, e.status, e.scope, e.created, e.updated"

// StatusDeleted is the status value of soft-deleted entities.
const StatusDeleted = "d"

// Filter is a compiled WHERE fragment with ? placeholders and its
// parameters in order. Rebind happens once the full statement is known.
type Filter struct {
	SQL  string
	Args []any
}

// Query is a complete, dialect-bound statement.
type Query struct {
	SQL  string
	Args []any
}

// Compiler compiles predicates against a kind into store-native filters
// over the entities table (aliased e).
//
// CRITICAL: ALL row queries include ORDER BY with e.id as the final key.
// CRITICAL: All values are parameterized, never interpolated.
type Compiler struct {
	Dialect Dialect
}

// NewCompiler creates a Compiler for the dialect.
func NewCompiler(d Dialect) *Compiler {
	return &Compiler{Dialect: d}
}

// Compile converts a predicate to a WHERE fragment. A nil predicate
// compiles to "1 = 1".
func (c *Compiler) Compile(kind *schema.Kind, p predicate.Predicate) (Filter, error) {
	var args []any
	sql, err := c.compilePredicate(kind, p, &args)
	if err != nil {
		return Filter{}, err
	}
	return Filter{SQL: sql, Args: args}, nil
}

// SelectOptions shapes a row query.
type SelectOptions struct {
	// OrderBy lists field names; a leading "-" sorts descending.
	OrderBy []string

	// Limit caps the row count when positive.
	Limit int

	// Offset skips rows.
	Offset int

	// IncludeDeleted keeps soft-deleted rows for kinds with a status field.
	IncludeDeleted bool
}

// Select builds the full row query for kind filtered by p.
// MANDATORY: ends with e.id ASC so paging is stable.
func (c *Compiler) Select(kind *schema.Kind, p predicate.Predicate, opts SelectOptions) (Query, error) {
	where, args, err := c.where(kind, p, opts.IncludeDeleted)
	if err != nil {
		return Query{}, err
	}
	order, err := c.orderBy(kind, opts.OrderBy)
	if err != nil {
		return Query{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM entities e WHERE %s ORDER BY %s", EntityColumns, where, order)
	switch {
	case opts.Limit > 0:
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, opts.Limit, opts.Offset)
	case opts.Offset > 0 && c.Dialect == SQLite:
		b.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, opts.Offset)
	case opts.Offset > 0:
		b.WriteString(" OFFSET ?")
		args = append(args, opts.Offset)
	}
	return Query{SQL: c.Dialect.Rebind(b.String()), Args: args}, nil
}

// Count builds a COUNT(*) query for kind filtered by p.
func (c *Compiler) Count(kind *schema.Kind, p predicate.Predicate, includeDeleted bool) (Query, error) {
	where, args, err := c.where(kind, p, includeDeleted)
	if err != nil {
		return Query{}, err
	}
	sql := "SELECT COUNT(*) FROM entities e WHERE " + where
	return Query{SQL: c.Dialect.Rebind(sql), Args: args}, nil
}

func (c *Compiler) where(kind *schema.Kind, p predicate.Predicate, includeDeleted bool) (string, []any, error) {
	args := []any{kind.Name}
	clauses := []string{"e.kind = ?"}
	if kind.StatusField != "" && !includeDeleted {
		clauses = append(clauses, "e.status <> ?")
		args = append(args, StatusDeleted)
	}
	if p != nil {
		sql, err := c.compilePredicate(kind, p, &args)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		clauses = append(clauses, sql)
	}
	return strings.Join(clauses, " AND "), args, nil
}

// stableOrderKey is the mandatory final ORDER BY key.
func (c *Compiler) stableOrderKey() string {
	if c.Dialect == SQLite {
		// COLLATE BINARY keeps ordering identical across SQLite builds.
		return "e.id COLLATE BINARY ASC"
	}
	return "e.id ASC"
}

func (c *Compiler) orderBy(kind *schema.Kind, keys []string) (string, error) {
	parts := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		dir := "ASC"
		name := key
		if rest, ok := strings.CutPrefix(key, "-"); ok {
			dir, name = "DESC", rest
		}
		if name == "id" {
			parts = append(parts, "e.id "+dir)
			continue
		}
		col, err := c.column(kind, name)
		if err != nil {
			return "", err
		}
		if col.collection {
			return "", fmt.Errorf("cannot order by collection field %q", name)
		}
		parts = append(parts, col.expr+" "+dir)
	}
	parts = append(parts, c.stableOrderKey())
	return strings.Join(parts, ", "), nil
}

// compilePredicate compiles p, appending parameters to args.
// CRITICAL: Values NEVER interpolated - always ? placeholders.
func (c *Compiler) compilePredicate(kind *schema.Kind, p predicate.Predicate, args *[]any) (string, error) {
	switch n := p.(type) {
	case nil:
		return "1 = 1", nil
	case predicate.Leaf:
		return c.compileLeaf(kind, n, args)
	case *predicate.Leaf:
		return c.compileLeaf(kind, *n, args)
	case predicate.And:
		return c.compileBinary(kind, n.Left, n.Right, "AND", args)
	case predicate.Or:
		return c.compileBinary(kind, n.Left, n.Right, "OR", args)
	case predicate.Not:
		inner, err := c.compilePredicate(kind, n.Inner, args)
		if err != nil {
			return "", err
		}
		// An unset field makes the inner test NULL; negation treats
		// that as a non-match so NOT(x = v) keeps rows where x is unset.
		return "NOT (COALESCE(" + inner + ", FALSE))", nil
	case predicate.Group:
		inner, err := c.compilePredicate(kind, n.Inner, args)
		if err != nil {
			return "", err
		}
		switch n.Inner.(type) {
		case predicate.And, predicate.Or:
			return inner, nil // already parenthesized
		}
		return "(" + inner + ")", nil
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *Compiler) compileBinary(kind *schema.Kind, l, r predicate.Predicate, op string, args *[]any) (string, error) {
	left, err := c.compilePredicate(kind, l, args)
	if err != nil {
		return "", err
	}
	right, err := c.compilePredicate(kind, r, args)
	if err != nil {
		return "", err
	}
	return "(" + left + " " + op + " " + right + ")", nil
}

// column is the SQL expression a field name compiles to.
type column struct {
	expr       string // value expression, typed for comparisons
	text       string // value expression as text, for pattern operators
	field      string // declared field name
	collection bool
}

func (c *Compiler) column(kind *schema.Kind, name string) (column, error) {
	if name == "id" {
		return column{expr: "e.id", text: "CAST(e.id AS TEXT)", field: "id"}, nil
	}
	if kind.StatusField != "" && name == kind.StatusField {
		return column{expr: "e.status", text: "e.status", field: name}, nil
	}
	f, ok := kind.Resolve(name)
	if !ok {
		return column{}, fmt.Errorf("unknown field %q on kind %q", name, kind.Name)
	}
	if f.IsCollection() {
		return column{field: f.Name, collection: true}, nil
	}
	if c.Dialect == SQLite {
		expr := "json_extract(e.fields, '$." + f.Name + "')"
		return column{expr: expr, text: expr, field: f.Name}, nil
	}
	text := "(e.fields->>'" + f.Name + "')"
	expr := text
	switch f.Type {
	case ir.TypeInteger, ir.TypeReference:
		expr = "(" + text + ")::bigint"
	case ir.TypeFloat:
		expr = "(" + text + ")::double precision"
	case ir.TypeBoolean:
		expr = "(" + text + ")::boolean"
	}
	return column{expr: expr, text: text, field: f.Name}, nil
}

func (c *Compiler) compileLeaf(kind *schema.Kind, l predicate.Leaf, args *[]any) (string, error) {
	col, err := c.column(kind, l.Field)
	if err != nil {
		return "", err
	}
	if col.collection {
		return c.compileMembership(col, l, args)
	}

	switch l.Op {
	case predicate.OpExact, "":
		if ir.IsNull(l.Value) {
			return col.expr + " IS NULL", nil
		}
		return c.bind(col.expr+" = ?", args, l.Value)
	case predicate.OpNE:
		if ir.IsNull(l.Value) {
			return col.expr + " IS NOT NULL", nil
		}
		if c.Dialect == SQLite {
			return c.bind(col.expr+" IS NOT ?", args, l.Value)
		}
		return c.bind(col.expr+" IS DISTINCT FROM ?", args, l.Value)
	case predicate.OpGT:
		return c.bind(col.expr+" > ?", args, l.Value)
	case predicate.OpGTE:
		return c.bind(col.expr+" >= ?", args, l.Value)
	case predicate.OpLT:
		return c.bind(col.expr+" < ?", args, l.Value)
	case predicate.OpLTE:
		return c.bind(col.expr+" <= ?", args, l.Value)
	case predicate.OpIsNull:
		if isTrue(l.Value) {
			return col.expr + " IS NULL", nil
		}
		return col.expr + " IS NOT NULL", nil
	case predicate.OpIn:
		items, err := listOperand(l.Value)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", l.Field, err)
		}
		return c.bindIn(col.expr, items, args), nil
	case predicate.OpIExact:
		*args = append(*args, textOperand(l.Value))
		return "lower(" + col.text + ") = lower(?)", nil
	case predicate.OpContains, predicate.OpStartsWith, predicate.OpEndsWith, predicate.OpIContains:
		return c.compilePattern(col, l, args), nil
	default:
		return "", fmt.Errorf("unsupported operator %q", l.Op)
	}
}

// compilePattern compiles substring operators. SQLite's LIKE ignores ASCII
// case, so case-sensitive matching there uses GLOB.
func (c *Compiler) compilePattern(col column, l predicate.Leaf, args *[]any) string {
	s := textOperand(l.Value)
	if l.Op == predicate.OpIContains {
		*args = append(*args, "%"+escapeLike(strings.ToLower(s))+"%")
		if c.Dialect == SQLite {
			return "lower(" + col.text + ") LIKE ? ESCAPE '\\'"
		}
		return col.text + " ILIKE ? ESCAPE '\\'"
	}
	if c.Dialect == SQLite {
		g := escapeGlob(s)
		switch l.Op {
		case predicate.OpContains:
			g = "*" + g + "*"
		case predicate.OpStartsWith:
			g += "*"
		case predicate.OpEndsWith:
			g = "*" + g
		}
		*args = append(*args, g)
		return col.text + " GLOB ?"
	}
	pat := escapeLike(s)
	switch l.Op {
	case predicate.OpContains:
		pat = "%" + pat + "%"
	case predicate.OpStartsWith:
		pat += "%"
	case predicate.OpEndsWith:
		pat = "%" + pat
	}
	*args = append(*args, pat)
	return col.text + " LIKE ? ESCAPE '\\'"
}

// compileMembership compiles a collection leaf to an EXISTS subquery over
// entity_members.
func (c *Compiler) compileMembership(col column, l predicate.Leaf, args *[]any) (string, error) {
	const exists = "EXISTS (SELECT 1 FROM entity_members m WHERE m.entity_id = e.id AND m.field = ?"
	*args = append(*args, col.field)
	switch l.Op {
	case predicate.OpIsNull:
		if isTrue(l.Value) {
			return "NOT " + exists + ")", nil
		}
		return exists + ")", nil
	case predicate.OpExact, predicate.OpNE, "":
		id, err := memberID(l.Value)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", l.Field, err)
		}
		*args = append(*args, id)
		if l.Op == predicate.OpNE {
			return "NOT " + exists + " AND m.member_id = ?)", nil
		}
		return exists + " AND m.member_id = ?)", nil
	case predicate.OpIn:
		items, err := listOperand(l.Value)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", l.Field, err)
		}
		return exists + " AND " + c.bindIn("m.member_id", items, args) + ")", nil
	}
	return "", fmt.Errorf("operator %q does not apply to collection field %q", l.Op, l.Field)
}

func (c *Compiler) bind(sql string, args *[]any, v ir.Value) (string, error) {
	if _, ok := v.(ir.List); ok {
		return "", fmt.Errorf("list operand needs the in operator")
	}
	*args = append(*args, param(v))
	return sql, nil
}

func (c *Compiler) bindIn(expr string, items []any, args *[]any) string {
	if len(items) == 0 {
		return "1 = 0"
	}
	marks := make([]string, len(items))
	for i := range items {
		marks[i] = "?"
	}
	*args = append(*args, items...)
	return expr + " IN (" + strings.Join(marks, ", ") + ")"
}

// param converts a value to its driver parameter.
func param(v ir.Value) any {
	return ir.Native(v)
}

func isTrue(v ir.Value) bool {
	b, ok := v.(ir.Bool)
	return !ok || bool(b)
}

func textOperand(v ir.Value) string {
	switch val := v.(type) {
	case ir.String:
		return string(val)
	case nil, ir.Null:
		return ""
	}
	return fmt.Sprint(ir.Native(v))
}

func listOperand(v ir.Value) ([]any, error) {
	switch val := v.(type) {
	case ir.List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = param(elem)
		}
		return out, nil
	case ir.RefSet:
		out := make([]any, len(val))
		for i, id := range val {
			out[i] = id
		}
		return out, nil
	}
	return nil, fmt.Errorf("in needs a list operand, got %T", v)
}

func memberID(v ir.Value) (int64, error) {
	switch val := v.(type) {
	case ir.Int:
		return int64(val), nil
	case ir.Ref:
		return val.ID, nil
	}
	return 0, fmt.Errorf("membership test needs an id, got %T", v)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var globEscaper = strings.NewReplacer(`*`, `[*]`, `?`, `[?]`, `[`, `[[]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
