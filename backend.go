package gloup

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
// Filters
// ============================================================================

// FilterOp is a predicate operator understood by the backend.
type FilterOp string

const (
	OpEq    FilterOp = "eq"
	OpNeq   FilterOp = "neq"
	OpGt    FilterOp = "gt"
	OpGte   FilterOp = "gte"
	OpLt    FilterOp = "lt"
	OpLte   FilterOp = "lte"
	OpLike  FilterOp = "like"
	OpILike FilterOp = "ilike"
	OpIn    FilterOp = "in"
	OpIs    FilterOp = "is"
	OpOr    FilterOp = "or"
	OpAnd   FilterOp = "and"
)

// Filter is one predicate. Or/And filters hold their operands in Children.
type Filter struct {
	Column   string
	Op       FilterOp
	Value    any
	Children []Filter
}

func Eq(column string, value any) Filter { return Filter{Column: column, Op: OpEq, Value: value} }
func Neq(column string, value any) Filter { return Filter{Column: column, Op: OpNeq, Value: value} }
func Gt(column string, value any) Filter { return Filter{Column: column, Op: OpGt, Value: value} }
func Gte(column string, value any) Filter { return Filter{Column: column, Op: OpGte, Value: value} }
func Lt(column string, value any) Filter { return Filter{Column: column, Op: OpLt, Value: value} }
func Lte(column string, value any) Filter { return Filter{Column: column, Op: OpLte, Value: value} }
func Like(column, pattern string) Filter { return Filter{Column: column, Op: OpLike, Value: pattern} }
func ILike(column, pattern string) Filter { return Filter{Column: column, Op: OpILike, Value: pattern} }
func Is(column string, value any) Filter { return Filter{Column: column, Op: OpIs, Value: value} }
func Or(filters ...Filter) Filter { return Filter{Op: OpOr, Children: filters} }
func And(filters ...Filter) Filter { return Filter{Op: OpAnd, Children: filters} }
func In(column string, values ...any) Filter { return Filter{Column: column, Op: OpIn, Value: values} }

// InStrings is In for a string slice.
func InStrings(column string, values []string) Filter {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return In(column, vs...)
}

// Expr renders the filter in the backend's inline form, e.g. "user_id.eq.42"
// or "or(kind.eq.fire,kind.eq.glow)".
func (f Filter) Expr() string {
	switch f.Op {
	case OpOr, OpAnd:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = c.Expr()
		}
		return string(f.Op) + "(" + strings.Join(parts, ",") + ")"
	default:
		return f.Column + "." + string(f.Op) + "." + f.operand()
	}
}

// operand renders only the value part ("42", "(a,b)", "null").
func (f Filter) operand() string {
	switch f.Op {
	case OpIn:
		vals, _ := f.Value.([]any)
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = formatValue(v)
		}
		return "(" + strings.Join(parts, ",") + ")"
	case OpIs:
		if f.Value == nil {
			return "null"
		}
		return formatValue(f.Value)
	default:
		return formatValue(f.Value)
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Order is one ORDER BY term.
type Order struct {
	Column    string
	Ascending bool
}

func (o Order) String() string {
	if o.Ascending {
		return o.Column + ".asc"
	}
	return o.Column + ".desc"
}

// ============================================================================
// Queries and Mutations
// ============================================================================

// SelectQuery is a read against one table.
type SelectQuery struct {
	Table   string
	Columns []string
	Filters []Filter
	Order   []Order
	Limit   int
	Offset  int
}

// Signature is the canonical key used to aggregate query metrics. Filter
// order does not change it.
func (q SelectQuery) Signature() string {
	filters := make([]string, len(q.Filters))
	for i, f := range q.Filters {
		filters[i] = f.Expr()
	}
	sort.Strings(filters)
	orders := make([]string, len(q.Order))
	for i, o := range q.Order {
		orders[i] = o.String()
	}
	return fmt.Sprintf("%s?f=%s&o=%s&l=%d", q.Table, strings.Join(filters, "&"), strings.Join(orders, ","), q.Limit)
}

// Verb is a mutation kind.
type Verb string

const (
	VerbInsert Verb = "insert"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
	VerbUpsert Verb = "upsert"
)

// Mutation is a write against one table. Match scopes update and delete.
type Mutation struct {
	Table      string
	Verb       Verb
	Values     Row
	Match      []Filter
	OnConflict []string
}

func (m Mutation) String() string {
	return string(m.Verb) + " " + m.Table
}

// Selector reads rows from the backend.
type Selector interface {
	Select(ctx context.Context, q SelectQuery) ([]Row, error)
}

// Mutator writes rows to the backend and returns the affected rows.
type Mutator interface {
	Mutate(ctx context.Context, m Mutation) ([]Row, error)
}

// Backend is the relational read/write surface of the hosted platform.
type Backend interface {
	Selector
	Mutator
}
