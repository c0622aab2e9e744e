package sql

import (
	"strconv"
	"strings"

	"github.com/quarrydb/quarry/dialect"
)

// Querier wraps the Query method. It is implemented by all statement
// builders in this package.
type Querier interface {
	// Query returns the query representation of the element
	// and its arguments (if any).
	Query() (string, []any)
}

// Builder is the base struct shared by the statement builders. It keeps
// track of the written query, the collected arguments and the dialect
// placeholder counter.
type Builder struct {
	sb      strings.Builder
	dialect string
	args    []any
}

// Dialect reports the configured dialect, defaulting to SQLite placeholders.
func (b *Builder) Dialect() string { return b.dialect }

// SetDialect sets the builder dialect. It is used for SQL generation
// that differs between backends, such as argument placeholders.
func (b *Builder) SetDialect(dialect string) { b.dialect = dialect }

func (b *Builder) postgres() bool { return b.dialect == dialect.Postgres }

// WriteString appends the given string to the query buffer.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// WriteByte appends the given byte to the query buffer.
func (b *Builder) WriteByte(c byte) *Builder {
	b.sb.WriteByte(c)
	return b
}

// Ident appends the given string as an identifier.
func (b *Builder) Ident(s string) *Builder {
	switch {
	case b.postgres():
		b.sb.WriteByte('"')
		b.sb.WriteString(s)
		b.sb.WriteByte('"')
	case b.dialect == dialect.MySQL:
		b.sb.WriteByte('`')
		b.sb.WriteString(s)
		b.sb.WriteByte('`')
	default:
		b.sb.WriteString(s)
	}
	return b
}

// Arg appends the given argument to the statement and writes the
// dialect-appropriate placeholder to the query buffer.
func (b *Builder) Arg(v any) *Builder {
	b.args = append(b.args, v)
	if b.postgres() {
		b.sb.WriteByte('$')
		b.sb.WriteString(strconv.Itoa(len(b.args)))
	} else {
		b.sb.WriteByte('?')
	}
	return b
}

// Args appends a comma-separated list of arguments.
func (b *Builder) Args(vs ...any) *Builder {
	for i, v := range vs {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Arg(v)
	}
	return b
}

// String returns the accumulated query text.
func (b *Builder) String() string { return b.sb.String() }

// Predicate is a where-clause predicate. Predicates are composed with
// And, Or and Not, and rendered into a statement builder on demand.
type Predicate struct {
	fns []func(*Builder)
}

// P creates a new predicate, optionally from the given render functions.
func P(fns ...func(*Builder)) *Predicate {
	return &Predicate{fns: fns}
}

func (p *Predicate) append(fn func(*Builder)) *Predicate {
	p.fns = append(p.fns, fn)
	return p
}

func (p *Predicate) render(b *Builder) {
	for _, fn := range p.fns {
		fn(b)
	}
}

// And combines all given predicates with AND between them.
func And(preds ...*Predicate) *Predicate {
	p := P()
	return p.append(func(b *Builder) {
		b.WriteByte('(')
		for i, pred := range preds {
			if i > 0 {
				b.WriteString(" AND ")
			}
			pred.render(b)
		}
		b.WriteByte(')')
	})
}

// Or combines all given predicates with OR between them.
func Or(preds ...*Predicate) *Predicate {
	p := P()
	return p.append(func(b *Builder) {
		b.WriteByte('(')
		for i, pred := range preds {
			if i > 0 {
				b.WriteString(" OR ")
			}
			pred.render(b)
		}
		b.WriteByte(')')
	})
}

// Not wraps the given predicate with NOT.
func Not(pred *Predicate) *Predicate {
	p := P()
	return p.append(func(b *Builder) {
		b.WriteString("NOT (")
		pred.render(b)
		b.WriteByte(')')
	})
}

func binary(col, op string, v any) *Predicate {
	p := P()
	return p.append(func(b *Builder) {
		b.Ident(col)
		b.WriteString(" " + op + " ")
		b.Arg(v)
	})
}

// EQ returns a "=" predicate.
func EQ(col string, v any) *Predicate { return binary(col, "=", v) }

// NEQ returns a "<>" predicate.
func NEQ(col string, v any) *Predicate { return binary(col, "<>", v) }

// GT returns a ">" predicate.
func GT(col string, v any) *Predicate { return binary(col, ">", v) }

// GTE returns a ">=" predicate.
func GTE(col string, v any) *Predicate { return binary(col, ">=", v) }

// LT returns a "<" predicate.
func LT(col string, v any) *Predicate { return binary(col, "<", v) }

// LTE returns a "<=" predicate.
func LTE(col string, v any) *Predicate { return binary(col, "<=", v) }

// Like returns a "LIKE" predicate.
func Like(col, pattern string) *Predicate { return binary(col, "LIKE", pattern) }

// In returns an "IN" predicate.
func In(col string, vs ...any) *Predicate {
	p := P()
	return p.append(func(b *Builder) {
		b.Ident(col)
		if len(vs) == 0 {
			// An empty IN-set matches no rows.
			b.WriteString(" IN (NULL)")
			return
		}
		b.WriteString(" IN (")
		b.Args(vs...)
		b.WriteByte(')')
	})
}

// NotIn returns a "NOT IN" predicate.
func NotIn(col string, vs ...any) *Predicate {
	p := P()
	return p.append(func(b *Builder) {
		b.Ident(col)
		if len(vs) == 0 {
			b.WriteString(" NOT IN (NULL)")
			return
		}
		b.WriteString(" NOT IN (")
		b.Args(vs...)
		b.WriteByte(')')
	})
}

// IsNull returns an "IS NULL" predicate.
func IsNull(col string) *Predicate {
	p := P()
	return p.append(func(b *Builder) {
		b.Ident(col)
		b.WriteString(" IS NULL")
	})
}

// NotNull returns an "IS NOT NULL" predicate.
func NotNull(col string) *Predicate {
	p := P()
	return p.append(func(b *Builder) {
		b.Ident(col)
		b.WriteString(" IS NOT NULL")
	})
}

// Selector builds a SELECT statement.
type Selector struct {
	Builder
	columns  []string
	from     string
	where    *Predicate
	orderBy  []string
	limit    *int
	offset   *int
	distinct bool
}

// Select returns a new selector for the given columns.
func Select(columns ...string) *Selector {
	return &Selector{columns: columns}
}

// Dialect sets the dialect and returns the selector for chaining.
func (s *Selector) Dialect(dialect string) *Selector {
	s.SetDialect(dialect)
	return s
}

// From sets the source table of the selection.
func (s *Selector) From(table string) *Selector {
	s.from = table
	return s
}

// Distinct marks the selection as DISTINCT.
func (s *Selector) Distinct() *Selector {
	s.distinct = true
	return s
}

// Where ANDs the given predicate into the selector's where clause.
func (s *Selector) Where(p *Predicate) *Selector {
	if s.where != nil {
		s.where = And(s.where, p)
	} else {
		s.where = p
	}
	return s
}

// P returns the predicate of the selector, or nil.
func (s *Selector) P() *Predicate { return s.where }

// OrderBy appends order-by terms to the selection.
func (s *Selector) OrderBy(columns ...string) *Selector {
	s.orderBy = append(s.orderBy, columns...)
	return s
}

// Limit sets the LIMIT of the selection.
func (s *Selector) Limit(n int) *Selector {
	s.limit = &n
	return s
}

// Offset sets the OFFSET of the selection.
func (s *Selector) Offset(n int) *Selector {
	s.offset = &n
	return s
}

// Query returns query representation of the SELECT statement.
func (s *Selector) Query() (string, []any) {
	s.WriteString("SELECT ")
	if s.distinct {
		s.WriteString("DISTINCT ")
	}
	if len(s.columns) == 0 {
		s.WriteByte('*')
	}
	for i, c := range s.columns {
		if i > 0 {
			s.WriteString(", ")
		}
		s.Ident(c)
	}
	s.WriteString(" FROM ")
	s.Ident(s.from)
	if s.where != nil {
		s.WriteString(" WHERE ")
		s.where.render(&s.Builder)
	}
	for i, c := range s.orderBy {
		if i == 0 {
			s.WriteString(" ORDER BY ")
		} else {
			s.WriteString(", ")
		}
		s.Ident(c)
	}
	if s.limit != nil {
		s.WriteString(" LIMIT ")
		s.WriteString(strconv.Itoa(*s.limit))
	}
	if s.offset != nil {
		s.WriteString(" OFFSET ")
		s.WriteString(strconv.Itoa(*s.offset))
	}
	return s.String(), s.args
}

// InsertBuilder builds an INSERT statement, optionally multi-row and
// optionally with a RETURNING clause for dialects that support it.
type InsertBuilder struct {
	Builder
	table     string
	columns   []string
	values    [][]any
	returning []string
}

// Insert returns a new insert builder for the given table.
func Insert(table string) *InsertBuilder {
	return &InsertBuilder{table: table}
}

// Dialect sets the dialect and returns the builder for chaining.
func (i *InsertBuilder) Dialect(dialect string) *InsertBuilder {
	i.SetDialect(dialect)
	return i
}

// Columns sets the columns of the insertion.
func (i *InsertBuilder) Columns(columns ...string) *InsertBuilder {
	i.columns = columns
	return i
}

// Values appends one row of values. Multiple calls produce a
// multi-row insert.
func (i *InsertBuilder) Values(values ...any) *InsertBuilder {
	i.values = append(i.values, values)
	return i
}

// Returning adds a RETURNING clause. It is effective only for
// dialects that support it.
func (i *InsertBuilder) Returning(columns ...string) *InsertBuilder {
	i.returning = columns
	return i
}

// Query returns query representation of the INSERT statement.
func (i *InsertBuilder) Query() (string, []any) {
	i.WriteString("INSERT INTO ")
	i.Ident(i.table)
	i.WriteString(" (")
	for j, c := range i.columns {
		if j > 0 {
			i.WriteString(", ")
		}
		i.Ident(c)
	}
	i.WriteString(") VALUES ")
	for j, row := range i.values {
		if j > 0 {
			i.WriteString(", ")
		}
		i.WriteByte('(')
		i.Args(row...)
		i.WriteByte(')')
	}
	if len(i.returning) > 0 && i.postgres() {
		i.WriteString(" RETURNING ")
		for j, c := range i.returning {
			if j > 0 {
				i.WriteString(", ")
			}
			i.Ident(c)
		}
	}
	return i.String(), i.args
}

// UpdateBuilder builds an UPDATE statement.
type UpdateBuilder struct {
	Builder
	table   string
	columns []string
	values  []any
	where   *Predicate
}

// Update returns a new update builder for the given table.
func Update(table string) *UpdateBuilder {
	return &UpdateBuilder{table: table}
}

// Dialect sets the dialect and returns the builder for chaining.
func (u *UpdateBuilder) Dialect(dialect string) *UpdateBuilder {
	u.SetDialect(dialect)
	return u
}

// Set sets a column to the given value.
func (u *UpdateBuilder) Set(column string, v any) *UpdateBuilder {
	u.columns = append(u.columns, column)
	u.values = append(u.values, v)
	return u
}

// Where ANDs the given predicate into the update's where clause.
func (u *UpdateBuilder) Where(p *Predicate) *UpdateBuilder {
	if u.where != nil {
		u.where = And(u.where, p)
	} else {
		u.where = p
	}
	return u
}

// Empty reports whether the update builder has no assignments.
func (u *UpdateBuilder) Empty() bool { return len(u.columns) == 0 }

// Query returns query representation of the UPDATE statement.
func (u *UpdateBuilder) Query() (string, []any) {
	u.WriteString("UPDATE ")
	u.Ident(u.table)
	u.WriteString(" SET ")
	for j, c := range u.columns {
		if j > 0 {
			u.WriteString(", ")
		}
		u.Ident(c)
		u.WriteString(" = ")
		u.Arg(u.values[j])
	}
	if u.where != nil {
		u.WriteString(" WHERE ")
		u.where.render(&u.Builder)
	}
	return u.String(), u.args
}

// DeleteBuilder builds a DELETE statement.
type DeleteBuilder struct {
	Builder
	table string
	where *Predicate
}

// Delete returns a new delete builder for the given table.
func Delete(table string) *DeleteBuilder {
	return &DeleteBuilder{table: table}
}

// Dialect sets the dialect and returns the builder for chaining.
func (d *DeleteBuilder) Dialect(dialect string) *DeleteBuilder {
	d.SetDialect(dialect)
	return d
}

// Where ANDs the given predicate into the delete's where clause.
func (d *DeleteBuilder) Where(p *Predicate) *DeleteBuilder {
	if d.where != nil {
		d.where = And(d.where, p)
	} else {
		d.where = p
	}
	return d
}

// Query returns query representation of the DELETE statement.
func (d *DeleteBuilder) Query() (string, []any) {
	d.WriteString("DELETE FROM ")
	d.Ident(d.table)
	if d.where != nil {
		d.WriteString(" WHERE ")
		d.where.render(&d.Builder)
	}
	return d.String(), d.args
}

// The Field* helpers return selector-level predicates. They are the
// building blocks used by the generic typed fields in predicate.go.

// FieldEQ returns a predicate function checking the field equals the value.
func FieldEQ(name string, v any) func(*Selector) {
	return func(s *Selector) { s.Where(EQ(name, v)) }
}

// FieldNEQ returns a predicate function checking the field differs from the value.
func FieldNEQ(name string, v any) func(*Selector) {
	return func(s *Selector) { s.Where(NEQ(name, v)) }
}

// FieldGT returns a predicate function checking the field is greater than the value.
func FieldGT(name string, v any) func(*Selector) {
	return func(s *Selector) { s.Where(GT(name, v)) }
}

// FieldGTE returns a predicate function checking the field is greater than or equal to the value.
func FieldGTE(name string, v any) func(*Selector) {
	return func(s *Selector) { s.Where(GTE(name, v)) }
}

// FieldLT returns a predicate function checking the field is less than the value.
func FieldLT(name string, v any) func(*Selector) {
	return func(s *Selector) { s.Where(LT(name, v)) }
}

// FieldLTE returns a predicate function checking the field is less than or equal to the value.
func FieldLTE(name string, v any) func(*Selector) {
	return func(s *Selector) { s.Where(LTE(name, v)) }
}

// FieldIn returns a predicate function checking the field value is in the given list.
func FieldIn[T any](name string, vs ...T) func(*Selector) {
	return func(s *Selector) {
		anys := make([]any, len(vs))
		for i := range vs {
			anys[i] = vs[i]
		}
		s.Where(In(name, anys...))
	}
}

// FieldNotIn returns a predicate function checking the field value is not in the given list.
func FieldNotIn[T any](name string, vs ...T) func(*Selector) {
	return func(s *Selector) {
		anys := make([]any, len(vs))
		for i := range vs {
			anys[i] = vs[i]
		}
		s.Where(NotIn(name, anys...))
	}
}

// FieldIsNull returns a predicate function checking the field is null.
func FieldIsNull(name string) func(*Selector) {
	return func(s *Selector) { s.Where(IsNull(name)) }
}

// FieldNotNull returns a predicate function checking the field is not null.
func FieldNotNull(name string) func(*Selector) {
	return func(s *Selector) { s.Where(NotNull(name)) }
}

// FieldContains returns a predicate function checking the field contains the substring.
func FieldContains(name, substr string) func(*Selector) {
	return func(s *Selector) { s.Where(Like(name, "%"+escapeLike(substr)+"%")) }
}

// FieldHasPrefix returns a predicate function checking the field starts with the prefix.
func FieldHasPrefix(name, prefix string) func(*Selector) {
	return func(s *Selector) { s.Where(Like(name, escapeLike(prefix)+"%")) }
}

// FieldHasSuffix returns a predicate function checking the field ends with the suffix.
func FieldHasSuffix(name, suffix string) func(*Selector) {
	return func(s *Selector) { s.Where(Like(name, "%"+escapeLike(suffix))) }
}

// escapeLike escapes the LIKE wildcard characters in the given literal.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}
