package orm

import (
	"context"
	"database/sql"
	"reflect"
	"time"

	"github.com/quarrydb/quarry"
	sqld "github.com/quarrydb/quarry/dialect/sql"
)

// Query loads mapped instances from the database into the session.
// Results are registered in the identity map: loading a row whose
// identity key is already present returns the existing instance rather
// than a duplicate.
type Query struct {
	s         *Session
	m         *Mapper
	err       error
	preds     []func(*sqld.Selector)
	orderBy   []string
	limit     int
	offset    int
	autoflush bool
}

// Query returns a query for the mapped type of the given template
// value, for example s.Query(&User{}).
func (s *Session) Query(template any) *Query {
	m, err := s.registry.mapperOf(template)
	if err != nil {
		return &Query{s: s, err: err}
	}
	return s.QueryMapper(m)
}

// QueryMapper returns a query for the given mapper.
func (s *Session) QueryMapper(m *Mapper) *Query {
	return &Query{s: s, m: m, limit: -1, offset: -1, autoflush: s.autoflush}
}

// Where adds predicates to the query. Predicates compose with AND.
func (q *Query) Where(preds ...func(*sqld.Selector)) *Query {
	q.preds = append(q.preds, preds...)
	return q
}

// OrderBy appends order-by columns.
func (q *Query) OrderBy(columns ...string) *Query {
	q.orderBy = append(q.orderBy, columns...)
	return q
}

// Limit bounds the number of returned rows.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// WithoutAutoflush disables the flush-before-query for this query, so
// it runs against last-flushed state only.
func (q *Query) WithoutAutoflush() *Query {
	q.autoflush = false
	return q
}

// All executes the query and returns all matching instances.
func (q *Query) All(ctx context.Context) ([]any, error) {
	if q.err != nil {
		return nil, q.err
	}
	if err := q.maybeFlush(ctx); err != nil {
		return nil, err
	}
	return q.scan(ctx)
}

// One executes the query and returns exactly one instance. It returns
// a NotFoundError when no row matches and a NotSingularError when more
// than one does.
func (q *Query) One(ctx context.Context) (any, error) {
	if q.err != nil {
		return nil, q.err
	}
	all, err := q.Limit(2).All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(all) {
	case 1:
		return all[0], nil
	case 0:
		return nil, quarry.NewNotFoundError(q.m.Name())
	default:
		return nil, quarry.NewNotSingularErrorWithCount(q.m.Name(), len(all))
	}
}

// ByID loads the instance with the given primary-key values. If the
// identity key is already present in the session, the registered
// instance is returned without hitting the database, unless its
// attributes are expired.
func (q *Query) ByID(ctx context.Context, pkValues ...any) (any, error) {
	if q.err != nil {
		return nil, q.err
	}
	if len(pkValues) != len(q.m.pk) {
		return nil, usageErrorf("%s has %d primary-key columns, got %d values", q.m.Name(), len(q.m.pk), len(pkValues))
	}
	key := KeyFor(q.m, pkValues...)
	if inst, ok := q.s.identity.Get(key); ok {
		st := q.s.states[inst]
		if st == nil || len(st.expired) == 0 {
			return inst, nil
		}
	}
	for i, a := range q.m.pk {
		q.Where(sqld.FieldEQ(a.column.Name, pkValues[i]))
	}
	inst, err := q.One(ctx)
	if err != nil {
		if quarry.IsNotFound(err) {
			return nil, quarry.NewNotFoundErrorWithID(q.m.Name(), pkValues)
		}
		return nil, err
	}
	return inst, nil
}

// maybeFlush runs the autoflush-before-query when the session has
// pending work. Short-circuits without I/O when nothing is pending.
func (q *Query) maybeFlush(ctx context.Context) error {
	if !q.autoflush || !q.s.hasPendingWork() {
		return nil
	}
	return q.s.Flush(ctx)
}

func (q *Query) selector() *sqld.Selector {
	m := q.m
	sel := sqld.Select(columnNames(m.columns)...).
		From(m.table.Name).
		Dialect(q.s.drv.Dialect())
	for _, p := range q.preds {
		p(sel)
	}
	if len(q.orderBy) > 0 {
		sel.OrderBy(q.orderBy...)
	}
	if q.limit >= 0 {
		sel.Limit(q.limit)
	}
	if q.offset >= 0 {
		sel.Offset(q.offset)
	}
	return sel
}

// scan executes the selection and materializes rows into managed
// instances, honoring the identity map.
func (q *Query) scan(ctx context.Context) ([]any, error) {
	query, args := q.selector().Query()
	rows := &sqld.Rows{}
	if err := q.s.conn().Query(ctx, query, args, rows); err != nil {
		return nil, &StatementError{Query: query, Args: args, Err: err}
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		inst, err := q.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, &StatementError{Query: query, Args: args, Err: err}
	}
	return out, nil
}

func (q *Query) scanRow(rows *sqld.Rows) (any, error) {
	m := q.m
	dests := make([]any, len(m.columns))
	for i, a := range m.columns {
		dests[i] = scanDest(m, a)
	}
	if err := rows.Scan(dests...); err != nil {
		return nil, usageErrorf("scanning %s row: %v", m.Name(), err)
	}
	pk := make([]any, 0, len(m.pk))
	for i, a := range m.columns {
		if a.column.PrimaryKey {
			v, err := destValue(m, a, dests[i])
			if err != nil {
				return nil, err
			}
			pk = append(pk, v)
		}
	}
	key := KeyFor(m, pk...)
	if existing, ok := q.s.identity.Get(key); ok {
		st := q.s.states[existing]
		if st != nil && len(st.expired) > 0 {
			if err := populate(st, m, dests); err != nil {
				return nil, err
			}
			st.CommitAll()
			st.unexpire()
		}
		return existing, nil
	}
	inst := m.new()
	st := NewState(m, inst)
	if err := populate(st, m, dests); err != nil {
		return nil, err
	}
	st.status = Persistent
	st.key = key
	st.hasKey = true
	st.CommitAll()
	if err := q.s.identity.Put(key, inst); err != nil {
		return nil, err
	}
	q.s.states[inst] = st
	return inst, nil
}

// refreshInto re-selects the state's row by primary key and overwrites
// its column attributes in place. Reports whether the row still exists.
func (q *Query) refreshInto(ctx context.Context, st *InstanceState) (bool, error) {
	q.Where(func(sel *sqld.Selector) { sel.Where(pkPredicate(st)) })
	query, args := q.selector().Query()
	rows := &sqld.Rows{}
	if err := q.s.conn().Query(ctx, query, args, rows); err != nil {
		return false, &StatementError{Query: query, Args: args, Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		return false, rows.Err()
	}
	m := q.m
	dests := make([]any, len(m.columns))
	for i, a := range m.columns {
		dests[i] = scanDest(m, a)
	}
	if err := rows.Scan(dests...); err != nil {
		return false, usageErrorf("scanning %s row: %v", m.Name(), err)
	}
	return true, populate(st, m, dests)
}

var timeType = reflect.TypeOf(time.Time{})

// scanDest allocates a scan destination for a column attribute.
// Nullable columns scan through database/sql null wrappers so a NULL
// lands as the attribute's zero value.
func scanDest(m *Mapper, a *attribute) any {
	ft := m.fieldTypeOf(a)
	if a.column.Nullable {
		switch {
		case ft.Kind() == reflect.String:
			return &sql.NullString{}
		case ft.Kind() >= reflect.Int && ft.Kind() <= reflect.Uint64:
			return &sql.NullInt64{}
		case ft.Kind() == reflect.Float32 || ft.Kind() == reflect.Float64:
			return &sql.NullFloat64{}
		case ft.Kind() == reflect.Bool:
			return &sql.NullBool{}
		case ft == timeType:
			return &sql.NullTime{}
		}
	}
	return reflect.New(ft).Interface()
}

// destValue unwraps a scanned destination into a plain attribute value.
func destValue(m *Mapper, a *attribute, dest any) (any, error) {
	ft := m.fieldTypeOf(a)
	switch d := dest.(type) {
	case *sql.NullString:
		if !d.Valid {
			return reflect.Zero(ft).Interface(), nil
		}
		return convertTo(ft, d.String)
	case *sql.NullInt64:
		if !d.Valid {
			return reflect.Zero(ft).Interface(), nil
		}
		return convertTo(ft, d.Int64)
	case *sql.NullFloat64:
		if !d.Valid {
			return reflect.Zero(ft).Interface(), nil
		}
		return convertTo(ft, d.Float64)
	case *sql.NullBool:
		if !d.Valid {
			return reflect.Zero(ft).Interface(), nil
		}
		return d.Bool, nil
	case *sql.NullTime:
		if !d.Valid {
			return reflect.Zero(ft).Interface(), nil
		}
		return d.Time, nil
	default:
		return reflect.ValueOf(dest).Elem().Interface(), nil
	}
}

func convertTo(ft reflect.Type, v any) (any, error) {
	rv := reflect.ValueOf(v)
	if !rv.Type().ConvertibleTo(ft) {
		return nil, usageErrorf("cannot convert scanned %T to %s", v, ft)
	}
	return rv.Convert(ft).Interface(), nil
}

func populate(st *InstanceState, m *Mapper, dests []any) error {
	for i, a := range m.columns {
		v, err := destValue(m, a, dests[i])
		if err != nil {
			return err
		}
		if err := st.setField(a, v); err != nil {
			return err
		}
	}
	return nil
}
