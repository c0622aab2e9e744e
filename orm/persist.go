package orm

import (
	"context"
	"reflect"

	"github.com/quarrydb/quarry/dialect"
	sqld "github.com/quarrydb/quarry/dialect/sql"
)

// executor runs a computed flush plan inside one transaction. A failed
// statement aborts the remaining plan immediately; the caller owns the
// transaction and in-memory rollback.
type executor struct {
	tx      dialect.Tx
	dialect string
}

// run executes the plan in dependency order: insert levels first (so
// generated keys can propagate level by level), then updates,
// association-row inserts, association-row deletes, and finally delete
// levels with children preceding parents.
func (e *executor) run(ctx context.Context, p *plan) error {
	for _, level := range p.insertLevels {
		for _, batch := range batchByTable(level) {
			if err := e.insertBatch(ctx, batch); err != nil {
				return err
			}
		}
	}
	for _, n := range p.updates {
		if err := e.update(ctx, n); err != nil {
			return err
		}
	}
	for _, row := range p.assocInserts {
		if err := e.assocInsert(ctx, row); err != nil {
			return err
		}
	}
	for _, row := range p.assocDeletes {
		if err := e.assocDelete(ctx, row); err != nil {
			return err
		}
	}
	for _, level := range p.deleteLevels {
		for _, batch := range batchByTable(level) {
			if err := e.deleteBatch(ctx, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// batchByTable groups the nodes of one dependency level by table. Nodes
// within a level have no ordering constraints between them, so same-
// table nodes may share a multi-row statement.
func batchByTable(level []*uowNode) [][]*uowNode {
	var (
		order   []string
		grouped = make(map[string][]*uowNode)
	)
	for _, n := range level {
		name := n.state.mapper.table.Name
		if _, ok := grouped[name]; !ok {
			order = append(order, name)
		}
		grouped[name] = append(grouped[name], n)
	}
	batches := make([][]*uowNode, 0, len(order))
	for _, name := range order {
		batches = append(batches, grouped[name])
	}
	return batches
}

// insertBatch persists one level's same-table insert nodes. When the
// primary key is database-generated the rows execute one by one so each
// generated key can be captured; otherwise the whole batch renders as a
// single multi-row statement.
func (e *executor) insertBatch(ctx context.Context, nodes []*uowNode) error {
	m := nodes[0].state.mapper
	for _, n := range nodes {
		if err := applyFKAssignments(n); err != nil {
			return err
		}
		applyDefaults(n.state)
	}
	if gen := m.generatedPK(); gen != nil {
		for _, n := range nodes {
			if err := e.insertReturning(ctx, n, gen); err != nil {
				return err
			}
		}
		return nil
	}
	cols := insertColumns(m, false)
	b := sqld.Insert(m.table.Name).Dialect(e.dialect).Columns(columnNames(cols)...)
	for _, n := range nodes {
		b.Values(insertValues(n.state, cols)...)
	}
	query, args := b.Query()
	if err := e.exec(ctx, query, args, nil); err != nil {
		return err
	}
	for _, n := range nodes {
		n.state.key = m.identityKey(n.state.instance)
		n.state.hasKey = true
	}
	return nil
}

// insertReturning inserts one row and captures the database-generated
// primary key, either through RETURNING or the driver's LastInsertId.
func (e *executor) insertReturning(ctx context.Context, n *uowNode, gen *attribute) error {
	var (
		st    = n.state
		m     = st.mapper
		cols  = insertColumns(m, true)
		query string
		args  []any
	)
	b := sqld.Insert(m.table.Name).Dialect(e.dialect).
		Columns(columnNames(cols)...).
		Values(insertValues(st, cols)...).
		Returning(gen.column.Name)
	query, args = b.Query()
	var id int64
	if e.dialect == dialect.Postgres {
		rows := &sqld.Rows{}
		if err := e.tx.Query(ctx, query, args, rows); err != nil {
			return &StatementError{Query: query, Args: args, Err: err}
		}
		defer rows.Close()
		if !rows.Next() {
			return &StatementError{Query: query, Args: args, Err: rows.Err()}
		}
		if err := rows.Scan(&id); err != nil {
			return &StatementError{Query: query, Args: args, Err: err}
		}
	} else {
		var res sqld.Result
		if err := e.tx.Exec(ctx, query, args, &res); err != nil {
			return &StatementError{Query: query, Args: args, Err: err}
		}
		lid, err := res.LastInsertId()
		if err != nil {
			return &StatementError{Query: query, Args: args, Err: err}
		}
		id = lid
	}
	field := gen.get(st.value)
	field.Set(reflect.ValueOf(id).Convert(field.Type()))
	st.key = m.identityKey(st.instance)
	st.hasKey = true
	return nil
}

// update persists the dirty column attributes of one node, keyed by the
// primary key.
func (e *executor) update(ctx context.Context, n *uowNode) error {
	st := n.state
	m := st.mapper
	if err := applyFKAssignments(n); err != nil {
		return err
	}
	b := sqld.Update(m.table.Name).Dialect(e.dialect)
	assigned := make(map[string]struct{})
	for _, fa := range n.fkAssigns {
		if _, ok := assigned[fa.fk.column.Name]; ok {
			continue
		}
		b.Set(fa.fk.column.Name, columnValue(st, fa.fk))
		assigned[fa.fk.column.Name] = struct{}{}
	}
	for _, a := range m.columns {
		if a.column.PrimaryKey {
			continue
		}
		h, err := st.History(a.name)
		if err != nil {
			return err
		}
		if h.Empty() {
			continue
		}
		if _, ok := assigned[a.column.Name]; ok {
			continue
		}
		b.Set(a.column.Name, columnValue(st, a))
		assigned[a.column.Name] = struct{}{}
	}
	// Reference attributes re-pointed since the last flush update the
	// backing foreign-key column.
	for _, ra := range m.rels {
		if !ra.reference || !st.touched[ra.name] {
			continue
		}
		_, fk, err := m.fkAttribute(ra.rel)
		if err != nil {
			return err
		}
		if err := assignFK(st, fk, ra); err != nil {
			return err
		}
		if _, ok := assigned[fk.column.Name]; ok {
			continue
		}
		b.Set(fk.column.Name, columnValue(st, fk))
		assigned[fk.column.Name] = struct{}{}
	}
	if b.Empty() {
		return nil
	}
	b.Where(pkPredicate(st))
	query, args := b.Query()
	return e.exec(ctx, query, args, nil)
}

func (e *executor) assocInsert(ctx context.Context, row assocRow) error {
	query, args := sqld.Insert(row.table).Dialect(e.dialect).
		Columns(row.ownerCol, row.targetCol).
		Values(pkValue(row.owner, row.ownerPK), pkValue(row.target, row.targetPK)).
		Query()
	return e.exec(ctx, query, args, nil)
}

func (e *executor) assocDelete(ctx context.Context, row assocRow) error {
	b := sqld.Delete(row.table).Dialect(e.dialect).
		Where(sqld.EQ(row.ownerCol, pkValue(row.owner, row.ownerPK)))
	if row.target != nil {
		b.Where(sqld.EQ(row.targetCol, pkValue(row.target, row.targetPK)))
	}
	query, args := b.Query()
	return e.exec(ctx, query, args, nil)
}

// deleteBatch removes one level's same-table delete nodes with a single
// statement when the table has a single-column primary key.
func (e *executor) deleteBatch(ctx context.Context, nodes []*uowNode) error {
	m := nodes[0].state.mapper
	if len(m.pk) == 1 {
		ids := make([]any, len(nodes))
		for i, n := range nodes {
			ids[i] = pkValue(n.state, m.pk[0])
		}
		query, args := sqld.Delete(m.table.Name).Dialect(e.dialect).
			Where(sqld.In(m.pk[0].column.Name, ids...)).
			Query()
		return e.exec(ctx, query, args, nil)
	}
	for _, n := range nodes {
		query, args := sqld.Delete(m.table.Name).Dialect(e.dialect).
			Where(pkPredicate(n.state)).
			Query()
		if err := e.exec(ctx, query, args, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *executor) exec(ctx context.Context, query string, args []any, v any) error {
	if err := e.tx.Exec(ctx, query, args, v); err != nil {
		return &StatementError{Query: query, Args: args, Err: err}
	}
	return nil
}

// applyFKAssignments copies each referenced parent's primary key into
// the node's foreign-key attribute. Parents were inserted in an earlier
// level, so generated keys are available.
func applyFKAssignments(n *uowNode) error {
	// Clears run first so a re-parent assignment in the same flush wins.
	for _, fa := range n.fkAssigns {
		if fa.parent != nil {
			continue
		}
		if err := n.state.setField(fa.fk, nil); err != nil {
			return err
		}
	}
	for _, fa := range n.fkAssigns {
		if fa.parent == nil {
			continue
		}
		pk := fa.parentPK.get(fa.parent.value)
		if pk.IsZero() {
			return usageErrorf("flush ordering bug: %s has no primary key while %s depends on it",
				fa.parent.describe(), n.state.describe())
		}
		if err := n.state.setField(fa.fk, pk.Interface()); err != nil {
			return err
		}
	}
	return nil
}

// assignFK recomputes a child's foreign-key attribute from its
// reference attribute, or clears it when the reference is nil.
func assignFK(st *InstanceState, fk, ref *attribute) error {
	rv := ref.get(st.value)
	if rv.IsNil() {
		return st.setField(fk, nil)
	}
	target, err := st.mapper.targetMapper(ref.rel)
	if err != nil {
		return err
	}
	pk, err := singlePK(target, ref.rel)
	if err != nil {
		return err
	}
	return st.setField(fk, pk.get(rv.Elem()).Interface())
}

// applyDefaults invokes column default generators for attributes still
// holding their zero value.
func applyDefaults(st *InstanceState) {
	for _, a := range st.mapper.columns {
		if a.column.Default == nil {
			continue
		}
		if field := a.get(st.value); field.IsZero() {
			_ = st.setField(a, a.column.Default())
		}
	}
}

// insertColumns returns the column attributes participating in an
// INSERT, excluding a database-generated key when skipGenerated is set.
func insertColumns(m *Mapper, skipGenerated bool) []*attribute {
	cols := make([]*attribute, 0, len(m.columns))
	for _, a := range m.columns {
		if skipGenerated && a.column.AutoIncrement {
			continue
		}
		cols = append(cols, a)
	}
	return cols
}

func columnNames(attrs []*attribute) []string {
	names := make([]string, len(attrs))
	for i, a := range attrs {
		names[i] = a.column.Name
	}
	return names
}

func insertValues(st *InstanceState, attrs []*attribute) []any {
	vals := make([]any, len(attrs))
	for i, a := range attrs {
		vals[i] = columnValue(st, a)
	}
	return vals
}

// columnValue reads an attribute for statement binding. A zero value in
// a nullable column binds as NULL.
func columnValue(st *InstanceState, a *attribute) any {
	field := a.get(st.value)
	if a.column.Nullable && field.IsZero() {
		return nil
	}
	return field.Interface()
}

func pkValue(st *InstanceState, pk *attribute) any {
	return pk.get(st.value).Interface()
}

// pkPredicate builds the WHERE clause matching the state's primary key.
func pkPredicate(st *InstanceState) *sqld.Predicate {
	m := st.mapper
	preds := make([]*sqld.Predicate, len(m.pk))
	for i, a := range m.pk {
		preds[i] = sqld.EQ(a.column.Name, pkValue(st, a))
	}
	if len(preds) == 1 {
		return preds[0]
	}
	return sqld.And(preds...)
}
