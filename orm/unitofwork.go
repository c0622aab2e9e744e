package orm

import (
	"sort"

	"github.com/quarrydb/quarry/schema"
)

// opKind is the persistence operation of one unit-of-work node.
type opKind int8

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

func (op opKind) String() string {
	switch op {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	}
	return "unknown"
}

// fkAssignment defers a foreign-key attribute assignment until just
// before the owning statement executes, so database-generated parent
// keys are visible by then. A nil parent clears the column.
type fkAssignment struct {
	fk       *attribute     // foreign-key attribute on the node's instance
	parent   *InstanceState // primary-key source, nil to clear
	parentPK *attribute
}

// uowNode wraps one pending instance with its operation and the nodes
// that must execute before it.
type uowNode struct {
	state     *InstanceState
	op        opKind
	deps      []*uowNode
	fkAssigns []fkAssignment
}

func (n *uowNode) describe() string {
	return n.op.String() + " " + n.state.describe()
}

// assocRow is a pending association-table operation of a many-to-many
// relationship. Owner and target primary keys are read at execution
// time. A nil target on a delete removes all of the owner's rows.
type assocRow struct {
	table              string
	ownerCol           string
	targetCol          string
	owner, target      *InstanceState
	ownerPK, targetPK  *attribute
}

// plan is a fully ordered execution plan for one flush: dependency
// levels of inserts, unordered updates, association-row operations and
// dependency levels of deletes. The plan is computed in full before any
// statement executes.
type plan struct {
	insertLevels [][]*uowNode
	updates      []*uowNode
	assocInserts []assocRow
	assocDeletes []assocRow
	deleteLevels [][]*uowNode
}

func (p *plan) empty() bool {
	return len(p.insertLevels) == 0 && len(p.updates) == 0 &&
		len(p.assocInserts) == 0 && len(p.assocDeletes) == 0 && len(p.deleteLevels) == 0
}

// buildPlan derives the execution plan from the session's pending
// states and the relationship metadata of their mappers.
func buildPlan(states []*InstanceState) (*plan, error) {
	var (
		p       = &plan{}
		inserts = make(map[*InstanceState]*uowNode)
		updates = make(map[*InstanceState]*uowNode)
		deletes = make(map[*InstanceState]*uowNode)
		byInst  = make(map[any]*InstanceState, len(states))
	)
	for _, st := range states {
		byInst[st.instance] = st
	}
	// Partition into insert, update and delete candidates.
	for _, st := range states {
		switch st.status {
		case Pending:
			inserts[st] = &uowNode{state: st, op: opInsert}
		case Deleted:
			deletes[st] = &uowNode{state: st, op: opDelete}
		case Persistent:
			if st.Modified() {
				updates[st] = &uowNode{state: st, op: opUpdate}
			}
		}
	}
	for _, st := range states {
		if err := wireRelationships(st, byInst, inserts, updates, deletes, p); err != nil {
			return nil, err
		}
	}
	var err error
	if p.insertLevels, err = topoLevels(nodeList(inserts)); err != nil {
		return nil, err
	}
	if p.deleteLevels, err = topoLevels(nodeList(deletes)); err != nil {
		return nil, err
	}
	p.updates = nodeList(updates)
	sortUpdates(p.updates)
	return p, nil
}

// wireRelationships derives dependency edges and deferred foreign-key
// assignments for one state from its mapper's relationship metadata.
func wireRelationships(st *InstanceState, byInst map[any]*InstanceState, inserts, updates, deletes map[*InstanceState]*uowNode, p *plan) error {
	m := st.mapper
	for _, ra := range m.rels {
		rel := ra.rel
		switch rel.Kind {
		case schema.ManyToOne:
			if err := wireManyToOne(st, ra, byInst, inserts, deletes); err != nil {
				return err
			}
		case schema.OneToMany:
			if err := wireOneToMany(st, ra, byInst, inserts, updates, deletes); err != nil {
				return err
			}
		case schema.ManyToMany:
			if err := wireManyToMany(st, ra, byInst, inserts, deletes, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// wireManyToOne links a child to its referenced parent: the parent's
// insert precedes the child's, and the child's delete precedes the
// parent's when the child cannot outlive it.
func wireManyToOne(child *InstanceState, ra *attribute, byInst map[any]*InstanceState, inserts, deletes map[*InstanceState]*uowNode) error {
	ref := ra.get(child.value)
	if ref.IsNil() {
		return nil
	}
	parent, ok := byInst[ref.Interface()]
	if !ok {
		return nil // parent not managed by this session
	}
	_, fk, err := child.mapper.fkAttribute(ra.rel)
	if err != nil {
		return err
	}
	parentPK, err := singlePK(parent.mapper, ra.rel)
	if err != nil {
		return err
	}
	if cn, ok := inserts[child]; ok {
		cn.fkAssigns = append(cn.fkAssigns, fkAssignment{fk: fk, parent: parent, parentPK: parentPK})
		if pn, ok := inserts[parent]; ok {
			cn.deps = append(cn.deps, pn)
		}
	}
	if pn, ok := deletes[parent]; ok {
		if cn, ok := deletes[child]; ok {
			pn.deps = append(pn.deps, cn)
		} else if ra.rel.Required && child.status != Detached {
			// A child with a required reference cannot survive its
			// parent's deletion; this is reported rather than
			// silently misordered.
			return usageErrorf("cannot delete %s: %s still references it through required %s.%s",
				parent.describe(), child.describe(), child.mapper.Name(), ra.name)
		}
	}
	return nil
}

// wireOneToMany links a parent to the children of its collection: each
// child insert follows the parent insert and receives the parent key,
// each child delete precedes the parent delete. Persistent children
// moved into or out of the collection since the last flush get their
// foreign-key column rewritten through an update node.
func wireOneToMany(parent *InstanceState, ra *attribute, byInst map[any]*InstanceState, inserts, updates, deletes map[*InstanceState]*uowNode) error {
	_, fk, err := parent.mapper.fkAttribute(ra.rel)
	if err != nil {
		return err
	}
	parentPK, err := singlePK(parent.mapper, ra.rel)
	if err != nil {
		return err
	}
	for _, item := range sliceItems(ra.get(parent.value)) {
		child, ok := byInst[item]
		if !ok {
			continue
		}
		if cn, ok := inserts[child]; ok {
			cn.fkAssigns = append(cn.fkAssigns, fkAssignment{fk: fk, parent: parent, parentPK: parentPK})
			if pn, ok := inserts[parent]; ok {
				cn.deps = append(cn.deps, pn)
			}
		}
		if pn, ok := deletes[parent]; ok {
			if cn, ok := deletes[child]; ok {
				pn.deps = append(pn.deps, cn)
			}
		}
	}
	h, err := parent.History(ra.name)
	if err != nil {
		return err
	}
	for _, item := range h.Added {
		if child := persistentChild(item, byInst, inserts, deletes); child != nil {
			n := ensureUpdate(updates, child)
			n.fkAssigns = append(n.fkAssigns, fkAssignment{fk: fk, parent: parent, parentPK: parentPK})
		}
	}
	for _, item := range h.Removed {
		if child := persistentChild(item, byInst, inserts, deletes); child != nil {
			n := ensureUpdate(updates, child)
			n.fkAssigns = append(n.fkAssigns, fkAssignment{fk: fk})
		}
	}
	return nil
}

// persistentChild resolves a collection member to its state when the
// member is persistent and not already part of an insert or delete.
func persistentChild(item any, byInst map[any]*InstanceState, inserts, deletes map[*InstanceState]*uowNode) *InstanceState {
	child, ok := byInst[item]
	if !ok || child.status != Persistent {
		return nil
	}
	if _, ok := inserts[child]; ok {
		return nil
	}
	if _, ok := deletes[child]; ok {
		return nil
	}
	return child
}

func ensureUpdate(updates map[*InstanceState]*uowNode, st *InstanceState) *uowNode {
	n, ok := updates[st]
	if !ok {
		n = &uowNode{state: st, op: opUpdate}
		updates[st] = n
	}
	return n
}

// wireManyToMany turns collection deltas into association-row
// operations: added pairs become inserts that run after both endpoint
// inserts, removed pairs become deletes that run before any endpoint
// delete. Deleting an endpoint removes all of its association rows.
func wireManyToMany(owner *InstanceState, ra *attribute, byInst map[any]*InstanceState, inserts, deletes map[*InstanceState]*uowNode, p *plan) error {
	rel := ra.rel
	target, err := owner.mapper.targetMapper(rel)
	if err != nil {
		return err
	}
	ownerPK, err := singlePK(owner.mapper, rel)
	if err != nil {
		return err
	}
	targetPK, err := singlePK(target, rel)
	if err != nil {
		return err
	}
	row := func(other *InstanceState) assocRow {
		return assocRow{
			table:    rel.JoinTable,
			ownerCol: rel.JoinColumn, targetCol: rel.JoinTargetColumn,
			owner: owner, target: other,
			ownerPK: ownerPK, targetPK: targetPK,
		}
	}
	if _, ok := deletes[owner]; ok {
		p.assocDeletes = append(p.assocDeletes, row(nil))
		return nil
	}
	h, err := owner.History(ra.name)
	if err != nil {
		return err
	}
	for _, item := range h.Added {
		other, ok := byInst[item]
		if !ok {
			other = NewState(target, item)
			other.status = Persistent // assumed existing; flush will fail otherwise
		}
		p.assocInserts = append(p.assocInserts, row(other))
	}
	for _, item := range h.Removed {
		if other, ok := byInst[item]; ok {
			p.assocDeletes = append(p.assocDeletes, row(other))
		}
	}
	return nil
}

// singlePK returns the single primary-key attribute referenced by a
// relationship; composite keys cannot drive foreign-key propagation.
func singlePK(m *Mapper, rel *schema.Relationship) (*attribute, error) {
	if len(m.pk) != 1 {
		return nil, configErrorf("relationship %q requires a single-column primary key on %s", rel.Attr, m.Name())
	}
	return m.pk[0], nil
}

func nodeList(nodes map[*InstanceState]*uowNode) []*uowNode {
	list := make([]*uowNode, 0, len(nodes))
	for _, n := range nodes {
		list = append(list, n)
	}
	// A stable base order keeps plans deterministic for equal inputs.
	sort.Slice(list, func(i, j int) bool { return list[i].describe() < list[j].describe() })
	return list
}

// topoLevels orders the nodes into dependency levels: every node's
// dependencies live in strictly earlier levels. Nodes left over after
// the sort form a cycle and are reported by instance.
func topoLevels(nodes []*uowNode) ([][]*uowNode, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	indeg := make(map[*uowNode]int, len(nodes))
	dependents := make(map[*uowNode][]*uowNode, len(nodes))
	for _, n := range nodes {
		indeg[n] += 0
		for _, dep := range n.deps {
			indeg[n]++
			dependents[dep] = append(dependents[dep], n)
		}
	}
	var (
		levels  [][]*uowNode
		current []*uowNode
		placed  int
	)
	for _, n := range nodes {
		if indeg[n] == 0 {
			current = append(current, n)
		}
	}
	for len(current) > 0 {
		levels = append(levels, current)
		placed += len(current)
		var next []*uowNode
		for _, n := range current {
			for _, d := range dependents[n] {
				if indeg[d]--; indeg[d] == 0 {
					next = append(next, d)
				}
			}
		}
		current = next
	}
	if placed != len(nodes) {
		cyc := &CycleError{}
		for _, n := range nodes {
			if indeg[n] > 0 {
				cyc.Instances = append(cyc.Instances, n.describe())
			}
		}
		return nil, cyc
	}
	return levels, nil
}

// sortUpdates groups update nodes by table so same-table statements
// execute adjacently.
func sortUpdates(nodes []*uowNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].state.mapper.table.Name < nodes[j].state.mapper.table.Name
	})
}
