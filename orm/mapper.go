package orm

import (
	"reflect"
	"sync"

	"github.com/quarrydb/quarry/schema"
)

// attribute is one entry in a mapper's instrumentation table: the typed
// capability for reading and writing a single mapped attribute.
type attribute struct {
	name        string
	index       []int // struct field index path
	collection  bool
	reference   bool
	trackParent bool
	column      *schema.Column       // nil for relationship attributes
	rel         *schema.Relationship // nil for column attributes
}

func (a *attribute) get(v reflect.Value) reflect.Value {
	return v.FieldByIndex(a.index)
}

// Mapper holds the resolved mapping of one Go struct type to a table:
// which attributes exist, which form the primary key, and which are
// foreign-key-linked relationships.
type Mapper struct {
	registry *Registry
	typ      reflect.Type
	table    *schema.Table
	attrs    map[string]*attribute
	columns  []*attribute // column attributes, in declaration order
	pk       []*attribute // primary-key attributes, in declaration order
	rels     []*attribute // relationship attributes, in declaration order
}

// Name returns the mapped type name.
func (m *Mapper) Name() string { return m.typ.Name() }

// Table returns the mapped table metadata.
func (m *Mapper) Table() *schema.Table { return m.table }

// Type returns the mapped Go struct type.
func (m *Mapper) Type() reflect.Type { return m.typ }

func (m *Mapper) fieldTypeOf(a *attribute) reflect.Type {
	return m.typ.FieldByIndex(a.index).Type
}

// Attribute returns the instrumented attribute with the given name.
func (m *Mapper) Attribute(name string) (ok bool) {
	_, ok = m.attrs[name]
	return ok
}

func (m *Mapper) attr(name string) (*attribute, error) {
	a, ok := m.attrs[name]
	if !ok {
		return nil, usageErrorf("%s has no instrumented attribute %q", m.Name(), name)
	}
	return a, nil
}

// new allocates a fresh instance of the mapped type.
func (m *Mapper) new() any {
	return reflect.New(m.typ).Interface()
}

// value returns the addressable struct value behind the instance.
func (m *Mapper) value(instance any) reflect.Value {
	return reflect.ValueOf(instance).Elem()
}

// pkValues reads the primary-key values of the instance, in primary-key
// declaration order.
func (m *Mapper) pkValues(instance any) []any {
	v := m.value(instance)
	vals := make([]any, len(m.pk))
	for i, a := range m.pk {
		vals[i] = a.get(v).Interface()
	}
	return vals
}

// pkSet reports whether all primary-key attributes hold non-zero values.
func (m *Mapper) pkSet(instance any) bool {
	v := m.value(instance)
	for _, a := range m.pk {
		if a.get(v).IsZero() {
			return false
		}
	}
	return true
}

// identityKey builds the identity key for the instance from its current
// primary-key values.
func (m *Mapper) identityKey(instance any) IdentityKey {
	return KeyFor(m, m.pkValues(instance)...)
}

// generatedPK returns the single database-generated primary-key
// attribute, or nil if the key is caller-assigned.
func (m *Mapper) generatedPK() *attribute {
	if len(m.pk) == 1 && m.pk[0].column.AutoIncrement {
		return m.pk[0]
	}
	return nil
}

// targetMapper resolves the mapper of the relationship target table.
func (m *Mapper) targetMapper(rel *schema.Relationship) (*Mapper, error) {
	tm, ok := m.registry.byTable(rel.Target)
	if !ok {
		return nil, configErrorf("%s.%s references table %q, but no type is mapped to it", m.Name(), rel.Attr, rel.Target)
	}
	return tm, nil
}

// Registry is the mapper configuration registry: it translates Go
// struct types plus table metadata into the attribute, identity and
// relationship information consumed by sessions.
type Registry struct {
	mu      sync.RWMutex
	mappers map[reflect.Type]*Mapper
	tables  map[string]*Mapper
}

// NewRegistry returns an empty mapper registry.
func NewRegistry() *Registry {
	return &Registry{
		mappers: make(map[reflect.Type]*Mapper),
		tables:  make(map[string]*Mapper),
	}
}

// Register maps the struct type of the given template value (for
// example &User{}) to the given table. Registration is idempotent per
// type: re-registering the same type with the same table returns the
// existing mapper, while re-registering with different metadata is a
// configuration error.
func (r *Registry) Register(template any, table *schema.Table) (*Mapper, error) {
	typ, err := structType(template)
	if err != nil {
		return nil, err
	}
	if err := table.Validate(); err != nil {
		return nil, &ConfigError{msg: err.Error()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.mappers[typ]; ok {
		if m.table.Name != table.Name {
			return nil, configErrorf("%s is already mapped to table %q, cannot remap to %q", typ.Name(), m.table.Name, table.Name)
		}
		return m, nil
	}
	if m, ok := r.tables[table.Name]; ok {
		return nil, configErrorf("table %q is already mapped to %s", table.Name, m.Name())
	}
	m := &Mapper{
		registry: r,
		typ:      typ,
		table:    table,
		attrs:    make(map[string]*attribute),
	}
	for _, col := range table.Columns {
		if err := m.instrumentColumn(col); err != nil {
			return nil, err
		}
	}
	for _, rel := range table.Relationships {
		if err := m.instrumentRelationship(rel); err != nil {
			return nil, err
		}
	}
	r.mappers[typ] = m
	r.tables[table.Name] = m
	return m, nil
}

// MustRegister is like Register but panics on configuration errors.
// Mapping is typically set up once at start-up, where a panic is the
// desired failure mode.
func (r *Registry) MustRegister(template any, table *schema.Table) *Mapper {
	m, err := r.Register(template, table)
	if err != nil {
		panic(err)
	}
	return m
}

// Mapper returns the mapper for the given instance or template value.
func (r *Registry) Mapper(v any) (*Mapper, bool) {
	typ, err := structType(v)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappers[typ]
	return m, ok
}

func (r *Registry) mapperOf(v any) (*Mapper, error) {
	m, ok := r.Mapper(v)
	if !ok {
		return nil, usageErrorf("%T is not a mapped type", v)
	}
	return m, nil
}

func (r *Registry) byTable(name string) (*Mapper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tables[name]
	return m, ok
}

// instrumentColumn installs the get/set capability for a column
// attribute. Installing an already-instrumented attribute overwrites
// its entry rather than duplicating it.
func (m *Mapper) instrumentColumn(col *schema.Column) error {
	name := col.FieldName()
	f, ok := m.typ.FieldByName(name)
	if !ok {
		return configErrorf("%s has no field %q for column %q", m.Name(), name, col.Name)
	}
	a := &attribute{name: name, index: f.Index, column: col}
	m.attrs[name] = a
	m.columns = append(m.columns, a)
	if col.PrimaryKey {
		m.pk = append(m.pk, a)
	}
	return nil
}

// instrumentRelationship installs the capability for a relationship
// attribute: a pointer field for many-to-one, a slice field for
// one-to-many and many-to-many.
func (m *Mapper) instrumentRelationship(rel *schema.Relationship) error {
	f, ok := m.typ.FieldByName(rel.Attr)
	if !ok {
		return configErrorf("%s has no field %q for relationship", m.Name(), rel.Attr)
	}
	a := &attribute{name: rel.Attr, index: f.Index, rel: rel}
	switch rel.Kind {
	case schema.ManyToOne:
		if f.Type.Kind() != reflect.Pointer || f.Type.Elem().Kind() != reflect.Struct {
			return configErrorf("%s.%s: many-to-one field must be a struct pointer, have %s", m.Name(), rel.Attr, f.Type)
		}
		a.reference = true
	case schema.OneToMany, schema.ManyToMany:
		if f.Type.Kind() != reflect.Slice || f.Type.Elem().Kind() != reflect.Pointer {
			return configErrorf("%s.%s: collection field must be a slice of struct pointers, have %s", m.Name(), rel.Attr, f.Type)
		}
		a.collection = true
		a.trackParent = rel.Cascade.Has(schema.CascadeDeleteOrphan)
	}
	m.attrs[rel.Attr] = a
	m.rels = append(m.rels, a)
	return nil
}

// fkAttribute returns the attribute backing the relationship's
// foreign-key column on the child side. For one-to-many, the child is
// the target mapper; for many-to-one it is the owner itself.
func (m *Mapper) fkAttribute(rel *schema.Relationship) (child *Mapper, fk *attribute, err error) {
	switch rel.Kind {
	case schema.ManyToOne:
		child = m
	case schema.OneToMany:
		if child, err = m.targetMapper(rel); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, configErrorf("%s.%s: relationship kind %s has no single foreign key", m.Name(), rel.Attr, rel.Kind)
	}
	col, ok := child.table.Column(rel.ForeignKey)
	if !ok {
		return nil, nil, configErrorf("%s.%s: foreign-key column %q not mapped on %s", m.Name(), rel.Attr, rel.ForeignKey, child.Name())
	}
	fk, ok = child.attrs[col.FieldName()]
	if !ok {
		return nil, nil, configErrorf("%s.%s: foreign-key column %q not instrumented on %s", m.Name(), rel.Attr, rel.ForeignKey, child.Name())
	}
	return child, fk, nil
}

func structType(v any) (reflect.Type, error) {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return nil, usageErrorf("cannot map a nil value")
	}
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, usageErrorf("mapped type must be a struct or struct pointer, have %T", v)
	}
	return typ, nil
}
