package schema

import (
	"errors"
	"fmt"

	"github.com/go-openapi/inflect"
	"github.com/google/uuid"
	"github.com/quarrydb/quarry"
)

// Cascade is a bit-set of cascade rules configured on a relationship.
type Cascade uint8

const (
	// CascadeSaveUpdate propagates session registration from a parent
	// to its related instances.
	CascadeSaveUpdate Cascade = 1 << iota
	// CascadeDelete propagates deletion from a parent to its related
	// instances.
	CascadeDelete
	// CascadeDeleteOrphan deletes a child that was removed from its
	// parent collection.
	CascadeDeleteOrphan

	// CascadeAll combines save-update and delete. Orphan deletion is
	// opt-in: or CascadeDeleteOrphan in explicitly.
	CascadeAll = CascadeSaveUpdate | CascadeDelete
)

// Has reports whether the set contains the given rule.
func (c Cascade) Has(rule Cascade) bool { return c&rule != 0 }

// RelKind is the direction of a relationship.
type RelKind int

const (
	// ManyToOne is a child-to-parent reference through a foreign-key
	// column on the owning table.
	ManyToOne RelKind = iota
	// OneToMany is a parent-to-children collection, mirrored by a
	// foreign-key column on the target table.
	OneToMany
	// ManyToMany links two tables through an association table.
	ManyToMany
)

// String returns the kind name as used in mapping files.
func (k RelKind) String() string {
	switch k {
	case ManyToOne:
		return "many_to_one"
	case OneToMany:
		return "one_to_many"
	case ManyToMany:
		return "many_to_many"
	}
	return fmt.Sprintf("RelKind(%d)", int(k))
}

// Column describes a mapped table column.
type Column struct {
	// Name is the column name.
	Name string
	// Attr is the struct field holding the column value. If empty, it
	// is derived from the column name (created_at -> CreatedAt).
	Attr string
	// PrimaryKey marks the column as part of the primary key.
	PrimaryKey bool
	// AutoIncrement marks the primary key as database-generated. The
	// generated value is captured on insert and written back.
	AutoIncrement bool
	// Nullable marks the column as nullable.
	Nullable bool
	// Default, if set, is invoked on insert when the attribute holds
	// its zero value.
	Default func() any
}

// FieldName returns the struct field name for the column.
func (c *Column) FieldName() string {
	if c.Attr != "" {
		return c.Attr
	}
	return inflect.Camelize(c.Name)
}

// UUIDColumn returns a string primary-key column populated with a
// random UUID on insert when left unset.
func UUIDColumn(name string) *Column {
	return &Column{
		Name:       name,
		PrimaryKey: true,
		Default:    func() any { return uuid.NewString() },
	}
}

// Relationship describes a mapped relationship attribute.
type Relationship struct {
	// Attr is the struct field holding the related instance
	// (ManyToOne) or slice of instances (OneToMany, ManyToMany).
	Attr string
	// Kind is the relationship direction.
	Kind RelKind
	// Target is the table name of the related type.
	Target string
	// ForeignKey is the referencing column: for ManyToOne it lives on
	// this table, for OneToMany on the target table.
	ForeignKey string
	// Required reports that the foreign-key column is NOT NULL. A
	// required child cannot outlive its parent.
	Required bool
	// Cascade holds the configured cascade rules.
	Cascade Cascade
	// JoinTable, JoinColumn and JoinTargetColumn configure the
	// association table of a ManyToMany relationship.
	JoinTable        string
	JoinColumn       string
	JoinTargetColumn string
}

// Table describes a mapped table.
type Table struct {
	// Name is the table name.
	Name string
	// Columns are the mapped columns, in declaration order.
	Columns []*Column
	// Relationships are the mapped relationship attributes.
	Relationships []*Relationship
}

// NewTable returns a table with the given name and columns.
func NewTable(name string, columns ...*Column) *Table {
	return &Table{Name: name, Columns: columns}
}

// AddRelationships appends relationships to the table and returns it
// for chaining.
func (t *Table) AddRelationships(rels ...*Relationship) *Table {
	t.Relationships = append(t.Relationships, rels...)
	return t
}

// Column returns the column with the given name, if present.
func (t *Table) Column(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// PrimaryKey returns the primary-key columns in declaration order.
func (t *Table) PrimaryKey() []*Column {
	var pk []*Column
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pk = append(pk, c)
		}
	}
	return pk
}

// Validate checks the table metadata for configuration errors. It is
// called eagerly at mapper registration. Failures are reported as a
// quarry.ValidationError naming the offending table.
func (t *Table) Validate() error {
	if err := t.validate(); err != nil {
		return quarry.NewValidationError(t.Name, err)
	}
	return nil
}

func (t *Table) validate() error {
	if t.Name == "" {
		return errors.New("table with no name")
	}
	if len(t.Columns) == 0 {
		return errors.New("no columns")
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return errors.New("column with no name")
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("column %q declared twice", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.AutoIncrement && !c.PrimaryKey {
			return fmt.Errorf("column %q: auto-increment on non-primary column", c.Name)
		}
	}
	if len(t.PrimaryKey()) == 0 {
		return errors.New("no primary key")
	}
	for _, r := range t.Relationships {
		if err := t.validateRel(r); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) validateRel(r *Relationship) error {
	if r.Attr == "" {
		return errors.New("relationship with no attribute")
	}
	if r.Target == "" {
		return fmt.Errorf("relationship %q has no target", r.Attr)
	}
	switch r.Kind {
	case ManyToOne:
		if r.ForeignKey == "" {
			return fmt.Errorf("relationship %q: many-to-one requires a foreign key", r.Attr)
		}
		if _, ok := t.Column(r.ForeignKey); !ok {
			return fmt.Errorf("relationship %q: unknown foreign-key column %q", r.Attr, r.ForeignKey)
		}
		if r.Cascade.Has(CascadeDeleteOrphan) {
			return fmt.Errorf("relationship %q: delete-orphan is only valid on collections", r.Attr)
		}
	case OneToMany:
		if r.ForeignKey == "" {
			return fmt.Errorf("relationship %q: one-to-many requires a foreign key on the target", r.Attr)
		}
	case ManyToMany:
		if r.JoinTable == "" || r.JoinColumn == "" || r.JoinTargetColumn == "" {
			return fmt.Errorf("relationship %q: many-to-many requires join table and columns", r.Attr)
		}
		if r.Cascade.Has(CascadeDeleteOrphan) {
			return fmt.Errorf("relationship %q: delete-orphan is not supported on many-to-many", r.Attr)
		}
	default:
		return fmt.Errorf("relationship %q: unknown kind %d", r.Attr, r.Kind)
	}
	return nil
}

// TableName derives a table name from a Go type name, following the
// usual convention: "UserGroup" becomes "user_groups".
func TableName(typeName string) string {
	return inflect.Pluralize(inflect.Underscore(typeName))
}
