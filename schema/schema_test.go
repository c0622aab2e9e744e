package schema

import (
	"testing"

	"github.com/quarrydb/quarry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableName(t *testing.T) {
	for typeName, want := range map[string]string{
		"User":        "users",
		"BlogPost":    "blog_posts",
		"Category":    "categories",
		"OrderStatus": "order_statuses",
	} {
		assert.Equal(t, want, TableName(typeName), "TableName(%q)", typeName)
	}
}

func TestColumnFieldName(t *testing.T) {
	t.Run("ExplicitAttrWins", func(t *testing.T) {
		c := &Column{Name: "author_id", Attr: "AuthorID"}
		assert.Equal(t, "AuthorID", c.FieldName())
	})

	t.Run("DerivedFromColumnName", func(t *testing.T) {
		c := &Column{Name: "created_at"}
		assert.Equal(t, "CreatedAt", c.FieldName())
	})
}

func TestUUIDColumn(t *testing.T) {
	c := UUIDColumn("id")
	require.NotNil(t, c.Default)
	v1 := c.Default().(string)
	v2 := c.Default().(string)
	assert.Len(t, v1, 36)
	assert.NotEqual(t, v1, v2)
}

func TestCascade(t *testing.T) {
	c := CascadeSaveUpdate | CascadeDelete
	assert.True(t, c.Has(CascadeSaveUpdate))
	assert.True(t, c.Has(CascadeDelete))
	assert.False(t, c.Has(CascadeDeleteOrphan))

	// Orphan deletion is opt-in: CascadeAll covers save-update and
	// delete but must be combined with CascadeDeleteOrphan explicitly.
	assert.True(t, CascadeAll.Has(CascadeSaveUpdate))
	assert.True(t, CascadeAll.Has(CascadeDelete))
	assert.False(t, CascadeAll.Has(CascadeDeleteOrphan))
	assert.True(t, (CascadeAll | CascadeDeleteOrphan).Has(CascadeDeleteOrphan))
}

func validTable() *Table {
	return NewTable("posts",
		&Column{Name: "id", PrimaryKey: true, AutoIncrement: true},
		&Column{Name: "title"},
		&Column{Name: "author_id", Nullable: true},
	)
}

func TestTableValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		table := validTable().AddRelationships(&Relationship{
			Attr:       "Author",
			Kind:       ManyToOne,
			Target:     "users",
			ForeignKey: "author_id",
		})
		assert.NoError(t, table.Validate())
	})

	t.Run("MissingName", func(t *testing.T) {
		table := NewTable("", &Column{Name: "id", PrimaryKey: true})
		assert.True(t, quarry.IsValidationError(table.Validate()))
	})

	t.Run("NoPrimaryKey", func(t *testing.T) {
		table := NewTable("posts", &Column{Name: "title"})
		assert.True(t, quarry.IsValidationError(table.Validate()))
	})

	t.Run("DuplicateColumn", func(t *testing.T) {
		table := NewTable("posts",
			&Column{Name: "id", PrimaryKey: true},
			&Column{Name: "id"},
		)
		assert.True(t, quarry.IsValidationError(table.Validate()))
	})

	t.Run("ManyToOneNeedsKnownForeignKey", func(t *testing.T) {
		table := validTable().AddRelationships(&Relationship{
			Attr:       "Author",
			Kind:       ManyToOne,
			Target:     "users",
			ForeignKey: "missing_col",
		})
		assert.True(t, quarry.IsValidationError(table.Validate()))
	})

	t.Run("DeleteOrphanOnlyOnCollections", func(t *testing.T) {
		table := validTable().AddRelationships(&Relationship{
			Attr:       "Author",
			Kind:       ManyToOne,
			Target:     "users",
			ForeignKey: "author_id",
			Cascade:    CascadeDeleteOrphan,
		})
		assert.True(t, quarry.IsValidationError(table.Validate()))
	})

	t.Run("ManyToManyNeedsJoinConfig", func(t *testing.T) {
		table := validTable().AddRelationships(&Relationship{
			Attr:   "Tags",
			Kind:   ManyToMany,
			Target: "tags",
		})
		assert.True(t, quarry.IsValidationError(table.Validate()))
	})
}

func TestTableLookups(t *testing.T) {
	table := validTable()
	c, ok := table.Column("title")
	require.True(t, ok)
	assert.Equal(t, "title", c.Name)
	_, ok = table.Column("missing")
	assert.False(t, ok)

	pk := table.PrimaryKey()
	require.Len(t, pk, 1)
	assert.Equal(t, "id", pk[0].Name)
}
