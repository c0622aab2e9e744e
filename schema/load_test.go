package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quarrydb/quarry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mappingDoc = `
tables:
  - name: users
    columns:
      - {name: id, attr: ID, primary_key: true, auto_increment: true}
      - {name: name}
      - {name: email, nullable: true}
    relationships:
      - attr: Posts
        kind: one_to_many
        target: posts
        foreign_key: author_id
        cascade: [save-update, delete-orphan]
  - name: posts
    columns:
      - {name: id, attr: ID, primary_key: true, auto_increment: true}
      - {name: title}
      - {name: author_id, attr: AuthorID, nullable: true}
    relationships:
      - {attr: Author, kind: many_to_one, target: users, foreign_key: author_id}
      - attr: Tags
        kind: many_to_many
        target: tags
        join_table: post_tags
        join_column: post_id
        join_target_column: tag_id
  - name: sessions
    columns:
      - {name: token, primary_key: true, default: uuid}
      - {name: user_id}
`

func TestLoad(t *testing.T) {
	tables, err := Load(strings.NewReader(mappingDoc))
	require.NoError(t, err)
	require.Len(t, tables, 3)

	users := tables[0]
	assert.Equal(t, "users", users.Name)
	require.Len(t, users.Relationships, 1)
	posts := users.Relationships[0]
	assert.Equal(t, OneToMany, posts.Kind)
	assert.True(t, posts.Cascade.Has(CascadeSaveUpdate))
	assert.True(t, posts.Cascade.Has(CascadeDeleteOrphan))
	assert.False(t, posts.Cascade.Has(CascadeDelete))

	tags := tables[1].Relationships[1]
	assert.Equal(t, ManyToMany, tags.Kind)
	assert.Equal(t, "post_tags", tags.JoinTable)

	token, ok := tables[2].Column("token")
	require.True(t, ok)
	require.NotNil(t, token.Default, "uuid default generator is installed")
	assert.Len(t, token.Default().(string), 36)
}

func TestLoadErrors(t *testing.T) {
	t.Run("UnknownField", func(t *testing.T) {
		_, err := Load(strings.NewReader("tables:\n  - name: users\n    colums: []\n"))
		assert.Error(t, err)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		doc := `
tables:
  - name: users
    columns:
      - {name: id, primary_key: true}
    relationships:
      - {attr: Posts, kind: sideways, target: posts, foreign_key: author_id}
`
		_, err := Load(strings.NewReader(doc))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown kind")
	})

	t.Run("UnknownCascade", func(t *testing.T) {
		doc := `
tables:
  - name: users
    columns:
      - {name: id, primary_key: true}
    relationships:
      - {attr: Posts, kind: one_to_many, target: posts, foreign_key: author_id, cascade: [explode]}
`
		_, err := Load(strings.NewReader(doc))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown cascade rule")
	})

	t.Run("UnknownDefault", func(t *testing.T) {
		doc := `
tables:
  - name: users
    columns:
      - {name: id, primary_key: true, default: snowflake}
`
		_, err := Load(strings.NewReader(doc))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown default generator")
	})

	t.Run("InvalidTableRejected", func(t *testing.T) {
		_, err := Load(strings.NewReader("tables:\n  - name: users\n    columns: []\n"))
		assert.True(t, quarry.IsValidationError(err), "tables without a primary key fail validation")
	})

	t.Run("AllTablesReported", func(t *testing.T) {
		doc := `
tables:
  - name: users
    columns: []
  - name: posts
    columns:
      - {name: title}
`
		_, err := Load(strings.NewReader(doc))
		require.Error(t, err)
		var agg *quarry.AggregateError
		require.ErrorAs(t, err, &agg)
		assert.Len(t, agg.Errors, 2, "both broken tables surface in one pass")
		assert.Contains(t, err.Error(), "users")
		assert.Contains(t, err.Error(), "posts")
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte(mappingDoc), 0o644))

	tables, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, tables, 3)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
