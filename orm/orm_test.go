package orm

import (
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/dialect"
	sqld "github.com/quarrydb/quarry/dialect/sql"
	"github.com/quarrydb/quarry/schema"
)

// Fixture model: a blog with authors, posts and tags. Posts belong to
// a user and carry a many-to-many tag set through post_tags.

type User struct {
	ID    int
	Name  string
	Email string
	Posts []*Post
}

type Post struct {
	ID       int
	Title    string
	AuthorID int
	Author   *User
	Tags     []*Tag
}

type Tag struct {
	ID    int
	Label string
}

func userTable() *schema.Table {
	t := schema.NewTable("users",
		&schema.Column{Name: "id", Attr: "ID", PrimaryKey: true, AutoIncrement: true},
		&schema.Column{Name: "name", Attr: "Name"},
		&schema.Column{Name: "email", Attr: "Email", Nullable: true},
	)
	return t.AddRelationships(&schema.Relationship{
		Attr:       "Posts",
		Kind:       schema.OneToMany,
		Target:     "posts",
		ForeignKey: "author_id",
		Cascade:    schema.CascadeAll | schema.CascadeDeleteOrphan,
	})
}

func postTable() *schema.Table {
	t := schema.NewTable("posts",
		&schema.Column{Name: "id", Attr: "ID", PrimaryKey: true, AutoIncrement: true},
		&schema.Column{Name: "title", Attr: "Title"},
		&schema.Column{Name: "author_id", Attr: "AuthorID", Nullable: true},
	)
	return t.AddRelationships(
		&schema.Relationship{
			Attr:       "Author",
			Kind:       schema.ManyToOne,
			Target:     "users",
			ForeignKey: "author_id",
			Cascade:    schema.CascadeSaveUpdate,
		},
		&schema.Relationship{
			Attr:             "Tags",
			Kind:             schema.ManyToMany,
			Target:           "tags",
			JoinTable:        "post_tags",
			JoinColumn:       "post_id",
			JoinTargetColumn: "tag_id",
			Cascade:          schema.CascadeSaveUpdate,
		},
	)
}

func tagTable() *schema.Table {
	return schema.NewTable("tags",
		&schema.Column{Name: "id", Attr: "ID", PrimaryKey: true, AutoIncrement: true},
		&schema.Column{Name: "label", Attr: "Label"},
	)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.MustRegister(&User{}, userTable())
	r.MustRegister(&Post{}, postTable())
	r.MustRegister(&Tag{}, tagTable())
	return r
}

// mockSession returns a session backed by sqlmock, defaulting to the
// sqlite dialect so statements render with ? placeholders.
func mockSession(t *testing.T, opts ...SessionOption) (*Session, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	drv := sqld.OpenDB(dialect.SQLite, db)
	opts = append([]SessionOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewSession(testRegistry(t), drv, opts...), mock
}
