// Package schema describes the relational metadata consumed by the orm
// package: tables, columns, primary keys and relationships between
// mapped types, including their cascade rules.
//
// A table is declared in code:
//
//	users := schema.NewTable("users",
//	    &schema.Column{Name: "id", PrimaryKey: true, AutoIncrement: true},
//	    &schema.Column{Name: "name"},
//	    &schema.Column{Name: "email", Nullable: true},
//	).AddRelationships(
//	    &schema.Relationship{
//	        Attr:       "Posts",
//	        Kind:       schema.OneToMany,
//	        Target:     "posts",
//	        ForeignKey: "author_id",
//	        Cascade:    schema.CascadeAll | schema.CascadeDeleteOrphan,
//	    },
//	)
//
// or loaded from a YAML mapping file with Load or LoadFile:
//
//	tables:
//	  - name: users
//	    columns:
//	      - {name: id, primary_key: true, auto_increment: true}
//	      - {name: name}
//	      - {name: email, nullable: true}
//	    relationships:
//	      - attr: Posts
//	        kind: one_to_many
//	        target: posts
//	        foreign_key: author_id
//	        cascade: [save-update, delete, delete-orphan]
//
// Tables are bound to Go struct types through an orm.Registry. Column
// names map to struct fields by camelizing the column name, unless the
// Attr field names one explicitly.
package schema
