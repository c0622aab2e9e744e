// Package sql provides a dialect.Driver implementation on top of
// database/sql, statement builders for the four DML operations, typed
// predicate fields, and decorator drivers for statistics collection.
//
// Statements are built with a fluent API and rendered per dialect:
//
//	query, args := sql.Insert("users").
//	    Dialect(dialect.Postgres).
//	    Columns("name", "age").
//	    Values("a8m", 30).
//	    Returning("id").
//	    Query()
//
// The builders are the compilation collaborator consumed by the orm
// package; they are deliberately minimal and cover only what the
// unit-of-work executor and the query surface need.
package sql
