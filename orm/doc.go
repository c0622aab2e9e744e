// Package orm implements an identity-mapped unit of work over the
// dialect drivers.
//
// A Registry maps Go struct types to schema tables. A Session tracks
// instances of registered types: it keeps at most one instance per
// identity key, records attribute-level change history against a
// committed baseline, and on Flush orders the pending inserts, updates
// and deletes so that referential dependencies are satisfied, with
// generated primary keys propagated to dependent rows in between.
//
//	reg := orm.NewRegistry()
//	reg.MustRegister(&User{}, userTable)
//	s := orm.NewSession(reg, drv)
//	u := &User{}
//	s.Add(u)
//	s.Set(u, "Name", "mia")
//	err := s.Commit(ctx)
//
// Flush opens a transaction on first use and holds it until Commit or
// Rollback. A failed flush rolls the transaction back and restores all
// in-memory state to its pre-flush picture.
package orm
