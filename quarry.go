// Package quarry provides the shared surface of the quarry toolkit:
// sentinel errors, typed error helpers, and the result-set cache used
// by the driver decorators.
//
// The toolkit itself is split across three packages. Package dialect
// and dialect/sql hold the driver abstraction and the statement
// builders. Package orm holds the session: an identity-mapped unit of
// work with attribute-level change tracking and dependency-ordered
// flushing. See the orm package documentation for a usage overview.
package quarry
