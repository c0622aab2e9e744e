package sql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// ConstraintError is returned when a statement fails on a database
// constraint. It wraps the driver error for further inspection.
type ConstraintError struct {
	msg  string
	wrap error
}

// Constraint returns a new ConstraintError wrapping the given driver error.
func Constraint(err error) *ConstraintError {
	return &ConstraintError{msg: err.Error(), wrap: err}
}

// Error implements the error interface.
func (e ConstraintError) Error() string {
	return fmt.Sprintf("dialect/sql: constraint failed: %s", e.msg)
}

// Unwrap implements the errors.Wrapper interface.
func (e *ConstraintError) Unwrap() error {
	return e.wrap
}

// IsConstraintError returns true if the error resulted from a database constraint violation.
func IsConstraintError(err error) bool {
	var e *ConstraintError
	return errors.As(err, &e) ||
		IsUniqueConstraintError(err) ||
		IsForeignKeyConstraintError(err) ||
		IsCheckConstraintError(err)
}

// PostgreSQL SQLSTATE codes for constraint violations (Class 23).
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// MySQL error numbers for constraint violations.
const (
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451 // Cannot delete or update a parent row.
	mysqlForeignKeyChild        = 1452 // Cannot add or update a child row.
	mysqlCheckConstraintViolate = 3819
)

// IsUniqueConstraintError reports if the error resulted from a DB uniqueness
// constraint violation, such as a duplicate value in a unique index.
func IsUniqueConstraintError(err error) bool {
	return matchesConstraint(err, pgUniqueViolation, []uint16{mysqlDuplicateEntry},
		"UNIQUE constraint failed",   // SQLite.
		"violates unique constraint", // Postgres drivers without typed errors.
	)
}

// IsForeignKeyConstraintError reports if the error resulted from a database
// foreign-key constraint violation, such as a missing parent row.
func IsForeignKeyConstraintError(err error) bool {
	return matchesConstraint(err, pgForeignKeyViolation,
		[]uint16{mysqlForeignKeyParent, mysqlForeignKeyChild},
		"FOREIGN KEY constraint failed",
		"violates foreign key constraint",
	)
}

// IsCheckConstraintError reports if the error resulted from a database check
// constraint violation.
func IsCheckConstraintError(err error) bool {
	return matchesConstraint(err, pgCheckViolation, []uint16{mysqlCheckConstraintViolate},
		"CHECK constraint failed",
		"violates check constraint",
	)
}

// sqlStateError is implemented by drivers that expose SQLSTATE codes
// without being imported here, such as pgx.
type sqlStateError interface {
	SQLState() string
}

func matchesConstraint(err error, pgCode string, mysqlNums []uint16, fallbacks ...string) bool {
	if err == nil {
		return false
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		return string(pqe.Code) == pgCode
	}
	var mye *mysql.MySQLError
	if errors.As(err, &mye) {
		for _, n := range mysqlNums {
			if mye.Number == n {
				return true
			}
		}
		return false
	}
	var se sqlStateError
	if errors.As(err, &se) {
		return se.SQLState() == pgCode
	}
	// Fallback to string matching for drivers without typed errors,
	// such as the pure-Go SQLite driver.
	msg := err.Error()
	for _, sub := range fallbacks {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
