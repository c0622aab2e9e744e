package orm

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports an invalid mapping configuration. It is raised
// eagerly at registration or flush-planning time.
type ConfigError struct {
	msg string
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ConfigError) Error() string { return "orm: " + e.msg }

// IsConfigError reports whether the error is a mapping configuration error.
func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

// UsageError reports an invalid state transition or API misuse, such as
// deleting a transient instance or flushing a closed session.
type UsageError struct {
	msg string
}

func usageErrorf(format string, args ...any) *UsageError {
	return &UsageError{msg: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *UsageError) Error() string { return "orm: " + e.msg }

// IsUsageError reports whether the error is an API usage error.
func IsUsageError(err error) bool {
	var e *UsageError
	return errors.As(err, &e)
}

// IdentityConflictError is returned when a different live instance is
// already registered under the same identity key.
type IdentityConflictError struct {
	// Key is the conflicting identity key.
	Key IdentityKey
	// Existing is the instance currently registered under the key.
	Existing any
	// Conflicting is the instance that failed to register.
	Conflicting any
}

// Error implements the error interface.
func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("orm: identity conflict: a different %T instance is already present for key %s", e.Existing, e.Key)
}

// CycleError is returned when the pending operations form a dependency
// cycle and no valid flush order exists.
type CycleError struct {
	// Instances describes the instances participating in the cycle.
	Instances []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("orm: dependency cycle between pending instances: %s", strings.Join(e.Instances, ", "))
}

// StatementError wraps a driver failure with the statement and bound
// parameters that produced it. The flush that raised it has been fully
// rolled back, both in the database and in memory.
type StatementError struct {
	// Query is the failed statement.
	Query string
	// Args are the bound parameters.
	Args []any
	// Err is the wrapped driver error.
	Err error
}

// Error implements the error interface.
func (e *StatementError) Error() string {
	return fmt.Sprintf("orm: statement failed: %v (query=%q args=%v)", e.Err, e.Query, e.Args)
}

// Unwrap returns the underlying driver error.
func (e *StatementError) Unwrap() error { return e.Err }
