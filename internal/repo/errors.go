// Package repo implements the data persistence layer for the reliability
// domain entities, backed by GORM. This file centralizes the sentinel errors
// shared by all repository functions.
//
// Error semantics:
//   - When a row is not found, functions return ErrNotFound (an alias of
//     gorm.ErrRecordNotFound so errors.Is works either way).
//   - When an atomic insert-if-absent loses to an existing row, functions
//     return ErrDuplicate.
//   - When a compare-and-swap update matches zero rows (another writer got
//     there first), functions return ErrStale.
//   - On other DB errors the raw gorm error is propagated.
package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound indicates the requested row does not exist (or is expired).
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a unique-constraint violation on insert.
var ErrDuplicate = errors.New("duplicate")

// ErrStale indicates a compare-and-swap update lost a race: the row's
// version or status no longer matches what the caller observed.
var ErrStale = errors.New("stale update")

// isUniqueViolation detects unique-constraint violations in a
// driver-agnostic way. glebarez/sqlite often returns plain-text errors
// for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}
