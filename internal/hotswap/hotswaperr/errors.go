// Package hotswaperr defines sentinel errors shared across the hot-swap engine.
package hotswaperr

import "errors"

// Sentinel errors for argument and lookup failures.
var (
	// ErrInvalidArgument indicates a malformed or out-of-range parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates the named module, agent, or checkpoint does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a name collision on registration.
	ErrAlreadyExists = errors.New("already exists")
)

// Sentinel errors for version and capability mismatches.
var (
	// ErrIncompatible indicates a version or capability mismatch between modules.
	ErrIncompatible = errors.New("incompatible")

	// ErrMigrationFailed indicates a transformation-chain error, a timeout,
	// or a verification failure during migration.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationInFlight indicates a second swap was requested against a
	// module that is already migrating.
	ErrMigrationInFlight = errors.New("migration already in flight")
)

// Sentinel errors for state integrity and resources.
var (
	// ErrCorruptionDetected indicates a checksum mismatch that could not be
	// repaired, or a repair with no recovery source.
	ErrCorruptionDetected = errors.New("corruption detected")

	// ErrResourceExhausted indicates a diff cap, a full chunk table, or a
	// failed backup allocation.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrSecurityDenied indicates the security gate refused to activate a
	// new module version.
	ErrSecurityDenied = errors.New("security denied")

	// ErrTimeout indicates a phase exceeded the migration context deadline.
	ErrTimeout = errors.New("operation timed out")
)
