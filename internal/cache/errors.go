package cache

import "errors"

// Domain-specific errors for cache operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when a category or config key has never been
	// written. A miss is an expected condition, not a failure.
	ErrNotFound = errors.New("cache: not found")

	// ErrEmptyCategory is returned for cache operations with an empty category.
	ErrEmptyCategory = errors.New("cache: category cannot be empty")

	// ErrEmptyKey is returned for config operations with an empty key.
	ErrEmptyKey = errors.New("cache: config key cannot be empty")

	// ErrEmptyChangedBy is returned when a config write omits the actor.
	// Configuration changes are always operator-attributable.
	ErrEmptyChangedBy = errors.New("cache: changed_by cannot be empty")

	// ErrPayloadTooLarge is returned when a serialised payload exceeds the
	// configured maximum.
	ErrPayloadTooLarge = errors.New("cache: payload exceeds maximum size")
)
