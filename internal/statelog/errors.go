package statelog

import "errors"

// Domain-specific errors for state log operations.
var (
	// ErrEmptyEntityID is returned when recording an event without an entity.
	ErrEmptyEntityID = errors.New("statelog: entity id cannot be empty")

	// ErrEmptyDomain is returned when recording an event without a domain.
	ErrEmptyDomain = errors.New("statelog: domain cannot be empty")

	// ErrReconnectFailed is returned by every operation after the single
	// transparent reconnect attempt has failed. Only Reinitialize clears it.
	ErrReconnectFailed = errors.New("statelog: database reconnect failed, reinitialize required")
)
