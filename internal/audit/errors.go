package audit

import "errors"

// Domain-specific errors for audit operations.
var (
	// ErrEmptyEventType is returned when logging a record without an event type.
	ErrEmptyEventType = errors.New("audit: event type cannot be empty")

	// ErrEmptySource is returned when logging a record without a source.
	ErrEmptySource = errors.New("audit: source cannot be empty")

	// ErrEmptyRequestID is returned when logging a request row without an ID.
	ErrEmptyRequestID = errors.New("audit: request id cannot be empty")
)
