package hub

import "errors"

// Domain-specific errors for hub operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrEmptyModuleID is returned when registering a module with an empty ID.
	ErrEmptyModuleID = errors.New("hub: module id cannot be empty")

	// ErrDuplicateModule is returned when a module ID is already registered.
	ErrDuplicateModule = errors.New("hub: module id already registered")

	// ErrEmptyEventType is returned when publishing or subscribing with an
	// empty event type.
	ErrEmptyEventType = errors.New("hub: event type cannot be empty")

	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("hub: handler cannot be nil")

	// ErrEmptyTaskID is returned when scheduling a task with an empty ID.
	ErrEmptyTaskID = errors.New("hub: task id cannot be empty")

	// ErrNilTask is returned when scheduling a nil task function.
	ErrNilTask = errors.New("hub: task function cannot be nil")

	// ErrNotRunning is returned for operations that require an initialised hub.
	ErrNotRunning = errors.New("hub: not running")

	// ErrAlreadyRunning is returned when initialising a hub twice without an
	// intervening shutdown.
	ErrAlreadyRunning = errors.New("hub: already running")
)
