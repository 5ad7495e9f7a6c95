package hub

import "context"

// Module is a registered unit of long-running behaviour.
//
// A module must identify itself and accept an initialise call; the optional
// capabilities below are detected by interface assertion. Cross-module state
// goes through the versioned cache, never through direct references to
// another module's internals.
type Module interface {
	// ID returns the unique module identifier.
	ID() string

	// Initialize prepares the module for operation. The hub handle allows the
	// module to subscribe, publish, and schedule background tasks.
	Initialize(ctx context.Context, h *Hub) error
}

// ShutdownHook is implemented by modules that need teardown on hub shutdown.
// Shutdown errors are logged and swallowed by the hub, never propagated.
type ShutdownHook interface {
	Shutdown(ctx context.Context) error
}

// EventObserver is implemented by modules that want to observe every event on
// the bus regardless of type, in addition to (or instead of) narrow
// subscriptions.
type EventObserver interface {
	OnEvent(ctx context.Context, evt Event) error
}

// Event is an immutable event-type/payload pair carried by the bus.
// The bus itself never queues or persists events; durability, where needed,
// belongs to downstream consumers such as the cache or the state log.
type Event struct {
	Type string
	Data map[string]any
}

// Handler is a subscriber callback. A returned error is logged against the
// handler and isolated from other handlers in the same dispatch.
type Handler func(ctx context.Context, evt Event) error

// Logger is the minimal logging interface the hub depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
