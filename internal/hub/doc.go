// Package hub provides the orchestration substrate for Hearth Core.
//
// The hub ties three concerns together:
//
//   - Module registry and lifecycle: named units of long-running behaviour
//     register with the hub, which drives initialise/shutdown and isolates
//     per-module failures from siblings.
//   - Event bus: fire-and-forget publish/subscribe. A single publish fans out
//     to the explicit subscribers for that event type and to every registered
//     module's generic observer, each invocation bounded by a hard dispatch
//     timeout and measured against a slow-handler threshold.
//   - Task scheduler: recurring and one-shot background work keyed by task ID,
//     with cancel-and-replace semantics and supervised completion. A crashing
//     task is always logged, never silently lost.
//
// The hub is constructed explicitly with New and passed to module
// constructors; there is no package-level instance.
//
// # Dispatch guarantees
//
// Publish snapshots the subscriber set and module list before invoking any
// handler, so a handler that unsubscribes (itself or another handler) during
// dispatch affects only future publishes. Handlers for one publish run
// sequentially, preserving delivery order for successive publishes of the
// same event type. Handler errors and panics are caught and logged per
// handler; they never propagate out of Publish.
package hub
