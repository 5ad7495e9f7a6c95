// Package statelog provides the append-only history of entity state changes.
//
// Every observed transition (sensor reading, switch toggle, mode change)
// becomes one immutable row. Rows are never updated; retention is enforced
// by pruning whole rows older than a cutoff.
//
// The store owns its own database connection so that a dropped connection
// degrades only state history, not the rest of the daemon. On a closed
// connection it reopens once, transparently, with the same durability
// pragmas. If that single reopen fails a circuit breaker trips and every
// subsequent call fails fast with ErrReconnectFailed until Reinitialize
// is called explicitly.
package statelog
