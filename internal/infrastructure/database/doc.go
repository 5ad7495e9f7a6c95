// Package database provides the SQLite connection layer for Hearth Core.
//
// It wraps database/sql with:
//   - WAL mode and busy-timeout pragmas applied at open time
//   - A single-writer connection pool matching SQLite's locking model
//   - Versioned schema migrations embedded into the binary
//   - Health checks for startup verification
//
// All three durable stores (versioned cache, audit log, state log) share one
// database file opened through this package.
package database
