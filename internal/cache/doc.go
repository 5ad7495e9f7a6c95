// Package cache provides the versioned key-value store shared by all Hearth
// modules, plus the operator-facing configuration sub-store.
//
// Every write to a category persists a new strictly-increasing version and a
// bounded history of superseded versions, then announces itself on the event
// bus as cache_updated. Configuration writes additionally record who made the
// change and are queryable by full history, not just latest value.
//
// # Architecture
//
//	Manager (manager.go)         Repository (repository.go)
//	  per-category write locks     SQLite transactions
//	  payload validation           version allocation
//	  event emission               history trimming
//
// Versions survive process restarts: the next version is read from the store
// inside the same transaction that writes the new one.
package cache
