// Package audit provides the tamper-evident record of administrative actions
// and cache mutations.
//
// Records carry a SHA-256 checksum computed over their remaining fields at
// write time; VerifyIntegrity recomputes every stored checksum and reports
// mismatches without ever correcting them. Records are append-only: nothing
// in normal operation updates or deletes an audit row.
//
// Writes are buffered for throughput and flushed automatically at the
// configured buffer size; an explicit Flush guarantees durability on return,
// and Close performs an implicit flush. Audit is best-effort observability:
// when the store becomes unavailable, Log degrades to a local warning instead
// of failing the caller's primary action.
//
// A separate request-correlation stream (LogRequest/QueryRequests) lets an
// audit event be joined with the administrative request that caused it.
package audit
