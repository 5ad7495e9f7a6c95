// Package ingest turns externally reported state changes into state log rows
// and bus events.
//
// Devices and bridges publish JSON state-change messages to
// hearth/state/{domain}/{entity_id}. The listener decodes each message,
// appends it to the state log (duplicates deduplicated by external id) and
// publishes a state_changed event on the bus for any module that reacts to
// live state.
package ingest
