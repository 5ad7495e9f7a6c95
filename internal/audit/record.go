package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Severity levels for audit records.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Record is a single stored audit entry.
type Record struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject"`
	Detail    map[string]any `json:"detail,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Severity  string         `json:"severity"`
	Checksum  string         `json:"checksum"`
}

// Entry is the caller-supplied portion of an audit record.
type Entry struct {
	EventType string
	Source    string
	Action    string
	Subject   string
	Detail    map[string]any
	RequestID string
	Severity  string
}

// RequestRecord is one row of the request-correlation stream.
type RequestRecord struct {
	ID        int64         `json:"id"`
	RequestID string        `json:"request_id"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Status    int           `json:"status"`
	Duration  time.Duration `json:"duration"`
	Client    string        `json:"client,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// checksumFields computes the record digest over the stored string forms of
// every field except the checksum itself. Using the stored forms (rather than
// parsed values) keeps the digest recomputable byte-for-byte at verify time.
func checksumFields(createdAt, eventType, source, action, subject, detailJSON, requestID, severity string) string {
	payload := strings.Join([]string{
		createdAt, eventType, source, action, subject, detailJSON, requestID, severity,
	}, "\x1f")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
