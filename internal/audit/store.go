package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 200
)

// timeFormat is RFC 3339 with fixed-width nanoseconds. Unlike RFC3339Nano it
// never trims trailing zeros, so stored UTC timestamps compare correctly as
// strings in SQL range conditions.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Filter controls which audit records Query returns.
type Filter struct {
	EventType string    // optional: filter by event type
	Source    string    // optional: filter by source
	Severity  string    // optional: filter by severity
	RequestID string    // optional: filter by correlation key
	Start     time.Time // optional: inclusive lower bound
	End       time.Time // optional: exclusive upper bound
	Limit     int       // default 50, max 200
}

// IntegrityReport is the result of a full checksum verification pass.
type IntegrityReport struct {
	Total   int              `json:"total"`
	Valid   int              `json:"valid"`
	Invalid int              `json:"invalid"`
	Details []IntegrityIssue `json:"details,omitempty"`
}

// IntegrityIssue describes one record whose recomputed checksum disagrees
// with the stored one.
type IntegrityIssue struct {
	ID       int64  `json:"id"`
	Expected string `json:"expected"`
	Stored   string `json:"stored"`
}

// Store defines the persistence operations the audit recorder needs.
type Store interface {
	InsertRecords(ctx context.Context, records []Record) error
	InsertRequest(ctx context.Context, rec RequestRecord) error
	Query(ctx context.Context, filter Filter) ([]Record, error)
	QueryRequests(ctx context.Context, requestID string) ([]RequestRecord, error)
	VerifyIntegrity(ctx context.Context) (*IntegrityReport, error)
}

// SQLiteStore persists audit records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new audit store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// InsertRecords appends a batch of records in a single transaction.
// The Checksum field of each record must already be populated.
func (s *SQLiteStore) InsertRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting audit insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_events
		 (created_at, event_type, source, action, subject, detail, request_id, severity, checksum)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("preparing audit insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		detailJSON, err := marshalDetail(rec.Detail)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			rec.Timestamp.UTC().Format(timeFormat),
			rec.EventType, rec.Source, rec.Action, rec.Subject,
			detailJSON,
			nullableString(rec.RequestID),
			rec.Severity, rec.Checksum,
		); err != nil {
			return fmt.Errorf("inserting audit record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing audit insert: %w", err)
	}
	return nil
}

// InsertRequest appends one row to the request-correlation stream.
func (s *SQLiteStore) InsertRequest(ctx context.Context, rec RequestRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_requests (request_id, method, path, status, duration_ms, client, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Method, rec.Path, rec.Status,
		rec.Duration.Milliseconds(),
		nullableString(rec.Client),
		createdAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting request record: %w", err)
	}
	return nil
}

// Query returns matching records in timestamp (ascending) order.
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultQueryLimit
	}
	if filter.Limit > maxQueryLimit {
		filter.Limit = maxQueryLimit
	}

	var conditions []string
	var args []any

	if filter.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.RequestID != "" {
		conditions = append(conditions, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if !filter.Start.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Start.UTC().Format(timeFormat))
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, filter.End.UTC().Format(timeFormat))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, created_at, event_type, source, action, subject, detail, request_id, severity, checksum
		 FROM audit_events %s ORDER BY created_at ASC, id ASC LIMIT ?`,
		where,
	)
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}
	return records, nil
}

// QueryRequests returns the request-correlation rows for a request ID,
// oldest first.
func (s *SQLiteStore) QueryRequests(ctx context.Context, requestID string) ([]RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, method, path, status, duration_ms, client, created_at
		 FROM audit_requests WHERE request_id = ? ORDER BY id ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying request records: %w", err)
	}
	defer rows.Close()

	var records []RequestRecord
	for rows.Next() {
		var rec RequestRecord
		var client sql.NullString
		var durationMS int64
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Method, &rec.Path,
			&rec.Status, &durationMS, &client, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning request record: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if client.Valid {
			rec.Client = client.String
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing request timestamp %q: %w", createdAt, err)
		}
		rec.CreatedAt = ts
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request records: %w", err)
	}
	return records, nil
}

// VerifyIntegrity recomputes every stored record's checksum against the
// remaining columns and reports mismatches. Verification is read-only: an
// invalid record is reported, never repaired or removed.
func (s *SQLiteStore) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, event_type, source, action, subject, detail, request_id, severity, checksum
		 FROM audit_events ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit records for verification: %w", err)
	}
	defer rows.Close()

	report := &IntegrityReport{}
	for rows.Next() {
		var id int64
		var createdAt, eventType, source, action, subject, severity, checksum string
		var detail, requestID sql.NullString
		if err := rows.Scan(&id, &createdAt, &eventType, &source, &action, &subject,
			&detail, &requestID, &severity, &checksum); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}

		report.Total++
		expected := checksumFields(createdAt, eventType, source, action, subject,
			detail.String, requestID.String, severity)
		if expected == checksum {
			report.Valid++
		} else {
			report.Invalid++
			report.Details = append(report.Details, IntegrityIssue{
				ID:       id,
				Expected: expected,
				Stored:   checksum,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}
	return report, nil
}

// scanRecord scans one audit_events row.
func scanRecord(rows *sql.Rows) (Record, string, error) {
	var rec Record
	var createdAt string
	var detail, requestID sql.NullString

	if err := rows.Scan(&rec.ID, &createdAt, &rec.EventType, &rec.Source,
		&rec.Action, &rec.Subject, &detail, &requestID, &rec.Severity, &rec.Checksum); err != nil {
		return Record{}, "", fmt.Errorf("scanning audit record: %w", err)
	}

	if detail.Valid && detail.String != "" {
		var parsed map[string]any
		if json.Unmarshal([]byte(detail.String), &parsed) == nil {
			rec.Detail = parsed
		}
	}
	if requestID.Valid {
		rec.RequestID = requestID.String
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, "", fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
	}
	rec.Timestamp = ts

	return rec, detail.String, nil
}

// marshalDetail serialises the detail map, preserving nil as SQL NULL.
func marshalDetail(detail map[string]any) (any, error) {
	if detail == nil {
		return nil, nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshalling audit detail: %w", err)
	}
	return string(b), nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
