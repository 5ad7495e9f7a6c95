package audit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxBuffered caps how many records the recorder will hold while the store
// is unavailable. Beyond this, the oldest records are dropped with a warning;
// the drop is loud, never silent.
const maxBuffered = 10000

// Logger is the minimal diagnostics interface the recorder depends on.
// Distinct from the audit trail itself: this is where degradation warnings go.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config contains recorder tuning.
type Config struct {
	// BufferSize is how many records accumulate before an automatic flush.
	BufferSize int
}

// Recorder is the buffered write facade over the audit store.
//
// Log buffers and is best-effort: storage trouble degrades to a warning on
// the diagnostics logger rather than failing the caller's primary action.
// Flush is the durability point and does return storage errors.
//
// Thread Safety: all methods are safe for concurrent use.
type Recorder struct {
	store  Store
	cfg    Config
	logger Logger

	mu  sync.Mutex
	buf []Record
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store, cfg Config) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Recorder{
		store:  store,
		cfg:    cfg,
		logger: noopLogger{},
	}
}

// SetLogger sets the diagnostics logger.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Log buffers one audit record, computing its checksum at write time.
// It returns an error only for malformed input; storage availability never
// fails the caller.
func (r *Recorder) Log(ctx context.Context, entry Entry) error {
	if entry.EventType == "" {
		return ErrEmptyEventType
	}
	if entry.Source == "" {
		return ErrEmptySource
	}
	severity := entry.Severity
	if severity == "" {
		severity = SeverityInfo
	}

	now := time.Now().UTC()
	createdAt := now.Format(timeFormat)

	detailJSON := ""
	if entry.Detail != nil {
		v, err := marshalDetail(entry.Detail)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		detailJSON, _ = v.(string)
	}

	rec := Record{
		Timestamp: now,
		EventType: entry.EventType,
		Source:    entry.Source,
		Action:    entry.Action,
		Subject:   entry.Subject,
		Detail:    entry.Detail,
		RequestID: entry.RequestID,
		Severity:  severity,
		Checksum: checksumFields(createdAt, entry.EventType, entry.Source,
			entry.Action, entry.Subject, detailJSON, entry.RequestID, severity),
	}

	r.mu.Lock()
	r.buf = append(r.buf, rec)
	if len(r.buf) > maxBuffered {
		dropped := len(r.buf) - maxBuffered
		r.buf = r.buf[dropped:]
		r.logger.Warn("audit buffer overflow, oldest records dropped", "dropped", dropped)
	}
	full := len(r.buf) >= r.cfg.BufferSize
	r.mu.Unlock()

	if full {
		if err := r.Flush(ctx); err != nil {
			// Best-effort: the records stay buffered for the next flush.
			r.logger.Warn("audit auto-flush failed", "error", err)
		}
	}
	return nil
}

// Flush writes all buffered records to the store. On return without error,
// every record buffered before the call is durable. On failure the records
// remain buffered and the error is returned.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := r.store.InsertRecords(ctx, pending); err != nil {
		// Re-buffer ahead of anything logged meanwhile to keep order.
		r.mu.Lock()
		r.buf = append(pending, r.buf...)
		r.mu.Unlock()
		return fmt.Errorf("flushing audit records: %w", err)
	}
	return nil
}

// Close flushes any buffered records. Shutdown must never silently drop a
// buffered record, so callers should treat a Close error as actionable.
func (r *Recorder) Close(ctx context.Context) error {
	return r.Flush(ctx)
}

// Pending returns the number of buffered, unflushed records.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// LogRequest records one row of the request-correlation stream. The stream
// is written through directly (not buffered); the caller is an administrative
// surface prepared to observe storage errors.
func (r *Recorder) LogRequest(ctx context.Context, requestID, method, path string, status int, duration time.Duration, client string) error {
	if requestID == "" {
		return ErrEmptyRequestID
	}
	return r.store.InsertRequest(ctx, RequestRecord{
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Status:    status,
		Duration:  duration,
		Client:    client,
		CreatedAt: time.Now().UTC(),
	})
}

// QueryEvents returns matching audit records in timestamp order.
func (r *Recorder) QueryEvents(ctx context.Context, filter Filter) ([]Record, error) {
	return r.store.Query(ctx, filter)
}

// QueryRequests returns the request rows for a correlation key.
func (r *Recorder) QueryRequests(ctx context.Context, requestID string) ([]RequestRecord, error) {
	return r.store.QueryRequests(ctx, requestID)
}

// VerifyIntegrity flushes pending records, then verifies every stored
// record's checksum. Verification never mutates a record.
func (r *Recorder) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	return r.store.VerifyIntegrity(ctx)
}
