package statelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hearthlab/hearth-core/internal/infrastructure/database"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// timeFormat is RFC 3339 with fixed-width nanoseconds so stored UTC
// timestamps compare correctly as strings in SQL range conditions.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Event is one recorded state transition.
type Event struct {
	ID          int64          `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	EntityID    string         `json:"entity_id"`
	Domain      string         `json:"domain"`
	OldState    string         `json:"old_state"`
	NewState    string         `json:"new_state"`
	DeviceID    string         `json:"device_id,omitempty"`
	AreaID      string         `json:"area_id,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	CausationID string         `json:"causation_id,omitempty"`
	ExternalID  string         `json:"external_id,omitempty"`
}

// Logger is the minimal diagnostics interface the store depends on.
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

// Store persists state events on its own SQLite connection.
//
// Thread Safety: all methods are safe for concurrent use.
type Store struct {
	cfg    database.Config
	logger Logger

	mu     sync.Mutex
	db     *sql.DB
	broken bool
}

// NewStore opens the state log's own connection using the shared durability
// settings (WAL, busy timeout, foreign keys).
func NewStore(cfg database.Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening state log database: %w", err)
	}
	return &Store{
		cfg:    cfg,
		logger: noopLogger{},
		db:     db,
	}, nil
}

// SetLogger sets the diagnostics logger.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

func openDB(cfg database.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", database.DSN(cfg))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Reinitialize discards the current connection, opens a fresh one and clears
// the reconnect breaker. It is the only way to recover after
// ErrReconnectFailed.
func (s *Store) Reinitialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		s.db.Close() //nolint:errcheck // connection is being replaced regardless
		s.db = nil
	}
	db, err := openDB(s.cfg)
	if err != nil {
		s.broken = true
		return fmt.Errorf("reinitializing state log database: %w", err)
	}
	s.db = db
	s.broken = false
	s.logger.Info("state log database reinitialized", "path", s.cfg.Path)
	return nil
}

// withDB runs fn against the current connection. On a closed-connection
// failure it reopens once and retries fn; if the reopen fails the breaker
// trips and all further calls return ErrReconnectFailed until Reinitialize.
func (s *Store) withDB(fn func(db *sql.DB) error) error {
	s.mu.Lock()
	if s.broken {
		s.mu.Unlock()
		return ErrReconnectFailed
	}
	db := s.db
	s.mu.Unlock()

	if db == nil {
		return ErrReconnectFailed
	}

	err := fn(db)
	if err == nil || !isConnClosed(err) {
		return err
	}

	s.mu.Lock()
	// Another caller may have already reconnected.
	if s.broken {
		s.mu.Unlock()
		return ErrReconnectFailed
	}
	if s.db == db || s.db == nil {
		fresh, openErr := openDB(s.cfg)
		if openErr != nil {
			s.broken = true
			s.mu.Unlock()
			s.logger.Error("state log reconnect failed, breaker tripped",
				"path", s.cfg.Path, "error", openErr)
			return ErrReconnectFailed
		}
		s.db = fresh
		s.logger.Warn("state log connection lost, reopened", "path", s.cfg.Path)
	}
	db = s.db
	s.mu.Unlock()

	return fn(db)
}

// isConnClosed reports whether err indicates a closed database handle.
func isConnClosed(err error) bool {
	if err == nil {
		return false
	}
	if strings.Contains(err.Error(), "database is closed") {
		return true
	}
	return false
}

// InsertEvent records one state transition. A row whose external id is
// already present is silently ignored (dedupe of externally-sourced events).
func (s *Store) InsertEvent(ctx context.Context, event Event) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	return s.withDB(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, insertEventSQL, insertEventArgs(event)...)
		if err != nil {
			return fmt.Errorf("inserting state event: %w", err)
		}
		return nil
	})
}

// InsertEventsBatch records a batch of transitions in a single transaction.
// Duplicate external ids within or across batches are ignored, the rest of
// the batch still commits.
func (s *Store) InsertEventsBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, event := range events {
		if err := validateEvent(event); err != nil {
			return err
		}
	}
	return s.withDB(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting state event batch: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

		stmt, err := tx.PrepareContext(ctx, insertEventSQL)
		if err != nil {
			return fmt.Errorf("preparing state event insert: %w", err)
		}
		defer stmt.Close()

		for _, event := range events {
			if _, err := stmt.ExecContext(ctx, insertEventArgs(event)...); err != nil {
				return fmt.Errorf("inserting state event for %s: %w", event.EntityID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing state event batch: %w", err)
		}
		return nil
	})
}

const insertEventSQL = `INSERT OR IGNORE INTO state_events
	(created_at, entity_id, domain, old_state, new_state, device_id, area_id, attributes, causation_id, external_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertEventArgs(event Event) []any {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var attrs any
	if event.Attributes != nil {
		if b, err := json.Marshal(event.Attributes); err == nil {
			attrs = string(b)
		}
	}
	return []any{
		createdAt.UTC().Format(timeFormat),
		event.EntityID, event.Domain,
		event.OldState, event.NewState,
		nullableString(event.DeviceID),
		nullableString(event.AreaID),
		attrs,
		nullableString(event.CausationID),
		nullableString(event.ExternalID),
	}
}

func validateEvent(event Event) error {
	if event.EntityID == "" {
		return ErrEmptyEntityID
	}
	if event.Domain == "" {
		return ErrEmptyDomain
	}
	return nil
}

// QueryEvents returns events in the half-open window [start, end), oldest
// first. A zero start or end leaves that bound unconstrained.
func (s *Store) QueryEvents(ctx context.Context, start, end time.Time, limit int) ([]Event, error) {
	return s.queryWindow(ctx, "", nil, start, end, limit)
}

// QueryByEntity returns one entity's events in [start, end).
func (s *Store) QueryByEntity(ctx context.Context, entityID string, start, end time.Time, limit int) ([]Event, error) {
	return s.queryWindow(ctx, "entity_id = ?", []any{entityID}, start, end, limit)
}

// QueryByArea returns one area's events in [start, end).
func (s *Store) QueryByArea(ctx context.Context, areaID string, start, end time.Time, limit int) ([]Event, error) {
	return s.queryWindow(ctx, "area_id = ?", []any{areaID}, start, end, limit)
}

// QueryByDomain returns one domain's events in [start, end).
func (s *Store) QueryByDomain(ctx context.Context, domain string, start, end time.Time, limit int) ([]Event, error) {
	return s.queryWindow(ctx, "domain = ?", []any{domain}, start, end, limit)
}

// QueryManualEvents returns events with no causation id, i.e. transitions
// a person caused directly rather than an automation.
func (s *Store) QueryManualEvents(ctx context.Context, start, end time.Time, limit int) ([]Event, error) {
	return s.queryWindow(ctx, "causation_id IS NULL", nil, start, end, limit)
}

func (s *Store) queryWindow(ctx context.Context, extra string, extraArgs []any, start, end time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	conditions := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if extra != "" {
		conditions = append(conditions, extra)
		args = append(args, extraArgs...)
	}
	if !start.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, start.UTC().Format(timeFormat))
	}
	if !end.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, end.UTC().Format(timeFormat))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, created_at, entity_id, domain, old_state, new_state, device_id, area_id, attributes, causation_id, external_id
		 FROM state_events %s ORDER BY created_at ASC, id ASC LIMIT ?`,
		where,
	)
	args = append(args, limit)

	var events []Event
	err := s.withDB(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("querying state events: %w", err)
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			event, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, event)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating state events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var event Event
	var createdAt string
	var deviceID, areaID, attrs, causationID, externalID sql.NullString

	if err := rows.Scan(&event.ID, &createdAt, &event.EntityID, &event.Domain,
		&event.OldState, &event.NewState,
		&deviceID, &areaID, &attrs, &causationID, &externalID); err != nil {
		return Event{}, fmt.Errorf("scanning state event: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Event{}, fmt.Errorf("parsing state event timestamp %q: %w", createdAt, err)
	}
	event.CreatedAt = ts
	event.DeviceID = deviceID.String
	event.AreaID = areaID.String
	event.CausationID = causationID.String
	event.ExternalID = externalID.String
	if attrs.Valid && attrs.String != "" {
		var parsed map[string]any
		if json.Unmarshal([]byte(attrs.String), &parsed) == nil {
			event.Attributes = parsed
		}
	}
	return event, nil
}

// PruneBefore deletes every event older than the cutoff and returns how many
// rows were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := s.withDB(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"DELETE FROM state_events WHERE created_at < ?",
			cutoff.UTC().Format(timeFormat),
		)
		if err != nil {
			return fmt.Errorf("pruning state events: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("counting pruned state events: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// TotalCount returns the number of stored events.
func (s *Store) TotalCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.withDB(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, "SELECT COUNT(*) FROM state_events").Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("counting state events: %w", err)
	}
	return count, nil
}

// CountEvents returns the number of events in the half-open window [start, end).
func (s *Store) CountEvents(ctx context.Context, start, end time.Time) (int64, error) {
	var count int64
	err := s.withDB(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM state_events WHERE created_at >= ? AND created_at < ?",
			start.UTC().Format(timeFormat), end.UTC().Format(timeFormat),
		).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("counting state events in window: %w", err)
	}
	return count, nil
}

// EnsureColumn adds a column to a state log table if it is not already
// present. Rerunning against an up-to-date schema is a no-op; SQLite reports
// the existing column as a duplicate and that error alone is swallowed.
func (s *Store) EnsureColumn(ctx context.Context, table, column, definition string) error {
	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	return s.withDB(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, ddl)
		if err == nil {
			s.logger.Info("state log column added", "table", table, "column", column)
			return nil
		}
		if strings.Contains(err.Error(), "duplicate column name") {
			s.logger.Debug("state log column already present", "table", table, "column", column)
			return nil
		}
		s.logger.Error("state log column migration failed",
			"table", table, "column", column, "error", err)
		return fmt.Errorf("adding column %s.%s: %w", table, column, err)
	})
}

// nullableString returns nil for empty strings, or the string otherwise.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
