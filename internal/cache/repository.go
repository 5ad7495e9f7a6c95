package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Entry is the latest stored value for a category.
type Entry struct {
	Category    string         `json:"category"`
	Data        any            `json:"data"`
	Version     int64          `json:"version"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	LastUpdated time.Time      `json:"last_updated"`
}

// HistoryEntry is a superseded cache version retained for audit/debugging.
type HistoryEntry struct {
	Category  string         `json:"category"`
	Data      any            `json:"data"`
	Version   int64          `json:"version"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ConfigEntry is the latest value for an operator-facing configuration key.
type ConfigEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	ChangedBy string    `json:"changed_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConfigChange is one row of a configuration key's change history.
type ConfigChange struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}

// Repository defines the persistence operations the cache manager needs.
type Repository interface {
	Write(ctx context.Context, category, dataJSON, metaJSON string, historyDepth int) (int64, error)
	Get(ctx context.Context, category string) (*Entry, error)
	History(ctx context.Context, category string, limit int) ([]HistoryEntry, error)
	WriteConfig(ctx context.Context, key, valueJSON, changedBy string) error
	GetConfig(ctx context.Context, key string) (*ConfigEntry, error)
	ConfigHistory(ctx context.Context, key string, limit int) ([]ConfigChange, error)
}

// SQLiteRepository stores cache entries and config values in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new cache repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Write persists a new version for category in a single transaction: the
// next version is read from the current row, the entry is replaced, the
// superseded history is appended, and history beyond historyDepth is trimmed.
// Returns the version that was written.
func (r *SQLiteRepository) Write(ctx context.Context, category, dataJSON, metaJSON string, historyDepth int) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting cache write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var version int64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM cache_entries WHERE category = ?", category,
	).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version = 0
	case err != nil:
		return 0, fmt.Errorf("reading current version: %w", err)
	}
	version++

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (category, data, version, metadata, last_updated)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(category) DO UPDATE SET
		   data = excluded.data,
		   version = excluded.version,
		   metadata = excluded.metadata,
		   last_updated = excluded.last_updated`,
		category, dataJSON, version, metaJSON, now,
	); err != nil {
		return 0, fmt.Errorf("writing cache entry: %w", err)
	}

	if historyDepth > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_history (category, data, version, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			category, dataJSON, version, metaJSON, now,
		); err != nil {
			return 0, fmt.Errorf("writing cache history: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache_history
			 WHERE category = ? AND version <= ?`,
			category, version-int64(historyDepth),
		); err != nil {
			return 0, fmt.Errorf("trimming cache history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cache write: %w", err)
	}
	return version, nil
}

// Get returns the latest entry for a category, or ErrNotFound if the
// category has never been written.
func (r *SQLiteRepository) Get(ctx context.Context, category string) (*Entry, error) {
	var entry Entry
	var dataJSON, metaJSON, lastUpdated string

	err := r.db.QueryRowContext(ctx,
		`SELECT category, data, version, metadata, last_updated
		 FROM cache_entries WHERE category = ?`, category,
	).Scan(&entry.Category, &dataJSON, &entry.Version, &metaJSON, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: category %q", ErrNotFound, category)
	}
	if err != nil {
		return nil, fmt.Errorf("querying cache entry: %w", err)
	}

	if err := json.Unmarshal([]byte(dataJSON), &entry.Data); err != nil {
		return nil, fmt.Errorf("unmarshalling cache data: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &entry.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshalling cache metadata: %w", err)
	}

	ts, err := parseTimestamp(lastUpdated)
	if err != nil {
		return nil, err
	}
	entry.LastUpdated = ts

	return &entry, nil
}

// History returns retained prior versions for a category, newest first.
func (r *SQLiteRepository) History(ctx context.Context, category string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT category, data, version, metadata, created_at
		 FROM cache_history
		 WHERE category = ?
		 ORDER BY version DESC
		 LIMIT ?`,
		category, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying cache history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var dataJSON, metaJSON, createdAt string
		if err := rows.Scan(&entry.Category, &dataJSON, &entry.Version, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning cache history: %w", err)
		}
		if err := json.Unmarshal([]byte(dataJSON), &entry.Data); err != nil {
			return nil, fmt.Errorf("unmarshalling history data: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling history metadata: %w", err)
		}
		ts, err := parseTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		entry.CreatedAt = ts
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cache history: %w", err)
	}
	return entries, nil
}

// WriteConfig persists a configuration value and appends to its history in a
// single transaction.
func (r *SQLiteRepository) WriteConfig(ctx context.Context, key, valueJSON, changedBy string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting config write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO config_entries (key, value, changed_by, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   changed_by = excluded.changed_by,
		   updated_at = excluded.updated_at`,
		key, valueJSON, changedBy, now,
	); err != nil {
		return fmt.Errorf("writing config entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO config_history (key, value, changed_by, created_at)
		 VALUES (?, ?, ?, ?)`,
		key, valueJSON, changedBy, now,
	); err != nil {
		return fmt.Errorf("writing config history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing config write: %w", err)
	}
	return nil
}

// GetConfig returns the latest value for a config key, or ErrNotFound.
func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (*ConfigEntry, error) {
	var entry ConfigEntry
	var valueJSON, updatedAt string

	err := r.db.QueryRowContext(ctx,
		"SELECT key, value, changed_by, updated_at FROM config_entries WHERE key = ?", key,
	).Scan(&entry.Key, &valueJSON, &entry.ChangedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: config key %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("querying config entry: %w", err)
	}

	if err := json.Unmarshal([]byte(valueJSON), &entry.Value); err != nil {
		return nil, fmt.Errorf("unmarshalling config value: %w", err)
	}

	ts, err := parseTimestamp(updatedAt)
	if err != nil {
		return nil, err
	}
	entry.UpdatedAt = ts

	return &entry, nil
}

// ConfigHistory returns the change history for a config key, newest first.
func (r *SQLiteRepository) ConfigHistory(ctx context.Context, key string, limit int) ([]ConfigChange, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value, changed_by, created_at
		 FROM config_history
		 WHERE key = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		key, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying config history: %w", err)
	}
	defer rows.Close()

	var changes []ConfigChange
	for rows.Next() {
		var change ConfigChange
		var valueJSON, createdAt string
		if err := rows.Scan(&change.Key, &valueJSON, &change.ChangedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning config history: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &change.Value); err != nil {
			return nil, fmt.Errorf("unmarshalling config history value: %w", err)
		}
		ts, err := parseTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		change.ChangedAt = ts
		changes = append(changes, change)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating config history: %w", err)
	}
	return changes, nil
}

// parseTimestamp parses a timestamp stored in SQLite.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	ts, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return ts, nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02T15:04:05Z", value)
	if fallbackErr == nil {
		return fallback, nil
	}

	return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
}
