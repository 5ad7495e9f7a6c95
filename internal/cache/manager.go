package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hearthlab/hearth-core/internal/hub"
	"github.com/hearthlab/hearth-core/internal/infrastructure/metrics"
)

// Publisher is the event-bus surface the cache announces writes on.
// *hub.Hub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
}

// Logger is the minimal logging interface the manager depends on.
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

// Config contains cache manager tuning.
type Config struct {
	// MaxPayloadBytes caps the serialised size of one write.
	MaxPayloadBytes int

	// HistoryDepth is how many prior versions are retained per category.
	HistoryDepth int
}

// Manager coordinates versioned cache writes.
//
// Writes to a given category are serialised by a per-category lock so
// concurrent writers can never skip or reuse a version; writes to different
// categories proceed independently. Reads go straight to the repository and
// always observe a committed version.
type Manager struct {
	repo      Repository
	publisher Publisher
	cfg       Config
	logger    Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a cache manager over the given repository.
// The publisher may be nil, in which case writes are not announced.
func NewManager(repo Repository, publisher Publisher, cfg Config) *Manager {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if cfg.HistoryDepth < 0 {
		cfg.HistoryDepth = 0
	}
	return &Manager{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		logger:    noopLogger{},
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// categoryLock returns the write lock for a category, creating it on first use.
func (m *Manager) categoryLock(category string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[category]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[category] = lock
	}
	return lock
}

// SetCache persists a new version for category and publishes cache_updated
// with the category and the version that was written.
//
// A malformed or oversized payload fails this call with a descriptive error
// and mutates nothing; storage errors are surfaced to the caller.
func (m *Manager) SetCache(ctx context.Context, category string, data any, metadata map[string]any) (int64, error) {
	if category == "" {
		return 0, ErrEmptyCategory
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshalling cache data for %q: %w", category, err)
	}
	if len(dataJSON) > m.cfg.MaxPayloadBytes {
		return 0, fmt.Errorf("%w: %d bytes > %d for category %q",
			ErrPayloadTooLarge, len(dataJSON), m.cfg.MaxPayloadBytes, category)
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshalling cache metadata for %q: %w", category, err)
	}

	lock := m.categoryLock(category)
	lock.Lock()
	version, err := m.repo.Write(ctx, category, string(dataJSON), string(metaJSON), m.cfg.HistoryDepth)
	lock.Unlock()
	if err != nil {
		return 0, err
	}

	metrics.CacheWrites.WithLabelValues(category).Inc()
	m.logger.Debug("cache written", "category", category, "version", version)

	m.announce(ctx, hub.EventCacheUpdated, map[string]any{
		"category": category,
		"version":  version,
	})

	return version, nil
}

// GetCache returns the latest entry for a category. A never-written category
// yields ErrNotFound, not a failure.
func (m *Manager) GetCache(ctx context.Context, category string) (*Entry, error) {
	if category == "" {
		return nil, ErrEmptyCategory
	}
	return m.repo.Get(ctx, category)
}

// GetHistory returns retained prior versions for a category, newest first.
func (m *Manager) GetHistory(ctx context.Context, category string, limit int) ([]HistoryEntry, error) {
	if category == "" {
		return nil, ErrEmptyCategory
	}
	return m.repo.History(ctx, category, limit)
}

// SetConfig persists an operator-facing configuration value with provenance
// and publishes config_updated.
func (m *Manager) SetConfig(ctx context.Context, key string, value any, changedBy string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if changedBy == "" {
		return ErrEmptyChangedBy
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling config value for %q: %w", key, err)
	}
	if len(valueJSON) > m.cfg.MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes > %d for key %q",
			ErrPayloadTooLarge, len(valueJSON), m.cfg.MaxPayloadBytes, key)
	}

	lock := m.categoryLock("config:" + key)
	lock.Lock()
	err = m.repo.WriteConfig(ctx, key, string(valueJSON), changedBy)
	lock.Unlock()
	if err != nil {
		return err
	}

	m.logger.Debug("config written", "key", key, "changed_by", changedBy)

	m.announce(ctx, hub.EventConfigUpdated, map[string]any{
		"key":        key,
		"changed_by": changedBy,
	})

	return nil
}

// GetConfig returns the latest value for a config key, or ErrNotFound.
func (m *Manager) GetConfig(ctx context.Context, key string) (*ConfigEntry, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	return m.repo.GetConfig(ctx, key)
}

// GetConfigHistory returns the change history for a config key, newest first.
func (m *Manager) GetConfigHistory(ctx context.Context, key string, limit int) ([]ConfigChange, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	return m.repo.ConfigHistory(ctx, key, limit)
}

// announce publishes a bus event for a completed write. Publish failures are
// logged, never surfaced: the write itself has already committed.
func (m *Manager) announce(ctx context.Context, eventType string, data map[string]any) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, eventType, data); err != nil {
		m.logger.Warn("publishing cache event failed", "event_type", eventType, "error", err)
	}
}
