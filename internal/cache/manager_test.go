package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hearthlab/hearth-core/internal/hub"
)

// setupTestDB creates an in-memory SQLite database with the cache tables.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// In-memory databases are per-connection; keep the pool at one.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE cache_entries (
			category     TEXT PRIMARY KEY,
			data         TEXT NOT NULL,
			version      INTEGER NOT NULL,
			metadata     TEXT NOT NULL DEFAULT '{}',
			last_updated TEXT NOT NULL
		) STRICT;
		CREATE TABLE cache_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			category   TEXT NOT NULL,
			data       TEXT NOT NULL,
			version    INTEGER NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			UNIQUE (category, version)
		);
		CREATE TABLE config_entries (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			changed_by TEXT NOT NULL,
			updated_at TEXT NOT NULL
		) STRICT;
		CREATE TABLE config_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			changed_by TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []struct {
		eventType string
		data      map[string]any
	}
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, struct {
		eventType string
		data      map[string]any
	}{eventType, data})
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []map[string]any
	for _, e := range p.events {
		if e.eventType == eventType {
			out = append(out, e.data)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *recordingPublisher) {
	t.Helper()
	db := setupTestDB(t)
	pub := &recordingPublisher{}
	m := NewManager(NewSQLiteRepository(db), pub, Config{
		MaxPayloadBytes: 4096,
		HistoryDepth:    3,
	})
	return m, pub
}

func TestManager_SetCache(t *testing.T) {
	m, pub := newTestManager(t)
	ctx := context.Background()

	t.Run("versions increase strictly", func(t *testing.T) {
		v1, err := m.SetCache(ctx, "intelligence", map[string]any{"score": 1}, nil)
		if err != nil {
			t.Fatalf("SetCache() error = %v", err)
		}
		if v1 != 1 {
			t.Errorf("first version = %d, want 1", v1)
		}

		v2, err := m.SetCache(ctx, "intelligence", map[string]any{"score": 2}, map[string]any{"writer": "test"})
		if err != nil {
			t.Fatalf("SetCache() error = %v", err)
		}
		if v2 != 2 {
			t.Errorf("second version = %d, want 2", v2)
		}

		got, err := m.GetCache(ctx, "intelligence")
		if err != nil {
			t.Fatalf("GetCache() error = %v", err)
		}
		if got.Version != 2 {
			t.Errorf("Version = %d, want 2", got.Version)
		}
		data, ok := got.Data.(map[string]any)
		if !ok {
			t.Fatalf("Data has type %T, want map", got.Data)
		}
		if data["score"] != float64(2) {
			t.Errorf("Data[score] = %v, want 2 (second payload wins)", data["score"])
		}
	})

	t.Run("publishes cache_updated with category and version", func(t *testing.T) {
		events := pub.ofType(hub.EventCacheUpdated)
		if len(events) < 2 {
			t.Fatalf("cache_updated events = %d, want >= 2", len(events))
		}
		last := events[len(events)-1]
		if last["category"] != "intelligence" {
			t.Errorf("event category = %v, want intelligence", last["category"])
		}
		if last["version"] != int64(2) {
			t.Errorf("event version = %v, want 2", last["version"])
		}
	})

	t.Run("rejects empty category", func(t *testing.T) {
		if _, err := m.SetCache(ctx, "", "data", nil); !errors.Is(err, ErrEmptyCategory) {
			t.Errorf("error = %v, want ErrEmptyCategory", err)
		}
	})

	t.Run("rejects oversized payload without mutation", func(t *testing.T) {
		big := make([]byte, 8192)
		_, err := m.SetCache(ctx, "bulky", string(big), nil)
		if !errors.Is(err, ErrPayloadTooLarge) {
			t.Fatalf("error = %v, want ErrPayloadTooLarge", err)
		}
		if _, err := m.GetCache(ctx, "bulky"); !errors.Is(err, ErrNotFound) {
			t.Errorf("oversized write must not create the category, got %v", err)
		}
	})

	t.Run("other categories unaffected by a failed write", func(t *testing.T) {
		got, err := m.GetCache(ctx, "intelligence")
		if err != nil {
			t.Fatalf("GetCache() error = %v", err)
		}
		if got.Version != 2 {
			t.Errorf("Version = %d, want 2", got.Version)
		}
	})
}

func TestManager_GetCacheNotFound(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.GetCache(context.Background(), "never_written")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCache() error = %v, want ErrNotFound", err)
	}
}

func TestManager_ConcurrentWriters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const writers = 16
	versions := make([]int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.SetCache(ctx, "contended", map[string]any{"writer": i}, nil)
			if err != nil {
				t.Errorf("SetCache() error = %v", err)
				return
			}
			versions[i] = v
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, writers)
	for _, v := range versions {
		if seen[v] {
			t.Errorf("version %d assigned twice", v)
		}
		seen[v] = true
	}

	got, err := m.GetCache(ctx, "contended")
	if err != nil {
		t.Fatalf("GetCache() error = %v", err)
	}
	if got.Version != writers {
		t.Errorf("final version = %d, want %d", got.Version, writers)
	}
}

func TestManager_History(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := m.SetCache(ctx, "rolling", map[string]any{"n": i}, nil); err != nil {
			t.Fatalf("SetCache() error = %v", err)
		}
	}

	entries, err := m.GetHistory(ctx, "rolling", 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	// HistoryDepth is 3: versions 3, 4, 5 retained, newest first.
	if len(entries) != 3 {
		t.Fatalf("history length = %d, want 3", len(entries))
	}
	if entries[0].Version != 5 || entries[2].Version != 3 {
		t.Errorf("history versions = [%d..%d], want [5..3]", entries[0].Version, entries[2].Version)
	}
}

func TestManager_Config(t *testing.T) {
	m, pub := newTestManager(t)
	ctx := context.Background()

	t.Run("set and get with provenance", func(t *testing.T) {
		if err := m.SetConfig(ctx, "hub.dispatch_timeout", "5s", "operator@local"); err != nil {
			t.Fatalf("SetConfig() error = %v", err)
		}
		got, err := m.GetConfig(ctx, "hub.dispatch_timeout")
		if err != nil {
			t.Fatalf("GetConfig() error = %v", err)
		}
		if got.Value != "5s" {
			t.Errorf("Value = %v, want 5s", got.Value)
		}
		if got.ChangedBy != "operator@local" {
			t.Errorf("ChangedBy = %q, want operator@local", got.ChangedBy)
		}
	})

	t.Run("history records every change in order", func(t *testing.T) {
		if err := m.SetConfig(ctx, "hub.dispatch_timeout", "10s", "admin@local"); err != nil {
			t.Fatalf("SetConfig() error = %v", err)
		}
		history, err := m.GetConfigHistory(ctx, "hub.dispatch_timeout", 0)
		if err != nil {
			t.Fatalf("GetConfigHistory() error = %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("history length = %d, want 2", len(history))
		}
		if history[0].Value != "10s" || history[0].ChangedBy != "admin@local" {
			t.Errorf("newest change = %v by %q, want 10s by admin@local", history[0].Value, history[0].ChangedBy)
		}
		if history[1].Value != "5s" {
			t.Errorf("oldest change = %v, want 5s", history[1].Value)
		}
	})

	t.Run("publishes config_updated", func(t *testing.T) {
		events := pub.ofType(hub.EventConfigUpdated)
		if len(events) != 2 {
			t.Fatalf("config_updated events = %d, want 2", len(events))
		}
		if events[0]["key"] != "hub.dispatch_timeout" || events[0]["changed_by"] != "operator@local" {
			t.Errorf("unexpected event data: %v", events[0])
		}
	})

	t.Run("requires actor", func(t *testing.T) {
		if err := m.SetConfig(ctx, "some.key", 1, ""); !errors.Is(err, ErrEmptyChangedBy) {
			t.Errorf("error = %v, want ErrEmptyChangedBy", err)
		}
	})

	t.Run("unknown key yields not found", func(t *testing.T) {
		if _, err := m.GetConfig(ctx, "missing.key"); !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}
