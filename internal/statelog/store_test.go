package statelog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hearthlab/hearth-core/internal/infrastructure/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := database.Config{
		Path:        filepath.Join(t.TempDir(), "statelog.db"),
		WALMode:     true,
		BusyTimeout: 5,
	}
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	schema := `
	CREATE TABLE state_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		old_state TEXT NOT NULL DEFAULT '',
		new_state TEXT NOT NULL DEFAULT '',
		device_id TEXT,
		area_id TEXT,
		attributes TEXT,
		causation_id TEXT,
		external_id TEXT UNIQUE
	);`
	if _, err := store.db.Exec(schema); err != nil {
		t.Fatalf("creating test schema: %v", err)
	}
	return store
}

func at(t *testing.T, offset time.Duration) time.Time {
	t.Helper()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(offset)
}

func seedEvents(t *testing.T, store *Store) []Event {
	t.Helper()
	events := []Event{
		{CreatedAt: at(t, 0), EntityID: "light.kitchen", Domain: "light", OldState: "off", NewState: "on", AreaID: "kitchen"},
		{CreatedAt: at(t, time.Minute), EntityID: "sensor.hall_temp", Domain: "sensor", OldState: "20.5", NewState: "20.9", AreaID: "hall", CausationID: "sched-1"},
		{CreatedAt: at(t, 2*time.Minute), EntityID: "light.kitchen", Domain: "light", OldState: "on", NewState: "off", AreaID: "kitchen", CausationID: "auto-3"},
		{CreatedAt: at(t, 3*time.Minute), EntityID: "switch.heater", Domain: "switch", OldState: "off", NewState: "on", AreaID: "hall"},
	}
	if err := store.InsertEventsBatch(context.Background(), events); err != nil {
		t.Fatalf("seeding events: %v", err)
	}
	return events
}

func TestInsertAndQueryWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedEvents(t, store)

	// Half-open window: the event at the end bound must be excluded.
	events, err := store.QueryEvents(ctx, at(t, time.Minute), at(t, 3*time.Minute), 0)
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].EntityID != "sensor.hall_temp" || events[1].EntityID != "light.kitchen" {
		t.Errorf("window returned %s, %s; want sensor.hall_temp, light.kitchen",
			events[0].EntityID, events[1].EntityID)
	}
	if !events[0].CreatedAt.Before(events[1].CreatedAt) {
		t.Error("events not in ascending timestamp order")
	}

	// Unbounded query returns everything, oldest first.
	all, err := store.QueryEvents(ctx, time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("unbounded QueryEvents: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d events, want 4", len(all))
	}
}

func TestScopedQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedEvents(t, store)

	t.Run("by entity", func(t *testing.T) {
		events, err := store.QueryByEntity(ctx, "light.kitchen", time.Time{}, time.Time{}, 0)
		if err != nil {
			t.Fatalf("QueryByEntity: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
	})

	t.Run("by area", func(t *testing.T) {
		events, err := store.QueryByArea(ctx, "hall", time.Time{}, time.Time{}, 0)
		if err != nil {
			t.Fatalf("QueryByArea: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
	})

	t.Run("by domain", func(t *testing.T) {
		events, err := store.QueryByDomain(ctx, "switch", time.Time{}, time.Time{}, 0)
		if err != nil {
			t.Fatalf("QueryByDomain: %v", err)
		}
		if len(events) != 1 || events[0].EntityID != "switch.heater" {
			t.Fatalf("got %+v, want the heater event", events)
		}
	})

	t.Run("manual only", func(t *testing.T) {
		events, err := store.QueryManualEvents(ctx, time.Time{}, time.Time{}, 0)
		if err != nil {
			t.Fatalf("QueryManualEvents: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("got %d manual events, want 2", len(events))
		}
		for _, e := range events {
			if e.CausationID != "" {
				t.Errorf("event %s has causation id %q, want none", e.EntityID, e.CausationID)
			}
		}
	})
}

func TestExternalIDDedupe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := Event{
		EntityID: "sensor.door", Domain: "binary_sensor",
		OldState: "closed", NewState: "open",
		ExternalID: "ha-evt-001",
	}
	if err := store.InsertEvent(ctx, event); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := store.InsertEvent(ctx, event); err != nil {
		t.Fatalf("duplicate insert should be ignored, got: %v", err)
	}

	// A batch with one duplicate still commits its new rows.
	batch := []Event{
		{EntityID: "sensor.door", Domain: "binary_sensor", NewState: "closed", ExternalID: "ha-evt-001"},
		{EntityID: "sensor.door", Domain: "binary_sensor", NewState: "closed", ExternalID: "ha-evt-002"},
	}
	if err := store.InsertEventsBatch(ctx, batch); err != nil {
		t.Fatalf("batch with duplicate: %v", err)
	}

	count, err := store.TotalCount(ctx)
	if err != nil {
		t.Fatalf("TotalCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("TotalCount = %d, want 2", count)
	}
}

func TestAttributesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := Event{
		EntityID: "climate.living", Domain: "climate",
		OldState: "heat", NewState: "heat",
		Attributes: map[string]any{"setpoint": 21.5, "mode": "schedule"},
	}
	if err := store.InsertEvent(ctx, event); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	events, err := store.QueryByEntity(ctx, "climate.living", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("QueryByEntity: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Attributes["setpoint"] != 21.5 || events[0].Attributes["mode"] != "schedule" {
		t.Errorf("attributes not round-tripped: %v", events[0].Attributes)
	}
}

func TestPruneBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedEvents(t, store)

	pruned, err := store.PruneBefore(ctx, at(t, 2*time.Minute))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}

	count, err := store.TotalCount(ctx)
	if err != nil {
		t.Fatalf("TotalCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("remaining = %d, want 2", count)
	}
}

func TestCountEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedEvents(t, store)

	count, err := store.CountEvents(ctx, at(t, 0), at(t, 3*time.Minute))
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if count != 3 {
		t.Fatalf("CountEvents = %d, want 3 (end bound exclusive)", count)
	}
}

func TestValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.InsertEvent(ctx, Event{Domain: "light"}); !errors.Is(err, ErrEmptyEntityID) {
		t.Errorf("empty entity: got %v, want ErrEmptyEntityID", err)
	}
	if err := store.InsertEvent(ctx, Event{EntityID: "light.kitchen"}); !errors.Is(err, ErrEmptyDomain) {
		t.Errorf("empty domain: got %v, want ErrEmptyDomain", err)
	}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+": "+msg)
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func TestTransparentReconnect(t *testing.T) {
	store := newTestStore(t)
	logger := &recordingLogger{}
	store.SetLogger(logger)
	ctx := context.Background()

	if err := store.InsertEvent(ctx, Event{EntityID: "light.kitchen", Domain: "light", NewState: "on"}); err != nil {
		t.Fatalf("insert before drop: %v", err)
	}

	// Drop the connection out from under the store.
	store.db.Close()

	event := Event{EntityID: "light.kitchen", Domain: "light", OldState: "on", NewState: "off"}
	if err := store.InsertEvent(ctx, event); err != nil {
		t.Fatalf("insert across reconnect should succeed, got: %v", err)
	}
	if !logger.contains("warn: state log connection lost, reopened") {
		t.Error("reconnect did not log a warning")
	}

	// The row written across the reconnect must be visible.
	count, err := store.TotalCount(ctx)
	if err != nil {
		t.Fatalf("TotalCount after reconnect: %v", err)
	}
	if count != 2 {
		t.Fatalf("TotalCount = %d, want 2", count)
	}
}

func TestReconnectBreaker(t *testing.T) {
	store := newTestStore(t)
	logger := &recordingLogger{}
	store.SetLogger(logger)
	ctx := context.Background()

	goodPath := store.cfg.Path
	store.db.Close()
	store.cfg.Path = filepath.Join(t.TempDir(), "missing", "nested", "statelog.db")

	if _, err := store.TotalCount(ctx); !errors.Is(err, ErrReconnectFailed) {
		t.Fatalf("failed reconnect: got %v, want ErrReconnectFailed", err)
	}
	if !logger.contains("error: state log reconnect failed, breaker tripped") {
		t.Error("tripped breaker did not log an error")
	}

	// With the breaker tripped, calls fail fast without touching the database.
	if err := store.InsertEvent(ctx, Event{EntityID: "e", Domain: "d"}); !errors.Is(err, ErrReconnectFailed) {
		t.Fatalf("breaker fast-fail: got %v, want ErrReconnectFailed", err)
	}

	// Only Reinitialize clears the breaker.
	store.cfg.Path = goodPath
	if err := store.Reinitialize(ctx); err != nil {
		t.Fatalf("Reinitialize: %v", err)
	}
	if _, err := store.TotalCount(ctx); err != nil {
		t.Fatalf("call after Reinitialize: %v", err)
	}
}

func TestEnsureColumn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Adding an existing column is a no-op.
	if err := store.EnsureColumn(ctx, "state_events", "causation_id", "TEXT"); err != nil {
		t.Fatalf("existing column: %v", err)
	}

	// A genuinely new column is added and usable.
	if err := store.EnsureColumn(ctx, "state_events", "quality", "TEXT"); err != nil {
		t.Fatalf("new column: %v", err)
	}
	if _, err := store.db.Exec("UPDATE state_events SET quality = 'good'"); err != nil {
		t.Fatalf("new column not usable: %v", err)
	}

	// Rerunning after the add is still a no-op.
	if err := store.EnsureColumn(ctx, "state_events", "quality", "TEXT"); err != nil {
		t.Fatalf("rerun after add: %v", err)
	}

	// Anything other than a duplicate column is a real error.
	if err := store.EnsureColumn(ctx, "no_such_table", "quality", "TEXT"); err == nil {
		t.Fatal("missing table should return an error")
	}
}
