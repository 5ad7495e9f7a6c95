package ingest

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hearthlab/hearth-core/internal/hub"
	"github.com/hearthlab/hearth-core/internal/infrastructure/database"
	"github.com/hearthlab/hearth-core/internal/statelog"
)

func newTestStore(t *testing.T) *statelog.Store {
	t.Helper()

	cfg := database.Config{
		Path:        filepath.Join(t.TempDir(), "statelog.db"),
		WALMode:     true,
		BusyTimeout: 5,
	}

	// Create the schema before the store opens its own connection.
	db, err := sql.Open("sqlite3", database.DSN(cfg))
	if err != nil {
		t.Fatalf("opening schema connection: %v", err)
	}
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
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating test schema: %v", err)
	}
	db.Close()

	store, err := statelog.NewStore(cfg)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

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

func newTestListener(t *testing.T) (*Listener, *statelog.Store, *recordingPublisher) {
	t.Helper()
	store := newTestStore(t)
	pub := &recordingPublisher{}
	listener := &Listener{
		store:  store,
		logger: noopLogger{},
		bus:    pub,
		ctx:    context.Background(),
	}
	return listener, store, pub
}

func TestHandleMessage(t *testing.T) {
	listener, store, pub := newTestListener(t)

	payload := []byte(`{"old_state":"off","new_state":"on","area_id":"kitchen","external_id":"ha-1","attributes":{"brightness":200}}`)
	if err := listener.handleMessage("hearth/state/light/light.kitchen", payload); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	events, err := store.QueryByEntity(context.Background(), "light.kitchen", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("QueryByEntity: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d state rows, want 1", len(events))
	}
	got := events[0]
	if got.Domain != "light" || got.OldState != "off" || got.NewState != "on" || got.AreaID != "kitchen" {
		t.Errorf("stored event = %+v", got)
	}
	if got.Attributes["brightness"] != float64(200) {
		t.Errorf("attributes = %v", got.Attributes)
	}

	if len(pub.events) != 1 || pub.events[0].eventType != hub.EventStateChanged {
		t.Fatalf("bus events = %+v, want one state_changed", pub.events)
	}
	if pub.events[0].data["entity_id"] != "light.kitchen" {
		t.Errorf("event data = %v", pub.events[0].data)
	}
}

func TestHandleMessageDedupe(t *testing.T) {
	listener, store, _ := newTestListener(t)

	payload := []byte(`{"new_state":"open","external_id":"ha-dup"}`)
	for i := 0; i < 2; i++ {
		if err := listener.handleMessage("hearth/state/binary_sensor/sensor.door", payload); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	count, err := store.TotalCount(context.Background())
	if err != nil {
		t.Fatalf("TotalCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("redelivered message stored %d rows, want 1", count)
	}
}

func TestHandleMessageGeneratesExternalID(t *testing.T) {
	listener, store, _ := newTestListener(t)

	// Without an upstream id each delivery is a distinct observation.
	payload := []byte(`{"new_state":"21.5"}`)
	for i := 0; i < 2; i++ {
		if err := listener.handleMessage("hearth/state/sensor/sensor.temp", payload); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	events, err := store.QueryByEntity(context.Background(), "sensor.temp", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("QueryByEntity: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d rows, want 2", len(events))
	}
	if events[0].ExternalID == "" || events[0].ExternalID == events[1].ExternalID {
		t.Errorf("generated external ids not unique: %q, %q", events[0].ExternalID, events[1].ExternalID)
	}
}

func TestHandleMessageRejectsBadInput(t *testing.T) {
	listener, _, pub := newTestListener(t)

	if err := listener.handleMessage("hearth/command/light/light.kitchen", []byte(`{}`)); err == nil {
		t.Error("non-state topic should return an error")
	}
	if err := listener.handleMessage("hearth/state/light/light.kitchen", []byte(`not json`)); err == nil {
		t.Error("malformed payload should return an error")
	}
	if len(pub.events) != 0 {
		t.Errorf("rejected messages published %d events, want 0", len(pub.events))
	}
}

func TestParseStateTopic(t *testing.T) {
	tests := []struct {
		topic    string
		domain   string
		entityID string
		ok       bool
	}{
		{"hearth/state/light/light.kitchen", "light", "light.kitchen", true},
		{"hearth/state/sensor/sensor.hall_temp", "sensor", "sensor.hall_temp", true},
		{"hearth/state/light", "", "", false},
		{"hearth/command/light/light.kitchen", "", "", false},
		{"other/state/light/light.kitchen", "", "", false},
		{"hearth/state//light.kitchen", "", "", false},
	}
	for _, tt := range tests {
		domain, entityID, ok := parseStateTopic(tt.topic)
		if domain != tt.domain || entityID != tt.entityID || ok != tt.ok {
			t.Errorf("parseStateTopic(%q) = %q, %q, %v; want %q, %q, %v",
				tt.topic, domain, entityID, ok, tt.domain, tt.entityID, tt.ok)
		}
	}
}
