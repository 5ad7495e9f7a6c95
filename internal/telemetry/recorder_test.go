package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/hearthlab/hearth-core/internal/hub"
	"github.com/hearthlab/hearth-core/internal/infrastructure/config"
)

type recordedPoint struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
}

type fakeWriter struct {
	points []recordedPoint
	closed bool
}

func (w *fakeWriter) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, _ time.Time) {
	w.points = append(w.points, recordedPoint{measurement, tags, fields})
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestOnEvent(t *testing.T) {
	writer := &fakeWriter{}
	rec := &Recorder{logger: noopLogger{}, client: writer}
	ctx := context.Background()

	event := hub.Event{
		Type: hub.EventStateChanged,
		Data: map[string]any{
			"entity_id": "light.kitchen",
			"new_state": "on",
			"version":   int64(3),
			"nested":    map[string]any{"dropped": true},
		},
	}
	if err := rec.OnEvent(ctx, event); err != nil {
		t.Fatalf("OnEvent: %v", err)
	}

	if len(writer.points) != 1 {
		t.Fatalf("wrote %d points, want 1", len(writer.points))
	}
	point := writer.points[0]
	if point.measurement != "bus_events" {
		t.Errorf("measurement = %q", point.measurement)
	}
	if point.tags["event_type"] != hub.EventStateChanged || point.tags["entity_id"] != "light.kitchen" {
		t.Errorf("tags = %v", point.tags)
	}
	if point.fields["new_state"] != "on" || point.fields["version"] != int64(3) {
		t.Errorf("fields = %v", point.fields)
	}
	if _, ok := point.fields["nested"]; ok {
		t.Error("nested value should not become a field")
	}
}

func TestOnEventEmptyData(t *testing.T) {
	writer := &fakeWriter{}
	rec := &Recorder{logger: noopLogger{}, client: writer}

	if err := rec.OnEvent(context.Background(), hub.Event{Type: "heartbeat"}); err != nil {
		t.Fatalf("OnEvent: %v", err)
	}
	if len(writer.points) != 1 {
		t.Fatalf("wrote %d points, want 1", len(writer.points))
	}
	if writer.points[0].fields["count"] != int64(1) {
		t.Errorf("empty data should record a count field, got %v", writer.points[0].fields)
	}
}

func TestOnEventBeforeInitialize(t *testing.T) {
	rec := NewRecorder(config.TelemetryConfig{})
	if err := rec.OnEvent(context.Background(), hub.Event{Type: "x"}); err != nil {
		t.Fatalf("OnEvent before Initialize should be a no-op, got: %v", err)
	}
}

func TestShutdownClosesClient(t *testing.T) {
	writer := &fakeWriter{}
	rec := &Recorder{logger: noopLogger{}, client: writer}

	if err := rec.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !writer.closed {
		t.Error("Shutdown did not close the client")
	}
	if err := rec.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
