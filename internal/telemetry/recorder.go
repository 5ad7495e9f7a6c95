// Package telemetry mirrors bus activity into InfluxDB.
//
// The recorder registers as a hub module and relies on the hub's generic
// observer dispatch: every published event reaches OnEvent regardless of
// type. Points are written non-blocking so a slow or absent time-series
// backend never delays dispatch.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/hearthlab/hearth-core/internal/hub"
	"github.com/hearthlab/hearth-core/internal/infrastructure/config"
	"github.com/hearthlab/hearth-core/internal/infrastructure/influxdb"
)

// ModuleID identifies the recorder on the hub.
const ModuleID = "telemetry"

// Logger is the minimal diagnostics interface the recorder depends on.
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

// writer is the slice of the influxdb client the recorder uses.
type writer interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time)
	Close() error
}

// Recorder is the hub module that records every bus event as a point.
type Recorder struct {
	cfg    config.TelemetryConfig
	logger Logger
	client writer
}

// NewRecorder creates the recorder. The InfluxDB connection is established
// during Initialize.
func NewRecorder(cfg config.TelemetryConfig) *Recorder {
	return &Recorder{
		cfg:    cfg,
		logger: noopLogger{},
	}
}

// SetLogger sets the diagnostics logger.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// ID returns the module identifier.
func (r *Recorder) ID() string {
	return ModuleID
}

// Initialize connects to InfluxDB.
func (r *Recorder) Initialize(_ context.Context, _ *hub.Hub) error {
	client, err := influxdb.Connect(r.cfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	client.SetOnError(func(err error) {
		r.logger.Warn("telemetry write failed", "error", err)
	})
	r.client = client
	r.logger.Info("telemetry recorder connected", "url", r.cfg.URL, "bucket", r.cfg.Bucket)
	return nil
}

// Shutdown flushes pending points and closes the connection.
func (r *Recorder) Shutdown(_ context.Context) error {
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// OnEvent records one bus event as a point in the bus_events measurement.
// Only primitive data values become fields; nested structures are skipped
// to keep cardinality and point size bounded.
func (r *Recorder) OnEvent(_ context.Context, event hub.Event) error {
	if r.client == nil {
		return nil
	}

	fields := flattenFields(event.Data)
	if len(fields) == 0 {
		fields["count"] = int64(1)
	}
	tags := map[string]string{
		"event_type": event.Type,
	}
	if entity, ok := event.Data["entity_id"].(string); ok {
		tags["entity_id"] = entity
	}

	r.client.WritePointWithTime("bus_events", tags, fields, time.Now())
	return nil
}

// flattenFields keeps only primitive values from event data.
func flattenFields(data map[string]any) map[string]any {
	fields := make(map[string]any, len(data))
	for k, v := range data {
		switch v.(type) {
		case string, bool,
			int, int32, int64,
			uint, uint32, uint64,
			float32, float64:
			fields[k] = v
		}
	}
	return fields
}
