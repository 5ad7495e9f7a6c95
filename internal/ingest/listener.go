package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearthlab/hearth-core/internal/hub"
	"github.com/hearthlab/hearth-core/internal/infrastructure/config"
	"github.com/hearthlab/hearth-core/internal/infrastructure/mqtt"
	"github.com/hearthlab/hearth-core/internal/statelog"
)

// ModuleID identifies the listener on the hub.
const ModuleID = "ingest"

// Publisher is the slice of the hub the listener publishes through.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
}

// Logger is the minimal diagnostics interface the listener depends on.
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

// statePayload is the JSON body devices publish on state topics.
type statePayload struct {
	OldState    string         `json:"old_state"`
	NewState    string         `json:"new_state"`
	DeviceID    string         `json:"device_id,omitempty"`
	AreaID      string         `json:"area_id,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	CausationID string         `json:"causation_id,omitempty"`
	ExternalID  string         `json:"external_id,omitempty"`
}

// Listener is the hub module bridging MQTT state topics into the core.
// It owns its broker connection for its whole lifecycle.
type Listener struct {
	cfg    config.MQTTConfig
	store  *statelog.Store
	logger Logger

	client *mqtt.Client
	bus    Publisher
	ctx    context.Context
}

// NewListener creates the listener. The broker connection is established
// during Initialize, not here.
func NewListener(cfg config.MQTTConfig, store *statelog.Store) *Listener {
	return &Listener{
		cfg:    cfg,
		store:  store,
		logger: noopLogger{},
	}
}

// SetLogger sets the diagnostics logger.
func (l *Listener) SetLogger(logger Logger) {
	l.logger = logger
}

// ID returns the module identifier.
func (l *Listener) ID() string {
	return ModuleID
}

// Initialize connects to the broker and subscribes to all state topics.
func (l *Listener) Initialize(ctx context.Context, h *hub.Hub) error {
	l.bus = h
	l.ctx = ctx

	client, err := mqtt.Connect(l.cfg)
	if err != nil {
		return fmt.Errorf("ingest: connecting to broker: %w", err)
	}
	client.SetLogger(l.logger)
	l.client = client

	topic := mqtt.Topics{}.AllStates()
	if err := client.Subscribe(topic, byte(l.cfg.QoS), l.handleMessage); err != nil {
		client.Close() //nolint:errcheck // connection is abandoned on subscribe failure
		l.client = nil
		return fmt.Errorf("ingest: subscribing to %s: %w", topic, err)
	}

	l.logger.Info("ingest listener subscribed", "topic", topic)
	return nil
}

// Shutdown disconnects from the broker.
func (l *Listener) Shutdown(_ context.Context) error {
	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client = nil
	return err
}

// handleMessage processes one state-change message from the broker.
func (l *Listener) handleMessage(topic string, payload []byte) error {
	domain, entityID, ok := parseStateTopic(topic)
	if !ok {
		return fmt.Errorf("ingest: unexpected topic shape %q", topic)
	}

	var body statePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("ingest: decoding payload on %s: %w", topic, err)
	}

	externalID := body.ExternalID
	if externalID == "" {
		// Messages without an upstream id cannot be deduplicated, so each
		// delivery gets its own.
		externalID = "ing-" + uuid.NewString()
	}

	event := statelog.Event{
		CreatedAt:   time.Now(),
		EntityID:    entityID,
		Domain:      domain,
		OldState:    body.OldState,
		NewState:    body.NewState,
		DeviceID:    body.DeviceID,
		AreaID:      body.AreaID,
		Attributes:  body.Attributes,
		CausationID: body.CausationID,
		ExternalID:  externalID,
	}
	if err := l.store.InsertEvent(l.ctx, event); err != nil {
		return fmt.Errorf("ingest: recording state change for %s: %w", entityID, err)
	}

	data := map[string]any{
		"entity_id": entityID,
		"domain":    domain,
		"old_state": body.OldState,
		"new_state": body.NewState,
	}
	if body.AreaID != "" {
		data["area_id"] = body.AreaID
	}
	if body.CausationID != "" {
		data["causation_id"] = body.CausationID
	}
	if err := l.bus.Publish(l.ctx, hub.EventStateChanged, data); err != nil {
		l.logger.Warn("ingest could not publish state_changed",
			"entity_id", entityID, "error", err)
	}
	return nil
}

// parseStateTopic extracts domain and entity id from a
// hearth/state/{domain}/{entity_id} topic.
func parseStateTopic(topic string) (domain, entityID string, ok bool) {
	parts := strings.SplitN(topic, "/", 4)
	if len(parts) != 4 || parts[0] != mqtt.TopicPrefix || parts[1] != "state" {
		return "", "", false
	}
	if parts[2] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[2], parts[3], true
}
