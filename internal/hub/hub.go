package hub

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthlab/hearth-core/internal/infrastructure/metrics"
)

// Well-known event types published by the core itself.
const (
	// EventCacheUpdated is published after every successful versioned cache
	// write, with data {category, version}.
	EventCacheUpdated = "cache_updated"

	// EventConfigUpdated is published after every configuration value change,
	// with data {key, changed_by}.
	EventConfigUpdated = "config_updated"

	// EventStateChanged is published by ingestion modules after a state-change
	// row has been appended to the state log.
	EventStateChanged = "state_changed"
)

// Default dispatch tuning, used when Config fields are zero.
const (
	defaultDispatchTimeout = 5 * time.Second
	defaultSlowThreshold   = 100 * time.Millisecond
)

// Config contains hub tuning. Both thresholds are operationally tunable;
// SlowThreshold is visibility (a warning), DispatchTimeout is enforcement
// (the handler is abandoned for that dispatch).
type Config struct {
	DispatchTimeout time.Duration
	SlowThreshold   time.Duration
}

// subscriber pairs a handler with the identity it can be removed by.
// Go funcs are not comparable, so unsubscription works by SubscriptionID.
type subscriber struct {
	id      SubscriptionID
	handler Handler
}

// SubscriptionID identifies a single subscription on the bus.
type SubscriptionID int64

// subRef records an internal subscription so shutdown can remove it,
// keeping repeated initialise/shutdown cycles leak-free.
type subRef struct {
	eventType string
	id        SubscriptionID
}

// Hub is the orchestration core: module registry, lifecycle driver, event
// bus, and scheduled-task supervisor.
//
// Thread Safety: all methods are safe for concurrent use.
type Hub struct {
	cfg    Config
	logger Logger

	mu        sync.RWMutex
	modules   []Module
	moduleIdx map[string]int
	subs      map[string][]subscriber
	nextSubID SubscriptionID
	internal  []subRef
	running   bool

	runCtx    context.Context
	runCancel context.CancelFunc

	eventCount atomic.Uint64

	tasksMu sync.Mutex
	tasks   map[string]*task
}

// New creates a hub with the given dispatch configuration.
// Zero Config fields fall back to the package defaults.
func New(cfg Config) *Hub {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = defaultSlowThreshold
	}
	return &Hub{
		cfg:       cfg,
		logger:    noopLogger{},
		moduleIdx: make(map[string]int),
		subs:      make(map[string][]subscriber),
		tasks:     make(map[string]*task),
	}
}

// SetLogger sets the logger for the hub.
func (h *Hub) SetLogger(logger Logger) {
	h.logger = logger
}

// RegisterModule adds a module to the registry. Duplicate IDs are rejected.
// If the hub is already running the module is initialised immediately;
// otherwise initialisation happens during Initialize.
func (h *Hub) RegisterModule(ctx context.Context, m Module) error {
	if m == nil {
		return fmt.Errorf("hub: module cannot be nil")
	}
	id := m.ID()
	if id == "" {
		return ErrEmptyModuleID
	}

	h.mu.Lock()
	if _, exists := h.moduleIdx[id]; exists {
		h.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateModule, id)
	}
	h.modules = append(h.modules, m)
	h.moduleIdx[id] = len(h.modules) - 1
	running := h.running
	h.mu.Unlock()

	h.logger.Info("module registered", "module", id)

	if running {
		h.initModule(ctx, m)
	}
	return nil
}

// Initialize transitions the hub to running: it seeds the internal
// housekeeping subscriptions and initialises every registered module in
// registration order. A module whose Initialize fails is logged and skipped;
// it never prevents the hub or its siblings from starting.
func (h *Hub) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	h.running = true
	h.runCtx, h.runCancel = context.WithCancel(context.Background())
	snapshot := make([]Module, len(h.modules))
	copy(snapshot, h.modules)
	h.mu.Unlock()

	h.seedInternalSubscriptions()

	for _, m := range snapshot {
		h.initModule(ctx, m)
	}

	h.logger.Info("hub initialised",
		"modules", h.ModuleCount(),
		"dispatch_timeout", h.cfg.DispatchTimeout,
		"slow_threshold", h.cfg.SlowThreshold,
	)
	return nil
}

// initModule initialises one module, isolating failures.
func (h *Hub) initModule(ctx context.Context, m Module) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("module initialise panicked",
				"module", m.ID(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	if err := m.Initialize(ctx, h); err != nil {
		h.logger.Error("module initialise failed", "module", m.ID(), "error", err)
		return
	}
	h.logger.Debug("module initialised", "module", m.ID())
}

// seedInternalSubscriptions wires the hub's own housekeeping handlers.
// The subscription IDs are recorded so Shutdown can remove them; after N
// initialise/shutdown cycles the subscriber count for these event types
// equals the count after one cycle.
func (h *Hub) seedInternalSubscriptions() {
	cacheID, _ := h.Subscribe(EventCacheUpdated, func(_ context.Context, evt Event) error {
		h.logger.Debug("cache updated",
			"category", evt.Data["category"],
			"version", evt.Data["version"],
		)
		return nil
	})
	configID, _ := h.Subscribe(EventConfigUpdated, func(_ context.Context, evt Event) error {
		h.logger.Debug("config updated",
			"key", evt.Data["key"],
			"changed_by", evt.Data["changed_by"],
		)
		return nil
	})

	h.mu.Lock()
	h.internal = append(h.internal,
		subRef{EventCacheUpdated, cacheID},
		subRef{EventConfigUpdated, configID},
	)
	h.mu.Unlock()
}

// Shutdown walks all registered modules in registration order, calling each
// module's shutdown hook (failures logged, never propagated), cancels all
// outstanding scheduled tasks and awaits their completion, and removes the
// hub's internal subscriptions. The module registry is cleared; the hub can
// be initialised again afterwards.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrNotRunning
	}
	h.running = false
	snapshot := make([]Module, len(h.modules))
	copy(snapshot, h.modules)
	internal := h.internal
	h.internal = nil
	cancel := h.runCancel
	h.mu.Unlock()

	for _, m := range snapshot {
		h.shutdownModule(ctx, m)
	}

	cancel()
	h.awaitTasks()

	h.mu.Lock()
	for _, ref := range internal {
		h.removeSubscriber(ref.eventType, ref.id)
	}
	h.modules = nil
	h.moduleIdx = make(map[string]int)
	h.mu.Unlock()

	h.logger.Info("hub shut down", "modules", len(snapshot))
	return nil
}

// shutdownModule runs one module's shutdown hook, isolating failures.
func (h *Hub) shutdownModule(ctx context.Context, m Module) {
	hook, ok := m.(ShutdownHook)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("module shutdown panicked",
				"module", m.ID(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	if err := hook.Shutdown(ctx); err != nil {
		h.logger.Error("module shutdown failed", "module", m.ID(), "error", err)
	}
}

// Subscribe registers a handler for the given event type and returns the
// subscription's identity for later removal.
func (h *Hub) Subscribe(eventType string, handler Handler) (SubscriptionID, error) {
	if eventType == "" {
		return 0, ErrEmptyEventType
	}
	if handler == nil {
		return 0, ErrNilHandler
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSubID++
	id := h.nextSubID
	h.subs[eventType] = append(h.subs[eventType], subscriber{id: id, handler: handler})
	return id, nil
}

// Unsubscribe removes a subscription. Removing an unknown ID is a no-op;
// a dispatch already in flight is unaffected because it iterates a snapshot.
func (h *Hub) Unsubscribe(eventType string, id SubscriptionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSubscriber(eventType, id)
}

// removeSubscriber deletes one subscription. Caller must hold h.mu.
func (h *Hub) removeSubscriber(eventType string, id SubscriptionID) {
	list := h.subs[eventType]
	for i, s := range list {
		if s.id == id {
			h.subs[eventType] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[eventType]) == 0 {
		delete(h.subs, eventType)
	}
}

// Publish delivers an event to both dispatch audiences: every explicit
// subscriber for eventType, then every registered module's generic observer.
// The subscriber set and module list are snapshotted before the first handler
// runs, so mutation during dispatch affects only future publishes.
//
// Each handler invocation is bounded by the dispatch timeout; a handler still
// running at the deadline is abandoned for this dispatch (it may complete for
// its own side effects, but Publish no longer awaits it) and a warning names
// it. Handlers completing after the slow threshold produce a warning without
// being abandoned. Handler errors and panics are logged per handler and never
// escape Publish.
//
// The process-wide event counter increments exactly once per call, regardless
// of how many handlers ran.
func (h *Hub) Publish(ctx context.Context, eventType string, data map[string]any) error {
	if eventType == "" {
		return ErrEmptyEventType
	}

	h.eventCount.Add(1)
	metrics.EventsPublished.Inc()

	h.mu.RLock()
	subsSnapshot := make([]subscriber, len(h.subs[eventType]))
	copy(subsSnapshot, h.subs[eventType])
	modSnapshot := make([]Module, len(h.modules))
	copy(modSnapshot, h.modules)
	h.mu.RUnlock()

	evt := Event{Type: eventType, Data: data}

	for _, s := range subsSnapshot {
		name := fmt.Sprintf("subscriber[%d]", s.id)
		h.dispatch(ctx, evt, name, s.handler)
	}

	for _, m := range modSnapshot {
		observer, ok := m.(EventObserver)
		if !ok {
			continue
		}
		name := "module " + m.ID()
		h.dispatch(ctx, evt, name, observer.OnEvent)
	}

	return nil
}

// dispatch invokes one handler with panic recovery, the hard timeout, and
// slow-handler measurement.
func (h *Hub) dispatch(ctx context.Context, evt Event, name string, handler Handler) {
	hctx, cancel := context.WithTimeout(ctx, h.cfg.DispatchTimeout)
	defer cancel()

	done := make(chan error, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		done <- handler(hctx, evt)
	}()

	select {
	case err := <-done:
		elapsed := time.Since(start)
		metrics.HandlerDuration.Observe(float64(elapsed.Milliseconds()))
		if err != nil {
			metrics.HandlerErrors.WithLabelValues(evt.Type).Inc()
			h.logger.Error("event handler failed",
				"event_type", evt.Type,
				"handler", name,
				"error", err,
			)
			return
		}
		if elapsed > h.cfg.SlowThreshold {
			h.logger.Warn("slow event handler",
				"event_type", evt.Type,
				"handler", name,
				"duration", elapsed,
				"threshold", h.cfg.SlowThreshold,
			)
		}
	case <-hctx.Done():
		// Abandoned: the goroutine may still finish for its own side effects,
		// but this dispatch no longer waits for it.
		metrics.HandlerTimeouts.WithLabelValues(evt.Type).Inc()
		h.logger.Warn("event handler abandoned at dispatch timeout",
			"event_type", evt.Type,
			"handler", name,
			"timeout", h.cfg.DispatchTimeout,
		)
	}
}

// EventCount returns the process-wide number of publish calls.
func (h *Hub) EventCount() uint64 {
	return h.eventCount.Load()
}

// SubscriberCount returns the number of subscriptions for an event type.
func (h *Hub) SubscriberCount(eventType string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[eventType])
}

// ModuleCount returns the number of registered modules.
func (h *Hub) ModuleCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.modules)
}

// IsRunning reports whether the hub has been initialised and not shut down.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}
