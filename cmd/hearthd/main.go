// Hearth Core - Home Automation Orchestration Daemon
//
// This is the main entry point for the Hearth Core daemon. Hearth is the
// substrate the automation modules run on: a typed event bus with module
// lifecycle management, a versioned shared-state cache, a tamper-evident
// audit trail, and an append-only state-change history.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	_ "github.com/hearthlab/hearth-core/migrations"

	"github.com/hearthlab/hearth-core/internal/audit"
	"github.com/hearthlab/hearth-core/internal/cache"
	"github.com/hearthlab/hearth-core/internal/hub"
	"github.com/hearthlab/hearth-core/internal/infrastructure/config"
	"github.com/hearthlab/hearth-core/internal/infrastructure/database"
	"github.com/hearthlab/hearth-core/internal/infrastructure/logging"
	"github.com/hearthlab/hearth-core/internal/ingest"
	"github.com/hearthlab/hearth-core/internal/statelog"
	"github.com/hearthlab/hearth-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds how long module shutdown and the final audit
// flush may take once the stop signal arrives.
const shutdownTimeout = 15 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Hearth Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database and apply migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Audit trail
	auditStore := audit.NewSQLiteStore(db.DB)
	auditLog := audit.NewRecorder(auditStore, audit.Config{BufferSize: cfg.Audit.BufferSize})
	auditLog.SetLogger(log.With("component", "audit"))

	// State log on its own connection
	stateLog, err := statelog.NewStore(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening state log: %w", err)
	}
	defer func() {
		if closeErr := stateLog.Close(); closeErr != nil {
			log.Error("error closing state log", "error", closeErr)
		}
	}()
	stateLog.SetLogger(log.With("component", "statelog"))

	// causation_id was added after the initial schema shipped; bring old
	// installations up to date.
	if err := stateLog.EnsureColumn(ctx, "state_events", "causation_id", "TEXT"); err != nil {
		return fmt.Errorf("upgrading state log schema: %w", err)
	}

	// Event bus
	bus := hub.New(hub.Config{
		DispatchTimeout: cfg.Hub.DispatchTimeout,
		SlowThreshold:   cfg.Hub.SlowThreshold,
	})
	bus.SetLogger(log.With("component", "hub"))

	// Versioned cache
	cacheManager := cache.NewManager(
		cache.NewSQLiteRepository(db.DB),
		bus,
		cache.Config{
			MaxPayloadBytes: cfg.Cache.MaxPayloadBytes,
			HistoryDepth:    cfg.Cache.HistoryDepth,
		},
	)
	cacheManager.SetLogger(log.With("component", "cache"))

	// Boundary modules, both optional by config
	if cfg.MQTT.Enabled {
		listener := ingest.NewListener(cfg.MQTT, stateLog)
		listener.SetLogger(log.With("component", "ingest"))
		if err := bus.RegisterModule(ctx, listener); err != nil {
			return fmt.Errorf("registering ingest listener: %w", err)
		}
	} else {
		log.Info("MQTT ingest disabled")
	}

	if cfg.Telemetry.Enabled {
		recorder := telemetry.NewRecorder(cfg.Telemetry)
		recorder.SetLogger(log.With("component", "telemetry"))
		if err := bus.RegisterModule(ctx, recorder); err != nil {
			return fmt.Errorf("registering telemetry recorder: %w", err)
		}
	} else {
		log.Info("telemetry disabled")
	}

	if err := bus.Initialize(ctx); err != nil {
		return fmt.Errorf("initialising hub: %w", err)
	}
	log.Info("hub initialised", "modules", bus.ModuleCount())

	// Periodic maintenance on the hub's scheduler
	if err := bus.ScheduleTask("audit_flush", func(taskCtx context.Context) error {
		return auditLog.Flush(taskCtx)
	}, cfg.Audit.FlushInterval, false); err != nil {
		return fmt.Errorf("scheduling audit flush: %w", err)
	}

	if err := bus.ScheduleTask("statelog_prune", func(taskCtx context.Context) error {
		cutoff := time.Now().Add(-cfg.StateLog.Retention)
		pruned, pruneErr := stateLog.PruneBefore(taskCtx, cutoff)
		if pruneErr != nil {
			return pruneErr
		}
		if pruned > 0 {
			log.Info("state log pruned", "rows", pruned, "cutoff", cutoff)
		}
		return nil
	}, cfg.StateLog.PruneInterval, false); err != nil {
		return fmt.Errorf("scheduling state log prune: %w", err)
	}

	// Record the boot in cache and audit so operators can see it
	bootID := "boot-" + uuid.NewString()
	if _, err := cacheManager.SetCache(ctx, "core_status", map[string]any{
		"status":  "online",
		"boot_id": bootID,
		"version": version,
	}, map[string]any{"source": "hearthd"}); err != nil {
		log.Warn("could not record core status", "error", err)
	}
	if err := auditLog.Log(ctx, audit.Entry{
		EventType: "core_lifecycle",
		Source:    "hearthd",
		Action:    "start",
		Subject:   bootID,
		Detail:    map[string]any{"version": version, "commit": commit},
	}); err != nil {
		log.Warn("could not record startup audit entry", "error", err)
	}

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// The signal context is already cancelled; shutdown gets its own deadline.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	if err := auditLog.Log(stopCtx, audit.Entry{
		EventType: "core_lifecycle",
		Source:    "hearthd",
		Action:    "stop",
		Subject:   bootID,
	}); err != nil {
		log.Warn("could not record shutdown audit entry", "error", err)
	}

	if err := bus.Shutdown(stopCtx); err != nil {
		log.Error("hub shutdown reported errors", "error", err)
	}

	if err := auditLog.Close(stopCtx); err != nil {
		log.Error("audit flush on shutdown failed", "error", err)
	}

	log.Info("Hearth Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HEARTH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HEARTH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
