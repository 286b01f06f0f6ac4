// Command server runs the eventmon ingest server: one TCP listener per
// configured controller, the event store and the operator API.
//
// # Usage
//
//	server --config /etc/eventmon/eventmon.yaml
//
// # Configuration
//
// The server can be configured via:
// - Config file (--config)
// - Environment variables (EVENTMON_*)
// - Command-line flags
//
// Secret references (op://vault/item/field) in the config file are
// resolved through 1Password Connect when OP_CONNECT_HOST and
// OP_CONNECT_TOKEN are set.
//
// # Migrations
//
// With the postgres driver, pending migrations are applied at startup.
//
//	server --config eventmon.yaml --migrate-status
//	server --config eventmon.yaml --migrate-rollback
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pilot-net/eventmon/internal/api"
	"github.com/pilot-net/eventmon/internal/cache"
	"github.com/pilot-net/eventmon/internal/config"
	"github.com/pilot-net/eventmon/internal/metrics"
	"github.com/pilot-net/eventmon/internal/secrets"
	"github.com/pilot-net/eventmon/internal/status"
	"github.com/pilot-net/eventmon/internal/store"
	"github.com/pilot-net/eventmon/internal/supervisor"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	var (
		configFile      = flag.String("config", "eventmon.yaml", "Path to config file")
		listen          = flag.String("listen", "", "Operator API listen address")
		dbDriver        = flag.String("database-driver", "", "Event store driver (sqlite or postgres)")
		dbPath          = flag.String("database-path", "", "SQLite database file")
		dbURL           = flag.String("database", "", "PostgreSQL URL (postgres://...)")
		redisURL        = flag.String("redis", "", "Redis URL for the status mirror")
		migrateStatus   = flag.Bool("migrate-status", false, "Print migration status and exit")
		migrateRollback = flag.Bool("migrate-rollback", false, "Roll back the last migration and exit")
		debug           = flag.Bool("debug", false, "Enable debug logging")
		version         = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("eventmon-server %s\n", Version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load configuration. A missing file starts with no servers; the
	// first save creates it.
	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	} else {
		logger.Warn("config file not found, starting without servers", "path", *configFile)
	}
	file := config.NewFile(*configFile)

	cfg.ApplyEnvOverrides()

	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if *dbDriver != "" {
		cfg.Database.Driver = *dbDriver
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if *redisURL != "" {
		cfg.Redis.URL = *redisURL
	}

	if cfg.AssignMissingIDs() {
		if err := file.Save(cfg.Servers); err != nil {
			logger.Error("failed to persist generated server ids", "error", err)
			os.Exit(1)
		}
		logger.Info("assigned ids to new servers", "path", file.Path())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := resolveSecrets(ctx, cfg, logger); err != nil {
		cancel()
		logger.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}
	cancel()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	backend, err := openBackend(cfg, *migrateStatus, *migrateRollback, logger)
	if err != nil {
		logger.Error("failed to open event store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	if backend == nil {
		os.Exit(0)
	}

	// Status mirror (optional)
	var mirror status.Mirror
	if cfg.Redis.URL != "" {
		m, err := cache.New(cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn("redis unavailable, status mirror disabled", "error", err)
		} else {
			defer m.Close()
			mirror = m
			logger.Info("status mirror enabled")
		}
	}

	ingestMetrics := metrics.NewIngest()
	tasks := supervisor.ListenerTasks(backend, cfg.ListenerOptions(), ingestMetrics, logger)
	sup, err := supervisor.New(cfg.Servers, tasks, cfg.SupervisorConfig(), logger, supervisor.WithSaver(file))
	if err != nil {
		logger.Error("failed to create supervisor", "error", err)
		os.Exit(1)
	}
	relay := status.NewRelay(mirror, ingestMetrics, logger)

	apiServer := api.NewServer(sup, relay, backend, metrics.NewCollector(backend), ingestMetrics, logger)
	apiServer.EnableAuth(cfg.API.TokenHash)

	server := &http.Server{
		Addr:         cfg.API.Listen,
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Set up signal handling
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayDone := make(chan struct{})
	go func() {
		relay.Run(sup.Status())
		close(relayDone)
	}()

	supDone := make(chan struct{})
	go func() {
		sup.Run(runCtx)
		close(supDone)
	}()

	go func() {
		logger.Info("starting operator API", "addr", cfg.API.Listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	logger.Info("eventmon started",
		"version", Version,
		"servers", len(cfg.Servers),
		"database", backend.Name())

	<-runCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	<-supDone
	<-relayDone

	logger.Info("shutdown complete")
}

// resolveSecrets resolves op:// references when any are present.
func resolveSecrets(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.HasSecretReferences() {
		return nil
	}
	opCfg := secrets.ConfigFromEnv()
	if !opCfg.Enabled() {
		return cfg.ResolveSecrets(ctx, nil)
	}
	resolver, err := secrets.NewOnePassword(opCfg, logger)
	if err != nil {
		return err
	}
	return cfg.ResolveSecrets(ctx, resolver)
}

// openBackend selects the event store. For postgres it also runs the
// migration commands; a nil backend means a one-shot command completed.
func openBackend(cfg *config.Config, migrateStatus, migrateRollback bool, logger *slog.Logger) (store.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var backend store.Backend
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pg := store.NewPostgres(cfg.Database.URL)

		if migrateStatus {
			st, err := pg.MigrationStatus(ctx)
			if err != nil {
				return nil, err
			}
			for _, r := range st.Applied {
				fmt.Printf("applied  %03d_%s  %s\n", r.Version, r.Name, r.AppliedAt.Format(time.RFC3339))
			}
			for _, p := range st.Pending {
				fmt.Printf("pending  %s\n", p)
			}
			fmt.Printf("schema version %d\n", st.Version)
			for _, t := range st.Tables {
				if !t.Exists {
					fmt.Printf("table    %s  missing\n", t.Name)
					continue
				}
				fmt.Printf("table    %s  ~%d rows  indexes: %s\n", t.Name, t.RowEstimate, strings.Join(t.Indexes, ", "))
			}
			return nil, nil
		}
		if migrateRollback {
			return nil, pg.RollbackMigration(ctx, logger)
		}

		if err := pg.Migrate(ctx, logger); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		backend = pg
	default:
		if migrateStatus || migrateRollback {
			return nil, fmt.Errorf("migrations apply to the postgres driver only")
		}
		backend = store.NewSQLite(cfg.Database.Path)
	}

	// Verify the database before any listener starts.
	conn, err := backend.Connect(ctx)
	if err != nil {
		return nil, err
	}
	conn.Close()
	logger.Info("connected to event store", "driver", backend.Name())
	return backend, nil
}
