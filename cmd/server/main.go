/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults → YAML → env → flags)
  2. Build the zap logger
  3. Open the configured backend (memory, sqlite, postgres)
  4. Seed the demo dataset when enabled
  5. Create the engine, handlers and router
  6. Start the reconciliation scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config        YAML config file (optional)
  -port          HTTP server port
  -backend       memory | sqlite | postgres
  -db            SQLite database path (":memory:" for in-memory)
  -postgres-dsn  Postgres connection string

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the backend
  4. Exit

EXAMPLES:
  # Demo mode, nothing persisted
  ./server

  # Persist to a SQLite file
  ./server -backend=sqlite -db="./data/points.db"

  # Postgres with per-member ticket uniqueness
  LEDGER_TICKET_SCOPE=member ./server -backend=postgres -postgres-dsn="postgres://..."

SEE ALSO:
  - config/config.go: Configuration layers
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/generic"
	"github.com/warp/points-ledger/generic/store"
	"github.com/warp/points-ledger/logging"
	"github.com/warp/points-ledger/loyalty"
	"github.com/warp/points-ledger/store/postgres"
	"github.com/warp/points-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	backend := flag.String("backend", "", "storage backend: memory, sqlite or postgres")
	dbPath := flag.String("db", "", "SQLite database path")
	dsn := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}
	if *dsn != "" {
		cfg.Store.PostgresDSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()

	b, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Store.Backend, err)
	}
	defer b.Close()

	if cfg.Store.SeedDemo {
		if err := loyalty.SeedDemo(ctx, b, time.Now().UTC()); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		logger.Info("demo data seeded")
	}

	rate, _ := cfg.Rate()
	scope, _ := loyalty.ParseTicketScope(cfg.Ledger.TicketScope)
	engine := loyalty.NewEngine(b, b,
		loyalty.WithPolicy(loyalty.Policy{Rate: rate, Scope: scope}),
		loyalty.WithLockTimeout(cfg.Ledger.LockTimeout),
		loyalty.WithLogger(logger.Named("engine")),
	)

	handler := api.NewHandler(b, engine, logger.Named("api"))
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	handler.Reconciler.CheckInterval = cfg.Ledger.ReconcileInterval
	handler.Reconciler.Start(ctx)
	defer handler.Reconciler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("backend", cfg.Store.Backend),
			zap.String("points_rate", rate.String()),
			zap.String("ticket_scope", string(scope)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (generic.Backend, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return sqlite.New(cfg.SQLitePath)
	case config.BackendPostgres:
		return postgres.New(ctx, cfg.PostgresDSN)
	default:
		return store.NewMemory(), nil
	}
}
