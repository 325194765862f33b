/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the token ledger HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (config file, .env files, TOKEN_LEDGER_* env vars)
  3. Initialize zap logger (with sentry when a DSN is configured)
  4. Open the configured store (sqlite, postgres or memory)
  5. Build ledger.Processor, API handler and router
  6. Start the reconciliation sweeper (when reconciliation.enabled)
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: search ./, cmd/server/, config/)
  -env     Directory holding .env files (default: config/)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the reconciliation sweeper
  4. Close the store
  5. Flush logs and sentry events

EXAMPLES:
  # SQLite file database (default)
  TOKEN_LEDGER_DATABASE_PATH=./data/ledger.db ./server

  # PostgreSQL
  TOKEN_LEDGER_DATABASE_DRIVER=postgres TOKEN_LEDGER_DATABASE_HOST=db ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite, store/postgres, ledger/store: Store implementations
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

	"github.com/warp/token-ledger/api"
	"github.com/warp/token-ledger/config"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/store"
	"github.com/warp/token-ledger/logger"
	"github.com/warp/token-ledger/store/postgres"
	"github.com/warp/token-ledger/store/sqlite"
)

func main() {
	configFile := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", "", "Directory containing .env files")
	flag.Parse()

	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags:      map[string]string{"service": "token-ledger"},
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Flush(2 * time.Second)

	if err := run(cfg); err != nil {
		logger.Error(err)
		logger.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.Default()

	ledgerStore, closeStore, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("Failed to close store", zap.Error(err))
		}
	}()

	validator, err := cfg.Ledger.Validator()
	if err != nil {
		return err
	}
	processor := ledger.NewProcessor(ledgerStore,
		ledger.WithValidator(validator),
		ledger.WithLogger(log.Named("ledger")),
	)

	handler := api.NewHandler(processor, api.RetryPolicy{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
		MaxRetries:      cfg.Retry.MaxRetries,
	}, log.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins})

	scheduler := api.NewReconciliationScheduler(processor, log.Named("reconcile"))
	scheduler.Enabled = cfg.Reconciliation.Enabled
	scheduler.CheckInterval = cfg.Reconciliation.Interval
	if cfg.Reconciliation.BatchSize > 0 {
		scheduler.BatchSize = cfg.Reconciliation.BatchSize
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting",
			zap.String("addr", server.Addr),
			zap.String("driver", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		log.Info("Shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server stopped")
	return nil
}

// openStore returns the configured ledger.Store and its close function.
func openStore(c config.DatabaseConfig) (ledger.Store, func() error, error) {
	switch c.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(c.Path, sqlite.WithBusyTimeout(c.LockTimeout))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverPostgres:
		s, err := postgres.New(c.DSN(),
			postgres.WithLockTimeout(c.LockTimeout),
			postgres.WithPool(postgres.PoolConfig{
				MaxOpenConns:    c.MaxOpenConns,
				MaxIdleConns:    c.MaxIdleConns,
				ConnMaxLifetime: c.ConnMaxLifetime,
				ConnMaxIdleTime: c.ConnMaxIdleTime,
			}))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverMemory:
		return store.NewMemory(store.WithLockTimeout(c.LockTimeout)), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unsupported driver %q", c.Driver)
}
