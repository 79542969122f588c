/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the wallet ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config from the environment (.env honoured), then apply flags
  2. Open the store (memory, SQLite or PostgreSQL with migrations)
  3. Optionally connect the Redis balance cache
  4. Build the engine, sweeper, handler and router
  5. Start the expiry scheduler and the HTTP server
  6. Shut down gracefully

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -driver  memory | sqlite | postgres (overrides DB_DRIVER)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiry scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close store and cache connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/wallet.db"

  # Run against PostgreSQL
  DATABASE_URL=postgres://... ./server -driver=postgres

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite, store/postgres: Database implementations
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/learnhub/wallet-ledger/api"
	"github.com/learnhub/wallet-ledger/cache"
	"github.com/learnhub/wallet-ledger/config"
	"github.com/learnhub/wallet-ledger/ledger"
	"github.com/learnhub/wallet-ledger/ledger/store"
	"github.com/learnhub/wallet-ledger/store/postgres"
	"github.com/learnhub/wallet-ledger/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Server.Port, "HTTP server port")
	driver := flag.String("driver", cfg.Database.Driver, "Store driver: memory, sqlite or postgres")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	flag.Parse()
	cfg.Server.Port = *port
	cfg.Database.Driver = *driver
	cfg.Database.Path = *dbPath
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Initialize store
	st, closer, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithRetry(cfg.Ledger.MaxRetries, cfg.Ledger.RetryBackoff),
		ledger.WithCurrency(cfg.Ledger.DefaultCurrency),
	}

	// Optional balance cache
	if cfg.Redis.Addr != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = append(opts, ledger.WithCache(cache.NewWalletCache(rdb, cfg.Redis.TTL)))
		logger.Info("balance cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL)
	}

	engine := ledger.NewEngine(st, opts...)
	sweeper := ledger.NewSweeper(engine, cfg.Sweep.Workers)

	handler := api.NewHandler(engine, sweeper, cfg.Ledger.ConversionRate)
	var limiter *api.RateLimiter
	if cfg.Server.RateLimitRPS > 0 {
		limiter = api.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 10*time.Minute)
	}
	router := api.NewRouter(handler, cfg.Server.CORSOrigins, limiter)

	scheduler := api.NewExpiryScheduler(sweeper)
	scheduler.CheckInterval = cfg.Sweep.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(ctx context.Context, cfg config.DatabaseConfig) (ledger.Store, io.Closer, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nopCloser{}, nil

	case "sqlite":
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return s, s, nil

	case "postgres":
		db, err := postgres.Connect(ctx, cfg.URL, cfg.MaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return postgres.New(db), db, nil
	}
	return nil, nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
}
