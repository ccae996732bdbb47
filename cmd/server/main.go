/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payment ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, .env/environment, flags)
  2. Build the zap logger
  3. Open the SQLite store and run migrations
  4. Wrap the loan catalog in the read-through cache
  5. Load loan definitions from LOANS_FILE, if set
  6. Create API handler, arrears scanner and router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS (override configuration):
  -config     YAML config file
  -port       HTTP server port
  -db         SQLite database path (":memory:" for in-memory)
  -log-level  debug, info, warn, error
  -loans      loan definitions file (.json, .yaml)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the arrears scanner
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/ledger.db" -loans=./loans.yaml
  LOG_FORMAT=console ./server -db=":memory:"

SEE ALSO:
  - config/config.go: configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
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

	"github.com/warp/loan-ledger/api"
	"github.com/warp/loan-ledger/config"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/logger"
	"github.com/warp/loan-ledger/store/cache"
	"github.com/warp/loan-ledger/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	logLevel := flag.String("log-level", "", "log level")
	loansFile := flag.String("loans", "", "loan definitions file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "db":
			cfg.DBPath = *dbPath
		case "log-level":
			cfg.LogLevel = *logLevel
		case "loans":
			cfg.LoansFile = *loansFile
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer store.Close()
	log.Info("database ready", zap.String("path", cfg.DBPath))

	catalog := cache.New(store, cfg.LoanCacheTTL)

	if cfg.LoansFile != "" {
		loans, err := factory.NewLoanFactory().LoadFile(cfg.LoansFile)
		if err != nil {
			return err
		}
		if err := factory.SaveAll(context.Background(), catalog, loans); err != nil {
			return err
		}
		log.Info("loans loaded", zap.String("file", cfg.LoansFile), zap.Int("count", len(loans)))
	}

	// Initialize handler
	handler := api.NewHandler(api.HandlerConfig{
		Store:         store,
		Loans:         catalog,
		Logs:          store,
		Logger:        log,
		RecentWindow:  cfg.RecentPaymentsWindow,
		MaxUploadSize: cfg.MaxUploadSizeBytes,
	})

	scanner := api.NewArrearsScanner(handler.Snapshots, catalog, log.Named("arrears"))
	scanner.Interval = cfg.ArrearsScanInterval
	scanner.Enabled = cfg.ArrearsScanInterval > 0
	handler.Arrears = scanner
	scanner.Start()
	defer scanner.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		Logger:              log.Named("http"),
		AllowedOrigins:      cfg.AllowedOrigins,
		UploadRatePerSecond: cfg.UploadRatePerSecond,
		UploadRateBurst:     cfg.UploadRateBurst,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	scanner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
