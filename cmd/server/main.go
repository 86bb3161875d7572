/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the BAG exchange engine server: configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse flags
  2. Open the SQLite document store
  3. Construct the blocked-users cache and the exchange service
  4. Configure the HTTP router
  5. Start the server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080, or PORT env)
  -db      SQLite database path (default: bag.db, or BAG_DB env)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  PORT, BAG_DB, JWT_SECRET (empty secret disables token parsing upstream
  tokens will simply fail validation).

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, drain active requests
  (30s timeout), stop the cache janitor, close the database.

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite:  Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/planimed/bag-engine/api"
	"github.com/planimed/bag-engine/exchange"
	"github.com/planimed/bag-engine/store/sqlite"
)

func main() {
	// .env is optional; flags and env cover everything.
	for _, p := range []string{".env", "../.env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			break
		}
	}

	defaultPort := 8080
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			defaultPort = n
		}
	}
	defaultDB := os.Getenv("BAG_DB")
	if defaultDB == "" {
		defaultDB = "bag.db"
	}

	port := flag.Int("port", defaultPort, "HTTP server port")
	dbPath := flag.String("db", defaultDB, "SQLite database path")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	directory := exchange.NewStaticDirectory(nil)
	blocked := exchange.NewBlockedUsersCache(store, directory, logger, nil)
	blocked.Start()
	defer blocked.Stop()

	svc := exchange.NewService(store, logger,
		exchange.WithBlockedCache(blocked),
		exchange.WithReplacements(exchange.NewMemoryReplacements()),
		exchange.WithNotifier(exchange.LoggingNotifier{Log: logger}),
	)

	handler := api.NewHandler(svc, blocked, logger)
	router := api.NewRouter(handler, []byte(os.Getenv("JWT_SECRET")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.Int("port", *port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
