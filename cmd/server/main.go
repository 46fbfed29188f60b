/*
main.go - Wallet ledger HTTP server

STARTUP SEQUENCE:
  1. Load config (defaults, TOML, LEDGER_* env and .env, flags)
  2. Build the zap logger
  3. Open the store and build the ledger stack (package app)
  4. Start the audit scheduler when audit.interval > 0
  5. Serve HTTP with graceful shutdown

COMMAND-LINE FLAGS:
  -config     TOML config file (or LEDGER_CONFIG)
  -port       HTTP server port
  -store      sqlite | postgres | memory
  -db         SQLite database path (":memory:" for a throwaway database)
  -log-level  debug | info | warn | error

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the server stops accepting connections, waits for
  active requests up to server.shutdown_timeout, stops the scheduler and
  closes the store.

EXAMPLES:
  ./server -db="./data/wallet.db"
  LEDGER_STORE_DRIVER=postgres LEDGER_POSTGRES_DSN=postgres://... ./server
  ./server -config=ledger.toml -port=3000

SEE ALSO:
  - app/app.go, app/serve.go: Dependency wiring and the server loop
  - api/server.go: Router configuration
  - config/config.go: All settings and their env names
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rez/wallet-ledger/app"
	"github.com/rez/wallet-ledger/config"
	"github.com/rez/wallet-ledger/logging"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Serve(ctx, cfg, logger)
}
