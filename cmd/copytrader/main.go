// Copytrader — trade replication from one master account to N child
// accounts on a Kite-style Indian brokerage API.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine + admin API, waits for SIGINT/SIGTERM
//	engine/engine.go     — wiring: poller → orchestrator → replicator, daily session sweep
//	poller/poller.go     — polls the master's order book, hands over new completed orders
//	orchestrator/        — entry/exit detection from margin deltas and position deltas
//	replicator/          — fans entries/exits out to children, equity-scaled and lot-rounded
//	account/directory.go — account registry on SQLite (roles, sessions, capital caps)
//	broker/client.go     — Kite-style REST client (orders, margins, positions, instruments)
//	state/state.go       — persisted strategy cycle state (baseline margin, frozen ratios)
//	store/store.go       — SQLite persistence: accounts + append-only replication order log
//	api/server.go        — admin HTTP/WebSocket API (chi): accounts, login flow, snapshot, events
//
// How replication works:
//
//	The master account trades as usual; this service never initiates
//	master orders. Each poll tick compares the master's completed orders
//	and margin usage against the previous tick. A margin drop paired
//	with fresh completed orders is an entry; a shrinking net position is
//	an exit. Entries are copied to every child scaled by the child's
//	equity relative to the master's equity at cycle start. That ratio is
//	frozen for the rest of the cycle and every quantity is rounded down
//	to whole instrument lots. Exits replicate proportionally, and when
//	the master goes flat the children are flattened too.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"copytrader/internal/api"
	"copytrader/internal/config"
	"copytrader/internal/engine"
)

func main() {
	// Optional .env for local runs; deployments use the real environment.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPYTRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start admin API server if enabled
	var apiServer *api.Server
	if cfg.Admin.Enabled {
		apiServer = api.NewServer(cfg.Admin, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("admin server failed", "error", err)
			}
		}()
		logger.Info("admin api started", "listen", cfg.Admin.Listen)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: child orders are simulated, never sent to the broker")
	}

	logger.Info("copytrader started",
		"master", cfg.MasterID,
		"accounts", len(cfg.Accounts),
		"poll_interval", cfg.PollInterval,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the admin surface first so the dashboard sees the shutdown
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop admin server", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
