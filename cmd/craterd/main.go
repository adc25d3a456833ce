// Command craterd is the coordinator process: it owns the Postgres-backed
// experiment store, serves the agent-facing HTTP API, and runs the report
// worker and stale-agent sweep in the background. Wiring mirrors cmd/tarsy's
// main.go: flag-configurable config directory, godotenv, LoadConfigFromEnv,
// then construct-and-start each subsystem in dependency order.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/craterd/craterd/pkg/api"
	"github.com/craterd/craterd/pkg/config"
	"github.com/craterd/craterd/pkg/database"
	"github.com/craterd/craterd/pkg/experiment"
	"github.com/craterd/craterd/pkg/models"
	"github.com/craterd/craterd/pkg/notify"
	"github.com/craterd/craterd/pkg/report"
	"github.com/craterd/craterd/pkg/store"
	"github.com/craterd/craterd/pkg/sweep"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "."), "Path to directory holding .env")
	flag.Parse()

	if err := config.LoadDotEnv(filepath.Join(*configDir, ".env")); err != nil {
		log.Printf("warning: could not load .env from %s: %v", *configDir, err)
	}

	cfg, err := config.LoadCoordinatorConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	gin.SetMode(cfg.GinMode)

	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pool.Close()
	logger.Info("connected to database and applied migrations")

	st := store.New(pool)
	if err := seedAgents(ctx, st, cfg, logger); err != nil {
		log.Fatalf("failed to seed agent tokens: %v", err)
	}

	notifier := notify.Logging{Log: logger}
	experiments := experiment.New(st, notifier)

	blacklisted := toSet(cfg.BlacklistedCrates)

	reportWorker := report.NewWorker(
		experiments,
		&report.Generator{Blacklist: func(c models.Crate) bool { return blacklisted[c.Key()] }},
		&report.FileWriter{Root: cfg.ReportRoot},
		func(name string) string { return cfg.ReportBaseURL + name + "/" },
		logger,
	)
	go reportWorker.Run(ctx)

	sweeper := &sweep.Sweeper{Store: st, Timeout: cfg.StaleAgentTimeout, Log: logger}
	stopSweep := sweeper.Start(ctx, cfg.SweepInterval)
	defer stopSweep()

	server := &api.Server{
		Store:       st,
		Experiments: experiments,
		ReportNudge: reportWorker,
		Log:         logger,
		AdminTokens: cfg.AdminTokens,
		Config: api.CraterConfig{
			BlacklistedCrates: cfg.BlacklistedCrates,
			BrokenCrates:      cfg.BrokenCrates,
			BotACL:            cfg.BotACL,
			ReportBucket:      cfg.ReportBaseURL,
		},
	}

	logger.Info("starting craterd coordinator", "addr", cfg.HTTPAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.HTTPAddr) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server exited: %v", err)
		}
	}
}

// seedAgents loads the static agent token table (spec §6) into the agents
// table. Re-running this against an already-seeded coordinator just rotates
// each name's token hash, since RegisterAgent upserts on name. Any name
// whose token was auto-generated (the operator named it without supplying
// one) is logged once here, since the raw value is never recoverable from
// the stored hash afterward.
func seedAgents(ctx context.Context, st *store.Store, cfg config.CoordinatorConfig, logger *slog.Logger) error {
	generated := toSet(cfg.GeneratedAgentTokens)
	for name, token := range cfg.AgentTokens {
		if err := st.RegisterAgent(ctx, &models.Agent{Name: name, TokenHash: api.HashToken(token)}); err != nil {
			return fmt.Errorf("register agent %s: %w", name, err)
		}
		if generated[name] {
			logger.Warn("generated a new agent token; record it now, it will not be shown again", "agent", name, "token", token)
		}
	}
	logger.Info("seeded agent token table", "agents", len(cfg.AgentTokens))
	return nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
