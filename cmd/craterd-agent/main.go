// Command craterd-agent is the agent process: it polls one coordinator for
// experiment chunks, runs each chunk's DAG against a pluggable Executor,
// and reports progress and terminal outcomes back over HTTP. It is its
// own CLI entrypoint rather than a goroutine inside the coordinator,
// since the spec describes a fleet of worker agents communicating over
// HTTP, per SPEC_FULL.md §4.5.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/craterd/craterd/pkg/agentclient"
	"github.com/craterd/craterd/pkg/config"
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

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agentclient.NewClient(cfg.CoordinatorURL, cfg.Token, cfg.GitRevision, logger)

	agent := &agentclient.Agent{
		Client:   client,
		Executor: &agentclient.StubExecutor{Log: logger},
		Workers:  cfg.Workers,
		Log:      logger,
	}

	logger.Info("starting craterd agent", "coordinator", cfg.CoordinatorURL, "workers", cfg.Workers)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("agent exited: %v", err)
	}
	logger.Info("agent shut down")
}
