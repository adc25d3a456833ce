// Package config implements component G: environment-driven configuration
// for both the coordinator and agent entrypoints, grounded on
// pkg/database's LoadConfigFromEnv/Validate convention and loaded via
// godotenv the way cmd/tarsy's main.go does.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/craterd/craterd/pkg/database"
)

// CoordinatorConfig is everything cmd/craterd needs to start serving.
type CoordinatorConfig struct {
	Database database.Config

	// HTTPAddr is the listen address for the agent-facing API, e.g. ":8080".
	HTTPAddr string
	// GinMode is one of gin's Mode constants ("debug", "release", "test").
	GinMode string

	// ReportRoot is the filesystem root report.FileWriter writes under.
	ReportRoot string
	// ReportBaseURL prefixes a completed experiment's report path to build
	// the public URL recorded on the experiment, e.g.
	// "https://reports.example.com/".
	ReportBaseURL string

	// BlacklistedCrates and BrokenCrates are crate keys (models.Crate.Key)
	// the operator has flagged, served to agents via GET config and used
	// by the report generator's classification pass.
	BlacklistedCrates []string
	BrokenCrates      []string

	// BotACL lists the identities permitted to issue chat/webhook commands
	// against the (currently Non-goal, stubbed) command parser.
	BotACL []string

	// AgentTokens is the static agent token table spec §6 names (name ->
	// raw token), seeded into the agents table at coordinator startup.
	// Re-registering a name rotates its token.
	AgentTokens map[string]string
	// GeneratedAgentTokens holds the names from AgentTokens whose token
	// was auto-generated (the operator named the agent but supplied no
	// token), so the caller can surface the generated value once at
	// startup since it is never recoverable from the stored hash.
	GeneratedAgentTokens []string
	// AdminTokens is the second token class §6 names, authorizing
	// /admin-api/ rather than any per-agent identity.
	AdminTokens []string

	// SweepInterval is how often the stale-agent/orphaned-chunk sweep
	// runs; 0 disables it.
	SweepInterval time.Duration
	// StaleAgentTimeout is how long an agent may go without a heartbeat
	// before the sweep considers it gone.
	StaleAgentTimeout time.Duration
}

// AgentConfig is everything cmd/craterd-agent needs to start polling.
type AgentConfig struct {
	CoordinatorURL string
	Token          string
	GitRevision    string
	Workers        int
}

// LoadDotEnv loads envPath if present, logging nothing itself — callers
// decide how to report a missing file, matching cmd/tarsy's main.go
// treating a missing .env as a soft warning rather than a fatal error.
func LoadDotEnv(envPath string) error {
	if envPath == "" {
		return nil
	}
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(envPath)
}

// LoadCoordinatorConfig reads CoordinatorConfig from the environment.
func LoadCoordinatorConfig() (CoordinatorConfig, error) {
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return CoordinatorConfig{}, fmt.Errorf("load database config: %w", err)
	}

	sweepInterval, err := parseDurationOrDefault("SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return CoordinatorConfig{}, err
	}
	staleTimeout, err := parseDurationOrDefault("STALE_AGENT_TIMEOUT", 10*time.Minute)
	if err != nil {
		return CoordinatorConfig{}, err
	}

	agentTokens, generated, err := parseAgentTokens(os.Getenv("CRATER_AGENT_TOKENS"))
	if err != nil {
		return CoordinatorConfig{}, err
	}

	cfg := CoordinatorConfig{
		Database:             dbCfg,
		HTTPAddr:             getEnvOrDefault("HTTP_ADDR", ":8080"),
		GinMode:              getEnvOrDefault("GIN_MODE", "release"),
		ReportRoot:           getEnvOrDefault("REPORT_ROOT", "./reports"),
		ReportBaseURL:        getEnvOrDefault("REPORT_BASE_URL", "http://localhost:8080/reports/"),
		BlacklistedCrates:    splitList(os.Getenv("BLACKLISTED_CRATES")),
		BrokenCrates:         splitList(os.Getenv("BROKEN_CRATES")),
		BotACL:               splitList(os.Getenv("BOT_ACL")),
		AgentTokens:          agentTokens,
		GeneratedAgentTokens: generated,
		AdminTokens:          splitList(os.Getenv("CRATER_ADMIN_TOKENS")),
		SweepInterval:        sweepInterval,
		StaleAgentTimeout:    staleTimeout,
	}
	return cfg, nil
}

// parseAgentTokens reads the static agent token table from its wire format,
// "name1:token1,name2" — a bare name with no ":token" suffix gets a fresh
// uuid-generated token, letting an operator stand up a new agent identity by
// naming it without having to mint a secret by hand. generated reports which
// names took that path, since the raw value can't be recovered from the
// hash stored afterward. An empty input is a valid empty table, not an
// error — an operator may run a coordinator with no agents registered yet.
func parseAgentTokens(raw string) (tokens map[string]string, generated []string, err error) {
	if raw == "" {
		return nil, nil, nil
	}
	tokens = make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, token, hasToken := strings.Cut(entry, ":")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if name == "" {
			return nil, nil, fmt.Errorf("invalid CRATER_AGENT_TOKENS entry %q: want name or name:token", entry)
		}
		if !hasToken || token == "" {
			token = uuid.NewString()
			generated = append(generated, name)
		}
		tokens[name] = token
	}
	return tokens, generated, nil
}

// LoadAgentConfig reads AgentConfig from the environment.
func LoadAgentConfig() (AgentConfig, error) {
	token := os.Getenv("CRATER_AGENT_TOKEN")
	if token == "" {
		return AgentConfig{}, fmt.Errorf("CRATER_AGENT_TOKEN is required")
	}
	url := getEnvOrDefault("CRATER_COORDINATOR_URL", "http://localhost:8080")

	workers, err := strconv.Atoi(getEnvOrDefault("CRATER_AGENT_WORKERS", "4"))
	if err != nil {
		return AgentConfig{}, fmt.Errorf("invalid CRATER_AGENT_WORKERS: %w", err)
	}

	return AgentConfig{
		CoordinatorURL: url,
		Token:          token,
		GitRevision:    os.Getenv("CRATER_AGENT_GIT_REVISION"),
		Workers:        workers,
	}, nil
}

func parseDurationOrDefault(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
