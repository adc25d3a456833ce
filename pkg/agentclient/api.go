// Package agentclient implements component E: the agent side of the
// coordinator protocol in spec §4.4 and §4.5 — polling for work, running
// the per-chunk DAG, and reporting results and errors back over HTTP.
package agentclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/craterd/craterd/pkg/models"
)

// RetryAfter is how long the client waits before retrying a request that
// failed for a transport reason, and how long it polls again after
// next-experiment-chunk reports no work — both intervals are the same
// constant in the original implementation's agent/api.rs.
const RetryAfter = 5 * time.Second

// ErrServerUnavailable marks a response the client should retry rather
// than surface, per agent/api.rs's ResponseExt::to_api_response: 502, 503,
// and 504 are treated as transient coordinator unavailability.
var ErrServerUnavailable = errors.New("coordinator temporarily unavailable")

// Client is the HTTP client an agent uses to talk to one coordinator,
// authenticating every request with a per-agent bearer token.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	gitRevision string
	log         *slog.Logger
}

// NewClient builds a Client. gitRevision, if non-empty, is sent on every
// request so the coordinator's agent roster can track build provenance.
func NewClient(baseURL, token, gitRevision string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		baseURL:     baseURL,
		token:       token,
		gitRevision: gitRevision,
		log:         log,
	}
}

// envelope mirrors the tagged Success/InternalError/Unauthorized/NotFound
// response shape from spec §4.4. result is left raw so callers can decode
// it into the type they expect.
type envelope struct {
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// do issues one request and decodes its envelope, classifying the failure
// modes the retry loop in retry cares about.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/agent-api/"+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "CraterToken "+c.token)
	req.Header.Set("User-Agent", "craterd-agent")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.gitRevision != "" {
		req.Header.Set("X-Crater-Git-Revision", c.gitRevision)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A network-level failure (connection refused, DNS, timeout) is
		// retried exactly like an explicit 5xx from the coordinator.
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("invalid API endpoint %s", path)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, ErrServerUnavailable
	case http.StatusRequestEntityTooLarge:
		return nil, fmt.Errorf("payload rejected by coordinator (too large)")
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response from %s (status %d): %w", path, resp.StatusCode, err)
	}

	switch env.Type {
	case "Success":
		return env.Result, nil
	case "InternalError":
		return nil, fmt.Errorf("internal coordinator error: %s", env.Error)
	case "Unauthorized":
		return nil, fmt.Errorf("invalid authorization token provided")
	case "NotFound":
		return nil, fmt.Errorf("API endpoint not found")
	default:
		return nil, fmt.Errorf("unrecognized response type %q from %s", env.Type, path)
	}
}

// retry re-issues f until it succeeds or fails for a non-retriable reason,
// sleeping RetryAfter between attempts and honoring ctx cancellation — the
// Go equivalent of agent/api.rs's AgentApi::retry loop.
func (c *Client) retry(ctx context.Context, f func() (json.RawMessage, error)) (json.RawMessage, error) {
	for {
		result, err := f()
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrServerUnavailable) {
			return nil, err
		}

		c.log.Warn("connection to coordinator failed, retrying", "error", err, "after", RetryAfter)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(RetryAfter):
		}
	}
}

// Config fetches this agent's name and the operator-configured crate
// lists, per GET config.
func (c *Client) Config(ctx context.Context) (AgentConfig, error) {
	raw, err := c.retry(ctx, func() (json.RawMessage, error) {
		return c.do(ctx, http.MethodGet, "config", nil)
	})
	if err != nil {
		return AgentConfig{}, err
	}
	var cfg AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// AgentConfig is the decoded body of GET config.
type AgentConfig struct {
	AgentName    string `json:"agent_name"`
	CraterConfig struct {
		BlacklistedCrates []string `json:"blacklisted_crates"`
		BrokenCrates      []string `json:"broken_crates"`
		BotACL            []string `json:"bot_acl"`
		ReportBucket      string   `json:"report_bucket"`
	} `json:"crater_config"`
}

// Chunk is the decoded body of a successful next-experiment-chunk call.
type Chunk struct {
	Name           string         `json:"name"`
	ExperimentName string         `json:"experiment_name"`
	ToolchainStart string         `json:"toolchain_start"`
	ToolchainEnd   string         `json:"toolchain_end"`
	Mode           models.Mode    `json:"mode"`
	CapLints       models.CapLints `json:"cap_lints"`
	Crates         []models.Crate `json:"crates"`
}

// NextChunk polls next-experiment-chunk until one is assigned or ctx is
// canceled, sleeping RetryAfter between empty polls — agent/api.rs's
// next_experiment loop folds this polling into the same call.
func (c *Client) NextChunk(ctx context.Context) (*Chunk, error) {
	for {
		raw, err := c.retry(ctx, func() (json.RawMessage, error) {
			return c.do(ctx, http.MethodGet, "next-experiment-chunk", nil)
		})
		if err != nil {
			return nil, err
		}
		if string(raw) == "null" || len(raw) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(RetryAfter):
			}
			continue
		}
		var chunk Chunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, fmt.Errorf("decode chunk: %w", err)
		}
		return &chunk, nil
	}
}

// ProgressEntry is one (crate, toolchain) outcome to report.
type ProgressEntry struct {
	Crate     models.Crate
	Toolchain string
	Result    models.TestResult
	Log       []byte
}

// ProgressSha is a captured commit sha to report alongside results.
type ProgressSha struct {
	Org  string
	Name string
	Sha  string
}

// RecordProgress reports a batch of results and captured shas for the
// chunk the agent currently holds.
func (c *Client) RecordProgress(ctx context.Context, results []ProgressEntry, shas []ProgressSha) error {
	body := struct {
		Results []progressResultJSON `json:"results"`
		Shas    []progressShaJSON    `json:"shas"`
	}{}
	for _, r := range results {
		body.Results = append(body.Results, progressResultJSON{
			Crate:     r.Crate,
			Toolchain: r.Toolchain,
			Result:    r.Result,
			Log:       base64.StdEncoding.EncodeToString(r.Log),
		})
	}
	for _, sh := range shas {
		body.Shas = append(body.Shas, progressShaJSON{Org: sh.Org, Name: sh.Name, Sha: sh.Sha})
	}

	_, err := c.retry(ctx, func() (json.RawMessage, error) {
		return c.do(ctx, http.MethodPost, "record-progress", body)
	})
	return err
}

type progressResultJSON struct {
	Crate     models.Crate      `json:"crate"`
	Toolchain string            `json:"toolchain"`
	Result    models.TestResult `json:"result"`
	Log       string            `json:"log"`
}

type progressShaJSON struct {
	Org  string `json:"org"`
	Name string `json:"name"`
	Sha  string `json:"sha"`
}

// CompleteChunk reports that the agent has finished every task in its
// currently-held chunk.
func (c *Client) CompleteChunk(ctx context.Context) error {
	_, err := c.retry(ctx, func() (json.RawMessage, error) {
		return c.do(ctx, http.MethodPost, "complete-experiment-chunk", nil)
	})
	return err
}

// Heartbeat reports this agent as alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.retry(ctx, func() (json.RawMessage, error) {
		return c.do(ctx, http.MethodPost, "heartbeat", nil)
	})
	return err
}

// ReportError reports an unrecoverable local failure, failing the
// experiment owning the agent's current chunk.
func (c *Client) ReportError(ctx context.Context, message string) error {
	body := struct {
		Error string `json:"error"`
	}{Error: message}
	_, err := c.retry(ctx, func() (json.RawMessage, error) {
		return c.do(ctx, http.MethodPost, "error", body)
	})
	return err
}
