package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craterd/craterd/pkg/dag"
	"github.com/craterd/craterd/pkg/models"
)

// coordinatorStub simulates enough of the agent-api surface for Agent tests:
// fixed config, one chunk served once, and recorded record-progress/
// complete-experiment-chunk/error calls.
type coordinatorStub struct {
	configCalls   int32
	brokenCrates  []string
	chunkServed   int32
	chunk         Chunk
	completeCalls int32
	errorCalls    int32
	lastError     string
	progressBody  map[string]any
}

func (s *coordinatorStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/agent-api/config":
			atomic.AddInt32(&s.configCalls, 1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"type": "Success",
				"result": map[string]any{
					"agent_name": "agent-1",
					"crater_config": map[string]any{
						"blacklisted_crates": []string{},
						"broken_crates":      s.brokenCrates,
						"bot_acl":            []string{},
						"report_bucket":      "",
					},
				},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/agent-api/next-experiment-chunk":
			if atomic.AddInt32(&s.chunkServed, 1) > 1 {
				_ = json.NewEncoder(w).Encode(map[string]any{"type": "Success", "result": nil})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"type": "Success", "result": s.chunk})
		case r.Method == http.MethodPost && r.URL.Path == "/agent-api/record-progress":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			s.progressBody = body
			_ = json.NewEncoder(w).Encode(map[string]any{"type": "Success"})
		case r.Method == http.MethodPost && r.URL.Path == "/agent-api/complete-experiment-chunk":
			atomic.AddInt32(&s.completeCalls, 1)
			_ = json.NewEncoder(w).Encode(map[string]any{"type": "Success"})
		case r.Method == http.MethodPost && r.URL.Path == "/agent-api/error":
			atomic.AddInt32(&s.errorCalls, 1)
			var body struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			s.lastError = body.Error
			_ = json.NewEncoder(w).Encode(map[string]any{"type": "Success"})
		case r.Method == http.MethodPost && r.URL.Path == "/agent-api/heartbeat":
			_ = json.NewEncoder(w).Encode(map[string]any{"type": "Success"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"type": "NotFound"})
		}
	}
}

func registryCrate(name string) models.Crate {
	return models.Crate{Registry: &models.RegistryCrate{Name: name, Version: "1.0.0"}}
}

type scriptedExecutor struct {
	executeErr error
}

func (e *scriptedExecutor) Run(ctx context.Context, toolchain string, crate models.Crate, mode models.Mode) (models.TestResult, []byte, error) {
	if e.executeErr != nil {
		return models.TestResult{}, []byte("log"), e.executeErr
	}
	return models.TestPass, []byte("log"), nil
}

func TestAgent_PollAndProcess_FullCycleSuccess(t *testing.T) {
	stub := &coordinatorStub{
		chunk: Chunk{
			Name: "chunk-1", ExperimentName: "exp-1",
			ToolchainStart: "stable", ToolchainEnd: "beta",
			Mode: models.ModeBuildAndTest, CapLints: models.CapLintsForbid,
			Crates: []models.Crate{registryCrate("a")},
		},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	agent := &Agent{
		Client:   NewClient(srv.URL, "tok", "", nil),
		Executor: &scriptedExecutor{},
		Workers:  2,
	}

	require.NoError(t, agent.pollAndProcess(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.completeCalls))
	assert.Zero(t, atomic.LoadInt32(&stub.errorCalls))
	require.NotNil(t, stub.progressBody)
	results, ok := stub.progressBody["results"].([]any)
	require.True(t, ok)
	assert.Len(t, results, 2, "one result per (crate, toolchain) pair")
}

func TestAgent_PollAndProcess_ExecuteFailureReportsErrorNotComplete(t *testing.T) {
	stub := &coordinatorStub{
		chunk: Chunk{
			Name: "chunk-2", ExperimentName: "exp-2",
			ToolchainStart: "stable", ToolchainEnd: "beta",
			Mode: models.ModeBuildAndTest, CapLints: models.CapLintsForbid,
			Crates: []models.Crate{registryCrate("broken")},
		},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	// An ordinary Execute error is recorded as a result row and the chunk
	// still completes; only an ErrCrash-class error stops the run.
	agent := &Agent{
		Client:   NewClient(srv.URL, "tok", "", nil),
		Executor: &scriptedExecutor{executeErr: fmt.Errorf("run exploded: %w", dag.ErrCrash)},
	}

	err := agent.pollAndProcess(context.Background())
	require.NoError(t, err, "pollAndProcess itself only errors on transport failure, not task failure")

	assert.Zero(t, atomic.LoadInt32(&stub.completeCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.errorCalls))
	assert.NotEmpty(t, stub.lastError)
}

func TestAgent_EnsureBrokenCrates_FetchesOnceAndBuildsMembership(t *testing.T) {
	stub := &coordinatorStub{brokenCrates: []string{registryCrate("known-bad").Key()}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	agent := &Agent{Client: NewClient(srv.URL, "tok", "", nil)}

	require.NoError(t, agent.ensureBrokenCrates(context.Background()))
	require.NoError(t, agent.ensureBrokenCrates(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.configCalls), "config should only be fetched once")
	assert.True(t, agent.broken(registryCrate("known-bad")))
	assert.False(t, agent.broken(registryCrate("fine")))
}

func TestAgent_Workers_DefaultsToOneWhenUnsetOrNegative(t *testing.T) {
	assert.Equal(t, 1, (&Agent{}).workers())
	assert.Equal(t, 1, (&Agent{Workers: -3}).workers())
	assert.Equal(t, 5, (&Agent{Workers: 5}).workers())
}

func TestAgent_Meter_DefaultsToGlobalProviderWhenUnset(t *testing.T) {
	agent := &Agent{}
	assert.NotNil(t, agent.meter())
}
