package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craterd/craterd/pkg/models"
	"github.com/craterd/craterd/pkg/store"
)

func testCrate(name string) models.Crate {
	return models.Crate{Registry: &models.RegistryCrate{Name: name, Version: "1.0.0"}}
}

func newExperiment(name string, crates ...models.Crate) *models.Experiment {
	return &models.Experiment{
		Name:           name,
		ToolchainStart: "stable",
		ToolchainEnd:   "beta",
		Mode:           models.ModeBuildAndTest,
		CapLints:       models.CapLintsForbid,
		Crates:         crates,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestCreateExperiment_RejectsDuplicateToolchains(t *testing.T) {
	s := newTestStore(t)
	e := newExperiment("dup-toolchains", testCrate("a"))
	e.ToolchainEnd = e.ToolchainStart

	err := s.CreateExperiment(context.Background(), e)
	require.ErrorIs(t, err, store.ErrDuplicateToolchains)
}

func TestCreateExperiment_AndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := newExperiment("exp-get", testCrate("a"), testCrate("b"))
	require.NoError(t, s.CreateExperiment(ctx, e))

	got, err := s.GetExperiment(ctx, "exp-get")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, "stable", got.ToolchainStart)

	crates, err := s.GetExperimentCrates(ctx, "exp-get")
	require.NoError(t, err)
	assert.Len(t, crates, 2)
}

func TestGetExperiment_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExperiment(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEditExperiment_OnlyWhileQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := newExperiment("exp-edit", testCrate("a"))
	require.NoError(t, s.CreateExperiment(ctx, e))

	newStart := "nightly"
	require.NoError(t, s.EditExperiment(ctx, "exp-edit", store.ExperimentEdit{ToolchainStart: &newStart}))

	got, err := s.GetExperiment(ctx, "exp-edit")
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.ToolchainStart)

	require.NoError(t, s.TransitionStatus(ctx, "exp-edit", models.StatusRunning, true, false))

	err = s.EditExperiment(ctx, "exp-edit", store.ExperimentEdit{ToolchainStart: &newStart})
	require.ErrorIs(t, err, store.ErrNotQueued)
}

func TestSplitExperiment_AndClaimNextChunk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	crates := []models.Crate{testCrate("a"), testCrate("b"), testCrate("c")}
	e := newExperiment("exp-split", crates...)
	require.NoError(t, s.CreateExperiment(ctx, e))
	require.NoError(t, s.SplitExperiment(ctx, "exp-split", crates, 2))

	got, err := s.GetExperiment(ctx, "exp-split")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Children)

	chunk1, ok, err := s.ClaimNextChunk(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ChunkRunning, chunk1.Status)
	assert.Equal(t, "agent-1", *chunk1.AssignedTo)

	chunk2, ok, err := s.ClaimNextChunk(ctx, "agent-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, chunk1.Name, chunk2.Name)

	_, ok, err = s.ClaimNextChunk(ctx, "agent-3")
	require.NoError(t, err)
	assert.False(t, ok, "no chunks should remain Queued")
}

func TestClaimNextChunk_ConcurrentClaimsNeverDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	crates := make([]models.Crate, 0, 10)
	for i := 0; i < 10; i++ {
		crates = append(crates, testCrate(string(rune('a'+i))))
	}
	e := newExperiment("exp-concurrent", crates...)
	require.NoError(t, s.CreateExperiment(ctx, e))
	require.NoError(t, s.SplitExperiment(ctx, "exp-concurrent", crates, 1))

	const agents = 10
	var wg sync.WaitGroup
	claimed := make(chan string, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(agent int) {
			defer wg.Done()
			c, ok, err := s.ClaimNextChunk(ctx, "concurrent-agent")
			if err == nil && ok {
				claimed <- c.Name
			}
		}(i)
	}
	wg.Wait()
	close(claimed)

	seen := map[string]bool{}
	for name := range claimed {
		assert.False(t, seen[name], "chunk %s claimed twice", name)
		seen[name] = true
	}
	assert.Len(t, seen, 10)
}

func TestCompleteChunk_DecrementsChildrenAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	crates := []models.Crate{testCrate("a")}
	e := newExperiment("exp-complete", crates...)
	require.NoError(t, s.CreateExperiment(ctx, e))
	require.NoError(t, s.SplitExperiment(ctx, "exp-complete", crates, 1))

	chunk, ok, err := s.ClaimNextChunk(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)

	parent, remaining, err := s.CompleteChunk(ctx, chunk.Name)
	require.NoError(t, err)
	assert.Equal(t, "exp-complete", parent)
	assert.Equal(t, 0, remaining)

	// Re-completing is a no-op that returns the same count.
	parent2, remaining2, err := s.CompleteChunk(ctx, chunk.Name)
	require.NoError(t, err)
	assert.Equal(t, parent, parent2)
	assert.Equal(t, remaining, remaining2)
}

func TestRequeueChunksFor_ResetsRunningChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	crates := []models.Crate{testCrate("a"), testCrate("b")}
	e := newExperiment("exp-requeue", crates...)
	require.NoError(t, s.CreateExperiment(ctx, e))
	require.NoError(t, s.SplitExperiment(ctx, "exp-requeue", crates, 1))

	chunk, ok, err := s.ClaimNextChunk(ctx, "flaky-agent")
	require.NoError(t, err)
	require.True(t, ok)

	names, err := s.RequeueChunksFor(ctx, "flaky-agent")
	require.NoError(t, err)
	assert.Contains(t, names, chunk.Name)

	running, err := s.RunningChunkFor(ctx, "flaky-agent")
	require.NoError(t, err)
	assert.Nil(t, running)

	reclaimed, ok, err := s.ClaimNextChunk(ctx, "other-agent")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chunk.Name, reclaimed.Name)
}

func TestRecordResult_UpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	crate := testCrate("a")
	e := newExperiment("exp-result", crate)
	require.NoError(t, s.CreateExperiment(ctx, e))

	result := &models.Result{
		ExperimentName: "exp-result",
		Crate:          crate,
		Toolchain:      "stable",
		TestResult:     models.TestPass,
		Log:            []byte("ok"),
		RecordedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.RecordResult(ctx, result))

	got, err := s.GetResult(ctx, "exp-result", crate.Key(), "stable")
	require.NoError(t, err)
	assert.True(t, got.TestResult.Equal(models.TestPass))

	result.TestResult = models.NewBuildFail(models.ReasonOOM)
	require.NoError(t, s.RecordResult(ctx, result))

	got2, err := s.GetResult(ctx, "exp-result", crate.Key(), "stable")
	require.NoError(t, err)
	assert.True(t, got2.TestResult.Equal(models.NewBuildFail(models.ReasonOOM)))
}

func TestUpsertSha_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	crate := models.Crate{GitHub: &models.GitHubCrate{Org: "rust-lang", Name: "regex"}}
	e := newExperiment("exp-sha", crate)
	require.NoError(t, s.CreateExperiment(ctx, e))

	sha := &models.Sha{ExperimentName: "exp-sha", Org: "rust-lang", Name: "regex", SHA: "abc123"}
	require.NoError(t, s.UpsertSha(ctx, sha))

	got, err := s.GetSha(ctx, "exp-sha", "rust-lang", "regex")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.SHA)

	sha.SHA = "def456"
	require.NoError(t, s.UpsertSha(ctx, sha))

	got2, err := s.GetSha(ctx, "exp-sha", "rust-lang", "regex")
	require.NoError(t, err)
	assert.Equal(t, "def456", got2.SHA)
}

func TestAgent_RegisterHeartbeatAndStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(ctx, &models.Agent{Name: "agent-x", TokenHash: "hash-x"}))

	got, err := s.AgentByTokenHash(ctx, "hash-x")
	require.NoError(t, err)
	assert.Equal(t, "agent-x", got.Name)

	stale, err := s.StaleAgents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Contains(t, agentNames(stale), "agent-x")

	require.NoError(t, s.Heartbeat(ctx, "agent-x", nil))

	stale2, err := s.StaleAgents(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.NotContains(t, agentNames(stale2), "agent-x")
}

func agentNames(agents []models.Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.Name
	}
	return out
}

func TestRemoveCompletedCrates_PrunesCratesWithBothResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	crates := []models.Crate{testCrate("done"), testCrate("pending")}
	e := newExperiment("exp-prune", crates...)
	require.NoError(t, s.CreateExperiment(ctx, e))
	require.NoError(t, s.SplitExperiment(ctx, "exp-prune", crates, len(crates)))

	chunk, ok, err := s.ClaimNextChunk(ctx, "resuming-agent")
	require.NoError(t, err)
	require.True(t, ok)

	for _, tc := range []string{"stable", "beta"} {
		require.NoError(t, s.RecordResult(ctx, &models.Result{
			ExperimentName: "exp-prune",
			Crate:          testCrate("done"),
			Toolchain:      tc,
			TestResult:     models.TestPass,
			RecordedAt:     time.Now().UTC(),
		}))
	}

	require.NoError(t, s.RemoveCompletedCrates(ctx, chunk.Name))

	running, err := s.RunningChunkFor(ctx, "resuming-agent")
	require.NoError(t, err)
	require.NotNil(t, running)
	require.Len(t, running.Crates, 1)
	assert.Equal(t, testCrate("pending").Key(), running.Crates[0].Key())
}

func TestCascadingDelete_ExperimentRemovesChunksResultsAndShas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	crate := testCrate("cascade")
	e := newExperiment("exp-cascade", crate)
	require.NoError(t, s.CreateExperiment(ctx, e))
	require.NoError(t, s.SplitExperiment(ctx, "exp-cascade", []models.Crate{crate}, 1))
	require.NoError(t, s.RecordResult(ctx, &models.Result{
		ExperimentName: "exp-cascade",
		Crate:          crate,
		Toolchain:      "stable",
		TestResult:     models.TestPass,
		RecordedAt:     time.Now().UTC(),
	}))

	_, err := s.Pool().Exec(ctx, `DELETE FROM experiments WHERE name=$1`, "exp-cascade")
	require.NoError(t, err)

	var chunkCount, resultCount int
	require.NoError(t, s.Pool().QueryRow(ctx, `SELECT count(*) FROM experiment_chunks WHERE experiment_name=$1`, "exp-cascade").Scan(&chunkCount))
	require.NoError(t, s.Pool().QueryRow(ctx, `SELECT count(*) FROM results WHERE experiment_name=$1`, "exp-cascade").Scan(&resultCount))
	assert.Zero(t, chunkCount)
	assert.Zero(t, resultCount)
}
