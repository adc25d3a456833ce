package experiment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/craterd/craterd/pkg/database"
	"github.com/craterd/craterd/pkg/experiment"
	"github.com/craterd/craterd/pkg/models"
	"github.com/craterd/craterd/pkg/notify"
	"github.com/craterd/craterd/pkg/store"
)

// newTestService spins up a throwaway Postgres container and wires a
// Service to it, grounded on the teacher's pkg/database/client_test.go
// newTestClient helper.
func newTestService(t *testing.T, notifier notify.Notifier) *experiment.Service {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("craterd_test"),
		postgres.WithUsername("craterd"),
		postgres.WithPassword("craterd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool, err := database.NewPool(ctx, database.Config{
		Host: host, Port: port.Int(), User: "craterd", Password: "craterd",
		Database: "craterd_test", SSLMode: "disable",
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return experiment.New(store.New(pool), notifier)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) kinds() []notify.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventKind, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

func crate(name string) models.Crate {
	return models.Crate{Registry: &models.RegistryCrate{Name: name, Version: "1.0.0"}}
}

// TestService_FirstChunkClaimTransitionsToRunningAndNotifies covers
// invariant: an experiment starts Queued and moves to Running (with an
// EventExperimentStarted notification) the first time any chunk is
// claimed, not on creation.
func TestService_FirstChunkClaimTransitionsToRunningAndNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := newTestService(t, notifier)
	ctx := context.Background()

	crates := []models.Crate{crate("a"), crate("b")}
	e, err := svc.Create(ctx, experiment.CreateParams{
		Name: "exp-s1", ToolchainStart: "stable", ToolchainEnd: "beta",
		Mode: models.ModeBuildAndTest, CapLints: models.CapLintsForbid, Crates: crates,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, e.Status)

	chunk, isNew, err := svc.NextFor(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, isNew)
	require.NotNil(t, chunk)

	got, err := svc.Get(ctx, "exp-s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Contains(t, notifier.kinds(), notify.EventExperimentStarted)
}

// TestService_NextFor_RepeatAssigneeGetsSameRunningChunk covers the
// at-most-one-Running-chunk-per-agent invariant: a second NextFor call
// from the same assignee before completing returns the same chunk, not a
// fresh assignment.
func TestService_NextFor_RepeatAssigneeGetsSameRunningChunk(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	crates := []models.Crate{crate("a"), crate("b"), crate("c")}
	_, err := svc.Create(ctx, experiment.CreateParams{
		Name: "exp-s2", ToolchainStart: "stable", ToolchainEnd: "beta",
		Mode: models.ModeBuildAndTest, CapLints: models.CapLintsForbid, Crates: crates,
	})
	require.NoError(t, err)

	chunk1, isNew1, err := svc.NextFor(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, isNew1)

	chunk2, isNew2, err := svc.NextFor(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Equal(t, chunk1.Name, chunk2.Name)
}

// TestService_CompleteChunk_LastChunkMovesToNeedsReport covers the
// children-counter invariant: an experiment moves Running -> NeedsReport
// only once every chunk completes.
func TestService_CompleteChunk_LastChunkMovesToNeedsReport(t *testing.T) {
	experiment.DefaultChunkSize = 1
	defer func() { experiment.DefaultChunkSize = 50 }()

	svc := newTestService(t, nil)
	ctx := context.Background()

	crates := []models.Crate{crate("a"), crate("b")}
	_, err := svc.Create(ctx, experiment.CreateParams{
		Name: "exp-s3", ToolchainStart: "stable", ToolchainEnd: "beta",
		Mode: models.ModeBuildAndTest, CapLints: models.CapLintsForbid, Crates: crates,
	})
	require.NoError(t, err)

	chunk1, _, err := svc.NextFor(ctx, "agent-1")
	require.NoError(t, err)
	chunk2, _, err := svc.NextFor(ctx, "agent-2")
	require.NoError(t, err)
	require.NotEqual(t, chunk1.Name, chunk2.Name)

	_, readyForReport, err := svc.CompleteChunk(ctx, chunk1.Name)
	require.NoError(t, err)
	assert.False(t, readyForReport)

	got, err := svc.Get(ctx, "exp-s3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	_, readyForReport2, err := svc.CompleteChunk(ctx, chunk2.Name)
	require.NoError(t, err)
	assert.True(t, readyForReport2)

	got2, err := svc.Get(ctx, "exp-s3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsReport, got2.Status)
}

// TestService_SetFailed_NotifiesAndIsTerminal covers the Failed-is-terminal
// invariant and its recovery path via Reopen.
func TestService_SetFailed_NotifiesAndIsTerminal(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := newTestService(t, notifier)
	ctx := context.Background()

	_, err := svc.Create(ctx, experiment.CreateParams{
		Name: "exp-s4", ToolchainStart: "stable", ToolchainEnd: "beta",
		Mode: models.ModeBuildAndTest, CapLints: models.CapLintsForbid, Crates: []models.Crate{crate("a")},
	})
	require.NoError(t, err)

	require.NoError(t, svc.SetFailed(ctx, "exp-s4", "agent reported unrecoverable error"))
	assert.Contains(t, notifier.kinds(), notify.EventExperimentFailed)

	got, err := svc.Get(ctx, "exp-s4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	require.NoError(t, svc.Reopen(ctx, "exp-s4"))
	got2, err := svc.Get(ctx, "exp-s4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsReport, got2.Status)

	err = svc.Reopen(ctx, "exp-s4")
	require.Error(t, err, "reopening a non-Failed experiment should fail")
}

// TestService_Edit_RejectsOnceRunning covers invariant 1 from spec §8:
// edits are only legal while Queued.
func TestService_Edit_RejectsOnceRunning(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, experiment.CreateParams{
		Name: "exp-s5", ToolchainStart: "stable", ToolchainEnd: "beta",
		Mode: models.ModeBuildAndTest, CapLints: models.CapLintsForbid, Crates: []models.Crate{crate("a")},
	})
	require.NoError(t, err)

	_, _, err = svc.NextFor(ctx, "agent-1")
	require.NoError(t, err)

	newStart := "nightly"
	err = svc.Edit(ctx, "exp-s5", store.ExperimentEdit{ToolchainStart: &newStart})
	require.ErrorIs(t, err, experiment.ErrCanEditOnlyQueued)
}

// TestService_Progress_ZeroBeforeAnyResult covers a freshly claimed chunk:
// no results recorded yet means 0% progress.
func TestService_Progress_ZeroBeforeAnyResult(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	crates := []models.Crate{crate("a"), crate("b"), crate("c")}
	_, err := svc.Create(ctx, experiment.CreateParams{
		Name: "exp-s6", ToolchainStart: "stable", ToolchainEnd: "beta",
		Mode: models.ModeBuildAndTest, CapLints: models.CapLintsForbid, Crates: crates,
	})
	require.NoError(t, err)

	chunk, _, err := svc.NextFor(ctx, "agent-1")
	require.NoError(t, err)

	progress, err := svc.Progress(ctx, chunk.Name)
	require.NoError(t, err)
	assert.Equal(t, 0, progress)
}
