package dag_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craterd/craterd/pkg/dag"
	"github.com/craterd/craterd/pkg/models"
)

type fakeExecutor struct {
	mu           sync.Mutex
	prepareErr   map[string]error
	executeErr   map[string]error
	executeOf    func(crate models.Crate, toolchain string) (models.TestResult, error)
	prepareCalls int
	executeCalls int
}

func (f *fakeExecutor) Prepare(ctx context.Context, crate models.Crate) error {
	f.mu.Lock()
	f.prepareCalls++
	f.mu.Unlock()
	if f.prepareErr != nil {
		if err, ok := f.prepareErr[crate.Key()]; ok {
			return err
		}
	}
	return nil
}

func (f *fakeExecutor) Execute(ctx context.Context, crate models.Crate, toolchain string) (models.TestResult, error) {
	f.mu.Lock()
	f.executeCalls++
	f.mu.Unlock()
	if f.executeErr != nil {
		if err, ok := f.executeErr[crate.Key()+":"+toolchain]; ok {
			return models.TestResult{}, err
		}
	}
	if f.executeOf != nil {
		return f.executeOf(crate, toolchain)
	}
	return models.TestPass, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	results map[string]models.TestResult
	shas    map[string]string
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{results: map[string]models.TestResult{}, shas: map[string]string{}}
}

func (w *fakeWriter) key(crate models.Crate, toolchain string) string {
	return crate.Key() + "|" + toolchain
}

func (w *fakeWriter) WriteResult(ctx context.Context, crate models.Crate, toolchain string, result models.TestResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[w.key(crate, toolchain)] = result
	return nil
}

func (w *fakeWriter) WriteSha(ctx context.Context, crate models.Crate, sha string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shas[crate.Key()] = sha
	return nil
}

func registryCrate(name string) models.Crate {
	return models.Crate{Registry: &models.RegistryCrate{Name: name, Version: "1.0.0"}}
}

func TestRunner_AllPass(t *testing.T) {
	crates := []models.Crate{registryCrate("a"), registryCrate("b")}
	g := dag.Build(crates, [2]string{"stable", "beta"})

	exec := &fakeExecutor{}
	writer := newFakeWriter()
	runner := dag.NewRunner(exec, writer, nil, 4, nil)

	err := runner.Run(context.Background(), g)
	require.NoError(t, err)

	for _, c := range crates {
		for _, tc := range []string{"stable", "beta"} {
			result, ok := writer.results[writer.key(c, tc)]
			require.True(t, ok, "missing result for %s/%s", c.Key(), tc)
			assert.True(t, result.Equal(models.TestPass))
		}
	}
	assert.Equal(t, len(crates), exec.prepareCalls)
	assert.Equal(t, len(crates)*2, exec.executeCalls)
}

func TestRunner_PrepareFailurePropagatesToDescendants(t *testing.T) {
	crates := []models.Crate{registryCrate("broken-crate"), registryCrate("ok-crate")}
	g := dag.Build(crates, [2]string{"stable", "beta"})

	exec := &fakeExecutor{
		prepareErr: map[string]error{
			registryCrate("broken-crate").Key(): errors.New("prepare failed"),
		},
	}
	writer := newFakeWriter()
	runner := dag.NewRunner(exec, writer, nil, 2, nil)

	err := runner.Run(context.Background(), g)
	require.NoError(t, err)

	broken := registryCrate("broken-crate")
	for _, tc := range []string{"stable", "beta"} {
		result, ok := writer.results[writer.key(broken, tc)]
		require.True(t, ok)
		assert.True(t, result.Equal(models.ResultError), "expected Error classification, got %s", result.Format())
	}

	ok := registryCrate("ok-crate")
	for _, tc := range []string{"stable", "beta"} {
		result, exists := writer.results[writer.key(ok, tc)]
		require.True(t, exists)
		assert.True(t, result.Equal(models.TestPass))
	}

	// broken-crate's Execute nodes must never have actually run.
	assert.Equal(t, 2, exec.executeCalls)
}

func TestRunner_PrepareFailureOnBrokenCrateClassifiesBuildFailBroken(t *testing.T) {
	crate := registryCrate("known-broken")
	g := dag.Build([]models.Crate{crate}, [2]string{"stable", "beta"})

	exec := &fakeExecutor{
		prepareErr: map[string]error{crate.Key(): errors.New("prepare failed")},
	}
	writer := newFakeWriter()
	broken := func(c models.Crate) bool { return c.Key() == crate.Key() }
	runner := dag.NewRunner(exec, writer, broken, 2, nil)

	err := runner.Run(context.Background(), g)
	require.NoError(t, err)

	for _, tc := range []string{"stable", "beta"} {
		result := writer.results[writer.key(crate, tc)]
		assert.True(t, result.Equal(models.NewBuildFail(models.ReasonBroken)))
	}
}

func TestRunner_ExecuteFailureRecordsOwnRowOnly(t *testing.T) {
	crate := registryCrate("leaf-fail")
	g := dag.Build([]models.Crate{crate}, [2]string{"stable", "beta"})

	exec := &fakeExecutor{
		executeErr: map[string]error{crate.Key() + ":stable": errors.New("execute failed")},
	}
	writer := newFakeWriter()
	runner := dag.NewRunner(exec, writer, nil, 2, nil)

	err := runner.Run(context.Background(), g)
	require.NoError(t, err)

	failed := writer.results[writer.key(crate, "stable")]
	assert.True(t, failed.Equal(models.ResultError))

	passed := writer.results[writer.key(crate, "beta")]
	assert.True(t, passed.Equal(models.TestPass))
}

func TestRunner_OverrideResultError(t *testing.T) {
	crate := registryCrate("spurious")
	g := dag.Build([]models.Crate{crate}, [2]string{"stable", "beta"})

	override := &dag.OverrideResultError{Result: models.NewBuildFail(models.ReasonOOM), Cause: errors.New("oom killed")}
	exec := &fakeExecutor{
		prepareErr: map[string]error{crate.Key(): override},
	}
	writer := newFakeWriter()
	runner := dag.NewRunner(exec, writer, nil, 1, nil)

	err := runner.Run(context.Background(), g)
	require.NoError(t, err)

	for _, tc := range []string{"stable", "beta"} {
		result := writer.results[writer.key(crate, tc)]
		assert.True(t, result.Equal(models.NewBuildFail(models.ReasonOOM)))
	}
}

func TestRunner_ContextCancellationStopsRun(t *testing.T) {
	crates := []models.Crate{registryCrate("a")}
	g := dag.Build(crates, [2]string{"stable", "beta"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &fakeExecutor{}
	writer := newFakeWriter()
	runner := dag.NewRunner(exec, writer, nil, 1, nil)

	err := runner.Run(ctx, g)
	assert.ErrorIs(t, err, context.Canceled)
}
