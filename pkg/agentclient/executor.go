package agentclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/craterd/craterd/pkg/models"
)

// Executor is the external contract for running one (crate, toolchain)
// workload, per spec §6. It owns the entire prepare-build-test lifecycle
// for a single pair: fetching/pinning source, invoking the toolchain under
// the experiment's Mode, and capturing the combined log. Actual sandboxed
// compilation is out of scope for this module (it requires a real
// toolchain installation and crate checkout on the host); StubExecutor
// below is the placeholder wired by cmd/craterd-agent until a real one is
// plugged in, grounded on tarsy's SessionExecutor/StubExecutor split.
type Executor interface {
	Run(ctx context.Context, toolchain string, crate models.Crate, mode models.Mode) (models.TestResult, []byte, error)
}

// StubExecutor is a placeholder Executor. It reports every crate as
// TestPass without running anything, so the poll loop, DAG runner, and
// reporting pipeline can be exercised end-to-end before a real toolchain
// sandbox is wired in.
type StubExecutor struct {
	Log *slog.Logger
}

// Run implements Executor.
func (e *StubExecutor) Run(ctx context.Context, toolchain string, crate models.Crate, mode models.Mode) (models.TestResult, []byte, error) {
	logger := e.Log
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return models.TestResult{}, nil, err
	}
	logger.Info("stub executor: no-op run", "crate", crate.Key(), "toolchain", toolchain, "mode", mode)
	return models.TestPass, []byte(fmt.Sprintf("stub executor: no-op run of %s on %s\n", crate.Key(), toolchain)), nil
}

// dagAdapter bridges the external Executor (one Run call per pair) to
// pkg/dag's Executor (a Prepare step shared by both toolchains, then an
// Execute step per toolchain), since the spec's DAG splits prepare from
// execute but the external contract does not. Prepare becomes a no-op;
// each Execute call runs Prepare-then-test itself and the resulting log is
// handed to the writer alongside the result.
type dagAdapter struct {
	inner  Executor
	mode   models.Mode
	writer *batchWriter
}

// Prepare implements dag.Executor. Source preparation happens inside the
// external Executor's Run call, so there is nothing to do here; the node
// still exists in the graph to preserve the one-prepare-two-executes shape
// spec §4.3 describes for scheduling and failure propagation.
func (a *dagAdapter) Prepare(ctx context.Context, crate models.Crate) error {
	return nil
}

// Execute implements dag.Executor.
func (a *dagAdapter) Execute(ctx context.Context, crate models.Crate, toolchain string) (models.TestResult, error) {
	result, log, err := a.inner.Run(ctx, toolchain, crate, a.mode)
	if len(log) > 0 {
		a.writer.stashLog(crate, toolchain, log)
	}
	if err != nil {
		return models.TestResult{}, err
	}
	return result, nil
}
