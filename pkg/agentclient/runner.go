package agentclient

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/craterd/craterd/pkg/dag"
	"github.com/craterd/craterd/pkg/models"
)

// HeartbeatInterval is how often the agent tells the coordinator it is
// alive, independent of whatever chunk it is currently running.
const HeartbeatInterval = 30 * time.Second

// Agent drives one agent process: it polls for chunks, runs each chunk's
// DAG against the configured Executor, and reports progress and terminal
// outcomes back to the coordinator. Grounded on pkg/queue/worker.go's
// run/pollAndProcess/runHeartbeat shape, adapted from claiming a database
// row to polling an HTTP endpoint, per SPEC_FULL.md §4.5.
type Agent struct {
	Client   *Client
	Executor Executor
	Workers  int
	Meter    metric.Meter
	Log      *slog.Logger

	broken      dag.BrokenCrate
	brokenReady bool
}

func (a *Agent) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// Run polls for and processes chunks until ctx is canceled, alongside a
// background heartbeat goroutine. It returns only when ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go a.runHeartbeat(heartbeatCtx)

	for {
		if err := a.pollAndProcess(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log().Error("chunk processing failed", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (a *Agent) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Client.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				a.log().Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// pollAndProcess fetches the broken-crate list once, claims the next chunk
// (blocking until one is assigned), runs its DAG to completion, flushes
// results, and reports the chunk complete — or reports an unrecoverable
// error back to the coordinator, failing the owning experiment.
func (a *Agent) pollAndProcess(ctx context.Context) error {
	if err := a.ensureBrokenCrates(ctx); err != nil {
		return err
	}

	chunk, err := a.Client.NextChunk(ctx)
	if err != nil {
		return err
	}

	a.log().Info("claimed chunk", "chunk", chunk.Name, "experiment", chunk.ExperimentName, "crates", len(chunk.Crates))

	writer := newBatchWriter(a.Client, a.log())
	adapter := &dagAdapter{inner: a.Executor, mode: chunk.Mode, writer: writer}
	graph := dag.Build(chunk.Crates, [2]string{chunk.ToolchainStart, chunk.ToolchainEnd})

	runner := dag.NewRunner(adapter, writer, a.broken, a.workers(), dag.NewMetrics(a.meter()))
	runErr := runner.Run(ctx, graph)

	if flushErr := writer.Flush(ctx); flushErr != nil && runErr == nil {
		runErr = flushErr
	}

	if runErr != nil {
		a.log().Error("chunk run failed", "chunk", chunk.Name, "error", runErr)
		return a.Client.ReportError(ctx, runErr.Error())
	}

	return a.Client.CompleteChunk(ctx)
}

func (a *Agent) workers() int {
	if a.Workers < 1 {
		return 1
	}
	return a.Workers
}

func (a *Agent) meter() metric.Meter {
	if a.Meter != nil {
		return a.Meter
	}
	return otel.GetMeterProvider().Meter("craterd-agent")
}

// ensureBrokenCrates fetches the operator's broken-crate list once via
// GET config and builds a membership-check BrokenCrate, so the DAG runner
// can classify a Prepare/Execute failure as BuildFail(Broken) instead of
// a generic Error, per spec §4.3.
func (a *Agent) ensureBrokenCrates(ctx context.Context) error {
	if a.brokenReady {
		return nil
	}
	cfg, err := a.Client.Config(ctx)
	if err != nil {
		return err
	}
	broken := make(map[string]bool, len(cfg.CraterConfig.BrokenCrates))
	for _, key := range cfg.CraterConfig.BrokenCrates {
		broken[key] = true
	}
	a.broken = func(crate models.Crate) bool { return broken[crate.Key()] }
	a.brokenReady = true
	return nil
}
