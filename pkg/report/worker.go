package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/craterd/craterd/pkg/models"
)

// ExperimentSource is the subset of pkg/experiment.Service the worker
// needs: loading a NeedsReport experiment, transitioning it through
// GeneratingReport, and listing its recorded results.
type ExperimentSource interface {
	ListNeedsReport(ctx context.Context) ([]string, error)
	Get(ctx context.Context, name string) (*models.Experiment, error)
	ResultsForExperiment(ctx context.Context, name string) ([]models.Result, error)
	BeginReport(ctx context.Context, name string) error
	CompleteReport(ctx context.Context, name, reportURL string) error
	FailReport(ctx context.Context, name, reason string) error
}

// Worker owns the NeedsReport -> Completed transition, per spec §4.6: it
// wakes periodically (~10min) and on explicit nudges, generating each
// NeedsReport experiment's report and advancing its status. A panic is
// caught and the worker respawns after 60s, matching the teacher's
// supervised-goroutine style for long-lived background loops.
type Worker struct {
	Source    ExperimentSource
	Generator *Generator
	Writer    Writer
	Interval  time.Duration
	Log       *slog.Logger

	// ReportURL computes the published location of an experiment's report
	// artifacts (e.g. a base URL joined with the experiment name), stamped
	// onto the experiment's report_url field on completion.
	ReportURL func(experimentName string) string

	Nudge chan struct{}
}

// NewWorker builds a Worker with the spec's ~10min default interval and a
// buffered nudge channel so callers never block posting one.
func NewWorker(source ExperimentSource, gen *Generator, w Writer, reportURL func(string) string, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if reportURL == nil {
		reportURL = func(name string) string { return name }
	}
	return &Worker{
		Source:    source,
		Generator: gen,
		Writer:    w,
		Interval:  10 * time.Minute,
		Log:       log,
		ReportURL: reportURL,
		Nudge:     make(chan struct{}, 1),
	}
}

// RequestRun posts a non-blocking nudge; a pending nudge coalesces with
// any not yet consumed.
func (w *Worker) RequestRun() {
	select {
	case w.Nudge <- struct{}{}:
	default:
	}
}

// Run supervises the worker loop, restarting it 60s after a panic, until
// ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		w.runSupervised(ctx)
		if ctx.Err() != nil {
			return
		}
		w.Log.Warn("report worker restarting after panic", "delay", 60*time.Second)
		select {
		case <-time.After(60 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runSupervised(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("report worker panic", "recovered", r)
		}
	}()

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		case <-w.Nudge:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	names, err := w.Source.ListNeedsReport(ctx)
	if err != nil {
		w.Log.Error("list needs-report experiments", "error", err)
		return
	}
	for _, name := range names {
		w.generateOne(ctx, name)
	}
}

func (w *Worker) generateOne(ctx context.Context, name string) {
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("generator panic, transitioning to report_failed", "experiment", name, "recovered", r)
			if err := w.Source.FailReport(ctx, name, "report generator panicked"); err != nil {
				w.Log.Error("fail report after panic", "experiment", name, "error", err)
			}
		}
	}()

	if err := w.Source.BeginReport(ctx, name); err != nil {
		w.Log.Error("begin report", "experiment", name, "error", err)
		return
	}

	e, err := w.Source.Get(ctx, name)
	if err != nil {
		w.Log.Error("load experiment for report", "experiment", name, "error", err)
		_ = w.Source.FailReport(ctx, name, err.Error())
		return
	}

	results, err := w.Source.ResultsForExperiment(ctx, name)
	if err != nil {
		w.Log.Error("load results for report", "experiment", name, "error", err)
		_ = w.Source.FailReport(ctx, name, err.Error())
		return
	}

	if err := w.Generator.Generate(ctx, e, results, w.Writer); err != nil {
		w.Log.Error("generate report", "experiment", name, "error", err)
		_ = w.Source.FailReport(ctx, name, err.Error())
		return
	}

	if err := w.Source.CompleteReport(ctx, name, w.ReportURL(name)); err != nil {
		w.Log.Error("complete report", "experiment", name, "error", err)
	}
}
