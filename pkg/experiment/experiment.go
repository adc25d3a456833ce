// Package experiment implements component B: the Experiment state machine.
// It wraps pkg/store's transactional primitives with the transition rules,
// invariants, and notification hooks spec §4.2 describes, translating raw
// store errors into the sentinel errors callers in pkg/api match on.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/craterd/craterd/pkg/models"
	"github.com/craterd/craterd/pkg/notify"
	"github.com/craterd/craterd/pkg/store"
)

// Sentinel errors surfaced to callers (pkg/api translates these into the
// tagged envelope responses).
var (
	ErrNotFound            = errors.New("experiment not found")
	ErrDuplicateToolchains = errors.New("toolchain_start and toolchain_end must differ")
	ErrCanEditOnlyQueued   = errors.New("experiment can only be edited while queued")
)

// DefaultChunkSize bounds how many crates an agent receives per chunk. It
// is a package variable, not a constant, so tests can shrink it to exercise
// multi-chunk fan-out without constructing huge crate lists.
var DefaultChunkSize = 50

// Service is the experiment state machine, holding the store and the
// notifier invoked on Failed/ReportFailed transitions and issue linkage.
type Service struct {
	store     *store.Store
	notifier  notify.Notifier
	chunkSize int
}

// New builds a Service. A nil notifier is replaced with notify.NoOp.
func New(s *store.Store, n notify.Notifier) *Service {
	if n == nil {
		n = notify.NoOp{}
	}
	return &Service{store: s, notifier: n, chunkSize: DefaultChunkSize}
}

// CreateParams mirrors the operator-facing fields an experiment is created
// from, before crate resolution assigns its corpus.
type CreateParams struct {
	Name            string
	ToolchainStart  string
	ToolchainEnd    string
	Mode            models.Mode
	CapLints        models.CapLints
	Priority        int
	Crates          []models.Crate
	Issue           *models.IssueRef
	IgnoreBlacklist bool
}

// Create inserts a new Queued experiment and splits its crate corpus into
// chunks, per spec §4.2 and the chunking semantics of §9 (once split, the
// split is immutable).
func (svc *Service) Create(ctx context.Context, p CreateParams) (*models.Experiment, error) {
	e := &models.Experiment{
		Name:            p.Name,
		ToolchainStart:  p.ToolchainStart,
		ToolchainEnd:    p.ToolchainEnd,
		Mode:            p.Mode,
		CapLints:        p.CapLints,
		Priority:        p.Priority,
		Crates:          p.Crates,
		Issue:           p.Issue,
		Status:          models.StatusQueued,
		CreatedAt:       time.Now().UTC(),
		IgnoreBlacklist: p.IgnoreBlacklist,
	}

	if err := svc.store.CreateExperiment(ctx, e); err != nil {
		return nil, translate(err)
	}
	if err := svc.store.SplitExperiment(ctx, e.Name, e.Crates, svc.chunkSize); err != nil {
		return nil, fmt.Errorf("split experiment %s: %w", e.Name, err)
	}
	return e, nil
}

// Get loads an experiment by name along with its crate membership.
func (svc *Service) Get(ctx context.Context, name string) (*models.Experiment, error) {
	e, err := svc.store.GetExperiment(ctx, name)
	if err != nil {
		return nil, translate(err)
	}
	crates, err := svc.store.GetExperimentCrates(ctx, name)
	if err != nil {
		return nil, translate(err)
	}
	e.Crates = make([]models.Crate, len(crates))
	for i, ec := range crates {
		e.Crates[i] = ec.Crate
	}
	return e, nil
}

// Edit mutates the editable fields of a Queued experiment. On a crate-list
// change, EditExperiment drops the experiment's chunks together with its
// crate rows and Edit re-splits the new list, since a Queued experiment
// with no chunks yet claimed is safe to re-chunk from scratch.
func (svc *Service) Edit(ctx context.Context, name string, edit store.ExperimentEdit) error {
	if err := svc.store.EditExperiment(ctx, name, edit); err != nil {
		return translate(err)
	}
	if edit.Crates != nil {
		if err := svc.store.SplitExperiment(ctx, name, edit.Crates, svc.chunkSize); err != nil {
			return fmt.Errorf("re-split experiment %s: %w", name, err)
		}
	}
	return nil
}

// NextFor implements next_for(assignee): at-most-one Running chunk per
// agent, then oldest-Queued-of-highest-priority assignment (spec §4.2
// steps 1-3). The returned bool reports whether a new assignment was made.
func (svc *Service) NextFor(ctx context.Context, assignee string) (*models.ExperimentChunk, bool, error) {
	running, err := svc.store.RunningChunkFor(ctx, assignee)
	if err != nil {
		return nil, false, fmt.Errorf("lookup running chunk for %s: %w", assignee, err)
	}
	if running != nil {
		return running, false, nil
	}

	chunk, ok, err := svc.store.ClaimNextChunk(ctx, assignee)
	if err != nil {
		return nil, false, fmt.Errorf("claim next chunk for %s: %w", assignee, err)
	}
	if !ok {
		return nil, false, nil
	}

	if err := svc.markExperimentRunning(ctx, chunk.ParentName); err != nil {
		return nil, false, err
	}
	return chunk, true, nil
}

func (svc *Service) markExperimentRunning(ctx context.Context, experimentName string) error {
	e, err := svc.store.GetExperiment(ctx, experimentName)
	if err != nil {
		return translate(err)
	}
	if e.Status != models.StatusQueued {
		return nil
	}
	if err := svc.store.TransitionStatus(ctx, experimentName, models.StatusRunning, true, false); err != nil {
		return fmt.Errorf("transition %s to running: %w", experimentName, err)
	}
	svc.notifier.Notify(ctx, notify.Event{
		Kind:           notify.EventExperimentStarted,
		ExperimentName: experimentName,
		Message:        "first chunk claimed",
	})
	return nil
}

// CompleteChunk transitions a chunk to Completed and decrements its
// parent's children counter; when the counter reaches zero the parent
// transitions Running -> NeedsReport and the caller (pkg/api) should nudge
// the report worker.
func (svc *Service) CompleteChunk(ctx context.Context, chunkName string) (parentName string, readyForReport bool, err error) {
	parentName, remaining, err := svc.store.CompleteChunk(ctx, chunkName)
	if err != nil {
		return "", false, translate(err)
	}
	if remaining > 0 {
		return parentName, false, nil
	}
	if err := svc.store.TransitionStatus(ctx, parentName, models.StatusNeedsReport, false, false); err != nil {
		return parentName, false, fmt.Errorf("transition %s to needs_report: %w", parentName, err)
	}
	return parentName, true, nil
}

// SetFailed transitions an experiment to Failed and posts a notification.
// Failed is terminal except for explicit operator recovery (Reopen), per
// the spec's resolved Open Question on Failed recoverability.
func (svc *Service) SetFailed(ctx context.Context, name, reason string) error {
	if err := svc.store.TransitionStatus(ctx, name, models.StatusFailed, false, true); err != nil {
		return fmt.Errorf("transition %s to failed: %w", name, err)
	}
	svc.notifier.Notify(ctx, notify.Event{
		Kind:           notify.EventExperimentFailed,
		ExperimentName: name,
		Message:        reason,
	})
	return nil
}

// Reopen moves a Failed experiment back to NeedsReport, per the spec's
// operator-only recovery path.
func (svc *Service) Reopen(ctx context.Context, name string) error {
	e, err := svc.store.GetExperiment(ctx, name)
	if err != nil {
		return translate(err)
	}
	if e.Status != models.StatusFailed {
		return fmt.Errorf("experiment %s is not failed", name)
	}
	if err := svc.store.TransitionStatus(ctx, name, models.StatusNeedsReport, false, false); err != nil {
		return fmt.Errorf("reopen %s: %w", name, err)
	}
	return nil
}

// BeginReport transitions an experiment from NeedsReport to
// GeneratingReport; called by the report worker before it starts writing
// artifacts.
func (svc *Service) BeginReport(ctx context.Context, name string) error {
	if err := svc.store.TransitionStatus(ctx, name, models.StatusGeneratingReport, false, false); err != nil {
		return fmt.Errorf("transition %s to generating_report: %w", name, err)
	}
	return nil
}

// CompleteReport transitions an experiment from GeneratingReport to
// Completed and records the artifact location.
func (svc *Service) CompleteReport(ctx context.Context, name, reportURL string) error {
	if err := svc.store.SetReportURL(ctx, name, reportURL); err != nil {
		return fmt.Errorf("set report url for %s: %w", name, err)
	}
	if err := svc.store.TransitionStatus(ctx, name, models.StatusCompleted, false, true); err != nil {
		return fmt.Errorf("transition %s to completed: %w", name, err)
	}
	return nil
}

// FailReport transitions an experiment from GeneratingReport to
// ReportFailed and posts a notification. Nothing moves a ReportFailed
// experiment back to NeedsReport: the report worker only picks up
// NeedsReport experiments, and Reopen only accepts Failed ones.
func (svc *Service) FailReport(ctx context.Context, name, reason string) error {
	if err := svc.store.TransitionStatus(ctx, name, models.StatusReportFailed, false, false); err != nil {
		return fmt.Errorf("transition %s to report_failed: %w", name, err)
	}
	svc.notifier.Notify(ctx, notify.Event{
		Kind:           notify.EventReportFailed,
		ExperimentName: name,
		Message:        reason,
	})
	return nil
}

// Progress returns the ceil(100*results/total) completion percentage for a
// chunk, 0 when total is 0, per spec §4.2.
func (svc *Service) Progress(ctx context.Context, chunkName string) (int, error) {
	results, total, err := svc.store.Progress(ctx, chunkName)
	if err != nil {
		return 0, translate(err)
	}
	if total == 0 {
		return 0, nil
	}
	return int(math.Ceil(100 * float64(results) / float64(total))), nil
}

// ListNeedsReport returns the names of experiments awaiting report
// generation, for the report worker's periodic sweep.
func (svc *Service) ListNeedsReport(ctx context.Context) ([]string, error) {
	names, err := svc.store.ListByStatus(ctx, models.StatusNeedsReport)
	if err != nil {
		return nil, fmt.Errorf("list needs-report experiments: %w", err)
	}
	return names, nil
}

// ResultsForExperiment returns every recorded result for an experiment,
// the input to the report generator's classification pass.
func (svc *Service) ResultsForExperiment(ctx context.Context, name string) ([]models.Result, error) {
	results, err := svc.store.ResultsForExperiment(ctx, name)
	if err != nil {
		return nil, translate(err)
	}
	return results, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrDuplicateToolchains):
		return ErrDuplicateToolchains
	case errors.Is(err, store.ErrNotQueued):
		return ErrCanEditOnlyQueued
	default:
		return err
	}
}
