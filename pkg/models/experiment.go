package models

import "time"

// Mode selects the workload the external executor runs for each
// (crate, toolchain) pair.
type Mode string

// Modes, per spec §3.
const (
	ModeBuildAndTest      Mode = "BuildAndTest"
	ModeBuildOnly         Mode = "BuildOnly"
	ModeCheckOnly         Mode = "CheckOnly"
	ModeRustdoc           Mode = "Rustdoc"
	ModeUnstableFeatures  Mode = "UnstableFeatures"
	ModeClippy            Mode = "Clippy"
)

// CapLints is the lint-capping level applied during a run.
type CapLints string

// CapLints levels, per spec §3.
const (
	CapLintsAllow  CapLints = "Allow"
	CapLintsWarn   CapLints = "Warn"
	CapLintsDeny   CapLints = "Deny"
	CapLintsForbid CapLints = "Forbid"
)

// Status is an Experiment's lifecycle state, per spec §4.2.
type Status string

// Experiment states.
const (
	StatusQueued            Status = "Queued"
	StatusRunning            Status = "Running"
	StatusNeedsReport        Status = "NeedsReport"
	StatusFailed             Status = "Failed"
	StatusGeneratingReport   Status = "GeneratingReport"
	StatusCompleted          Status = "Completed"
	StatusReportFailed       Status = "ReportFailed"
)

// ChunkStatus is an ExperimentChunk's lifecycle state, per spec §4.2/§4.3.
type ChunkStatus string

// Chunk states.
const (
	ChunkQueued    ChunkStatus = "Queued"
	ChunkRunning   ChunkStatus = "Running"
	ChunkCompleted ChunkStatus = "Completed"
)

// IssueRef is the optional GitHub issue associated with an experiment, used
// only by the notification component.
type IssueRef struct {
	URL    string
	Number int
}

// Experiment is the top-level unit comparing two toolchains over a crate
// corpus under a mode.
type Experiment struct {
	Name              string
	ToolchainStart    string
	ToolchainEnd      string
	Mode              Mode
	CapLints          CapLints
	Priority          int
	Crates            []Crate
	Issue             *IssueRef
	Status            Status
	AssignedTo        *string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ReportURL         *string
	IgnoreBlacklist   bool
	Children          int
}

// ExperimentCrate is the per-experiment crate membership row.
type ExperimentCrate struct {
	ExperimentName string
	Crate          Crate
	Skipped        bool
}

// ExperimentChunk is an agent-sized subset of an experiment's crate list,
// the unit of assignment.
type ExperimentChunk struct {
	Name           string
	ParentName     string
	Status         ChunkStatus
	AssignedTo     *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Crates         []Crate
}

// Result is the outcome of running one (crate, toolchain) pair within an
// experiment.
type Result struct {
	ExperimentName string
	Crate          Crate
	Toolchain      string
	TestResult     TestResult
	Log            []byte
	RecordedAt     time.Time
}

// Sha is a captured commit hash pinning a GitHub crate's source for an
// experiment.
type Sha struct {
	ExperimentName string
	Org            string
	Name           string
	SHA            string
}

// Agent is a registered worker identity.
type Agent struct {
	Name          string
	TokenHash     string
	LastHeartbeat *time.Time
	GitRevision   *string
}
