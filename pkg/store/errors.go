package store

import "errors"

// Sentinel errors returned by store operations. Callers in pkg/experiment
// wrap these with context via fmt.Errorf("...: %w", err).
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateToolchains = errors.New("duplicate toolchains")
	ErrNotQueued         = errors.New("experiment is not queued")
)
