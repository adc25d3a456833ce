// Package report implements component F: the report generator. It reads
// both toolchains' recorded TestResult per crate, classifies the pair via
// the comparison matrix from spec §4.6, and emits artifacts through an
// abstract Writer so the destination (local disk, blob store) stays
// pluggable.
package report

import (
	"fmt"

	"github.com/craterd/craterd/pkg/models"
)

// Comparison is the classification of one crate's (t0, t1) result pair.
type Comparison string

// Comparisons, per spec §4.6's matrix.
const (
	SameTestPass    Comparison = "SameTestPass"
	SameBuildFail   Comparison = "SameBuildFail"
	SameTestFail    Comparison = "SameTestFail"
	SameTestSkipped Comparison = "SameTestSkipped"
	Regressed       Comparison = "Regressed"
	Fixed           Comparison = "Fixed"
	Unknown         Comparison = "Unknown" // one or both sides missing, crate not blacklisted
	Skipped         Comparison = "Skipped" // one or both sides missing, crate blacklisted
)

// Compare classifies a crate's before/after results per the matrix in
// spec §4.6. present0/present1 report whether a result was actually
// recorded for that toolchain (a missing result is distinct from
// TestSkipped). blacklisted selects between Unknown and Skipped when a
// result is missing, per "Skipped and Unknown arise when results are
// missing and the crate is/isn't blacklisted."
//
// Illegal cells (Pass/TestSkipped transposed against TestSkipped/Pass)
// indicate a corrupted run; the spec treats them as a programming error,
// so Compare panics rather than returning a classification — the caller
// (the report worker) recovers the panic and surfaces it as a
// ReportFailed transition, consistent with spec §4.6's "report worker...
// on generator failure it transitions to ReportFailed."
func Compare(t0, t1 models.TestResult, present0, present1, blacklisted bool) Comparison {
	// An Error result is an infrastructure failure (agent crash, I/O
	// fault), not a real build/test outcome — the matrix itself only
	// defines cells for the four legitimate outcomes. Treating Error the
	// same as "no result recorded" avoids reporting an infra hiccup as a
	// regression or fix.
	if !present0 || !present1 || t0.Kind == models.KindError || t1.Kind == models.KindError {
		if blacklisted {
			return Skipped
		}
		return Unknown
	}

	switch t0.Kind {
	case models.KindTestPass:
		switch t1.Kind {
		case models.KindTestPass:
			return SameTestPass
		case models.KindBuildFail, models.KindTestFail:
			return Regressed
		case models.KindTestSkipped:
			panic(illegalCell(t0, t1))
		}
	case models.KindBuildFail:
		switch t1.Kind {
		case models.KindTestPass, models.KindTestFail, models.KindTestSkipped:
			return Fixed
		case models.KindBuildFail:
			return SameBuildFail
		}
	case models.KindTestFail:
		switch t1.Kind {
		case models.KindTestPass:
			return Fixed
		case models.KindBuildFail:
			return Regressed
		case models.KindTestFail:
			return SameTestFail
		case models.KindTestSkipped:
			panic(illegalCell(t0, t1))
		}
	case models.KindTestSkipped:
		switch t1.Kind {
		case models.KindBuildFail:
			return Regressed
		case models.KindTestSkipped:
			return SameTestSkipped
		case models.KindTestPass, models.KindTestFail:
			panic(illegalCell(t0, t1))
		}
	}
	panic(illegalCell(t0, t1))
}

func illegalCell(t0, t1 models.TestResult) string {
	return fmt.Sprintf("illegal comparison cell: t0=%s t1=%s", t0.Format(), t1.Format())
}
