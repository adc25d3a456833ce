package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/craterd/craterd/pkg/models"
)

// CrateRecord is one row of the results.json artifact: a crate's
// classified comparison plus both recorded results, when present.
type CrateRecord struct {
	Crate      string             `json:"crate"`
	Comparison Comparison         `json:"comparison"`
	Start      *models.TestResult `json:"start,omitempty"`
	End        *models.TestResult `json:"end,omitempty"`
}

// Blacklist reports whether a crate is excluded from the corpus by
// operator configuration, selecting Skipped over Unknown for missing
// results.
type Blacklist func(crate models.Crate) bool

// Generator produces the results.json/config.json/log artifacts for one
// completed experiment.
type Generator struct {
	Blacklist Blacklist
}

// Generate reads experiment and its per-crate results (both toolchains)
// and writes results.json, config.json, and one log file per crate that
// recorded one, to w; when both toolchains recorded a log, the end
// toolchain's overwrites the start's (see logPath). It panics on an illegal comparison
// cell (see Compare); callers run it under a recover so a corrupted
// experiment degrades to a ReportFailed transition instead of crashing
// the report worker.
func (g *Generator) Generate(ctx context.Context, e *models.Experiment, results []models.Result, w Writer) error {
	byCrate := make(map[string]map[string]models.Result, len(e.Crates))
	for _, r := range results {
		key := r.Crate.Key()
		if byCrate[key] == nil {
			byCrate[key] = make(map[string]models.Result, 2)
		}
		byCrate[key][r.Toolchain] = r
	}

	records := make([]CrateRecord, 0, len(e.Crates))
	for _, crate := range e.Crates {
		key := crate.Key()
		start, hasStart := byCrate[key][e.ToolchainStart]
		end, hasEnd := byCrate[key][e.ToolchainEnd]
		blacklisted := g.Blacklist != nil && g.Blacklist(crate)

		comparison := Compare(start.TestResult, end.TestResult, hasStart, hasEnd, blacklisted)

		rec := CrateRecord{Crate: key, Comparison: comparison}
		if hasStart {
			rec.Start = &start.TestResult
		}
		if hasEnd {
			rec.End = &end.TestResult
		}
		records = append(records, rec)

		if hasStart && len(start.Log) > 0 {
			if err := w.WriteString(logPath(crate), start.Log, "text/plain"); err != nil {
				return fmt.Errorf("write log for %s/%s: %w", key, e.ToolchainStart, err)
			}
		}
		if hasEnd && len(end.Log) > 0 {
			if err := w.WriteString(logPath(crate), end.Log, "text/plain"); err != nil {
				return fmt.Errorf("write log for %s/%s: %w", key, e.ToolchainEnd, err)
			}
		}
	}

	resultsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results.json: %w", err)
	}
	if err := w.WriteString("results.json", resultsJSON, "application/json"); err != nil {
		return fmt.Errorf("write results.json: %w", err)
	}

	configJSON, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config.json: %w", err)
	}
	if err := w.WriteString("config.json", configJSON, "application/json"); err != nil {
		return fmt.Errorf("write config.json: %w", err)
	}

	return nil
}

// logPath intentionally ignores toolchain: spec §4.3 documents the artifact
// path as reg/<name>-<ver>/log.txt with no toolchain segment, matching
// report/mod.rs's write_logs, which computes the same path for both
// toolchains of a crate. The second WriteString call in Generate overwrites the
// first, so only the end-toolchain's log survives on disk — reproducing
// that behavior rather than "fixing" it, since it is what the original
// actually ships.
func logPath(crate models.Crate) string {
	return fmt.Sprintf("%s/log.txt", crate.PathFragment())
}
