package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/craterd/craterd/pkg/models"
)

// RecordResult upserts a (experiment, crate, toolchain) result, per the
// unique index on those three columns. Re-recording the same triple is
// idempotent and overwrites the prior row — record-progress always wins
// with the latest report, per the spec's resolved Open Question on
// overwrite semantics.
func (s *Store) RecordResult(ctx context.Context, r *models.Result) error {
	var reason *models.Reason
	if r.TestResult.Reason != "" {
		reason = &r.TestResult.Reason
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO results (experiment_name, crate_key, toolchain, kind, reason, log, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (experiment_name, crate_key, toolchain) DO UPDATE SET
			kind = EXCLUDED.kind,
			reason = EXCLUDED.reason,
			log = EXCLUDED.log,
			recorded_at = EXCLUDED.recorded_at`,
		r.ExperimentName, r.Crate.Key(), r.Toolchain, r.TestResult.Kind, reason, r.Log, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult returns the recorded result for a (experiment, crate,
// toolchain) triple, or ErrNotFound if no run has reported yet.
func (s *Store) GetResult(ctx context.Context, experimentName, crateKey, toolchain string) (*models.Result, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT experiment_name, crate_key, toolchain, kind, reason, log, recorded_at
		FROM results WHERE experiment_name=$1 AND crate_key=$2 AND toolchain=$3`,
		experimentName, crateKey, toolchain)
	return scanResult(row)
}

func scanResult(row pgx.Row) (*models.Result, error) {
	var r models.Result
	var crateKey string
	var kind models.ResultKind
	var reason *models.Reason
	if err := row.Scan(&r.ExperimentName, &crateKey, &r.Toolchain, &kind, &reason, &r.Log, &r.RecordedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan result: %w", err)
	}
	crate, err := models.ParseCrateKey(crateKey)
	if err != nil {
		return nil, err
	}
	r.Crate = crate
	r.TestResult = models.TestResult{Kind: kind}
	if reason != nil {
		r.TestResult.Reason = *reason
	}
	return &r, nil
}

// ResultsForExperiment returns every recorded result for an experiment,
// across both toolchains — the input to the report generator's
// classification pass.
func (s *Store) ResultsForExperiment(ctx context.Context, experimentName string) ([]models.Result, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT experiment_name, crate_key, toolchain, kind, reason, log, recorded_at
		FROM results WHERE experiment_name=$1 ORDER BY crate_key, toolchain`, experimentName)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []models.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
