package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/craterd/craterd/pkg/models"
)

// UpsertSha records the commit hash an agent resolved for a GitHub crate
// within an experiment, so later stages (report generation, re-runs) see a
// pinned revision instead of re-resolving a moving branch.
func (s *Store) UpsertSha(ctx context.Context, sha *models.Sha) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shas (experiment_name, org, name, sha)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (experiment_name, org, name) DO UPDATE SET sha = EXCLUDED.sha`,
		sha.ExperimentName, sha.Org, sha.Name, sha.SHA)
	if err != nil {
		return fmt.Errorf("upsert sha: %w", err)
	}
	return nil
}

// GetSha returns the pinned commit hash for a GitHub crate within an
// experiment, or ErrNotFound if none has been resolved yet.
func (s *Store) GetSha(ctx context.Context, experimentName, org, name string) (*models.Sha, error) {
	var sha models.Sha
	err := s.pool.QueryRow(ctx, `
		SELECT experiment_name, org, name, sha FROM shas
		WHERE experiment_name=$1 AND org=$2 AND name=$3`, experimentName, org, name).
		Scan(&sha.ExperimentName, &sha.Org, &sha.Name, &sha.SHA)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan sha: %w", err)
	}
	return &sha, nil
}
