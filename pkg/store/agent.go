package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/craterd/craterd/pkg/models"
)

// RegisterAgent creates or updates an agent's identity row. Re-registering
// an existing name refreshes its token hash, so rotating a token is a plain
// re-register.
func (s *Store) RegisterAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (name, token_hash, last_heartbeat, git_revision)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (name) DO UPDATE SET token_hash = EXCLUDED.token_hash`,
		a.Name, a.TokenHash, a.LastHeartbeat, a.GitRevision)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

// AgentByTokenHash looks up the agent owning a hashed bearer token, the
// authentication check every /agent-api/ request performs.
func (s *Store) AgentByTokenHash(ctx context.Context, tokenHash string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, token_hash, last_heartbeat, git_revision FROM agents WHERE token_hash=$1`, tokenHash)
	return scanAgent(row)
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	if err := row.Scan(&a.Name, &a.TokenHash, &a.LastHeartbeat, &a.GitRevision); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}

// Heartbeat stamps an agent's last-seen time and, when the agent reports a
// new revision, records it — used by the sweep worker to detect agents
// that stopped polling.
func (s *Store) Heartbeat(ctx context.Context, name string, gitRevision *string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET last_heartbeat=$1, git_revision = COALESCE($2, git_revision) WHERE name=$3`,
		now, gitRevision, name)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// StaleAgents returns agents whose last heartbeat is older than cutoff, or
// who have never reported one — candidates for the sweep worker to
// requeue their in-flight chunk.
func (s *Store) StaleAgents(ctx context.Context, cutoff time.Time) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, token_hash, last_heartbeat, git_revision FROM agents
		WHERE last_heartbeat IS NULL OR last_heartbeat < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
