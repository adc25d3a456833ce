// Package sweep implements the optional stale-agent / orphan-chunk sweep
// named in SPEC_FULL.md's domain-stack expansion: a cron.New(cron.WithSeconds())
// job, grounded on the SWARM orchestrator's scheduler wiring and on
// pkg/queue/orphan.go's periodic-scan-then-recover shape, that reclaims
// chunks assigned to agents whose heartbeat has gone stale so they can be
// picked up again via next_for rather than stuck Running forever.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/craterd/craterd/pkg/models"
)

// Store is the subset of pkg/store the sweep needs.
type Store interface {
	StaleAgents(ctx context.Context, cutoff time.Time) ([]models.Agent, error)
	RequeueChunksFor(ctx context.Context, assignee string) ([]string, error)
}

// Sweeper periodically reclaims chunks from agents that stopped
// heartbeating, per spec.md §5's concurrency model extended with a
// liveness check (an orphan-agent analog to pkg/queue's orphan detector).
type Sweeper struct {
	Store   Store
	Timeout time.Duration
	Log     *slog.Logger

	cron *cron.Cron
}

func (s *Sweeper) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Start schedules the sweep to run every interval and returns a stop
// function. A zero interval disables the sweep entirely (the caller may
// choose not to call Start at all, but this guard makes config wiring
// idempotent either way).
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	c := cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.AddFunc(spec, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log().Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		s.log().Error("failed to schedule sweep", "error", err)
		return func() {}
	}

	s.cron = c
	c.Start()
	return func() { c.Stop() }
}

// RunOnce scans for agents whose last heartbeat is older than Timeout and
// requeues every chunk they were running.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.Timeout)
	stale, err := s.Store.StaleAgents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale agents: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	s.log().Warn("detected stale agents", "count", len(stale))
	for _, agent := range stale {
		names, err := s.Store.RequeueChunksFor(ctx, agent.Name)
		if err != nil {
			s.log().Error("failed to requeue chunks for stale agent", "agent", agent.Name, "error", err)
			continue
		}
		if len(names) > 0 {
			s.log().Warn("requeued chunks from stale agent", "agent", agent.Name, "chunks", names)
		}
	}
	return nil
}
