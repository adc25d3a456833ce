package sweep_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craterd/craterd/pkg/models"
	"github.com/craterd/craterd/pkg/sweep"
)

type fakeStore struct {
	staleAgents    []models.Agent
	staleErr       error
	requeued       map[string][]string
	requeueErr     map[string]error
	requeueCalls   []string
	cutoffObserved time.Time
}

func (f *fakeStore) StaleAgents(ctx context.Context, cutoff time.Time) ([]models.Agent, error) {
	f.cutoffObserved = cutoff
	if f.staleErr != nil {
		return nil, f.staleErr
	}
	return f.staleAgents, nil
}

func (f *fakeStore) RequeueChunksFor(ctx context.Context, assignee string) ([]string, error) {
	f.requeueCalls = append(f.requeueCalls, assignee)
	if err, ok := f.requeueErr[assignee]; ok {
		return nil, err
	}
	return f.requeued[assignee], nil
}

func TestSweeper_RunOnce_NoStaleAgents(t *testing.T) {
	store := &fakeStore{}
	s := &sweep.Sweeper{Store: store, Timeout: time.Minute}

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Empty(t, store.requeueCalls)
}

func TestSweeper_RunOnce_RequeuesStaleAgentChunks(t *testing.T) {
	store := &fakeStore{
		staleAgents: []models.Agent{{Name: "agent-a"}, {Name: "agent-b"}},
		requeued: map[string][]string{
			"agent-a": {"chunk-1", "chunk-2"},
			"agent-b": {},
		},
	}
	s := &sweep.Sweeper{Store: store, Timeout: 30 * time.Minute}

	require.NoError(t, s.RunOnce(context.Background()))
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, store.requeueCalls)

	assert.WithinDuration(t, time.Now().Add(-30*time.Minute), store.cutoffObserved, 5*time.Second)
}

func TestSweeper_RunOnce_ContinuesPastRequeueError(t *testing.T) {
	store := &fakeStore{
		staleAgents: []models.Agent{{Name: "agent-a"}, {Name: "agent-b"}},
		requeueErr: map[string]error{
			"agent-a": errors.New("db unavailable"),
		},
		requeued: map[string][]string{"agent-b": {"chunk-9"}},
	}
	s := &sweep.Sweeper{Store: store, Timeout: time.Minute}

	require.NoError(t, s.RunOnce(context.Background()))
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, store.requeueCalls)
}

func TestSweeper_RunOnce_PropagatesStaleAgentsError(t *testing.T) {
	store := &fakeStore{staleErr: errors.New("connection refused")}
	s := &sweep.Sweeper{Store: store, Timeout: time.Minute}

	err := s.RunOnce(context.Background())
	require.Error(t, err)
}

func TestSweeper_Start_ZeroIntervalIsNoop(t *testing.T) {
	store := &fakeStore{}
	s := &sweep.Sweeper{Store: store, Timeout: time.Minute}

	stop := s.Start(context.Background(), 0)
	defer stop()
	assert.Empty(t, store.requeueCalls)
}
