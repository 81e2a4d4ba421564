package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecaySweepDemotesStaleMemories(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	stale, err := store.PutSemantic(ctx, SemanticMemory{
		UserID: "u1", Subject: "alice", Predicate: "hobby", Object: "chess",
		Confidence: 0.9, CreatedAt: time.Now().Add(-400 * 24 * time.Hour),
	})
	require.NoError(t, err)
	fresh, err := store.PutSemantic(ctx, SemanticMemory{
		UserID: "u1", Subject: "alice", Predicate: "employer", Object: "Acme",
		Confidence: 0.9,
	})
	require.NoError(t, err)

	worker := NewMaintenanceWorker(MaintenanceConfig{}, svc, store, nil)
	worker.decaySweep(ctx, "u1")

	demoted, err := store.GetSemantic(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAging, demoted.Status)

	kept, err := store.GetSemantic(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, kept.Status)
}

func TestConsolidationSweepSummarizesPendingScopes(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.AppendEpisodic(ctx, EpisodicMemory{
			UserID: "u1", SessionID: "s1", Content: fmt.Sprintf("event %d", i),
			EntityIDs: []string{"ent-alice"},
		})
		require.NoError(t, err)
	}

	worker := NewMaintenanceWorker(MaintenanceConfig{}, svc, store, nil)
	worker.consolidationSweep(ctx, "u1")

	summary, ok, err := store.LatestForScope(ctx, "u1", ScopeEntity, "ent-alice")
	require.NoError(t, err)
	require.True(t, ok, "pending entity scope got consolidated")
	assert.True(t, summary.Fallback, "no completer configured")
}

func TestMaintenanceStartStop(t *testing.T) {
	svc, store := newTestService(t)

	worker := NewMaintenanceWorker(MaintenanceConfig{PollInterval: 10 * time.Millisecond}, svc, store, nil)
	worker.Start()
	time.Sleep(30 * time.Millisecond)
	worker.Stop()
}
