package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *SQLiteStore) {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)

	svc, err := NewService(ServiceOptions{
		Store:    store,
		Embedder: NewChargramEmbedder(64),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, store
}

func TestIngestNewObservation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Ingest(ctx, "u1", Observation{
		Subject:       "alice",
		Predicate:     "employer",
		Object:        "Acme",
		Confidence:    0.8,
		SourceEventID: "evt-1",
	})
	require.NoError(t, err)

	assert.False(t, result.Confirmed)
	assert.Nil(t, result.Conflict)
	assert.NotEmpty(t, result.Memory.ID)
	assert.Equal(t, StatusActive, result.Memory.Status)
	assert.Equal(t, 1, result.Memory.ReinforcementCount)
	assert.Equal(t, []string{"evt-1"}, result.Memory.SourceEventIDs)
	assert.NotEmpty(t, result.Memory.Embedding)
}

func TestIngestMatchingObservationConfirms(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, "u1", Observation{Subject: "alice", Predicate: "employer", Object: "Acme", Confidence: 0.8})
	require.NoError(t, err)

	second, err := svc.Ingest(ctx, "u1", Observation{Subject: "alice", Predicate: "employer", Object: "acme", Confidence: 0.7, SourceEventID: "evt-2"})
	require.NoError(t, err)

	assert.True(t, second.Confirmed)
	assert.Equal(t, first.Memory.ID, second.Memory.ID)
	assert.Equal(t, 2, second.Memory.ReinforcementCount)
	assert.Greater(t, second.Memory.Confidence, first.Memory.Confidence)
}

func TestIngestConflictAutoResolved(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// An old memory loses to a much newer observation on recency.
	old, err := store.PutSemantic(ctx, SemanticMemory{
		UserID: "u1", Subject: "alice", Predicate: "city", Object: "Paris",
		Content: "alice lives in Paris", Confidence: 0.8,
		CreatedAt: time.Now().Add(-60 * 24 * time.Hour),
	})
	require.NoError(t, err)

	result, err := svc.Ingest(ctx, "u1", Observation{Subject: "alice", Predicate: "city", Object: "Berlin", Confidence: 0.8})
	require.NoError(t, err)

	require.NotNil(t, result.Conflict)
	assert.Equal(t, KeepNewest, result.Conflict.Recommended)
	require.NotNil(t, result.Resolution)
	assert.Equal(t, ActionSupersede, result.Resolution.Action)

	loser, err := store.GetSemantic(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, loser.Status)
	assert.Equal(t, result.Memory.ID, loser.SupersededBy)
}

func TestIngestConflictNeedsClarification(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, "u1", Observation{Subject: "alice", Predicate: "city", Object: "Paris", Confidence: 0.8})
	require.NoError(t, err)

	second, err := svc.Ingest(ctx, "u1", Observation{Subject: "alice", Predicate: "city", Object: "Berlin", Confidence: 0.85})
	require.NoError(t, err)

	require.NotNil(t, second.Conflict)
	require.NotNil(t, second.Resolution)
	assert.Equal(t, ActionAskUser, second.Resolution.Action)

	// Both sides are flagged until the user settles it.
	existing, err := store.GetSemantic(ctx, first.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConflicted, existing.Status)
	challenger, err := store.GetSemantic(ctx, second.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConflicted, challenger.Status)

	// The user answers: the new value is correct.
	resolution, err := svc.ResolveConflict(ctx, *second.Conflict, KeepNewest)
	require.NoError(t, err)
	require.NotNil(t, resolution.WinnerID)
	assert.Equal(t, second.Memory.ID, *resolution.WinnerID)

	superseded, err := store.GetSemantic(ctx, first.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, superseded.Status)

	winner, err := store.GetSemantic(ctx, second.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, winner.Status, "the winning side is retrievable again")
}

func TestResolveBetweenByID(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, "u1", Observation{Subject: "alice", Predicate: "city", Object: "Paris", Confidence: 0.8})
	require.NoError(t, err)
	second, err := svc.Ingest(ctx, "u1", Observation{Subject: "alice", Predicate: "city", Object: "Berlin", Confidence: 0.85})
	require.NoError(t, err)
	require.NotNil(t, second.Conflict)

	// Settle the clarification later, by ids alone.
	result, err := svc.ResolveBetween(ctx, first.Memory.ID, second.Memory.ID, KeepNewest)
	require.NoError(t, err)
	require.NotNil(t, result.WinnerID)
	assert.Equal(t, second.Memory.ID, *result.WinnerID)

	loser, err := store.GetSemantic(ctx, first.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, loser.Status)
}

func TestResolveBetweenAgreementIsPreconditionError(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	a, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "alice", Predicate: "city", Object: "Paris", Confidence: 0.8})
	require.NoError(t, err)
	b, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "alice", Predicate: "city", Object: "paris", Confidence: 0.9})
	require.NoError(t, err)

	_, err = svc.ResolveBetween(ctx, a.ID, b.ID, "")
	var pre *PreconditionError
	require.True(t, errors.As(err, &pre))
}

func TestIngestStatusPredicateTrustsDB(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertGroundTruth(ctx, GroundTruthFact{Subject: "acct-7", Predicate: "account_status", Object: "suspended"}))

	result, err := svc.Ingest(ctx, "u1", Observation{Subject: "acct-7", Predicate: "account_status", Object: "active", Confidence: 0.9})
	require.NoError(t, err)

	require.NotNil(t, result.Conflict)
	assert.Equal(t, ConflictMemoryVsDB, result.Conflict.Type)
	require.NotNil(t, result.Resolution)
	assert.Equal(t, ActionInvalidate, result.Resolution.Action)
	assert.Equal(t, StatusInvalidated, result.Memory.Status)
}

func TestIngestRequiresSubjectAndPredicate(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Ingest(context.Background(), "u1", Observation{Object: "x"})
	var pre *PreconditionError
	require.True(t, errors.As(err, &pre))
}

func TestRecordEpisodeAndRetrieve(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "u1", Observation{
		Subject: "alice", Predicate: "employer", Object: "Acme",
		Content: "alice works at Acme Corp", Confidence: 0.9,
	})
	require.NoError(t, err)
	_, err = svc.RecordEpisode(ctx, "u1", "s1", "talked with alice about the Acme deploy pipeline", []string{"ent-alice"}, 0.6)
	require.NoError(t, err)

	result, err := svc.Retrieve(ctx, "where does alice work", RetrieveOptions{UserID: "u1", TopK: 5})
	require.NoError(t, err)

	assert.Equal(t, StrategyFactualEntityFocused, result.Strategy)
	require.NotEmpty(t, result.Memories)
	assert.GreaterOrEqual(t, result.CandidateCount, 2)
	for _, m := range result.Memories {
		assert.GreaterOrEqual(t, m.Score, 0.0)
		assert.LessOrEqual(t, m.Score, 1.0)
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	svc, _ := newTestService(t)
	result, err := svc.Retrieve(context.Background(), "   ", RetrieveOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, result.Memories)
}

func TestConsolidateNotPending(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Consolidate(context.Background(), "u1", ConsolidationScope{Type: ScopeEntity, EntityID: "ent-a"}, false)
	require.True(t, errors.Is(err, ErrScopeNotPending))
}

func TestConsolidateForcedWithoutCompleter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "u1", Observation{
		Subject: "alice", Predicate: "employer", Object: "Acme",
		Confidence: 0.9, EntityIDs: []string{"ent-alice"},
	})
	require.NoError(t, err)

	summary, err := svc.Consolidate(ctx, "u1", ConsolidationScope{Type: ScopeEntity, EntityID: "ent-alice"}, true)
	require.NoError(t, err)
	assert.True(t, summary.Fallback, "no completer configured, deterministic fallback")
}

func TestConfirmByID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Ingest(ctx, "u1", Observation{Subject: "alice", Predicate: "employer", Object: "Acme", Confidence: 0.8})
	require.NoError(t, err)

	confirmed, err := svc.Confirm(ctx, created.Memory.ID, "evt-9")
	require.NoError(t, err)
	assert.Equal(t, 2, confirmed.ReinforcementCount)
	assert.Contains(t, confirmed.SourceEventIDs, "evt-9")
}
