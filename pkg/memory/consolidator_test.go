package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCompleter struct {
	calls int
}

func (c *failingCompleter) Complete(context.Context, string) (string, error) {
	c.calls++
	return "", fmt.Errorf("provider down")
}

type scriptedCompleter struct {
	response string
	prompt   string
}

func (c *scriptedCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.prompt = prompt
	return c.response, nil
}

func newTestConsolidator(t *testing.T, store *SQLiteStore, completer Completer) *Consolidator {
	t.Helper()
	validator := NewValidator(DecayConfig{}, store)
	return NewConsolidator(store, store, store, NewChargramEmbedder(64), completer, validator, store, ConsolidationConfig{MaxAttempts: 3}, nil)
}

func seedEntityMemories(t *testing.T, store *SQLiteStore) SemanticMemory {
	t.Helper()
	ctx := context.Background()
	fact, err := store.PutSemantic(ctx, SemanticMemory{
		UserID: "u1", Subject: "alice", Predicate: "employer", Object: "Acme",
		Content: "alice works at Acme", EntityIDs: []string{"ent-alice"}, Confidence: 0.9,
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := store.AppendEpisodic(ctx, EpisodicMemory{
			UserID: "u1", SessionID: "s1", Content: fmt.Sprintf("talked about work %d", i),
			EntityIDs: []string{"ent-alice"},
		})
		require.NoError(t, err)
	}
	return fact
}

func TestConsolidateFallsBackAfterRetries(t *testing.T) {
	store := newTestStore(t)
	completer := &failingCompleter{}
	c := newTestConsolidator(t, store, completer)
	seedEntityMemories(t, store)

	summary, err := c.Consolidate(context.Background(), "u1", ConsolidationScope{Type: ScopeEntity, EntityID: "ent-alice"})
	require.NoError(t, err, "consolidation always yields a summary")

	assert.Equal(t, 3, completer.calls)
	assert.True(t, summary.Fallback)
	assert.InDelta(t, 0.4, summary.Confidence, 1e-9, "fallback confidence is lower")
	assert.NotEmpty(t, summary.Narrative)
	assert.Contains(t, summary.KeyFacts, "employer", "high-confidence facts survive into the fallback")
	assert.NotEmpty(t, summary.Embedding)
}

func TestConsolidateMalformedResponsesAlsoFallBack(t *testing.T) {
	store := newTestStore(t)
	c := newTestConsolidator(t, store, &scriptedCompleter{response: "sure, here is a summary!"})
	seedEntityMemories(t, store)

	summary, err := c.Consolidate(context.Background(), "u1", ConsolidationScope{Type: ScopeEntity, EntityID: "ent-alice"})
	require.NoError(t, err)
	assert.True(t, summary.Fallback)
}

func TestConsolidateSynthesisAndConfirmationBoost(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fact := seedEntityMemories(t, store)

	completer := &scriptedCompleter{response: fmt.Sprintf(`{
		"narrative": "alice works at Acme and keeps mentioning the deploy pipeline",
		"key_facts": {"employer": {"value": "Acme", "confidence": 0.8, "observation_count": 4, "source_memory_ids": [%q]}},
		"interaction_patterns": ["work-focused"],
		"needs_validation": [],
		"confirmed_memory_ids": [%q, "mem-missing"]
	}`, fact.ID, fact.ID)}
	c := newTestConsolidator(t, store, completer)

	summary, err := c.Consolidate(ctx, "u1", ConsolidationScope{Type: ScopeEntity, EntityID: "ent-alice"})
	require.NoError(t, err)

	assert.False(t, summary.Fallback)
	assert.InDelta(t, 0.8, summary.Confidence, 1e-9, "mean key-fact confidence")
	assert.Equal(t, ScopeEntity, summary.ScopeType)
	assert.Equal(t, "ent-alice", summary.ScopeID)
	assert.Contains(t, completer.prompt, fact.ID, "digest carries memory ids")

	// The confirmed memory got a capped boost and a fresh validation stamp;
	// the missing id was skipped without failing the run.
	boosted, err := store.GetSemantic(ctx, fact.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, boosted.Confidence, 1e-9)
	require.NotNil(t, boosted.LastValidatedAt)
	assert.WithinDuration(t, time.Now(), *boosted.LastValidatedAt, time.Minute)
}

func TestConsolidateBoostNeverLowersAboveCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fact, err := store.PutSemantic(ctx, SemanticMemory{
		UserID: "u1", Subject: "alice", Predicate: "employer", Object: "Acme",
		Content: "alice works at Acme", EntityIDs: []string{"ent-alice"}, Confidence: 1.0,
	})
	require.NoError(t, err)

	completer := &scriptedCompleter{response: fmt.Sprintf(`{
		"narrative": "alice works at Acme",
		"key_facts": {},
		"interaction_patterns": [],
		"needs_validation": [],
		"confirmed_memory_ids": [%q]
	}`, fact.ID)}
	c := newTestConsolidator(t, store, completer)

	_, err = c.Consolidate(ctx, "u1", ConsolidationScope{Type: ScopeEntity, EntityID: "ent-alice"})
	require.NoError(t, err)

	boosted, err := store.GetSemantic(ctx, fact.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, boosted.Confidence, "confirmation never lowers stored confidence")
}

func TestConsolidateSupersedesPriorSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := newTestConsolidator(t, store, &failingCompleter{})
	seedEntityMemories(t, store)

	scope := ConsolidationScope{Type: ScopeEntity, EntityID: "ent-alice"}
	first, err := c.Consolidate(ctx, "u1", scope)
	require.NoError(t, err)
	assert.Empty(t, first.SupersedesID)

	second, err := c.Consolidate(ctx, "u1", scope)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.SupersedesID)
}

func TestConsolidateSessionWindowScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := newTestConsolidator(t, store, &failingCompleter{})

	base := time.Now().Add(-time.Hour)
	for i, session := range []string{"s1", "s2", "s3"} {
		_, err := store.AppendEpisodic(ctx, EpisodicMemory{
			UserID: "u1", SessionID: session, Content: fmt.Sprintf("session %s event", session),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	summary, err := c.Consolidate(ctx, "u1", ConsolidationScope{Type: ScopeSessionWindow, SessionCount: 2})
	require.NoError(t, err)
	assert.Equal(t, "last_2_sessions", summary.ScopeID)
}
