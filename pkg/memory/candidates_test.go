package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingSemantic makes the semantic layer error while the rest of the store
// keeps working.
type failingSemantic struct {
	*SQLiteStore
}

func (f *failingSemantic) SearchSemantic(context.Context, string, []float32, int, float64) ([]SemanticMemory, error) {
	return nil, fmt.Errorf("disk on fire")
}

func TestGenerateMergesAllLayers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "p", Object: "x", Confidence: 0.8})
	require.NoError(t, err)
	_, err = store.AppendEpisodic(ctx, EpisodicMemory{UserID: "u1", SessionID: "s1", Content: "event"})
	require.NoError(t, err)
	_, err = store.PutSummary(ctx, MemorySummary{UserID: "u1", ScopeType: ScopeEntity, ScopeID: "ent-a", Narrative: "summary"})
	require.NoError(t, err)

	g := NewCandidateGenerator(store, store, store, CandidateLimits{}, store, nil)
	candidates := g.Generate(ctx, QueryContext{UserID: "u1"})

	require.Len(t, candidates, 3)
	layers := map[MemoryLayer]int{}
	for _, c := range candidates {
		layers[c.Layer]++
	}
	assert.Equal(t, map[MemoryLayer]int{LayerSemantic: 1, LayerEpisodic: 1, LayerSummary: 1}, layers)
}

func TestGenerateLayerFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "p", Object: "x", Confidence: 0.8})
	require.NoError(t, err)
	_, err = store.AppendEpisodic(ctx, EpisodicMemory{UserID: "u1", SessionID: "s1", Content: "event"})
	require.NoError(t, err)

	g := NewCandidateGenerator(store, store, store, CandidateLimits{}, store, nil)
	candidates := g.Generate(ctx, QueryContext{
		UserID:  "u1",
		Filters: RetrievalFilters{MemoryTypes: []MemoryLayer{LayerEpisodic}},
	})

	require.Len(t, candidates, 1)
	assert.Equal(t, LayerEpisodic, candidates[0].Layer)
}

func TestGenerateFailingLayerIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "p", Object: "x", Confidence: 0.8})
	require.NoError(t, err)
	_, err = store.AppendEpisodic(ctx, EpisodicMemory{UserID: "u1", SessionID: "s1", Content: "event"})
	require.NoError(t, err)

	g := NewCandidateGenerator(&failingSemantic{store}, store, store, CandidateLimits{}, store, nil)
	candidates := g.Generate(ctx, QueryContext{UserID: "u1"})

	require.Len(t, candidates, 1, "failing semantic layer contributes zero candidates")
	assert.Equal(t, LayerEpisodic, candidates[0].Layer)
}

func TestDedupeCandidates(t *testing.T) {
	first := MemoryCandidate{ID: "m1", Layer: LayerSemantic, Content: "kept"}
	dup := MemoryCandidate{ID: "m1", Layer: LayerSemantic, Content: "dropped"}
	sameIDOtherLayer := MemoryCandidate{ID: "m1", Layer: LayerEpisodic}

	out := dedupeCandidates([]MemoryCandidate{first, dup, sameIDOtherLayer})
	require.Len(t, out, 2)
	assert.Equal(t, "kept", out[0].Content, "first occurrence wins")
	assert.Equal(t, LayerEpisodic, out[1].Layer, "same id in another layer is distinct")
}
