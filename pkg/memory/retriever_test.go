package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	entities []ResolvedEntity
	err      error
}

func (r *stubResolver) ResolveEntities(context.Context, string, string) ([]ResolvedEntity, error) {
	return r.entities, r.err
}

type failingEmbedder struct{}

func (failingEmbedder) ModelID() string { return "failing" }
func (failingEmbedder) Dimensions() int { return 0 }
func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("provider down")
}

func newTestRetriever(t *testing.T, store *SQLiteStore, embedder Embedder, resolver EntityResolver) *Retriever {
	t.Helper()
	generator := NewCandidateGenerator(store, store, store, CandidateLimits{}, store, nil)
	return NewRetriever(embedder, resolver, generator, NewScorer(ScorerConfig{}), store, nil)
}

func TestRetrieveAmbiguityPropagates(t *testing.T) {
	store := newTestStore(t)
	resolver := &stubResolver{err: &AmbiguousEntityError{
		Mention:    "alice",
		Candidates: []ResolvedEntity{{ID: "ent-1", CanonicalName: "Alice A"}, {ID: "ent-2", CanonicalName: "Alice B"}},
	}}
	r := newTestRetriever(t, store, NewChargramEmbedder(64), resolver)

	_, err := r.Retrieve(context.Background(), "what does alice like", RetrieveOptions{UserID: "u1"})
	var ambiguous *AmbiguousEntityError
	require.True(t, errors.As(err, &ambiguous), "ambiguity must surface, not be guessed away")
	assert.Len(t, ambiguous.Candidates, 2)
}

func TestRetrieveEmbeddingFailureIsFatal(t *testing.T) {
	store := newTestStore(t)
	r := newTestRetriever(t, store, failingEmbedder{}, nil)

	_, err := r.Retrieve(context.Background(), "anything", RetrieveOptions{UserID: "u1"})
	require.True(t, errors.Is(err, ErrEmbeddingUnavailable))
}

func TestRetrieveResolvedEntitiesShapeRanking(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	embedder := NewChargramEmbedder(64)

	put := func(subject, object, entity string) SemanticMemory {
		embedding, err := embedder.Embed(ctx, subject+" "+object)
		require.NoError(t, err)
		m, err := store.PutSemantic(ctx, SemanticMemory{
			UserID: "u1", Subject: subject, Predicate: "note", Object: object,
			Content: subject + " " + object, EntityIDs: []string{entity},
			Confidence: 0.9, Importance: 0.5, Embedding: embedding,
		})
		require.NoError(t, err)
		return m
	}
	tagged := put("project status", "green", "ent-project")
	put("weather report", "rainy", "ent-weather")

	resolver := &stubResolver{entities: []ResolvedEntity{{ID: "ent-project", CanonicalName: "Project", Confidence: 1.0}}}
	r := newTestRetriever(t, store, embedder, resolver)

	result, err := r.Retrieve(ctx, "project status", RetrieveOptions{UserID: "u1", TopK: 2})
	require.NoError(t, err)
	require.NotEmpty(t, result.Memories)
	assert.Equal(t, tagged.ID, result.Memories[0].Candidate.ID)
	assert.Greater(t, result.Memories[0].Signals.EntityOverlap, 0.0)
}

func TestRetrieveTopKBounds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	embedder := NewChargramEmbedder(64)

	for i := 0; i < 6; i++ {
		embedding, err := embedder.Embed(ctx, fmt.Sprintf("note number %d", i))
		require.NoError(t, err)
		_, err = store.PutSemantic(ctx, SemanticMemory{
			UserID: "u1", Subject: "note", Predicate: fmt.Sprintf("p%d", i), Object: "x",
			Content: fmt.Sprintf("note number %d", i), Confidence: 0.9, Embedding: embedding,
		})
		require.NoError(t, err)
	}

	r := newTestRetriever(t, store, embedder, nil)
	result, err := r.Retrieve(ctx, "note", RetrieveOptions{UserID: "u1", TopK: 3})
	require.NoError(t, err)
	assert.Len(t, result.Memories, 3)
	assert.Equal(t, 6, result.CandidateCount)
}
