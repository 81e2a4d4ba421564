package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSemanticRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	validated := time.Now().Add(-24 * time.Hour).Truncate(time.Millisecond)
	m, err := store.PutSemantic(ctx, SemanticMemory{
		UserID:             "u1",
		Subject:            "alice",
		Predicate:          "employer",
		Object:             "Acme",
		Content:            "alice works at Acme",
		EntityIDs:          []string{"ent-alice"},
		Confidence:         0.8,
		Importance:         0.6,
		ReinforcementCount: 2,
		SourceEventIDs:     []string{"evt-1"},
		Embedding:          []float32{0.1, 0.2},
		LastValidatedAt:    &validated,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if m.ID == "" || m.Version != 1 || m.Status != StatusActive {
		t.Fatalf("unexpected defaults: id=%q version=%d status=%s", m.ID, m.Version, m.Status)
	}

	got, err := store.GetSemantic(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Subject != "alice" || got.Object != "Acme" || got.ReinforcementCount != 2 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.LastValidatedAt == nil || !got.LastValidatedAt.Equal(validated) {
		t.Fatalf("last validated mismatch: %v", got.LastValidatedAt)
	}
	if len(got.Embedding) != 2 || len(got.EntityIDs) != 1 {
		t.Fatalf("blob fields mismatch: %+v", got)
	}
}

func TestGetSemanticNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetSemantic(context.Background(), "mem-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateSemanticVersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "p", Object: "x"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	m.Object = "y"
	m.UpdatedAt = time.Now()
	updated, err := store.UpdateSemantic(ctx, m)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version not bumped: %d", updated.Version)
	}

	// The original copy still carries version 1.
	m.Object = "z"
	if _, err := store.UpdateSemantic(ctx, m); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
}

func TestTransitionStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "p", Object: "x"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := store.TransitionStatus(ctx, m.ID, StatusSuperseded, "mem-winner", m.Version); err != nil {
		t.Fatalf("transition: %v", err)
	}
	got, err := store.GetSemantic(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSuperseded || got.SupersededBy != "mem-winner" {
		t.Fatalf("supersede not recorded: %+v", got)
	}

	// Superseded is terminal.
	err = store.TransitionStatus(ctx, m.ID, StatusActive, "", got.Version)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("want ErrIllegalTransition, got %v", err)
	}
}

func TestTransitionStatusStaleVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "p", Object: "x"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	err = store.TransitionStatus(ctx, m.ID, StatusAging, "", m.Version+5)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
}

func TestFindBySubjectPredicateNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if _, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "alice", Predicate: "city", Object: "Paris", CreatedAt: old}); err != nil {
		t.Fatalf("put: %v", err)
	}
	newer, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "alice", Predicate: "city", Object: "Berlin"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	rows, err := store.FindBySubjectPredicate(ctx, "u1", "alice", "city")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != newer.ID {
		t.Fatalf("want newest first, got %+v", rows)
	}
}

func TestSearchSemanticRanksByCosine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	far, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "p", Object: "1", Confidence: 0.9, Embedding: []float32{0, 1}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	near, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "q", Object: "2", Confidence: 0.9, Embedding: []float32{1, 0}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	rows, err := store.SearchSemantic(ctx, "u1", []float32{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != near.ID || rows[1].ID != far.ID {
		t.Fatalf("unexpected ranking: %+v", rows)
	}
}

func TestSearchSemanticConfidenceFloor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "p", Object: "1", Confidence: 0.2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	keep, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "q", Object: "2", Confidence: 0.9})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	rows, err := store.SearchSemantic(ctx, "u1", nil, 10, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != keep.ID {
		t.Fatalf("floor not applied: %+v", rows)
	}
}

func TestEpisodicSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, session := range []string{"s1", "s1", "s2", "s3"} {
		_, err := store.AppendEpisodic(ctx, EpisodicMemory{
			UserID:    "u1",
			SessionID: session,
			Content:   "event",
			EntityIDs: []string{"ent-a"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	n, err := store.CountSessions(ctx, "u1")
	if err != nil || n != 3 {
		t.Fatalf("count sessions: %d, %v", n, err)
	}

	recent, err := store.RecentSessionIDs(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(recent) != 2 || recent[0] != "s3" || recent[1] != "s2" {
		t.Fatalf("want newest-first sessions, got %v", recent)
	}

	counts, err := store.EntityCounts(ctx, "u1")
	if err != nil || counts["ent-a"] != 4 {
		t.Fatalf("entity counts: %v, %v", counts, err)
	}
}

func TestLatestForScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LatestForScope(ctx, "u1", ScopeEntity, "ent-a"); err != nil || ok {
		t.Fatalf("empty scope: ok=%v err=%v", ok, err)
	}

	first, err := store.PutSummary(ctx, MemorySummary{UserID: "u1", ScopeType: ScopeEntity, ScopeID: "ent-a", Narrative: "v1", CreatedAt: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := store.PutSummary(ctx, MemorySummary{UserID: "u1", ScopeType: ScopeEntity, ScopeID: "ent-a", Narrative: "v2", SupersedesID: first.ID})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	latest, ok, err := store.LatestForScope(ctx, "u1", ScopeEntity, "ent-a")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if latest.ID != second.ID || latest.SupersedesID != first.ID {
		t.Fatalf("unexpected latest: %+v", latest)
	}
}

func TestGroundTruthUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, found, err := store.LookupFact(ctx, "acct-1", "status"); err != nil || found {
		t.Fatalf("empty lookup: found=%v err=%v", found, err)
	}

	if err := store.UpsertGroundTruth(ctx, GroundTruthFact{Subject: "acct-1", Predicate: "status", Object: "active"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertGroundTruth(ctx, GroundTruthFact{Subject: "acct-1", Predicate: "status", Object: "suspended"}); err != nil {
		t.Fatalf("upsert overwrite: %v", err)
	}

	fact, found, err := store.LookupFact(ctx, "acct-1", "status")
	if err != nil || !found || fact.Object != "suspended" {
		t.Fatalf("lookup after upsert: %+v found=%v err=%v", fact, found, err)
	}
}

func TestListUserIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.PutSemantic(ctx, SemanticMemory{UserID: "u1", Subject: "a", Predicate: "p", Object: "x"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.AppendEpisodic(ctx, EpisodicMemory{UserID: "u2", Content: "event"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	ids, err := store.ListUserIDs(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(ids) != 2 || ids[0] != "u1" || ids[1] != "u2" {
		t.Fatalf("unexpected users: %v", ids)
	}
}
