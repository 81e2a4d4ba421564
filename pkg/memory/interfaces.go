package memory

import "context"

// SemanticStore persists durable facts.
type SemanticStore interface {
	PutSemantic(ctx context.Context, m SemanticMemory) (SemanticMemory, error)
	GetSemantic(ctx context.Context, id string) (SemanticMemory, error)
	// UpdateSemantic writes mutable fields with an optimistic version check;
	// returns ErrVersionConflict when the stored version moved.
	UpdateSemantic(ctx context.Context, m SemanticMemory) (SemanticMemory, error)
	// TransitionStatus moves a memory through the lifecycle table, version
	// checked. supersededBy is recorded only for StatusSuperseded.
	TransitionStatus(ctx context.Context, id string, next MemoryStatus, supersededBy string, version int64) error
	// SearchSemantic is a bounded nearest-neighbor scan over active and
	// aging memories, optionally floored by confidence.
	SearchSemantic(ctx context.Context, userID string, query []float32, limit int, minConfidence float64) ([]SemanticMemory, error)
	FindBySubjectPredicate(ctx context.Context, userID, subject, predicate string) ([]SemanticMemory, error)
	ListByPredicatePattern(ctx context.Context, userID, pattern string, limit int) ([]SemanticMemory, error)
	ListSemanticByEntity(ctx context.Context, userID, entityID string, limit int) ([]SemanticMemory, error)
	ListActiveSemantic(ctx context.Context, userID string, limit int) ([]SemanticMemory, error)
}

// EpisodicStore persists per-event records.
type EpisodicStore interface {
	AppendEpisodic(ctx context.Context, m EpisodicMemory) (EpisodicMemory, error)
	SearchEpisodic(ctx context.Context, userID string, query []float32, limit int, sessionID string) ([]EpisodicMemory, error)
	ListEpisodicByEntity(ctx context.Context, userID, entityID string, limit int) ([]EpisodicMemory, error)
	ListBySession(ctx context.Context, userID, sessionID string, limit int) ([]EpisodicMemory, error)
	// RecentSessionIDs walks history backward and returns up to n distinct
	// session ids, newest first.
	RecentSessionIDs(ctx context.Context, userID string, n int) ([]string, error)
	// EntityCounts returns raw episode counts per entity id, for the
	// consolidation trigger.
	EntityCounts(ctx context.Context, userID string) (map[string]int, error)
	CountSessions(ctx context.Context, userID string) (int, error)
}

// SummaryStore persists consolidated summaries.
type SummaryStore interface {
	PutSummary(ctx context.Context, s MemorySummary) (MemorySummary, error)
	GetSummary(ctx context.Context, id string) (MemorySummary, error)
	SearchSummaries(ctx context.Context, userID string, query []float32, limit int, scopeType ScopeType) ([]MemorySummary, error)
	// LatestForScope returns the newest summary for a scope key, if any.
	LatestForScope(ctx context.Context, userID string, scopeType ScopeType, scopeID string) (MemorySummary, bool, error)
}

// GroundTruthDB is the read-only authoritative fact database consulted by
// conflict detection for status-type predicates.
type GroundTruthDB interface {
	LookupFact(ctx context.Context, subject, predicate string) (GroundTruthFact, bool, error)
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	ModelID() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer is the external LLM completion port. Treated as unreliable;
// callers wrap it with parsing, retry and fallback.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// EntityResolver maps free text to canonical entity identifiers. Must return
// an AmbiguousEntityError rather than silently picking one of several
// plausible entities.
type EntityResolver interface {
	ResolveEntities(ctx context.Context, text, userID string) ([]ResolvedEntity, error)
}

// MetricSink records counters for observability. Failures are ignored by
// callers; metrics never fail an operation.
type MetricSink interface {
	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}
