package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultImportance is stamped on new observations until something upgrades
// it (confirmation, consolidation).
const defaultImportance = 0.5

// ServiceConfig groups the tunables of every component behind the facade.
type ServiceConfig struct {
	Scorer        ScorerConfig
	Limits        CandidateLimits
	Conflicts     ConflictConfig
	Decay         DecayConfig
	Trigger       TriggerConfig
	Consolidation ConsolidationConfig
}

// ServiceOptions wires the external ports. Store is required; everything
// else has a local default or is optional.
type ServiceOptions struct {
	Store     *SQLiteStore
	Embedder  Embedder
	Completer Completer
	Resolver  EntityResolver
	Truth     GroundTruthDB
	Logger    *zap.Logger
	Config    ServiceConfig
}

// Service is the façade over retrieval, ingestion, conflict handling,
// validation and consolidation. Safe for concurrent use.
type Service struct {
	store        *SQLiteStore
	embedder     Embedder
	retriever    *Retriever
	detector     *ConflictDetector
	resolver     *ConflictResolver
	validator    *Validator
	trigger      *ConsolidationTrigger
	consolidator *Consolidator
	logger       *zap.Logger
	now          func() time.Time

	closeOnce sync.Once
	closeErr  error
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("memory service requires a store")
	}
	if opts.Embedder == nil {
		opts.Embedder = NewChargramEmbedder(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	truth := opts.Truth
	if truth == nil {
		truth = opts.Store
	}

	store := opts.Store
	cfg := opts.Config
	scorer := NewScorer(cfg.Scorer)
	generator := NewCandidateGenerator(store, store, store, cfg.Limits, store, opts.Logger)
	validator := NewValidator(cfg.Decay, store)

	svc := &Service{
		store:     store,
		embedder:  opts.Embedder,
		retriever: NewRetriever(opts.Embedder, opts.Resolver, generator, scorer, store, opts.Logger),
		detector:  NewConflictDetector(cfg.Conflicts, truth),
		resolver:  NewConflictResolver(store, opts.Logger),
		validator: validator,
		trigger:   NewConsolidationTrigger(cfg.Trigger, store),
		consolidator: NewConsolidator(
			store, store, store,
			opts.Embedder, opts.Completer, validator, store,
			cfg.Consolidation, opts.Logger,
		),
		logger: opts.Logger,
		now:    time.Now,
	}
	return svc, nil
}

// Retrieve runs one scored retrieval.
func (s *Service) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (RetrievalResult, error) {
	return s.retriever.Retrieve(ctx, query, opts)
}

// Validator exposes the decay and confirmation policy component.
func (s *Service) Validator() *Validator { return s.validator }

// Ingest runs one observation through the write path: embed, match against
// existing memories about the same subject and predicate, then either create,
// confirm, or open a conflict. Auto-resolvable conflicts are settled
// immediately; the rest mark the existing memory conflicted and ask the user.
func (s *Service) Ingest(ctx context.Context, userID string, obs Observation) (IngestResult, error) {
	if strings.TrimSpace(obs.Subject) == "" || strings.TrimSpace(obs.Predicate) == "" {
		return IngestResult{}, &PreconditionError{Op: "ingest observation", Detail: "subject and predicate are required"}
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = s.now()
	}
	if obs.Content == "" {
		obs.Content = fmt.Sprintf("%s %s %s", obs.Subject, obs.Predicate, obs.Object)
	}

	embedding, err := s.embedder.Embed(ctx, obs.Content)
	if err != nil {
		return IngestResult{}, fmt.Errorf("embed observation: %w: %v", ErrEmbeddingUnavailable, err)
	}

	existing, err := s.store.FindBySubjectPredicate(ctx, userID, obs.Subject, obs.Predicate)
	if err != nil {
		return IngestResult{}, fmt.Errorf("match existing memories: %w", err)
	}

	if len(existing) == 0 {
		return s.ingestNew(ctx, userID, obs, embedding)
	}

	// Newest row about the pair is the one the observation is compared to.
	current := existing[0]
	conflict, err := s.detector.DetectObservation(current, obs)
	if err != nil {
		return IngestResult{}, err
	}
	if conflict == nil {
		confirmed, err := s.validator.Confirm(ctx, current, obs.SourceEventID)
		if err != nil {
			return IngestResult{}, err
		}
		return IngestResult{Memory: confirmed, Confirmed: true}, nil
	}
	return s.ingestConflicting(ctx, userID, obs, embedding, current, conflict)
}

func (s *Service) ingestNew(ctx context.Context, userID string, obs Observation, embedding []float32) (IngestResult, error) {
	m, err := s.store.PutSemantic(ctx, s.observationMemory(userID, obs, embedding, StatusActive))
	if err != nil {
		return IngestResult{}, fmt.Errorf("persist new memory: %w", err)
	}

	// Status-type facts are cross-checked against the authoritative
	// database; the database always wins.
	result := IngestResult{Memory: m}
	dbConflict, err := s.detector.DetectAgainstDB(ctx, m)
	if err != nil {
		return IngestResult{}, err
	}
	if dbConflict != nil {
		resolution, err := s.resolver.Resolve(ctx, *dbConflict, "")
		if err != nil {
			return IngestResult{}, err
		}
		m.Status = StatusInvalidated
		result.Memory = m
		result.Conflict = dbConflict
		result.Resolution = &resolution
	}
	return result, nil
}

func (s *Service) ingestConflicting(ctx context.Context, userID string, obs Observation, embedding []float32, current SemanticMemory, conflict *MemoryConflict) (IngestResult, error) {
	// The challenger is persisted before resolution so a losing existing
	// memory has a real supersede target.
	challenger, err := s.store.PutSemantic(ctx, s.observationMemory(userID, obs, embedding, StatusActive))
	if err != nil {
		return IngestResult{}, fmt.Errorf("persist challenger memory: %w", err)
	}
	conflict.ChallengerID = challenger.ID

	result := IngestResult{Memory: challenger, Conflict: conflict}
	if conflict.AutoResolvable() {
		resolution, err := s.resolver.Resolve(ctx, *conflict, "")
		if err != nil {
			return IngestResult{}, err
		}
		result.Resolution = &resolution
		if resolution.LoserID != nil && *resolution.LoserID == challenger.ID {
			refreshed, err := s.store.GetSemantic(ctx, challenger.ID)
			if err == nil {
				result.Memory = refreshed
			}
		}
		return result, nil
	}

	// Not decidable automatically. Both sides are flagged until the user
	// clarifies; a later confirmation reactivates the surviving one.
	if err := s.store.TransitionStatus(ctx, current.ID, StatusConflicted, "", current.Version); err != nil {
		return IngestResult{}, fmt.Errorf("flag conflicted memory %s: %w", current.ID, err)
	}
	if err := s.store.TransitionStatus(ctx, challenger.ID, StatusConflicted, "", challenger.Version); err != nil {
		return IngestResult{}, fmt.Errorf("flag conflicted memory %s: %w", challenger.ID, err)
	}
	resolution, err := s.resolver.Resolve(ctx, *conflict, "")
	if err != nil {
		return IngestResult{}, err
	}
	result.Resolution = &resolution
	challenger.Status = StatusConflicted
	challenger.Version++
	result.Memory = challenger
	return result, nil
}

func (s *Service) observationMemory(userID string, obs Observation, embedding []float32, status MemoryStatus) SemanticMemory {
	var sourceIDs []string
	if obs.SourceEventID != "" {
		sourceIDs = []string{obs.SourceEventID}
	}
	observedAt := obs.ObservedAt
	return SemanticMemory{
		UserID:             userID,
		Subject:            obs.Subject,
		Predicate:          obs.Predicate,
		Object:             obs.Object,
		Content:            obs.Content,
		EntityIDs:          obs.EntityIDs,
		Confidence:         clamp01(obs.Confidence),
		Importance:         defaultImportance,
		ReinforcementCount: 1,
		Status:             status,
		SourceEventIDs:     sourceIDs,
		Embedding:          embedding,
		CreatedAt:          observedAt,
		LastValidatedAt:    &observedAt,
	}
}

// RecordEpisode appends one conversational event to the episodic layer.
func (s *Service) RecordEpisode(ctx context.Context, userID, sessionID, content string, entityIDs []string, importance float64) (EpisodicMemory, error) {
	if strings.TrimSpace(content) == "" {
		return EpisodicMemory{}, &PreconditionError{Op: "record episode", Detail: "content is required"}
	}
	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return EpisodicMemory{}, fmt.Errorf("embed episode: %w: %v", ErrEmbeddingUnavailable, err)
	}
	return s.store.AppendEpisodic(ctx, EpisodicMemory{
		UserID:     userID,
		SessionID:  sessionID,
		Content:    content,
		EntityIDs:  entityIDs,
		Importance: clamp01(importance),
		Embedding:  embedding,
	})
}

// Confirm records a fresh validation of an existing memory.
func (s *Service) Confirm(ctx context.Context, memoryID, eventID string) (SemanticMemory, error) {
	m, err := s.store.GetSemantic(ctx, memoryID)
	if err != nil {
		return SemanticMemory{}, err
	}
	return s.validator.Confirm(ctx, m, eventID)
}

// ResolveConflict executes a resolution, optionally overriding the
// recommendation (the user answering a clarification request).
func (s *Service) ResolveConflict(ctx context.Context, conflict MemoryConflict, override ResolutionStrategy) (ResolutionResult, error) {
	return s.resolver.Resolve(ctx, conflict, override)
}

// ResolveBetween re-detects the conflict between two persisted memories and
// resolves it. This is the path for settling a clarification after the fact,
// when the original conflict object is no longer at hand.
func (s *Service) ResolveBetween(ctx context.Context, existingID, challengerID string, override ResolutionStrategy) (ResolutionResult, error) {
	existing, err := s.store.GetSemantic(ctx, existingID)
	if err != nil {
		return ResolutionResult{}, err
	}
	challenger, err := s.store.GetSemantic(ctx, challengerID)
	if err != nil {
		return ResolutionResult{}, err
	}
	conflict, err := s.detector.DetectBetween(existing, challenger)
	if err != nil {
		return ResolutionResult{}, err
	}
	if conflict == nil {
		return ResolutionResult{}, &PreconditionError{
			Op:     "resolve between memories",
			Detail: fmt.Sprintf("memories %s and %s agree; nothing to resolve", existingID, challengerID),
		}
	}
	return s.resolver.Resolve(ctx, *conflict, override)
}

// Consolidate synthesizes one scope into a summary. Unless forced, the scope
// must be over its accumulation threshold.
func (s *Service) Consolidate(ctx context.Context, userID string, scope ConsolidationScope, force bool) (MemorySummary, error) {
	if !force {
		pending, err := s.trigger.ShouldConsolidate(ctx, userID, scope)
		if err != nil {
			return MemorySummary{}, err
		}
		if !pending {
			return MemorySummary{}, fmt.Errorf("scope %s/%s: %w", scope.Type, scope.Key(), ErrScopeNotPending)
		}
	}
	return s.consolidator.Consolidate(ctx, userID, scope)
}

// PendingScopes lists every consolidation scope over threshold.
func (s *Service) PendingScopes(ctx context.Context, userID string) ([]ConsolidationScope, error) {
	return s.trigger.PendingScopes(ctx, userID)
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}
