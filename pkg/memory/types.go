package memory

import (
	"fmt"
	"time"
)

// MemoryStatus is the lifecycle state of a semantic memory. Transitions are
// append-only events validated against the transition table below; a memory
// is never physically deleted.
type MemoryStatus string

const (
	StatusActive      MemoryStatus = "active"
	StatusAging       MemoryStatus = "aging"
	StatusSuperseded  MemoryStatus = "superseded"
	StatusInvalidated MemoryStatus = "invalidated"
	StatusConflicted  MemoryStatus = "conflicted"
)

// statusTransitions is the closed set of legal lifecycle moves. Superseded
// and invalidated are terminal; only a fresh confirmation moves an aging or
// conflicted memory back to active.
var statusTransitions = map[MemoryStatus][]MemoryStatus{
	StatusActive:      {StatusAging, StatusSuperseded, StatusInvalidated, StatusConflicted},
	StatusAging:       {StatusActive, StatusSuperseded, StatusInvalidated, StatusConflicted},
	StatusConflicted:  {StatusActive, StatusSuperseded, StatusInvalidated},
	StatusSuperseded:  {},
	StatusInvalidated: {},
}

func (s MemoryStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is legal.
func (s MemoryStatus) CanTransition(next MemoryStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MemoryLayer identifies which representation a candidate came from.
type MemoryLayer string

const (
	LayerSemantic MemoryLayer = "semantic"
	LayerEpisodic MemoryLayer = "episodic"
	LayerSummary  MemoryLayer = "summary"
)

// SemanticMemory is a durable fact about a subject: a normalized triple plus
// the free-text statement it was extracted from, tagged with entity ids.
type SemanticMemory struct {
	ID                 string
	UserID             string
	Subject            string
	Predicate          string
	Object             string
	Content            string
	EntityIDs          []string
	Confidence         float64
	Importance         float64
	ReinforcementCount int
	Status             MemoryStatus
	SourceEventIDs     []string
	SupersededBy       string
	Embedding          []float32
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastValidatedAt    *time.Time
}

// EpisodicMemory is a compressed record of a single conversational event.
type EpisodicMemory struct {
	ID         string
	UserID     string
	SessionID  string
	Content    string
	EntityIDs  []string
	Importance float64
	Embedding  []float32
	CreatedAt  time.Time
}

// KeyFact is one named fact inside a summary.
type KeyFact struct {
	Value            string   `json:"value"`
	Confidence       float64  `json:"confidence"`
	ObservationCount int      `json:"observation_count"`
	SourceMemoryIDs  []string `json:"source_memory_ids"`
}

// MemorySummary is a consolidated synthesis for one scope. Created by
// consolidation only; superseded by a later summary via the next summary's
// SupersedesID pointer.
type MemorySummary struct {
	ID                  string
	UserID              string
	ScopeType           ScopeType
	ScopeID             string
	Narrative           string
	KeyFacts            map[string]KeyFact
	InteractionPatterns []string
	NeedsValidation     []string
	Confidence          float64
	Embedding           []float32
	SupersedesID        string
	Fallback            bool
	CreatedAt           time.Time
}

// ScopeType selects what a consolidation run covers.
type ScopeType string

const (
	ScopeEntity        ScopeType = "entity"
	ScopeTopic         ScopeType = "topic"
	ScopeSessionWindow ScopeType = "session_window"
)

// ConsolidationScope describes one consolidation target.
type ConsolidationScope struct {
	Type             ScopeType
	EntityID         string // entity scope
	PredicatePattern string // topic scope
	SessionCount     int    // session_window scope
}

// Key is a stable identifier for the scope, used for supersede lookups.
func (s ConsolidationScope) Key() string {
	switch s.Type {
	case ScopeEntity:
		return s.EntityID
	case ScopeTopic:
		return s.PredicatePattern
	case ScopeSessionWindow:
		return fmt.Sprintf("last_%d_sessions", s.SessionCount)
	}
	return ""
}

// MemoryCandidate is the uniform ephemeral read-shape any memory kind takes
// during one retrieval. Confidence, ReinforcementCount and LastValidatedAt
// are nil for layers that have no such concept.
type MemoryCandidate struct {
	ID                 string
	Layer              MemoryLayer
	Content            string
	EntityIDs          []string
	Embedding          []float32
	CreatedAt          time.Time
	Importance         float64
	Confidence         *float64
	ReinforcementCount *int
	LastValidatedAt    *time.Time
}

// CandidateFromSemantic shapes a semantic memory for retrieval.
func CandidateFromSemantic(m SemanticMemory) MemoryCandidate {
	conf := m.Confidence
	reinf := m.ReinforcementCount
	return MemoryCandidate{
		ID:                 m.ID,
		Layer:              LayerSemantic,
		Content:            m.Content,
		EntityIDs:          m.EntityIDs,
		Embedding:          m.Embedding,
		CreatedAt:          m.CreatedAt,
		Importance:         m.Importance,
		Confidence:         &conf,
		ReinforcementCount: &reinf,
		LastValidatedAt:    m.LastValidatedAt,
	}
}

// CandidateFromEpisodic shapes an episodic memory for retrieval.
func CandidateFromEpisodic(m EpisodicMemory) MemoryCandidate {
	return MemoryCandidate{
		ID:         m.ID,
		Layer:      LayerEpisodic,
		Content:    m.Content,
		EntityIDs:  m.EntityIDs,
		Embedding:  m.Embedding,
		CreatedAt:  m.CreatedAt,
		Importance: m.Importance,
	}
}

// CandidateFromSummary shapes a summary for retrieval. Summary confidence is
// exposed as importance so low-trust fallback summaries rank lower.
func CandidateFromSummary(m MemorySummary) MemoryCandidate {
	entityIDs := []string{}
	if m.ScopeType == ScopeEntity && m.ScopeID != "" {
		entityIDs = append(entityIDs, m.ScopeID)
	}
	return MemoryCandidate{
		ID:         m.ID,
		Layer:      LayerSummary,
		Content:    m.Narrative,
		EntityIDs:  entityIDs,
		Embedding:  m.Embedding,
		CreatedAt:  m.CreatedAt,
		Importance: m.Confidence,
	}
}

// SignalBreakdown holds the per-signal subscores behind a relevance score.
type SignalBreakdown struct {
	SemanticSimilarity float64
	EntityOverlap      float64
	Recency            float64
	Importance         float64
	Reinforcement      float64
}

// ScoredMemory pairs a candidate with its overall score and breakdown.
type ScoredMemory struct {
	Candidate           MemoryCandidate
	Score               float64
	Signals             SignalBreakdown
	EffectiveConfidence float64
}

// Observation is a new fact arriving from extraction, before it has any
// persisted identity.
type Observation struct {
	Subject       string
	Predicate     string
	Object        string
	Content       string
	Confidence    float64
	EntityIDs     []string
	SourceEventID string
	SessionID     string
	ObservedAt    time.Time
}

// ConflictType classifies a detected disagreement.
type ConflictType string

const (
	ConflictValueMismatch         ConflictType = "value_mismatch"
	ConflictTemporalInconsistency ConflictType = "temporal_inconsistency"
	// ConflictLogicalContradiction is declared for future classifiers; the
	// current one never emits it.
	ConflictLogicalContradiction ConflictType = "logical_contradiction"
	ConflictMemoryVsDB           ConflictType = "memory_vs_db"
)

// ResolutionStrategy names how a conflict should be settled.
type ResolutionStrategy string

const (
	KeepNewest            ResolutionStrategy = "keep_newest"
	KeepHighestConfidence ResolutionStrategy = "keep_highest_confidence"
	KeepMostReinforced    ResolutionStrategy = "keep_most_reinforced"
	TrustDB               ResolutionStrategy = "trust_db"
	RequireClarification  ResolutionStrategy = "require_clarification"
)

// MemoryConflict is an immutable record of one detected disagreement.
// Deltas are signed challenger-minus-existing.
type MemoryConflict struct {
	ID                string
	Type              ConflictType
	ExistingID        string
	ChallengerID      string
	Subject           string
	Predicate         string
	ExistingValue     string
	ChallengerValue   string
	ConfidenceDiff    float64
	TemporalDiffDays  float64
	ReinforcementDiff int
	Recommended       ResolutionStrategy
	DetectedAt        time.Time
}

// AutoResolvable reports whether the recommendation can be executed without
// asking the user.
func (c MemoryConflict) AutoResolvable() bool {
	switch c.Recommended {
	case KeepNewest, KeepHighestConfidence, KeepMostReinforced, TrustDB:
		return true
	}
	return false
}

// ResolutionAction is the coarse outcome tag of a resolution.
type ResolutionAction string

const (
	ActionSupersede  ResolutionAction = "supersede"
	ActionInvalidate ResolutionAction = "invalidate"
	ActionAskUser    ResolutionAction = "ask_user"
)

// ResolutionResult reports what a resolution did. WinnerID is nil when the
// winner is external (TRUST_DB) or when nothing was decided.
type ResolutionResult struct {
	WinnerID  *string
	LoserID   *string
	Strategy  ResolutionStrategy
	Rationale string
	Action    ResolutionAction
}

// GroundTruthFact is a row from the authoritative external database.
type GroundTruthFact struct {
	Subject   string
	Predicate string
	Object    string
	UpdatedAt time.Time
}

// ResolvedEntity is one entity-resolution hit for a free-text mention.
type ResolvedEntity struct {
	ID            string
	CanonicalName string
	Confidence    float64
	Method        string
}

// RetrievalResult is the ranked output of one retrieval call plus the
// metadata the caller needs for explainability.
type RetrievalResult struct {
	Memories       []ScoredMemory
	CandidateCount int
	Strategy       StrategyName
	Elapsed        time.Duration
}

// IngestResult reports what happened to one new observation.
type IngestResult struct {
	Memory     SemanticMemory
	Confirmed  bool
	Conflict   *MemoryConflict
	Resolution *ResolutionResult
}
