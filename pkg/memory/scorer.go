package memory

import (
	"math"
	"sort"
	"time"
)

// StrategyName selects a weighting profile over the five scoring signals.
type StrategyName string

const (
	StrategyFactualEntityFocused StrategyName = "factual_entity_focused"
	StrategyProcedural           StrategyName = "procedural"
	StrategyExploratory          StrategyName = "exploratory"
	StrategyTemporal             StrategyName = "temporal"
)

// SignalWeights are the per-strategy weights; each profile sums to 1.
type SignalWeights struct {
	Semantic      float64
	Entity        float64
	Recency       float64
	Importance    float64
	Reinforcement float64
}

var strategyWeights = map[StrategyName]SignalWeights{
	StrategyFactualEntityFocused: {Semantic: 0.35, Entity: 0.30, Recency: 0.10, Importance: 0.15, Reinforcement: 0.10},
	StrategyProcedural:           {Semantic: 0.30, Entity: 0.15, Recency: 0.15, Importance: 0.20, Reinforcement: 0.20},
	StrategyExploratory:          {Semantic: 0.45, Entity: 0.10, Recency: 0.10, Importance: 0.25, Reinforcement: 0.10},
	StrategyTemporal:             {Semantic: 0.25, Entity: 0.15, Recency: 0.40, Importance: 0.10, Reinforcement: 0.10},
}

// WeightsFor returns the weight profile for a strategy, defaulting to the
// factual profile for unknown names.
func WeightsFor(strategy StrategyName) SignalWeights {
	if w, ok := strategyWeights[strategy]; ok {
		return w
	}
	return strategyWeights[StrategyFactualEntityFocused]
}

// KnownStrategies lists the selectable strategy names.
func KnownStrategies() []StrategyName {
	return []StrategyName{
		StrategyFactualEntityFocused,
		StrategyProcedural,
		StrategyExploratory,
		StrategyTemporal,
	}
}

// ScorerConfig carries the decay constants the scorer needs. Episodic
// memories fade faster than semantic ones and summaries.
type ScorerConfig struct {
	SemanticHalfLifeDays float64
	EpisodicHalfLifeDays float64
	SummaryHalfLifeDays  float64
	// ConfidenceDecayRate is the per-day rate of the effective-confidence
	// penalty.
	ConfidenceDecayRate float64
}

func (c ScorerConfig) withDefaults() ScorerConfig {
	if c.SemanticHalfLifeDays <= 0 {
		c.SemanticHalfLifeDays = 90
	}
	if c.EpisodicHalfLifeDays <= 0 {
		c.EpisodicHalfLifeDays = 14
	}
	if c.SummaryHalfLifeDays <= 0 {
		c.SummaryHalfLifeDays = 90
	}
	if c.ConfidenceDecayRate <= 0 {
		c.ConfidenceDecayRate = 0.01
	}
	return c
}

// Scorer is the pure multi-signal relevance scorer. It holds no mutable
// state and is safe for concurrent use.
type Scorer struct {
	cfg ScorerConfig
}

func NewScorer(cfg ScorerConfig) *Scorer {
	return &Scorer{cfg: cfg.withDefaults()}
}

// Score ranks candidates against the query, descending by final score.
// Input order is preserved for ties (stable sort, no other tie-break).
func (s *Scorer) Score(now time.Time, queryEmbedding []float32, queryEntities []string, strategy StrategyName, candidates []MemoryCandidate) []ScoredMemory {
	weights := WeightsFor(strategy)
	scored := make([]ScoredMemory, 0, len(candidates))
	for _, c := range candidates {
		signals := SignalBreakdown{
			SemanticSimilarity: semanticSimilarity(queryEmbedding, c.Embedding),
			EntityOverlap:      entityOverlap(queryEntities, c.EntityIDs),
			Recency:            s.recencyScore(now, c),
			Importance:         clamp01(c.Importance),
			Reinforcement:      reinforcementScore(c.ReinforcementCount),
		}
		base := weights.Semantic*signals.SemanticSimilarity +
			weights.Entity*signals.EntityOverlap +
			weights.Recency*signals.Recency +
			weights.Importance*signals.Importance +
			weights.Reinforcement*signals.Reinforcement
		effective := s.effectiveConfidence(now, c)
		scored = append(scored, ScoredMemory{
			Candidate:           c,
			Score:               clamp01(base * effective),
			Signals:             signals,
			EffectiveConfidence: effective,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

// semanticSimilarity is cosine clamped to [0,1]; a zero vector scores 0.
func semanticSimilarity(query, candidate []float32) float64 {
	return clamp01(cosineSimilarity(query, candidate))
}

// entityOverlap is Jaccard similarity over entity id sets. Both empty is
// neutral (0.5); exactly one empty is a miss (0.0).
func entityOverlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.5
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	intersection := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, id := range b {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := set[id]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0.0
	}
	return clamp01(float64(intersection) / float64(union))
}

func (s *Scorer) recencyScore(now time.Time, c MemoryCandidate) float64 {
	halfLife := s.cfg.SemanticHalfLifeDays
	switch c.Layer {
	case LayerEpisodic:
		halfLife = s.cfg.EpisodicHalfLifeDays
	case LayerSummary:
		halfLife = s.cfg.SummaryHalfLifeDays
	}
	ageDays := now.Sub(c.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return clamp01(math.Exp(-ageDays * math.Ln2 / halfLife))
}

// reinforcementScore saturates at 1.0 once a memory has been observed five
// times; layers without a counter are neutral.
func reinforcementScore(count *int) float64 {
	if count == nil {
		return 0.5
	}
	return clamp01(float64(*count) / 5.0)
}

// effectiveConfidence is the stored confidence after time decay since the
// last validation (creation when never validated). Candidates without a
// confidence concept are not penalized.
func (s *Scorer) effectiveConfidence(now time.Time, c MemoryCandidate) float64 {
	if c.Confidence == nil {
		return 1.0
	}
	ref := c.CreatedAt
	if c.LastValidatedAt != nil {
		ref = *c.LastValidatedAt
	}
	days := now.Sub(ref).Hours() / 24
	if days < 0 {
		days = 0
	}
	return clamp01(*c.Confidence * math.Exp(-s.cfg.ConfidenceDecayRate*days))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
