package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConsolidationConfig bounds the synthesis flow.
type ConsolidationConfig struct {
	// MaxDigestItems caps how many memories of each kind reach the prompt.
	MaxDigestItems int
	// MaxAttempts bounds completion retries before falling back.
	MaxAttempts int
	// FallbackConfidence is stamped on deterministic fallback summaries.
	FallbackConfidence float64
	// FallbackSemanticFloor selects which semantic memories feed the
	// fallback summary.
	FallbackSemanticFloor float64
	// ConfirmationBoost is added to each confirmed memory's confidence.
	ConfirmationBoost float64
	// MaxConfidence caps the boost.
	MaxConfidence float64
	// GatherLimit bounds per-scope memory collection.
	GatherLimit int
}

func (c ConsolidationConfig) withDefaults() ConsolidationConfig {
	if c.MaxDigestItems <= 0 {
		c.MaxDigestItems = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.FallbackConfidence <= 0 {
		c.FallbackConfidence = 0.4
	}
	if c.FallbackSemanticFloor <= 0 {
		c.FallbackSemanticFloor = 0.7
	}
	if c.ConfirmationBoost <= 0 {
		c.ConfirmationBoost = 0.05
	}
	if c.MaxConfidence <= 0 {
		c.MaxConfidence = 0.95
	}
	if c.GatherLimit <= 0 {
		c.GatherLimit = 200
	}
	return c
}

// Consolidator synthesizes many memories into one durable summary via the
// completion provider, with bounded retries and a deterministic fallback.
// Once invoked it always yields a summary, never a nil result.
type Consolidator struct {
	semantic  SemanticStore
	episodic  EpisodicStore
	summaries SummaryStore
	embedder  Embedder
	completer Completer
	validator *Validator
	metrics   MetricSink
	cfg       ConsolidationConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewConsolidator(semantic SemanticStore, episodic EpisodicStore, summaries SummaryStore, embedder Embedder, completer Completer, validator *Validator, metrics MetricSink, cfg ConsolidationConfig, logger *zap.Logger) *Consolidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{
		semantic:  semantic,
		episodic:  episodic,
		summaries: summaries,
		embedder:  embedder,
		completer: completer,
		validator: validator,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
}

// Consolidate synthesizes a summary for the scope. The trigger threshold is
// not re-checked here; that decision belongs to the caller.
func (c *Consolidator) Consolidate(ctx context.Context, userID string, scope ConsolidationScope) (MemorySummary, error) {
	episodes, facts, err := c.gather(ctx, userID, scope)
	if err != nil {
		return MemorySummary{}, err
	}

	payload, fallback := c.synthesize(ctx, userID, scope, episodes, facts)

	summary := MemorySummary{
		ID:        "sum-" + uuid.NewString(),
		UserID:    userID,
		ScopeType: scope.Type,
		ScopeID:   scope.Key(),
		Narrative: payload.Narrative,
		KeyFacts:  map[string]KeyFact{},
		Fallback:  fallback,
		CreatedAt: c.now(),
	}
	for name, fact := range payload.KeyFacts {
		summary.KeyFacts[name] = KeyFact{
			Value:            fact.Value,
			Confidence:       fact.Confidence,
			ObservationCount: fact.ObservationCount,
			SourceMemoryIDs:  fact.SourceMemoryIDs,
		}
	}
	summary.InteractionPatterns = payload.InteractionPatterns
	summary.NeedsValidation = payload.NeedsValidation
	if fallback {
		summary.Confidence = c.cfg.FallbackConfidence
	} else {
		summary.Confidence = summaryConfidence(summary.KeyFacts)
	}

	prev, ok, err := c.summaries.LatestForScope(ctx, userID, scope.Type, scope.Key())
	if err != nil {
		c.logger.Warn("prior summary lookup failed, supersedes pointer skipped",
			zap.String("scope", scope.Key()),
			zap.Error(err),
		)
	} else if ok {
		summary.SupersedesID = prev.ID
	}

	embedding, err := c.embedder.Embed(ctx, summary.Narrative)
	if err != nil {
		return MemorySummary{}, fmt.Errorf("embed summary: %w: %v", ErrEmbeddingUnavailable, err)
	}
	summary.Embedding = embedding

	stored, err := c.summaries.PutSummary(ctx, summary)
	if err != nil {
		return MemorySummary{}, fmt.Errorf("persist summary: %w", err)
	}

	c.boostConfirmed(ctx, payload.ConfirmedMemoryIDs)

	if c.metrics != nil {
		labels := map[string]string{"scope": string(scope.Type)}
		_ = c.metrics.AddMetric(ctx, "consolidation.completed", 1, labels)
		if fallback {
			_ = c.metrics.AddMetric(ctx, "consolidation.fallback", 1, labels)
		}
	}
	return stored, nil
}

// gather resolves the scope to bounded episodic and semantic inputs.
func (c *Consolidator) gather(ctx context.Context, userID string, scope ConsolidationScope) ([]EpisodicMemory, []SemanticMemory, error) {
	switch scope.Type {
	case ScopeEntity:
		episodes, err := c.episodic.ListEpisodicByEntity(ctx, userID, scope.EntityID, c.cfg.GatherLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("gather entity episodes: %w", err)
		}
		facts, err := c.semantic.ListSemanticByEntity(ctx, userID, scope.EntityID, c.cfg.GatherLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("gather entity facts: %w", err)
		}
		return episodes, facts, nil
	case ScopeTopic:
		facts, err := c.semantic.ListByPredicatePattern(ctx, userID, scope.PredicatePattern, c.cfg.GatherLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("gather topic facts: %w", err)
		}
		return nil, facts, nil
	case ScopeSessionWindow:
		sessionIDs, err := c.episodic.RecentSessionIDs(ctx, userID, scope.SessionCount)
		if err != nil {
			return nil, nil, fmt.Errorf("walk recent sessions: %w", err)
		}
		var episodes []EpisodicMemory
		for _, sessionID := range sessionIDs {
			rows, err := c.episodic.ListBySession(ctx, userID, sessionID, c.cfg.GatherLimit)
			if err != nil {
				return nil, nil, fmt.Errorf("gather session %s: %w", sessionID, err)
			}
			episodes = append(episodes, rows...)
		}
		return episodes, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown scope type %q", scope.Type)
}

// synthesize runs the completion with retries, degrading to the
// deterministic fallback once attempts are exhausted.
func (c *Consolidator) synthesize(ctx context.Context, userID string, scope ConsolidationScope, episodes []EpisodicMemory, facts []SemanticMemory) (synthesisPayload, bool) {
	if c.completer != nil {
		prompt := c.buildPrompt(scope, episodes, facts)
		for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
			raw, err := c.completer.Complete(ctx, prompt)
			if err != nil {
				c.logger.Warn("consolidation attempt failed",
					zap.Int("attempt", attempt),
					zap.Error(fmt.Errorf("%w: %v", ErrCompletionUnavailable, err)),
				)
				continue
			}
			payload, err := parseSynthesis(raw)
			if err != nil {
				c.logger.Warn("consolidation response rejected",
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				continue
			}
			return payload, false
		}
	}

	c.logger.Info("consolidation falling back to deterministic summary",
		zap.String("user_id", userID),
		zap.String("scope", string(scope.Type)),
	)
	return c.fallbackPayload(scope, facts), true
}

// buildPrompt formats the capped digest and the response contract.
func (c *Consolidator) buildPrompt(scope ConsolidationScope, episodes []EpisodicMemory, facts []SemanticMemory) string {
	var b strings.Builder
	b.WriteString("You maintain an agent's long-term memory. Consolidate the material below into one summary for ")
	switch scope.Type {
	case ScopeEntity:
		fmt.Fprintf(&b, "entity %s.\n", scope.EntityID)
	case ScopeTopic:
		fmt.Fprintf(&b, "topic %s.\n", scope.PredicatePattern)
	case ScopeSessionWindow:
		fmt.Fprintf(&b, "the last %d sessions.\n", scope.SessionCount)
	}

	if len(facts) > 0 {
		b.WriteString("\nKnown facts:\n")
		for i, m := range facts {
			if i >= c.cfg.MaxDigestItems {
				break
			}
			fmt.Fprintf(&b, "- [%s] (%s %s %s) confidence=%.2f observed=%d: %s\n",
				m.ID, m.Subject, m.Predicate, m.Object, m.Confidence, m.ReinforcementCount, truncate(m.Content, 200))
		}
	}
	if len(episodes) > 0 {
		b.WriteString("\nEpisodes:\n")
		for i, m := range episodes {
			if i >= c.cfg.MaxDigestItems {
				break
			}
			fmt.Fprintf(&b, "- [%s] %s: %s\n", m.ID, m.CreatedAt.Format("2006-01-02"), truncate(m.Content, 200))
		}
	}

	b.WriteString(`
Respond with only a JSON object:
{
  "narrative": "prose summary",
  "key_facts": {"fact_name": {"value": "...", "confidence": 0.0, "observation_count": 0, "source_memory_ids": ["..."]}},
  "interaction_patterns": ["..."],
  "needs_validation": ["facts that look stale or contradictory"],
  "confirmed_memory_ids": ["ids of facts the episodes independently confirm"]
}
`)
	return b.String()
}

// fallbackPayload builds a summary from high-confidence semantic memories
// only, without any external call.
func (c *Consolidator) fallbackPayload(scope ConsolidationScope, facts []SemanticMemory) synthesisPayload {
	payload := synthesisPayload{
		KeyFacts: map[string]synthesisFact{},
	}
	lines := []string{}
	for _, m := range facts {
		if m.Confidence < c.cfg.FallbackSemanticFloor {
			continue
		}
		if len(payload.KeyFacts) >= c.cfg.MaxDigestItems {
			break
		}
		name := normalizePredicate(m.Predicate)
		if name == "" {
			name = "fact"
		}
		if _, exists := payload.KeyFacts[name]; exists {
			name = fmt.Sprintf("%s_%d", name, len(payload.KeyFacts))
		}
		payload.KeyFacts[name] = synthesisFact{
			Value:            m.Object,
			Confidence:       m.Confidence,
			ObservationCount: m.ReinforcementCount,
			SourceMemoryIDs:  []string{m.ID},
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", m.Subject, m.Predicate, m.Object))
	}

	label := scope.Key()
	if label == "" {
		label = string(scope.Type)
	}
	if len(lines) == 0 {
		payload.Narrative = fmt.Sprintf("Automatic summary for %s: no high-confidence facts available yet.", label)
	} else {
		payload.Narrative = fmt.Sprintf("Automatic summary for %s: %s.", label, strings.Join(lines, "; "))
	}
	return payload
}

// boostConfirmed raises trust on every memory the synthesis confirmed:
// capped confidence boost plus a fresh validation stamp. Missing ids are
// logged, never fatal.
func (c *Consolidator) boostConfirmed(ctx context.Context, ids []string) {
	if c.validator == nil {
		return
	}
	now := c.now()
	for _, id := range ids {
		m, err := c.semantic.GetSemantic(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				c.logger.Warn("confirmed memory load failed", zap.String("memory_id", id), zap.Error(err))
			}
			continue
		}
		if m.Status == StatusSuperseded || m.Status == StatusInvalidated {
			continue
		}
		m.Confidence = raiseCapped(m.Confidence, c.cfg.ConfirmationBoost, c.cfg.MaxConfidence)
		m.LastValidatedAt = &now
		m.UpdatedAt = now
		if _, err := c.semantic.UpdateSemantic(ctx, m); err != nil {
			c.logger.Warn("confirmed memory boost failed", zap.String("memory_id", id), zap.Error(err))
		}
	}
}

// summaryConfidence is the mean key-fact confidence, defaulting to a
// moderate value for narrative-only summaries.
func summaryConfidence(facts map[string]KeyFact) float64 {
	if len(facts) == 0 {
		return 0.6
	}
	total := 0.0
	for _, f := range facts {
		total += f.Confidence
	}
	return clamp01(total / float64(len(facts)))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
