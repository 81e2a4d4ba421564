package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// RetrievalFilters narrows what the candidate generator fetches.
type RetrievalFilters struct {
	// MemoryTypes excludes any layer not listed; empty means all layers.
	MemoryTypes []MemoryLayer
	// MinConfidence floors the semantic fetch.
	MinConfidence float64
	// ScopeType narrows the summary fetch to one scope kind.
	ScopeType ScopeType
	// SessionID narrows the episodic fetch to one session.
	SessionID string
}

func (f RetrievalFilters) includes(layer MemoryLayer) bool {
	if len(f.MemoryTypes) == 0 {
		return true
	}
	for _, l := range f.MemoryTypes {
		if l == layer {
			return true
		}
	}
	return false
}

// QueryContext is everything the generator and scorer need for one call.
type QueryContext struct {
	UserID         string
	QueryEmbedding []float32
	EntityIDs      []string
	Strategy       StrategyName
	Filters        RetrievalFilters
}

// CandidateLimits bounds each per-layer fetch independently.
type CandidateLimits struct {
	Semantic int
	Episodic int
	Summary  int
}

func (l CandidateLimits) withDefaults() CandidateLimits {
	if l.Semantic <= 0 {
		l.Semantic = 48
	}
	if l.Episodic <= 0 {
		l.Episodic = 32
	}
	if l.Summary <= 0 {
		l.Summary = 16
	}
	return l
}

// CandidateGenerator fans out to the three memory layers concurrently and
// merges the results. A failing layer is logged and contributes zero
// candidates; retrieval degrades instead of aborting.
type CandidateGenerator struct {
	semantic  SemanticStore
	episodic  EpisodicStore
	summaries SummaryStore
	limits    CandidateLimits
	metrics   MetricSink
	logger    *zap.Logger
}

func NewCandidateGenerator(semantic SemanticStore, episodic EpisodicStore, summaries SummaryStore, limits CandidateLimits, metrics MetricSink, logger *zap.Logger) *CandidateGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandidateGenerator{
		semantic:  semantic,
		episodic:  episodic,
		summaries: summaries,
		limits:    limits.withDefaults(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Generate fetches, merges and deduplicates candidates. No ordering is
// established here beyond a fixed semantic/episodic/summary merge order;
// ranking is the scorer's job.
func (g *CandidateGenerator) Generate(ctx context.Context, qc QueryContext) []MemoryCandidate {
	var (
		wg       sync.WaitGroup
		semantic []MemoryCandidate
		episodic []MemoryCandidate
		summary  []MemoryCandidate
	)

	if qc.Filters.includes(LayerSemantic) && g.semantic != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := g.semantic.SearchSemantic(ctx, qc.UserID, qc.QueryEmbedding, g.limits.Semantic, qc.Filters.MinConfidence)
			if err != nil {
				g.layerFailed(ctx, LayerSemantic, err)
				return
			}
			for _, m := range rows {
				semantic = append(semantic, CandidateFromSemantic(m))
			}
		}()
	}
	if qc.Filters.includes(LayerEpisodic) && g.episodic != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := g.episodic.SearchEpisodic(ctx, qc.UserID, qc.QueryEmbedding, g.limits.Episodic, qc.Filters.SessionID)
			if err != nil {
				g.layerFailed(ctx, LayerEpisodic, err)
				return
			}
			for _, m := range rows {
				episodic = append(episodic, CandidateFromEpisodic(m))
			}
		}()
	}
	if qc.Filters.includes(LayerSummary) && g.summaries != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := g.summaries.SearchSummaries(ctx, qc.UserID, qc.QueryEmbedding, g.limits.Summary, qc.Filters.ScopeType)
			if err != nil {
				g.layerFailed(ctx, LayerSummary, err)
				return
			}
			for _, m := range rows {
				summary = append(summary, CandidateFromSummary(m))
			}
		}()
	}
	wg.Wait()

	merged := make([]MemoryCandidate, 0, len(semantic)+len(episodic)+len(summary))
	merged = append(merged, semantic...)
	merged = append(merged, episodic...)
	merged = append(merged, summary...)
	return dedupeCandidates(merged)
}

func (g *CandidateGenerator) layerFailed(ctx context.Context, layer MemoryLayer, err error) {
	g.logger.Warn("candidate layer fetch failed",
		zap.String("layer", string(layer)),
		zap.Error(err),
	)
	if g.metrics != nil {
		_ = g.metrics.AddMetric(ctx, "retrieval.layer_failed", 1, map[string]string{"layer": string(layer)})
	}
}

// dedupeCandidates drops duplicate (layer, id) pairs, first occurrence wins.
func dedupeCandidates(candidates []MemoryCandidate) []MemoryCandidate {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]MemoryCandidate, 0, len(candidates))
	for _, c := range candidates {
		key := string(c.Layer) + "/" + c.ID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}
