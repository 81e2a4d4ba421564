package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetrieveOptions shape one retrieval call.
type RetrieveOptions struct {
	UserID   string
	Strategy StrategyName
	TopK     int
	Filters  RetrievalFilters
}

// Retriever orchestrates a retrieval: embed the query, resolve entity
// mentions, generate candidates, score, take top-k.
type Retriever struct {
	embedder  Embedder
	resolver  EntityResolver
	generator *CandidateGenerator
	scorer    *Scorer
	metrics   MetricSink
	logger    *zap.Logger
	now       func() time.Time
}

func NewRetriever(embedder Embedder, resolver EntityResolver, generator *CandidateGenerator, scorer *Scorer, metrics MetricSink, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		embedder:  embedder,
		resolver:  resolver,
		generator: generator,
		scorer:    scorer,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Retrieve returns the top-k scored memories for a query. An embedding
// failure is fatal to the call; an ambiguous entity mention propagates so
// the caller can ask the user instead of guessing.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (RetrievalResult, error) {
	started := r.now()
	query = strings.TrimSpace(query)
	if query == "" {
		return RetrievalResult{Strategy: opts.Strategy}, nil
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyFactualEntityFocused
	}

	queryEmbedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return RetrievalResult{}, fmt.Errorf("embed query: %w: %v", ErrEmbeddingUnavailable, err)
	}

	var entityIDs []string
	if r.resolver != nil {
		entities, err := r.resolver.ResolveEntities(ctx, query, opts.UserID)
		if err != nil {
			return RetrievalResult{}, err
		}
		for _, e := range entities {
			entityIDs = append(entityIDs, e.ID)
		}
	}

	candidates := r.generator.Generate(ctx, QueryContext{
		UserID:         opts.UserID,
		QueryEmbedding: queryEmbedding,
		EntityIDs:      entityIDs,
		Strategy:       opts.Strategy,
		Filters:        opts.Filters,
	})

	scored := r.scorer.Score(r.now(), queryEmbedding, entityIDs, opts.Strategy, candidates)
	if len(scored) > opts.TopK {
		scored = scored[:opts.TopK]
	}

	elapsed := r.now().Sub(started)
	if r.metrics != nil {
		_ = r.metrics.AddMetric(ctx, "retrieval.candidates", float64(len(candidates)), map[string]string{"strategy": string(opts.Strategy)})
		_ = r.metrics.AddMetric(ctx, "retrieval.returned", float64(len(scored)), map[string]string{"strategy": string(opts.Strategy)})
	}
	r.logger.Debug("retrieval complete",
		zap.String("user_id", opts.UserID),
		zap.String("strategy", string(opts.Strategy)),
		zap.Int("candidates", len(candidates)),
		zap.Int("returned", len(scored)),
		zap.Duration("elapsed", elapsed),
	)

	return RetrievalResult{
		Memories:       scored,
		CandidateCount: len(candidates),
		Strategy:       opts.Strategy,
		Elapsed:        elapsed,
	}, nil
}
