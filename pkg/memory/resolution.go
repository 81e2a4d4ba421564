package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ConflictResolver executes a resolution decision against persisted state.
// It only ever marks the losing memory; persisting a winning new memory is
// the caller's responsibility.
type ConflictResolver struct {
	store  SemanticStore
	logger *zap.Logger
}

func NewConflictResolver(store SemanticStore, logger *zap.Logger) *ConflictResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictResolver{store: store, logger: logger}
}

// Resolve applies a strategy to a conflict. Pass an empty override to use
// the detector's recommendation. Status updates are version checked; a
// concurrent mutation surfaces as ErrVersionConflict.
func (r *ConflictResolver) Resolve(ctx context.Context, conflict MemoryConflict, override ResolutionStrategy) (ResolutionResult, error) {
	strategy := conflict.Recommended
	if override != "" {
		strategy = override
	}

	switch strategy {
	case TrustDB:
		return r.trustDB(ctx, conflict)
	case KeepNewest, KeepHighestConfidence, KeepMostReinforced:
		return r.keepWinner(ctx, conflict, strategy)
	case RequireClarification:
		return ResolutionResult{
			Strategy:  RequireClarification,
			Rationale: fmt.Sprintf("no signal crosses a resolution threshold for %q %s; the user must clarify", conflict.Subject, conflict.Predicate),
			Action:    ActionAskUser,
		}, nil
	default:
		return ResolutionResult{}, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// trustDB invalidates the memory; the winner is the external database, not
// a memory id.
func (r *ConflictResolver) trustDB(ctx context.Context, conflict MemoryConflict) (ResolutionResult, error) {
	m, err := r.store.GetSemantic(ctx, conflict.ExistingID)
	if err != nil {
		return ResolutionResult{}, fmt.Errorf("load conflicted memory: %w", err)
	}
	if err := r.store.TransitionStatus(ctx, m.ID, StatusInvalidated, "", m.Version); err != nil {
		return ResolutionResult{}, fmt.Errorf("invalidate memory %s: %w", m.ID, err)
	}
	loser := m.ID
	r.logger.Info("memory invalidated against ground truth",
		zap.String("memory_id", m.ID),
		zap.String("predicate", conflict.Predicate),
	)
	return ResolutionResult{
		LoserID:   &loser,
		Strategy:  TrustDB,
		Rationale: fmt.Sprintf("authoritative database reports %q, memory recorded %q", conflict.ChallengerValue, conflict.ExistingValue),
		Action:    ActionInvalidate,
	}, nil
}

func (r *ConflictResolver) keepWinner(ctx context.Context, conflict MemoryConflict, strategy ResolutionStrategy) (ResolutionResult, error) {
	challengerWins, metric := decideWinner(conflict, strategy)

	if challengerWins {
		if conflict.ChallengerID == "" {
			return ResolutionResult{}, &PreconditionError{
				Op:     "resolve conflict",
				Detail: "challenger wins but has no persisted id; persist the new memory before resolving",
			}
		}
		existing, err := r.store.GetSemantic(ctx, conflict.ExistingID)
		if err != nil {
			return ResolutionResult{}, fmt.Errorf("load losing memory: %w", err)
		}
		if err := r.store.TransitionStatus(ctx, existing.ID, StatusSuperseded, conflict.ChallengerID, existing.Version); err != nil {
			return ResolutionResult{}, fmt.Errorf("supersede memory %s: %w", existing.ID, err)
		}
		if err := r.reactivate(ctx, conflict.ChallengerID); err != nil {
			return ResolutionResult{}, err
		}
		winner, loser := conflict.ChallengerID, existing.ID
		r.logger.Info("memory superseded",
			zap.String("loser", loser),
			zap.String("winner", winner),
			zap.String("strategy", string(strategy)),
		)
		return ResolutionResult{
			WinnerID:  &winner,
			LoserID:   &loser,
			Strategy:  strategy,
			Rationale: fmt.Sprintf("challenger wins on %s (%s)", metric, describeDelta(conflict, strategy)),
			Action:    ActionSupersede,
		}, nil
	}

	// Existing side wins. When the challenger is an unpersisted observation
	// there is nothing to mark; the caller simply discards it.
	winner := conflict.ExistingID
	if err := r.reactivate(ctx, winner); err != nil {
		return ResolutionResult{}, err
	}
	result := ResolutionResult{
		WinnerID:  &winner,
		Strategy:  strategy,
		Rationale: fmt.Sprintf("existing memory wins on %s (%s)", metric, describeDelta(conflict, strategy)),
		Action:    ActionSupersede,
	}
	if conflict.ChallengerID != "" {
		challenger, err := r.store.GetSemantic(ctx, conflict.ChallengerID)
		if err != nil {
			return ResolutionResult{}, fmt.Errorf("load losing memory: %w", err)
		}
		if err := r.store.TransitionStatus(ctx, challenger.ID, StatusSuperseded, winner, challenger.Version); err != nil {
			return ResolutionResult{}, fmt.Errorf("supersede memory %s: %w", challenger.ID, err)
		}
		loser := challenger.ID
		result.LoserID = &loser
	}
	return result, nil
}

// reactivate returns a conflicted winner to active so it is retrievable
// again. Any other status is left alone.
func (r *ConflictResolver) reactivate(ctx context.Context, id string) error {
	m, err := r.store.GetSemantic(ctx, id)
	if err != nil {
		return fmt.Errorf("load winning memory: %w", err)
	}
	if m.Status != StatusConflicted {
		return nil
	}
	if err := r.store.TransitionStatus(ctx, m.ID, StatusActive, "", m.Version); err != nil {
		return fmt.Errorf("reactivate memory %s: %w", m.ID, err)
	}
	return nil
}

// decideWinner picks the winning side from the signed challenger-minus-
// existing deltas. A zero temporal delta goes to the challenger: keep_newest
// chosen on a tie means "keep the new value".
func decideWinner(conflict MemoryConflict, strategy ResolutionStrategy) (challengerWins bool, metric string) {
	switch strategy {
	case KeepNewest:
		return conflict.TemporalDiffDays >= 0, "recency"
	case KeepHighestConfidence:
		return conflict.ConfidenceDiff > 0, "confidence"
	case KeepMostReinforced:
		return conflict.ReinforcementDiff > 0, "reinforcement"
	}
	return false, "unknown"
}

func describeDelta(conflict MemoryConflict, strategy ResolutionStrategy) string {
	switch strategy {
	case KeepNewest:
		return fmt.Sprintf("temporal delta %.1f days", conflict.TemporalDiffDays)
	case KeepHighestConfidence:
		return fmt.Sprintf("confidence delta %.2f", conflict.ConfidenceDiff)
	case KeepMostReinforced:
		return fmt.Sprintf("reinforcement delta %d", conflict.ReinforcementDiff)
	}
	return ""
}
