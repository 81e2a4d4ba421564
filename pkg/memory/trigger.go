package memory

import (
	"context"
	"fmt"
)

// TriggerConfig carries the consolidation thresholds.
type TriggerConfig struct {
	// EntityEpisodeThreshold is the raw episode count at which an entity
	// scope becomes pending.
	EntityEpisodeThreshold int
	// SessionWindowSessions is both the completed-session threshold and the
	// default window size.
	SessionWindowSessions int
}

func (c TriggerConfig) withDefaults() TriggerConfig {
	if c.EntityEpisodeThreshold <= 0 {
		c.EntityEpisodeThreshold = 10
	}
	if c.SessionWindowSessions <= 0 {
		c.SessionWindowSessions = 3
	}
	return c
}

// ConsolidationTrigger decides whether a scope has accumulated enough raw
// material to warrant consolidation. Advisory only: the synthesis step does
// not re-check the threshold.
type ConsolidationTrigger struct {
	cfg      TriggerConfig
	episodic EpisodicStore
}

func NewConsolidationTrigger(cfg TriggerConfig, episodic EpisodicStore) *ConsolidationTrigger {
	return &ConsolidationTrigger{cfg: cfg.withDefaults(), episodic: episodic}
}

// ShouldConsolidate reports whether the scope is pending.
func (t *ConsolidationTrigger) ShouldConsolidate(ctx context.Context, userID string, scope ConsolidationScope) (bool, error) {
	switch scope.Type {
	case ScopeEntity:
		counts, err := t.episodic.EntityCounts(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("count entity episodes: %w", err)
		}
		return counts[scope.EntityID] >= t.cfg.EntityEpisodeThreshold, nil
	case ScopeSessionWindow:
		sessions, err := t.episodic.CountSessions(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("count sessions: %w", err)
		}
		return sessions >= t.cfg.SessionWindowSessions, nil
	case ScopeTopic:
		// Topic scopes are always caller-driven; there is no accumulation
		// counter for a predicate pattern.
		return true, nil
	}
	return false, fmt.Errorf("unknown scope type %q", scope.Type)
}

// PendingScopes lists every scope currently over threshold for the user:
// one entity scope per accumulating entity, plus the session window when
// enough sessions completed.
func (t *ConsolidationTrigger) PendingScopes(ctx context.Context, userID string) ([]ConsolidationScope, error) {
	counts, err := t.episodic.EntityCounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count entity episodes: %w", err)
	}
	scopes := make([]ConsolidationScope, 0, len(counts)+1)
	for entityID, n := range counts {
		if n >= t.cfg.EntityEpisodeThreshold {
			scopes = append(scopes, ConsolidationScope{Type: ScopeEntity, EntityID: entityID})
		}
	}
	sessions, err := t.episodic.CountSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if sessions >= t.cfg.SessionWindowSessions {
		scopes = append(scopes, ConsolidationScope{Type: ScopeSessionWindow, SessionCount: t.cfg.SessionWindowSessions})
	}
	return scopes, nil
}
