package memory

import (
	"context"
	"fmt"
	"math"
	"time"
)

// DecayConfig carries the lifecycle constants for decay, confirmation and
// deactivation.
type DecayConfig struct {
	// ImportanceHalfLifeDays drives the importance decay of free-text
	// memories; decayed importance never drops under half its current value.
	ImportanceHalfLifeDays float64
	// ConfidenceDecayRate is the per-day exponential rate for triple
	// confidence; no floor beyond zero.
	ConfidenceDecayRate float64
	// ImportanceFloorRatio floors decayed importance relative to the
	// current value.
	ImportanceFloorRatio float64
	// ConfirmationIncrement is added to confidence and importance on each
	// confirmation.
	ConfirmationIncrement float64
	// MaxConfidence caps every upward nudge.
	MaxConfidence float64
	// DeactivationFloor is the confidence under which a memory should be
	// deactivated.
	DeactivationFloor float64
}

func (c DecayConfig) withDefaults() DecayConfig {
	if c.ImportanceHalfLifeDays <= 0 {
		c.ImportanceHalfLifeDays = 90
	}
	if c.ConfidenceDecayRate <= 0 {
		c.ConfidenceDecayRate = 0.01
	}
	if c.ImportanceFloorRatio <= 0 {
		c.ImportanceFloorRatio = 0.5
	}
	if c.ConfirmationIncrement <= 0 {
		c.ConfirmationIncrement = 0.05
	}
	if c.MaxConfidence <= 0 {
		c.MaxConfidence = 0.95
	}
	if c.DeactivationFloor <= 0 {
		c.DeactivationFloor = 0.3
	}
	return c
}

// Validator applies decay and reinforcement to individual memories,
// independent of any single query.
type Validator struct {
	cfg   DecayConfig
	store SemanticStore
	now   func() time.Time
}

func NewValidator(cfg DecayConfig, store SemanticStore) *Validator {
	return &Validator{cfg: cfg.withDefaults(), store: store, now: time.Now}
}

// decayReference is the last-touched timestamp decay counts from.
func decayReference(m SemanticMemory) time.Time {
	if m.LastValidatedAt != nil {
		return *m.LastValidatedAt
	}
	return m.CreatedAt
}

// DecayImportance returns the decayed importance of a free-text memory at
// now. Intentionally floored at half the stored value: well-established
// statements fade but are not forgotten.
func (v *Validator) DecayImportance(m SemanticMemory, now time.Time) float64 {
	days := now.Sub(decayReference(m)).Hours() / 24
	if days <= 0 {
		return m.Importance
	}
	decayed := m.Importance * math.Exp(-days*math.Ln2/v.cfg.ImportanceHalfLifeDays)
	floor := m.Importance * v.cfg.ImportanceFloorRatio
	if decayed < floor {
		return floor
	}
	return decayed
}

// DecayConfidence returns the decayed confidence of a triple at now. No
// floor: an unconfirmed triple can decay all the way to zero.
func (v *Validator) DecayConfidence(m SemanticMemory, now time.Time) float64 {
	days := now.Sub(decayReference(m)).Hours() / 24
	if days <= 0 {
		return m.Confidence
	}
	return clamp01(m.Confidence * math.Exp(-v.cfg.ConfidenceDecayRate*days))
}

// Confirm records a matching observation on an existing memory: one more
// reinforcement, a capped upward nudge of confidence and importance, the
// triggering event appended, and the validation timestamp refreshed. An
// aging memory returns to active; this is the only resurrection path.
func (v *Validator) Confirm(ctx context.Context, m SemanticMemory, eventID string) (SemanticMemory, error) {
	if m.Status != StatusActive && m.Status != StatusAging && m.Status != StatusConflicted {
		return SemanticMemory{}, &PreconditionError{
			Op:     "confirm memory",
			Detail: fmt.Sprintf("memory %s has terminal status %s", m.ID, m.Status),
		}
	}

	now := v.now()
	m.ReinforcementCount++
	m.Confidence = raiseCapped(m.Confidence, v.cfg.ConfirmationIncrement, v.cfg.MaxConfidence)
	m.Importance = raiseCapped(m.Importance, v.cfg.ConfirmationIncrement, v.cfg.MaxConfidence)
	if eventID != "" {
		m.SourceEventIDs = appendUnique(m.SourceEventIDs, eventID)
	}
	m.LastValidatedAt = &now
	m.UpdatedAt = now
	if m.Status != StatusActive {
		m.Status = StatusActive
	}

	updated, err := v.store.UpdateSemantic(ctx, m)
	if err != nil {
		return SemanticMemory{}, fmt.Errorf("persist confirmation of %s: %w", m.ID, err)
	}
	return updated, nil
}

// ShouldDeactivate is the deactivation policy predicate. It decides only;
// applying it is the caller's responsibility.
func (v *Validator) ShouldDeactivate(m SemanticMemory, now time.Time) bool {
	return v.DecayConfidence(m, now) < v.cfg.DeactivationFloor
}

func capAt(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}

// raiseCapped nudges a value upward without ever lowering it. A value
// already over the cap stays where it is.
func raiseCapped(current, increment, limit float64) float64 {
	raised := capAt(current+increment, limit)
	if raised < current {
		return current
	}
	return raised
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
