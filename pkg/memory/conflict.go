package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConflictConfig carries the thresholds of the resolution recommendation
// ladder.
type ConflictConfig struct {
	TemporalThresholdDays  float64
	ConfidenceThreshold    float64
	ReinforcementThreshold int
}

func (c ConflictConfig) withDefaults() ConflictConfig {
	if c.TemporalThresholdDays <= 0 {
		c.TemporalThresholdDays = 30
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.2
	}
	if c.ReinforcementThreshold <= 0 {
		c.ReinforcementThreshold = 3
	}
	return c
}

// actionPredicates are state transitions: a disagreement here usually means
// the world changed, not that one side is wrong.
var actionPredicates = map[string]struct{}{
	"moved_to":    {},
	"changed_to":  {},
	"switched_to": {},
	"started":     {},
	"stopped":     {},
	"joined":      {},
	"left":        {},
	"became":      {},
	"completed":   {},
}

// statusPredicates are checked against the authoritative external database.
var statusPredicates = map[string]struct{}{
	"status":              {},
	"state":               {},
	"account_status":      {},
	"membership_status":   {},
	"subscription_status": {},
	"employment_status":   {},
}

// ConflictDetector classifies disagreements between a new observation and an
// existing memory, or between a memory and a ground-truth fact.
type ConflictDetector struct {
	cfg   ConflictConfig
	truth GroundTruthDB
	now   func() time.Time
}

func NewConflictDetector(cfg ConflictConfig, truth GroundTruthDB) *ConflictDetector {
	return &ConflictDetector{cfg: cfg.withDefaults(), truth: truth, now: time.Now}
}

// DetectObservation compares a new observation against an existing memory
// about the same subject and predicate. Returns (nil, nil) when the
// normalized values agree. A subject/predicate mismatch is a caller bug and
// returns a PreconditionError.
func (d *ConflictDetector) DetectObservation(existing SemanticMemory, obs Observation) (*MemoryConflict, error) {
	if err := samePair("detect observation conflict", existing.Subject, existing.Predicate, obs.Subject, obs.Predicate); err != nil {
		return nil, err
	}
	if normalizeValue(existing.Object) == normalizeValue(obs.Object) {
		return nil, nil
	}

	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = d.now()
	}
	conflict := MemoryConflict{
		ID:               "cfl-" + uuid.NewString(),
		Type:             classifyPredicate(existing.Predicate),
		ExistingID:       existing.ID,
		Subject:          existing.Subject,
		Predicate:        existing.Predicate,
		ExistingValue:    existing.Object,
		ChallengerValue:  obs.Object,
		ConfidenceDiff:   obs.Confidence - existing.Confidence,
		TemporalDiffDays: observedAt.Sub(existing.CreatedAt).Hours() / 24,
		// A single observation counts as one reinforcement.
		ReinforcementDiff: 1 - existing.ReinforcementCount,
		DetectedAt:        d.now(),
	}
	conflict.Recommended = d.recommend(conflict)
	return &conflict, nil
}

// DetectBetween compares two persisted memories about the same subject and
// predicate; used by consolidation when cross-checking extracted facts.
func (d *ConflictDetector) DetectBetween(existing, challenger SemanticMemory) (*MemoryConflict, error) {
	if err := samePair("detect memory conflict", existing.Subject, existing.Predicate, challenger.Subject, challenger.Predicate); err != nil {
		return nil, err
	}
	if normalizeValue(existing.Object) == normalizeValue(challenger.Object) {
		return nil, nil
	}
	conflict := MemoryConflict{
		ID:                "cfl-" + uuid.NewString(),
		Type:              classifyPredicate(existing.Predicate),
		ExistingID:        existing.ID,
		ChallengerID:      challenger.ID,
		Subject:           existing.Subject,
		Predicate:         existing.Predicate,
		ExistingValue:     existing.Object,
		ChallengerValue:   challenger.Object,
		ConfidenceDiff:    challenger.Confidence - existing.Confidence,
		TemporalDiffDays:  challenger.CreatedAt.Sub(existing.CreatedAt).Hours() / 24,
		ReinforcementDiff: challenger.ReinforcementCount - existing.ReinforcementCount,
		DetectedAt:        d.now(),
	}
	conflict.Recommended = d.recommend(conflict)
	return &conflict, nil
}

// DetectAgainstDB checks a status-type memory against the authoritative
// database. Non-status predicates and missing facts yield no conflict.
// MEMORY_VS_DB always recommends TRUST_DB.
func (d *ConflictDetector) DetectAgainstDB(ctx context.Context, m SemanticMemory) (*MemoryConflict, error) {
	if d.truth == nil {
		return nil, nil
	}
	if _, ok := statusPredicates[normalizePredicate(m.Predicate)]; !ok {
		return nil, nil
	}
	fact, found, err := d.truth.LookupFact(ctx, m.Subject, m.Predicate)
	if err != nil {
		return nil, fmt.Errorf("ground truth lookup: %w", err)
	}
	if !found {
		return nil, nil
	}
	if normalizeValue(m.Object) == normalizeValue(fact.Object) {
		return nil, nil
	}
	return &MemoryConflict{
		ID:               "cfl-" + uuid.NewString(),
		Type:             ConflictMemoryVsDB,
		ExistingID:       m.ID,
		Subject:          m.Subject,
		Predicate:        m.Predicate,
		ExistingValue:    m.Object,
		ChallengerValue:  fact.Object,
		ConfidenceDiff:   1.0 - m.Confidence,
		TemporalDiffDays: fact.UpdatedAt.Sub(m.CreatedAt).Hours() / 24,
		Recommended:      TrustDB,
		DetectedAt:       d.now(),
	}, nil
}

// recommend applies the resolution ladder; first matching rule wins.
func (d *ConflictDetector) recommend(c MemoryConflict) ResolutionStrategy {
	if math.Abs(c.TemporalDiffDays) >= d.cfg.TemporalThresholdDays {
		return KeepNewest
	}
	if math.Abs(c.ConfidenceDiff) >= d.cfg.ConfidenceThreshold {
		return KeepHighestConfidence
	}
	if abs(c.ReinforcementDiff) >= d.cfg.ReinforcementThreshold {
		return KeepMostReinforced
	}
	return RequireClarification
}

// classifyPredicate maps action predicates to temporal inconsistency and
// everything else to value mismatch. LOGICAL_CONTRADICTION is reserved for
// a richer classifier.
func classifyPredicate(predicate string) ConflictType {
	if _, ok := actionPredicates[normalizePredicate(predicate)]; ok {
		return ConflictTemporalInconsistency
	}
	return ConflictValueMismatch
}

func samePair(op, subjectA, predicateA, subjectB, predicateB string) error {
	if normalizeValue(subjectA) != normalizeValue(subjectB) || normalizePredicate(predicateA) != normalizePredicate(predicateB) {
		return &PreconditionError{
			Op:     op,
			Detail: fmt.Sprintf("mismatched pair: (%s, %s) vs (%s, %s)", subjectA, predicateA, subjectB, predicateB),
		}
	}
	return nil
}

func normalizeValue(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(v))), " ")
}

func normalizePredicate(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	return strings.ReplaceAll(p, " ", "_")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
