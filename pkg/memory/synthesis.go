package memory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// synthesisPayload is the structure the completion provider must return.
// Decoding is strict about shape, lenient about text fencing.
type synthesisPayload struct {
	Narrative           string                   `json:"narrative"`
	KeyFacts            map[string]synthesisFact `json:"key_facts"`
	InteractionPatterns []string                 `json:"interaction_patterns"`
	NeedsValidation     []string                 `json:"needs_validation"`
	ConfirmedMemoryIDs  []string                 `json:"confirmed_memory_ids"`
}

type synthesisFact struct {
	Value            string   `json:"value"`
	Confidence       float64  `json:"confidence"`
	ObservationCount int      `json:"observation_count"`
	SourceMemoryIDs  []string `json:"source_memory_ids"`
}

// parseSynthesis decodes a completion response into the synthesis schema.
// Returns ErrMalformedSynthesis on any structural problem.
func parseSynthesis(raw string) (synthesisPayload, error) {
	var payload synthesisPayload
	body := stripCodeFences(raw)
	if strings.TrimSpace(body) == "" {
		return payload, fmt.Errorf("%w: empty response", ErrMalformedSynthesis)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrMalformedSynthesis, err)
	}
	if strings.TrimSpace(payload.Narrative) == "" {
		return payload, fmt.Errorf("%w: missing narrative", ErrMalformedSynthesis)
	}
	for name, fact := range payload.KeyFacts {
		if strings.TrimSpace(fact.Value) == "" {
			return payload, fmt.Errorf("%w: key fact %q has no value", ErrMalformedSynthesis, name)
		}
		if fact.Confidence < 0 || fact.Confidence > 1 {
			return payload, fmt.Errorf("%w: key fact %q confidence %v out of range", ErrMalformedSynthesis, name, fact.Confidence)
		}
	}
	return payload, nil
}

// stripCodeFences removes a surrounding markdown fence if present. Kept
// separate from decoding so the schema check does not depend on any
// particular fencing convention.
func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
