package memory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the referenced memory row does not exist.
	ErrNotFound = errors.New("memory not found")

	// ErrVersionConflict indicates a concurrent writer updated the memory
	// between read and write; the caller should re-read and retry.
	ErrVersionConflict = errors.New("memory version conflict")

	// ErrIllegalTransition indicates a lifecycle move the transition table
	// forbids, e.g. invalidated back to active.
	ErrIllegalTransition = errors.New("illegal memory status transition")

	// ErrEmbeddingUnavailable is fatal to the single request that needed
	// the embedding.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrCompletionUnavailable is fatal to a single consolidation attempt
	// and triggers retry, then fallback.
	ErrCompletionUnavailable = errors.New("completion unavailable")

	// ErrMalformedSynthesis indicates the completion response did not decode
	// into the synthesis schema.
	ErrMalformedSynthesis = errors.New("malformed synthesis payload")

	// ErrScopeNotPending indicates a consolidation scope below threshold
	// without force set.
	ErrScopeNotPending = errors.New("consolidation scope below threshold")
)

// AmbiguousEntityError surfaces an unresolved entity mention together with
// every candidate, so the caller can ask the user instead of guessing.
type AmbiguousEntityError struct {
	Mention    string
	Candidates []ResolvedEntity
}

func (e *AmbiguousEntityError) Error() string {
	names := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		names = append(names, c.CanonicalName)
	}
	return fmt.Sprintf("ambiguous entity %q: candidates [%s]", e.Mention, strings.Join(names, ", "))
}

// PreconditionError reports a caller contract violation, such as comparing
// memories about different subjects. Treat as an assertion, not a
// recoverable runtime condition.
type PreconditionError struct {
	Op     string
	Detail string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: precondition violated: %s", e.Op, e.Detail)
}
