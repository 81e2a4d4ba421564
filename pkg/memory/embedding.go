package memory

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

const (
	chargramModelID = "dotmemory-chargram-384-v1"
	hashModelID     = "dotmemory-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// ChargramEmbedder is the deterministic offline embedder: character
// trigrams plus token features, L2-normalized. It exists so retrieval and
// tests work without a network embedding provider.
type ChargramEmbedder struct {
	dims int
}

func NewChargramEmbedder(dims int) *ChargramEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &ChargramEmbedder{dims: dims}
}

func (e *ChargramEmbedder) ModelID() string { return chargramModelID }
func (e *ChargramEmbedder) Dimensions() int { return e.dims }

func (e *ChargramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		gram := window[i : i+3]
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		vec[idx] += 1
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		vec[idx] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

// HashEmbedder is a cheaper token-hash embedder kept for small stores.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) ModelID() string { return hashModelID }
func (e *HashEmbedder) Dimensions() int { return e.dims }

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[idx] += sign * weight
	}
	normalizeVector(vec)
	return vec, nil
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func vectorNorm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// cosineSimilarity computes cosine over the shared prefix of a and b.
// Vectors are not assumed normalized.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
