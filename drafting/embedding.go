package drafting

import (
	"context"
	"math"
)

// Embedder turns text into a vector for semantic similarity scoring. The
// retriever calls it lazily and caches results on the artifact via the store,
// so one artifact is embedded at most once.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Cosine computes cosine similarity between two vectors. Mismatched or empty
// vectors score zero rather than erroring; a missing embedding just contributes
// no similarity signal.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
