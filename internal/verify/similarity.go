package verify

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Embedder encodes texts into fixed-length vectors. One call with both texts
// batched has the same semantics as two single-item calls.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SimilarityValidator is the tier-2 check: cosine similarity between the
// actual response and the expected semantic meaning.
type SimilarityValidator struct {
	embedder  Embedder
	threshold float64
}

func NewSimilarityValidator(embedder Embedder, threshold float64) *SimilarityValidator {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &SimilarityValidator{embedder: embedder, threshold: threshold}
}

func (v *SimilarityValidator) Threshold() float64 {
	return v.threshold
}

// Check returns whether the texts are close enough, plus the raw cosine score
// for diagnostics. Embedding failures propagate: silently passing or failing
// on an infrastructure error would corrupt the verification signal.
func (v *SimilarityValidator) Check(ctx context.Context, actual, expected string) (bool, float64, error) {
	vectors, err := v.embedder.Embed(ctx, []string{actual, expected})
	if err != nil {
		return false, 0, fmt.Errorf("embed texts: %w", err)
	}
	if len(vectors) != 2 {
		return false, 0, fmt.Errorf("embedder returned %d vectors, want 2", len(vectors))
	}
	score, err := cosineSimilarity(vectors[0], vectors[1])
	if err != nil {
		return false, 0, err
	}
	return score >= v.threshold, score, nil
}

func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("embedding length mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, errors.New("zero-magnitude embedding")
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
