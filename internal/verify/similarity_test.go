package verify

import (
	"context"
	"errors"
	"math"
	"testing"
)

type stubEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector, ok := s.vectors[text]
		if !ok {
			vector = []float32{1, 0, 0}
		}
		out = append(out, vector)
	}
	return out, nil
}

func TestSimilarityIdenticalTexts(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"hello": {0.3, 0.7, 0.2},
	}}
	validator := NewSimilarityValidator(embedder, 0.75)
	passed, score, err := validator.Check(context.Background(), "hello", "hello")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !passed {
		t.Fatalf("identical texts must pass, score=%.4f", score)
	}
	if math.Abs(score-1) > 1e-6 {
		t.Fatalf("expected self-similarity 1.0, got %.6f", score)
	}
}

func TestSimilarityScoreWithinCosineRange(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"a": {1, 0},
		"b": {-1, 0},
	}}
	validator := NewSimilarityValidator(embedder, 0.75)
	passed, score, err := validator.Check(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if passed {
		t.Fatalf("opposite vectors must not pass")
	}
	if score < -1 || score > 1 {
		t.Fatalf("cosine score out of range: %.4f", score)
	}
}

func TestSimilarityBatchesBothTextsInOneCall(t *testing.T) {
	embedder := &stubEmbedder{}
	validator := NewSimilarityValidator(embedder, 0.75)
	if _, _, err := validator.Check(context.Background(), "x", "y"); err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if embedder.calls != 1 {
		t.Fatalf("expected a single batched embed call, got %d", embedder.calls)
	}
}

func TestSimilarityPropagatesEmbedderError(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("embedding service down")}
	validator := NewSimilarityValidator(embedder, 0.75)
	_, _, err := validator.Check(context.Background(), "a", "b")
	if err == nil {
		t.Fatalf("expected embedder error to propagate")
	}
}

func TestSimilarityDefaultThreshold(t *testing.T) {
	validator := NewSimilarityValidator(&stubEmbedder{}, 0)
	if validator.Threshold() != DefaultSimilarityThreshold {
		t.Fatalf("expected default threshold %.2f, got %.2f", DefaultSimilarityThreshold, validator.Threshold())
	}
}

func TestCosineSimilarityMismatchedLengths(t *testing.T) {
	if _, err := cosineSimilarity([]float32{1, 2}, []float32{1}); err == nil {
		t.Fatalf("expected error for mismatched vector lengths")
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	if _, err := cosineSimilarity([]float32{0, 0}, []float32{1, 0}); err == nil {
		t.Fatalf("expected error for zero-magnitude vector")
	}
}
