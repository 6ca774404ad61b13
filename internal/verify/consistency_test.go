package verify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type stubClassifier struct {
	scores ClassScores
	err    error
}

func (s stubClassifier) Classify(context.Context, string, string) (ClassScores, error) {
	if s.err != nil {
		return ClassScores{}, s.err
	}
	return s.scores, nil
}

func TestClassScoresLabel(t *testing.T) {
	cases := []struct {
		scores ClassScores
		want   string
	}{
		{ClassScores{Contradiction: 0.9, Entailment: 0.05, Neutral: 0.05}, LabelContradiction},
		{ClassScores{Contradiction: 0.1, Entailment: 0.8, Neutral: 0.1}, LabelEntailment},
		{ClassScores{Contradiction: 0.2, Entailment: 0.2, Neutral: 0.6}, LabelNeutral},
	}
	for _, tc := range cases {
		if got := tc.scores.Label(); got != tc.want {
			t.Fatalf("Label() = %q, want %q for %+v", got, tc.want, tc.scores)
		}
	}
}

func TestConsistencyContradictionFails(t *testing.T) {
	validator := NewConsistencyValidator(func() (Classifier, error) {
		return stubClassifier{scores: ClassScores{Contradiction: 0.85, Entailment: 0.1, Neutral: 0.05}}, nil
	})
	passed, label, scores, err := validator.Check(context.Background(), "actual", "expected")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if passed {
		t.Fatalf("contradiction must fail")
	}
	if label != LabelContradiction {
		t.Fatalf("expected contradiction label, got %q", label)
	}
	if scores.Contradiction != 0.85 {
		t.Fatalf("expected contradiction score in result, got %.2f", scores.Contradiction)
	}
}

func TestConsistencyEntailmentAndNeutralPass(t *testing.T) {
	for _, scores := range []ClassScores{
		{Contradiction: 0.1, Entailment: 0.8, Neutral: 0.1},
		{Contradiction: 0.1, Entailment: 0.2, Neutral: 0.7},
	} {
		validator := NewConsistencyValidator(func() (Classifier, error) {
			return stubClassifier{scores: scores}, nil
		})
		passed, label, _, err := validator.Check(context.Background(), "actual", "expected")
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if !passed {
			t.Fatalf("label %q must pass", label)
		}
		if label != LabelEntailment && label != LabelNeutral {
			t.Fatalf("unexpected label %q", label)
		}
	}
}

func TestConsistencyLazyInitExactlyOnce(t *testing.T) {
	var constructions int64
	validator := NewConsistencyValidator(func() (Classifier, error) {
		atomic.AddInt64(&constructions, 1)
		return stubClassifier{scores: ClassScores{Entailment: 1}}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _, _ = validator.Check(context.Background(), "a", "b")
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&constructions); got != 1 {
		t.Fatalf("classifier constructed %d times, want exactly once", got)
	}
}

func TestConsistencyProviderErrorPropagates(t *testing.T) {
	validator := NewConsistencyValidator(func() (Classifier, error) {
		return nil, errors.New("model server unreachable")
	})
	_, _, _, err := validator.Check(context.Background(), "a", "b")
	if err == nil {
		t.Fatalf("expected provider error")
	}
	if !strings.Contains(err.Error(), "model server unreachable") {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}
