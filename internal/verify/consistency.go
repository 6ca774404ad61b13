package verify

import (
	"context"
	"fmt"
	"sync"
)

// Three-way relation labels between the actual response and the expected
// intent.
const (
	LabelContradiction = "contradiction"
	LabelEntailment    = "entailment"
	LabelNeutral       = "neutral"
)

// ClassScores holds the classifier's score per relation label.
type ClassScores struct {
	Contradiction float64 `json:"contradiction"`
	Entailment    float64 `json:"entailment"`
	Neutral       float64 `json:"neutral"`
}

// Label returns the argmax label. Ties resolve in classifier output order:
// contradiction, entailment, neutral.
func (s ClassScores) Label() string {
	label := LabelContradiction
	best := s.Contradiction
	if s.Entailment > best {
		label, best = LabelEntailment, s.Entailment
	}
	if s.Neutral > best {
		label = LabelNeutral
	}
	return label
}

// Classifier scores the relation between a premise and a hypothesis.
type Classifier interface {
	Classify(ctx context.Context, premise, hypothesis string) (ClassScores, error)
}

// ConsistencyValidator is the tier-2.5 deep logic audit. The underlying
// classifier is heavy, so it is materialized on first use and then shared for
// the remainder of the process; the guard makes concurrent first use construct
// it exactly once.
type ConsistencyValidator struct {
	mu         sync.Mutex
	provider   func() (Classifier, error)
	classifier Classifier
}

func NewConsistencyValidator(provider func() (Classifier, error)) *ConsistencyValidator {
	return &ConsistencyValidator{provider: provider}
}

func (v *ConsistencyValidator) get() (Classifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.classifier != nil {
		return v.classifier, nil
	}
	classifier, err := v.provider()
	if err != nil {
		return nil, fmt.Errorf("initialize consistency classifier: %w", err)
	}
	v.classifier = classifier
	return classifier, nil
}

// Check classifies the (actual, expected-intent) pair and fails only on the
// contradiction label. Neutral text is not necessarily wrong; only a
// contradiction is a definite logic violation.
func (v *ConsistencyValidator) Check(ctx context.Context, actual, expectedIntent string) (bool, string, ClassScores, error) {
	classifier, err := v.get()
	if err != nil {
		return false, "", ClassScores{}, err
	}
	scores, err := classifier.Classify(ctx, actual, expectedIntent)
	if err != nil {
		return false, "", ClassScores{}, fmt.Errorf("classify pair: %w", err)
	}
	label := scores.Label()
	return label != LabelContradiction, label, scores, nil
}
