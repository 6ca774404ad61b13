package verify

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubAgent struct {
	response string
	err      error
}

func (s stubAgent) Respond(context.Context, string, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

type countingClassifier struct {
	scores ClassScores
	calls  int
}

func (c *countingClassifier) Classify(context.Context, string, string) (ClassScores, error) {
	c.calls++
	return c.scores, nil
}

func testCollaborators(agent Responder, classifier Classifier, judge Judge) Collaborators {
	return Collaborators{
		Agent:    agent,
		Embedder: &stubEmbedder{},
		Classifier: func() (Classifier, error) {
			return classifier, nil
		},
		Judge: judge,
	}
}

func presetCase() TestCase {
	return TestCase{
		ID:                "tc-order-status",
		Category:          CategoryPreset,
		UserQuery:         "Where is my order?",
		RequiredKeywords:  []string{"order"},
		ForbiddenKeywords: []string{"cancel"},
		ExpectedMeaning:   "The order is on the way",
	}
}

func othersCase() TestCase {
	return TestCase{
		ID:        "tc-angry",
		Category:  CategoryOthers,
		UserQuery: "Your service is a joke",
	}
}

func TestPresetCasePassesWithoutAuditInFastMode(t *testing.T) {
	classifier := &countingClassifier{scores: ClassScores{Entailment: 1}}
	pipeline := NewPipeline(
		testCollaborators(stubAgent{response: "Your order is on the way"}, classifier, &stubJudge{}),
		RunConfig{Mode: ModeFast, AuditSampleRate: 0},
	)
	result, err := pipeline.EvaluateCase(context.Background(), presetCase())
	if err != nil {
		t.Fatalf("EvaluateCase error: %v", err)
	}
	if result.Status != StatusPass {
		t.Fatalf("expected pass, got %s (%v)", result.Status, result.Reasons)
	}
	if result.Audited {
		t.Fatalf("expected no audit with fast mode and zero sample rate")
	}
	if classifier.calls != 0 {
		t.Fatalf("consistency classifier must not be invoked, got %d calls", classifier.calls)
	}
	last := result.Tiers[len(result.Tiers)-1]
	if last.Tier != TierConsistency || last.Status != StatusSkip {
		t.Fatalf("expected recorded consistency skip, got %+v", last)
	}
}

func TestPresetCaseKeywordFailureShortCircuits(t *testing.T) {
	embedder := &stubEmbedder{}
	classifier := &countingClassifier{scores: ClassScores{Entailment: 1}}
	pipeline := NewPipeline(Collaborators{
		Agent:      stubAgent{response: "It is on the way"},
		Embedder:   embedder,
		Classifier: func() (Classifier, error) { return classifier, nil },
		Judge:      &stubJudge{},
	}, RunConfig{Mode: ModeDeep})

	result, err := pipeline.EvaluateCase(context.Background(), presetCase())
	if err != nil {
		t.Fatalf("EvaluateCase error: %v", err)
	}
	if result.Status != StatusFail {
		t.Fatalf("expected fail, got %s", result.Status)
	}
	if len(result.Reasons) == 0 || result.Reasons[0] != "Missing mandatory keyword: 'order'" {
		t.Fatalf("unexpected reasons: %v", result.Reasons)
	}
	if embedder.calls != 0 {
		t.Fatalf("similarity tier must not run after a keyword failure")
	}
	if classifier.calls != 0 {
		t.Fatalf("consistency tier must not run after a keyword failure")
	}
	if len(result.Tiers) != 1 {
		t.Fatalf("expected only the keyword tier, got %d tiers", len(result.Tiers))
	}
}

func TestPresetCaseSimilarityFailureCarriesScore(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"Your order is on the way": {1, 0},
		"The order is on the way":  {0, 1},
	}}
	pipeline := NewPipeline(Collaborators{
		Agent:      stubAgent{response: "Your order is on the way"},
		Embedder:   embedder,
		Classifier: func() (Classifier, error) { return &countingClassifier{}, nil },
		Judge:      &stubJudge{},
	}, RunConfig{Mode: ModeFast})

	result, err := pipeline.EvaluateCase(context.Background(), presetCase())
	if err != nil {
		t.Fatalf("EvaluateCase error: %v", err)
	}
	if result.Status != StatusFail {
		t.Fatalf("expected fail, got %s", result.Status)
	}
	if !strings.Contains(result.Reasons[0], "Semantic similarity") {
		t.Fatalf("expected similarity reason, got %v", result.Reasons)
	}
	simTier := result.Tiers[len(result.Tiers)-1]
	if simTier.Score == nil {
		t.Fatalf("similarity tier must report the raw score")
	}
}

func TestDeepModeAlwaysAudits(t *testing.T) {
	classifier := &countingClassifier{scores: ClassScores{Entailment: 1}}
	pipeline := NewPipeline(
		testCollaborators(stubAgent{response: "Your order is on the way"}, classifier, &stubJudge{}),
		RunConfig{Mode: ModeDeep, AuditSampleRate: 0},
		// A sampler that would always skip; deep mode must ignore it.
		WithSampler(func() float64 { return 0.99 }),
	)
	result, err := pipeline.EvaluateCase(context.Background(), presetCase())
	if err != nil {
		t.Fatalf("EvaluateCase error: %v", err)
	}
	if !result.Audited {
		t.Fatalf("deep mode must always run the consistency audit")
	}
	if classifier.calls != 1 {
		t.Fatalf("expected one classifier call, got %d", classifier.calls)
	}
}

func TestSamplingGateTriggersAudit(t *testing.T) {
	classifier := &countingClassifier{scores: ClassScores{Neutral: 1}}
	pipeline := NewPipeline(
		testCollaborators(stubAgent{response: "Your order is on the way"}, classifier, &stubJudge{}),
		RunConfig{Mode: ModeFast, AuditSampleRate: 0.10},
		WithSampler(func() float64 { return 0.05 }),
	)
	result, err := pipeline.EvaluateCase(context.Background(), presetCase())
	if err != nil {
		t.Fatalf("EvaluateCase error: %v", err)
	}
	if !result.Audited {
		t.Fatalf("sampler below rate must trigger the audit")
	}
	if result.Status != StatusPass {
		t.Fatalf("neutral label must pass, got %s", result.Status)
	}
}

func TestAuditContradictionFailsCase(t *testing.T) {
	classifier := &countingClassifier{scores: ClassScores{Contradiction: 0.9, Entailment: 0.05, Neutral: 0.05}}
	pipeline := NewPipeline(
		testCollaborators(stubAgent{response: "Your order is on the way"}, classifier, &stubJudge{}),
		RunConfig{Mode: ModeDeep},
	)
	result, err := pipeline.EvaluateCase(context.Background(), presetCase())
	if err != nil {
		t.Fatalf("EvaluateCase error: %v", err)
	}
	if result.Status != StatusFail {
		t.Fatalf("contradiction must fail the case, got %s", result.Status)
	}
	if !strings.Contains(result.Reasons[0], "0.90") {
		t.Fatalf("expected contradiction score in reason, got %v", result.Reasons)
	}
}

func TestOthersCaseSkippedInFastMode(t *testing.T) {
	judge := &stubJudge{output: `{"pass": true, "reason": "ok"}`}
	pipeline := NewPipeline(
		testCollaborators(stubAgent{response: "I completely understand"}, &countingClassifier{}, judge),
		RunConfig{Mode: ModeFast},
	)
	result, err := pipeline.EvaluateCase(context.Background(), othersCase())
	if err != nil {
		t.Fatalf("EvaluateCase error: %v", err)
	}
	if result.Status != StatusSkip {
		t.Fatalf("fast mode must skip the judge, got %s", result.Status)
	}
	if len(result.Reasons) == 0 || !strings.Contains(result.Reasons[0], "save cost") {
		t.Fatalf("skip reason must cite the cost policy, got %v", result.Reasons)
	}
	if judge.prompt != "" {
		t.Fatalf("judge must not be invoked in fast mode")
	}
}

func TestOthersCaseJudgedInDeepMode(t *testing.T) {
	judge := &stubJudge{output: "```json\n{\"pass\": false, \"reason\": \"tone dismissive\"}\n```"}
	pipeline := NewPipeline(
		testCollaborators(stubAgent{response: "Whatever."}, &countingClassifier{}, judge),
		RunConfig{Mode: ModeDeep},
	)
	result, err := pipeline.EvaluateCase(context.Background(), othersCase())
	if err != nil {
		t.Fatalf("EvaluateCase error: %v", err)
	}
	if result.Status != StatusFail {
		t.Fatalf("expected fail from judge verdict, got %s", result.Status)
	}
	if result.Reasons[0] != "tone dismissive" {
		t.Fatalf("expected fence-stripped judge reason, got %v", result.Reasons)
	}
}

func TestAgentErrorPropagates(t *testing.T) {
	pipeline := NewPipeline(
		testCollaborators(stubAgent{err: errors.New("upstream timeout")}, &countingClassifier{}, &stubJudge{}),
		RunConfig{Mode: ModeFast},
	)
	if _, err := pipeline.EvaluateCase(context.Background(), presetCase()); err == nil {
		t.Fatalf("expected agent error to propagate")
	}
}

func TestFailedResultsAlwaysCarryAReason(t *testing.T) {
	judge := &stubJudge{output: `{"pass": false, "reason": ""}`}
	pipeline := NewPipeline(
		testCollaborators(stubAgent{response: "Whatever."}, &countingClassifier{}, judge),
		RunConfig{Mode: ModeDeep},
	)
	result, err := pipeline.EvaluateCase(context.Background(), othersCase())
	if err != nil {
		t.Fatalf("EvaluateCase error: %v", err)
	}
	if result.Status != StatusFail {
		t.Fatalf("expected fail, got %s", result.Status)
	}
	if len(result.Reasons) == 0 || strings.TrimSpace(result.Reasons[0]) == "" {
		t.Fatalf("failed results must carry a non-empty reason")
	}
}

func TestRunAggregatesTotals(t *testing.T) {
	judge := &stubJudge{output: `{"pass": true, "reason": "ok"}`}
	pipeline := NewPipeline(
		testCollaborators(stubAgent{response: "Your order is on the way"}, &countingClassifier{scores: ClassScores{Entailment: 1}}, judge),
		RunConfig{Mode: ModeFast, AuditSampleRate: 0},
	)
	report, err := pipeline.Run(context.Background(), []TestCase{presetCase(), othersCase()})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Passed != 1 || report.Skipped != 1 || report.Failed != 0 {
		t.Fatalf("unexpected totals: pass=%d fail=%d skip=%d", report.Passed, report.Failed, report.Skipped)
	}
	if report.Mode != ModeFast {
		t.Fatalf("report must record the mode, got %s", report.Mode)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"fast":    ModeFast,
		"ONLINE":  ModeFast,
		"deep":    ModeDeep,
		"OFFLINE": ModeDeep,
		"":        ModeFast,
		"bogus":   ModeFast,
	}
	for raw, want := range cases {
		if got := ParseMode(raw); got != want {
			t.Fatalf("ParseMode(%q) = %s, want %s", raw, got, want)
		}
	}
}
