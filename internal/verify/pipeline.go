package verify

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Responder is the agent under test: an opaque function returning the bot's
// reply for a query. Its prompt construction is not this package's concern.
type Responder interface {
	Respond(ctx context.Context, query, category string) (string, error)
}

// Collaborators are the external scoring services the pipeline orchestrates.
// The classifier is a provider rather than an instance so the heavy model is
// only materialized when an audit actually runs.
type Collaborators struct {
	Agent      Responder
	Embedder   Embedder
	Classifier func() (Classifier, error)
	Judge      Judge
}

// Pipeline evaluates test cases tier by tier, escalating to more expensive
// checks only when the mode or the sampling gate asks for them. One case is
// evaluated at a time; if callers run cases on parallel workers, the only
// shared mutable state is the lazily-initialized classifier handle, which is
// synchronized.
type Pipeline struct {
	agent       Responder
	similarity  *SimilarityValidator
	consistency *ConsistencyValidator
	judge       *JudgeValidator
	cfg         RunConfig
	sample      func() float64
}

// Option adjusts pipeline construction.
type Option func(*Pipeline)

// WithSampler injects the randomness source for the audit gate, so both
// branches can be forced deterministically in tests and seeded from the CLI.
func WithSampler(sample func() float64) Option {
	return func(p *Pipeline) {
		if sample != nil {
			p.sample = sample
		}
	}
}

func NewPipeline(c Collaborators, cfg RunConfig, opts ...Option) *Pipeline {
	cfg = cfg.normalized()
	pipeline := &Pipeline{
		agent:       c.Agent,
		similarity:  NewSimilarityValidator(c.Embedder, cfg.SimilarityThreshold),
		consistency: NewConsistencyValidator(c.Classifier),
		judge:       NewJudgeValidator(c.Judge),
		cfg:         cfg,
		sample:      rand.Float64,
	}
	for _, opt := range opts {
		opt(pipeline)
	}
	return pipeline
}

// Run evaluates the cases in order and aggregates a report. A collaborator
// error aborts the run: infrastructure failures are never converted into
// pass/fail signal.
func (p *Pipeline) Run(ctx context.Context, cases []TestCase) (Report, error) {
	report := Report{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Mode:        p.cfg.Mode,
	}
	for _, tc := range cases {
		result, err := p.EvaluateCase(ctx, tc)
		if err != nil {
			return report, fmt.Errorf("case %s: %w", tc.ID, err)
		}
		AppendResult(&report, result)
	}
	return report, nil
}

// EvaluateCase runs one case through its category's validator chain. The
// returned result is pass, fail with reasons, or skip with a reason; errors
// are reserved for collaborator failures.
func (p *Pipeline) EvaluateCase(ctx context.Context, tc TestCase) (CaseResult, error) {
	start := time.Now()
	response, err := p.agent.Respond(ctx, tc.UserQuery, tc.Category)
	if err != nil {
		return CaseResult{}, fmt.Errorf("agent response: %w", err)
	}

	result := CaseResult{
		CaseID:   tc.ID,
		Intent:   tc.Intent,
		Category: tc.Category,
		Response: response,
	}
	switch tc.Category {
	case CategoryPreset:
		err = p.evaluatePreset(ctx, tc, response, &result)
	case CategoryOthers:
		err = p.evaluateOthers(ctx, tc, &result)
	default:
		return CaseResult{}, fmt.Errorf("unknown case category %q", tc.Category)
	}
	result.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		return CaseResult{}, err
	}
	return result, nil
}

func (p *Pipeline) evaluatePreset(ctx context.Context, tc TestCase, response string, result *CaseResult) error {
	// Tier 1: keywords. A failure here aborts the case before any model call.
	tierStart := time.Now()
	passed, violations, err := CheckKeywords(response, tc.RequiredKeywords, tc.ForbiddenKeywords)
	if err != nil {
		return err
	}
	appendTier(result, TierResult{
		Tier:       TierKeyword,
		Status:     boolStatus(passed),
		Reasons:    violations,
		DurationMS: time.Since(tierStart).Milliseconds(),
	})
	if !passed {
		failCase(result, violations...)
		return nil
	}

	// Tier 2: semantic similarity.
	tierStart = time.Now()
	passed, score, err := p.similarity.Check(ctx, response, tc.ExpectedMeaning)
	if err != nil {
		return err
	}
	simTier := TierResult{
		Tier:       TierSimilarity,
		Status:     boolStatus(passed),
		Score:      &score,
		DurationMS: time.Since(tierStart).Milliseconds(),
	}
	if !passed {
		reason := fmt.Sprintf("Semantic similarity %.2f below threshold %.2f", score, p.similarity.Threshold())
		simTier.Reasons = []string{reason}
		appendTier(result, simTier)
		failCase(result, reason)
		return nil
	}
	appendTier(result, simTier)

	// Tier 2.5: logic audit, forced in deep mode, sampled otherwise.
	if p.cfg.Mode != ModeDeep && p.sample() >= p.cfg.AuditSampleRate {
		appendTier(result, TierResult{
			Tier:    TierConsistency,
			Status:  StatusSkip,
			Reasons: []string{"logic audit skipped by sampling policy"},
		})
		result.Status = StatusPass
		return nil
	}

	result.Audited = true
	tierStart = time.Now()
	passed, label, scores, err := p.consistency.Check(ctx, response, tc.ExpectedMeaning)
	if err != nil {
		return err
	}
	auditTier := TierResult{
		Tier:       TierConsistency,
		Status:     boolStatus(passed),
		DurationMS: time.Since(tierStart).Milliseconds(),
	}
	if !passed {
		reason := fmt.Sprintf("Logical contradiction detected (score: %.2f)", scores.Contradiction)
		auditTier.Reasons = []string{reason}
		appendTier(result, auditTier)
		failCase(result, reason)
		return nil
	}
	auditTier.Reasons = []string{"label: " + label}
	appendTier(result, auditTier)
	result.Status = StatusPass
	return nil
}

func (p *Pipeline) evaluateOthers(ctx context.Context, tc TestCase, result *CaseResult) error {
	if p.cfg.Mode != ModeDeep {
		reason := "judge evaluation skipped in fast mode to save cost"
		appendTier(result, TierResult{
			Tier:    TierJudge,
			Status:  StatusSkip,
			Reasons: []string{reason},
		})
		result.Status = StatusSkip
		result.Reasons = []string{reason}
		return nil
	}

	tierStart := time.Now()
	verdict, err := p.judge.Check(ctx, tc.UserQuery, result.Response)
	if err != nil {
		return err
	}
	tier := TierResult{
		Tier:       TierJudge,
		Status:     boolStatus(verdict.Pass),
		DurationMS: time.Since(tierStart).Milliseconds(),
	}
	if verdict.Reason != "" {
		tier.Reasons = []string{verdict.Reason}
	}
	appendTier(result, tier)
	if verdict.Pass {
		result.Status = StatusPass
		return nil
	}
	reason := verdict.Reason
	if reason == "" {
		reason = "judge rejected the response without a stated reason"
	}
	failCase(result, reason)
	return nil
}

func appendTier(result *CaseResult, tier TierResult) {
	result.Tiers = append(result.Tiers, tier)
}

func failCase(result *CaseResult, reasons ...string) {
	result.Status = StatusFail
	result.Reasons = append(result.Reasons, reasons...)
}

func boolStatus(passed bool) Status {
	if passed {
		return StatusPass
	}
	return StatusFail
}
