package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"support-verify/internal/llm"
	"support-verify/internal/nli"
	"support-verify/internal/verify"
)

type RunManager struct {
	cfg        ServerConfig
	store      Store
	budget     *BudgetManager
	obs        *Observability
	queue      chan queuedRun
	wg         sync.WaitGroup
	quickLimit *ipRateLimiter
}

type RunnerService interface {
	CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error)
	CreateQuickCheck(request QuickCheckRequest, ipHash, uaHash string) (RunMeta, error)
}

type queuedRun struct {
	RunID       string
	Request     RunRequest
	Creator     Principal
	CreatorType string
	Source      string
}

func NewRunManager(cfg ServerConfig, store Store, budget *BudgetManager, obs *Observability) *RunManager {
	maxParallel := cfg.Budget.MaxParallelRuns
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &RunManager{
		cfg:        cfg,
		store:      store,
		budget:     budget,
		obs:        obs,
		queue:      make(chan queuedRun, maxParallel*8),
		quickLimit: newIPRateLimiter(cfg.Limits.QuickCheckRPM),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *RunManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *RunManager) CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error) {
	normalizeRunRequest(&request, m.cfg)
	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      source,
		CreatorType: "admin",
		CreatorSub:  principal.Subject,
		Request:     request,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "run queued", map[string]any{
		"source": source,
		"mode":   request.Mode,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "admin",
		ActorSub:  principal.Subject,
		Action:    "run.create",
		Result:    "queued",
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     request,
		Creator:     principal,
		CreatorType: "admin",
		Source:      source,
	}
	return meta, nil
}

func (m *RunManager) CreateQuickCheck(request QuickCheckRequest, ipHash, uaHash string) (RunMeta, error) {
	if !m.quickLimit.Allow(ipHash) {
		if m.obs != nil {
			m.obs.MarkBudgetBlocked(context.Background(), "quick_check_rate_limit")
		}
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "quick_check.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return RunMeta{}, errors.New("quick check rate limit reached")
	}
	runRequest, err := scenarioToRunRequest(request, m.cfg)
	if err != nil {
		return RunMeta{}, err
	}
	runID, err := randomID("run")
	if err != nil {
		return RunMeta{}, err
	}
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      "user.quick_check",
		CreatorType: "user",
		Request:     runRequest,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "quick check queued", map[string]any{
		"scenario_id": request.ScenarioID,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "user",
		Action:    "quick_check.create",
		Result:    "queued",
		IPHash:    ipHash,
		UAHash:    uaHash,
		Detail:    request.ScenarioID,
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     runRequest,
		CreatorType: "user",
		Source:      "user.quick_check",
	}
	return meta, nil
}

func (m *RunManager) worker() {
	for queued := range m.queue {
		m.executeRun(queued)
	}
}

func (m *RunManager) executeRun(queued queuedRun) {
	startedAt := nowRFC3339()
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = "running"
		meta.StartedAt = startedAt
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "start", "run started", nil)

	cases, err := verify.LoadCases(queued.Request.CasesPath)
	if err != nil {
		m.finishWithError(queued.RunID, "load cases: "+err.Error(), "")
		return
	}
	cases = verify.FilterCases(cases, strings.Join(queued.Request.Categories, ","))
	if len(cases) == 0 {
		m.finishWithError(queued.RunID, "no cases matched the requested categories", "")
		return
	}

	if queued.Request.DryRun {
		report := buildDryRunReport(queued.Request, cases)
		outcome := outcomeFromReport(report)
		status := reportOverallStatus(report)
		_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
			meta.Status = status
			meta.FinishedAt = nowRFC3339()
			meta.Report = &report
			meta.Outcome = outcome
			meta.KeyUsage = KeyUsageRecord{RunID: queued.RunID, KeyLabel: "dry-run"}
		})
		_, _ = m.store.AppendRunEvent(queued.RunID, "completed", "dry-run completed", map[string]any{
			"status": status,
			"cases":  len(cases),
		})
		if m.obs != nil {
			m.obs.MarkRun(context.Background(), status)
		}
		return
	}

	lease, err := m.budget.Acquire(queued.Request.BudgetCapUSD)
	if err != nil {
		m.finishWithError(queued.RunID, "budget key unavailable: "+err.Error(), "budget_key_unavailable")
		if m.obs != nil {
			m.obs.MarkBudgetBlocked(context.Background(), "key_unavailable")
		}
		return
	}

	timeout := time.Duration(queued.Request.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pipeline, client, err := m.buildPipeline(queued.Request, lease.APIKey)
	if err != nil {
		m.budget.Reject(lease)
		m.finishWithError(queued.RunID, "build pipeline: "+err.Error(), "")
		return
	}

	report, runErr := m.runCasesWithEvents(ctx, queued.RunID, queued.Request.Mode, pipeline, cases)

	usage := UsageRecordFrom(client.Usage())
	usage.RunID = queued.RunID
	usage.KeyLabel = lease.Label
	for _, key := range m.cfg.Keys.TestKeys {
		if key.Label == lease.Label {
			usage.EstimatedCostUSD = EstimateCostUSD(usage, key)
			break
		}
	}
	m.budget.Commit(lease, usage)

	if runErr != nil {
		_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
			meta.Status = "fail"
			meta.Error = runErr.Error()
			meta.FinishedAt = nowRFC3339()
			meta.Report = &report
			meta.Outcome = outcomeFromReport(report)
			meta.EstimatedCost = usage.EstimatedCostUSD
			meta.KeyUsage = usage
		})
		_, _ = m.store.AppendRunEvent(queued.RunID, "error", "run aborted", map[string]any{"error": runErr.Error()})
		if m.obs != nil {
			m.obs.MarkRun(ctx, "fail")
		}
		return
	}

	outcome := outcomeFromReport(report)
	status := reportOverallStatus(report)
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = status
		meta.FinishedAt = nowRFC3339()
		meta.Report = &report
		meta.Outcome = outcome
		meta.EstimatedCost = usage.EstimatedCostUSD
		meta.KeyUsage = usage
		if status == "fail" {
			meta.Error = "one or more cases failed"
		}
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "completed", "run completed", map[string]any{
		"status":         status,
		"estimated_cost": usage.EstimatedCostUSD,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     queued.RunID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "run.completed",
		Result:    status,
		Detail:    fmt.Sprintf("cost=%.4f key=%s", usage.EstimatedCostUSD, lease.Label),
	})
	if m.obs != nil {
		m.obs.MarkRun(ctx, status)
	}
}

func (m *RunManager) buildPipeline(request RunRequest, apiKey string) (*verify.Pipeline, *llm.Client, error) {
	client, err := llm.NewClient(llm.Config{
		APIKey:     apiKey,
		BaseURL:    m.cfg.OpenAI.BaseURL,
		AgentModel: firstNonEmpty(request.AgentModel, m.cfg.OpenAI.AgentModel),
		JudgeModel: firstNonEmpty(request.JudgeModel, m.cfg.OpenAI.JudgeModel),
		EmbedModel: m.cfg.OpenAI.EmbedModel,
		Persona:    m.cfg.OpenAI.Persona,
	})
	if err != nil {
		return nil, nil, err
	}
	nliCfg := m.cfg.NLI
	collaborators := verify.Collaborators{
		Agent:    client,
		Embedder: client,
		Judge:    client,
		Classifier: func() (verify.Classifier, error) {
			return nli.NewClient(nli.Config{
				BaseURL: nliCfg.BaseURL,
				APIKey:  nliCfg.APIKey,
				Model:   nliCfg.Model,
			})
		},
	}
	rate := m.cfg.Pipeline.AuditSampleRate
	if request.AuditSampleRate != nil {
		rate = *request.AuditSampleRate
	}
	runCfg := verify.RunConfig{
		Mode:                verify.ParseMode(request.Mode),
		AuditSampleRate:     rate,
		SimilarityThreshold: request.SimilarityThreshold,
	}
	opts := []verify.Option{}
	if request.Seed != 0 {
		opts = append(opts, verify.WithSampler(mathrand.New(mathrand.NewSource(request.Seed)).Float64))
	}
	return verify.NewPipeline(collaborators, runCfg, opts...), client, nil
}

// runCasesWithEvents evaluates cases one by one so that per-case progress
// streams to the run's event log while the run is still going.
func (m *RunManager) runCasesWithEvents(ctx context.Context, runID, mode string, pipeline *verify.Pipeline, cases []verify.TestCase) (verify.Report, error) {
	report := verify.Report{
		GeneratedAt: nowRFC3339(),
		Mode:        verify.ParseMode(mode),
	}
	for _, tc := range cases {
		_, _ = m.store.AppendRunEvent(runID, "case_start", "case started", map[string]any{
			"case_id":  tc.ID,
			"category": tc.Category,
		})
		result, err := pipeline.EvaluateCase(ctx, tc)
		if err != nil {
			_, _ = m.store.AppendRunEvent(runID, "case_error", "case aborted", map[string]any{
				"case_id": tc.ID,
				"error":   err.Error(),
			})
			return report, fmt.Errorf("case %s: %w", tc.ID, err)
		}
		verify.AppendResult(&report, result)
		_, _ = m.store.AppendRunEvent(runID, "case_result", strings.Join(result.Reasons, "; "), map[string]any{
			"case_id":     tc.ID,
			"status":      result.Status,
			"audited":     result.Audited,
			"duration_ms": result.DurationMS,
		})
		if m.obs != nil {
			m.obs.MarkCase(ctx, tc.ID, string(result.Status), result.DurationMS)
			if result.Audited {
				m.obs.MarkAuditSampled(ctx, tc.ID)
			}
		}
	}
	return report, nil
}

func (m *RunManager) finishWithError(runID, message, blockedReason string) {
	_, _ = m.store.UpdateRun(runID, func(meta *RunMeta) {
		meta.Status = "fail"
		meta.Error = message
		meta.FinishedAt = nowRFC3339()
		if blockedReason != "" {
			meta.KeyUsage = KeyUsageRecord{RunID: runID, BlockedReason: blockedReason}
		}
	})
	_, _ = m.store.AppendRunEvent(runID, "error", message, nil)
	if m.obs != nil {
		m.obs.MarkRun(context.Background(), "fail")
	}
}

func reportOverallStatus(report verify.Report) string {
	if report.Failed > 0 {
		return "fail"
	}
	return "pass"
}

func outcomeFromReport(report verify.Report) OutcomeSummary {
	outcome := OutcomeSummary{
		Cases:   len(report.Results),
		Passed:  report.Passed,
		Failed:  report.Failed,
		Skipped: report.Skipped,
		Audited: report.Audited,
	}
	for _, result := range report.Results {
		if result.Status == verify.StatusFail {
			outcome.FailedCases = append(outcome.FailedCases, result.CaseID)
		}
	}
	return outcome
}

func normalizeRunRequest(request *RunRequest, cfg ServerConfig) {
	request.Mode = string(verify.ParseMode(firstNonEmpty(request.Mode, cfg.Pipeline.Mode)))
	if request.TimeoutSec <= 0 {
		request.TimeoutSec = cfg.Budget.DefaultTimeoutSec
	}
	if request.BudgetCapUSD <= 0 {
		request.BudgetCapUSD = cfg.Budget.DefaultRunMaxUSD
	}
	if strings.TrimSpace(request.CasesPath) == "" {
		request.CasesPath = cfg.Pipeline.CasesPath
	}
	if request.SimilarityThreshold <= 0 {
		request.SimilarityThreshold = cfg.Pipeline.SimilarityThreshold
	}
}

func scenarioToRunRequest(input QuickCheckRequest, cfg ServerConfig) (RunRequest, error) {
	scenario := strings.ToLower(strings.TrimSpace(input.ScenarioID))
	base := RunRequest{
		CasesPath:    strings.TrimSpace(input.CasesPath),
		AgentModel:   strings.TrimSpace(input.AgentModel),
		BudgetCapUSD: cfg.Budget.DefaultRunMaxUSD,
		TimeoutSec:   cfg.Budget.DefaultTimeoutSec,
	}
	switch scenario {
	case "preset-smoke":
		// Cheap commit-time pass: deterministic tiers only.
		base.Mode = string(verify.ModeFast)
		base.Categories = []string{verify.CategoryPreset}
		base.AuditSampleRate = ptrFloat(0)
	case "full-audit":
		base.Mode = string(verify.ModeDeep)
	case "judge-review":
		base.Mode = string(verify.ModeDeep)
		base.Categories = []string{verify.CategoryOthers}
	default:
		return RunRequest{}, errors.New("unsupported scenario_id")
	}
	normalizeRunRequest(&base, cfg)
	return base, nil
}

// buildDryRunReport records the cases a run would evaluate without calling
// any model; every case comes back skipped.
func buildDryRunReport(request RunRequest, cases []verify.TestCase) verify.Report {
	report := verify.Report{
		GeneratedAt: nowRFC3339(),
		Mode:        verify.ParseMode(request.Mode),
	}
	for _, tc := range cases {
		verify.AppendResult(&report, verify.CaseResult{
			CaseID:   tc.ID,
			Intent:   tc.Intent,
			Category: tc.Category,
			Status:   verify.StatusSkip,
			Reasons:  []string{"dry-run: case not evaluated"},
		})
	}
	return report
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func ptrFloat(v float64) *float64 {
	return &v
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 6
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := l.records[key]
	items = filterRecentTime(items, cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	items = append(items, now)
	l.records[key] = items
	return true
}

func hashString(input string) string {
	sum := sha256Sum(input)
	return sum[:16]
}

func sha256Sum(input string) string {
	hash := sha256.New()
	_, _ = hash.Write([]byte(input))
	return hex.EncodeToString(hash.Sum(nil))
}
