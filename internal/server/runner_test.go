package server

import (
	"testing"

	"support-verify/internal/verify"
)

func TestScenarioToRunRequest(t *testing.T) {
	cfg := DefaultServerConfig()
	request, err := scenarioToRunRequest(QuickCheckRequest{
		ScenarioID: "preset-smoke",
	}, cfg)
	if err != nil {
		t.Fatalf("scenarioToRunRequest returned error: %v", err)
	}
	if request.Mode != string(verify.ModeFast) {
		t.Fatalf("preset smoke must run in fast mode, got %s", request.Mode)
	}
	if len(request.Categories) != 1 || request.Categories[0] != verify.CategoryPreset {
		t.Fatalf("preset smoke must select preset cases, got %v", request.Categories)
	}
	if request.AuditSampleRate == nil || *request.AuditSampleRate != 0 {
		t.Fatalf("preset smoke must disable audit sampling, got %v", request.AuditSampleRate)
	}
	if request.BudgetCapUSD <= 0 || request.TimeoutSec <= 0 {
		t.Fatalf("defaults not applied: %+v", request)
	}
}

func TestScenarioToRunRequestFullAudit(t *testing.T) {
	cfg := DefaultServerConfig()
	request, err := scenarioToRunRequest(QuickCheckRequest{ScenarioID: "full-audit"}, cfg)
	if err != nil {
		t.Fatalf("scenarioToRunRequest returned error: %v", err)
	}
	if request.Mode != string(verify.ModeDeep) {
		t.Fatalf("full audit must run in deep mode, got %s", request.Mode)
	}
	if len(request.Categories) != 0 {
		t.Fatalf("full audit must keep all categories, got %v", request.Categories)
	}
}

func TestScenarioToRunRequestJudgeReview(t *testing.T) {
	cfg := DefaultServerConfig()
	request, err := scenarioToRunRequest(QuickCheckRequest{ScenarioID: "judge-review"}, cfg)
	if err != nil {
		t.Fatalf("scenarioToRunRequest returned error: %v", err)
	}
	if request.Mode != string(verify.ModeDeep) {
		t.Fatalf("judge review must run in deep mode, got %s", request.Mode)
	}
	if len(request.Categories) != 1 || request.Categories[0] != verify.CategoryOthers {
		t.Fatalf("judge review must select others cases, got %v", request.Categories)
	}
}

func TestScenarioToRunRequestRejectUnknownScenario(t *testing.T) {
	cfg := DefaultServerConfig()
	if _, err := scenarioToRunRequest(QuickCheckRequest{ScenarioID: "unknown"}, cfg); err == nil {
		t.Fatalf("expected error for unsupported scenario")
	}
}

func TestNormalizeRunRequestDefaults(t *testing.T) {
	cfg := DefaultServerConfig()
	request := RunRequest{Mode: "ONLINE"}
	normalizeRunRequest(&request, cfg)
	if request.Mode != string(verify.ModeFast) {
		t.Fatalf("legacy ONLINE spelling must map to fast, got %s", request.Mode)
	}
	if request.TimeoutSec != cfg.Budget.DefaultTimeoutSec {
		t.Fatalf("timeout default not applied: %d", request.TimeoutSec)
	}
	if request.SimilarityThreshold != cfg.Pipeline.SimilarityThreshold {
		t.Fatalf("threshold default not applied: %f", request.SimilarityThreshold)
	}
}

func TestOutcomeFromReport(t *testing.T) {
	report := verify.Report{}
	verify.AppendResult(&report, verify.CaseResult{CaseID: "a", Status: verify.StatusPass, Audited: true})
	verify.AppendResult(&report, verify.CaseResult{CaseID: "b", Status: verify.StatusFail})
	verify.AppendResult(&report, verify.CaseResult{CaseID: "c", Status: verify.StatusSkip})
	outcome := outcomeFromReport(report)
	if outcome.Cases != 3 || outcome.Passed != 1 || outcome.Failed != 1 || outcome.Skipped != 1 || outcome.Audited != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(outcome.FailedCases) != 1 || outcome.FailedCases[0] != "b" {
		t.Fatalf("unexpected failed cases: %v", outcome.FailedCases)
	}
	if reportOverallStatus(report) != "fail" {
		t.Fatalf("report with a failed case must be fail")
	}
}
