package server

import (
	"time"

	"support-verify/internal/verify"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type RunRequest struct {
	Mode                string   `json:"mode"`
	Categories          []string `json:"categories,omitempty"`
	CasesPath           string   `json:"cases_path,omitempty"`
	AuditSampleRate     *float64 `json:"audit_sample_rate,omitempty"`
	SimilarityThreshold float64  `json:"similarity_threshold,omitempty"`
	Seed                int64    `json:"seed,omitempty"`
	DryRun              bool     `json:"dry_run,omitempty"`
	BudgetCapUSD        float64  `json:"budget_cap,omitempty"`
	TimeoutSec          int      `json:"timeout_sec,omitempty"`
	AgentModel          string   `json:"agent_model,omitempty"`
	JudgeModel          string   `json:"judge_model,omitempty"`
}

type QuickCheckRequest struct {
	ScenarioID string `json:"scenario_id"`
	AgentModel string `json:"agent_model,omitempty"`
	CasesPath  string `json:"cases_path,omitempty"`
}

type RunMeta struct {
	RunID         string          `json:"run_id"`
	Status        string          `json:"status"`
	CreatorType   string          `json:"creator_type"`
	CreatorSub    string          `json:"creator_sub,omitempty"`
	CreatorEmail  string          `json:"creator_email,omitempty"`
	Source        string          `json:"source"`
	Request       RunRequest      `json:"request"`
	StartedAt     string          `json:"started_at,omitempty"`
	FinishedAt    string          `json:"finished_at,omitempty"`
	CreatedAt     string          `json:"created_at"`
	Error         string          `json:"error,omitempty"`
	Report        *verify.Report  `json:"report,omitempty"`
	Outcome       OutcomeSummary  `json:"outcome"`
	KeyUsage      KeyUsageRecord  `json:"key_usage"`
	EstimatedCost float64         `json:"estimated_cost_usd"`
}

// OutcomeSummary is the compact view of a run's report: how many cases landed
// in each outcome, and which failed.
type OutcomeSummary struct {
	Cases       int      `json:"cases"`
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	Audited     int      `json:"audited"`
	FailedCases []string `json:"failed_cases,omitempty"`
}

type KeyUsageRecord struct {
	RunID            string  `json:"run_id"`
	KeyLabel         string  `json:"key_label"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	EmbeddingTokens  int     `json:"embedding_tokens"`
	BlockedReason    string  `json:"blocked_reason,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt      string  `json:"generated_at"`
	TotalRuns        int     `json:"total_runs"`
	RunningRuns      int     `json:"running_runs"`
	PassRuns         int     `json:"pass_runs"`
	FailRuns         int     `json:"fail_runs"`
	CasesEvaluated   int     `json:"cases_evaluated"`
	CasesSkipped     int     `json:"cases_skipped"`
	CasesAudited     int     `json:"cases_audited"`
	AverageDuration  int64   `json:"average_duration_ms"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
