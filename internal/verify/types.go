package verify

// Status is the terminal outcome of a tier or a whole case. Skip is a
// first-class outcome: it records "not evaluated due to cost policy" and is
// never folded into pass or fail.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Mode selects which expensive tiers are eligible to run. It is read once at
// startup and never changes during a run.
type Mode string

const (
	// ModeFast runs the cheap tiers plus a random audit sample. Commit-time.
	ModeFast Mode = "fast"
	// ModeDeep runs every tier including the full consistency audit and the
	// judge. Nightly.
	ModeDeep Mode = "deep"
)

// ParseMode normalizes a mode string. The legacy pipeline spellings ONLINE
// (fast) and OFFLINE (deep) are still accepted. Anything unrecognized falls
// back to fast, the cheap default.
func ParseMode(raw string) Mode {
	switch normalizeToken(raw) {
	case "deep", "offline":
		return ModeDeep
	default:
		return ModeFast
	}
}

// Tier names in pipeline order.
const (
	TierKeyword     = "keyword"
	TierSimilarity  = "similarity"
	TierConsistency = "consistency"
	TierJudge       = "judge"
)

type TierResult struct {
	Tier       string   `json:"tier"`
	Status     Status   `json:"status"`
	Reasons    []string `json:"reasons,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

type CaseResult struct {
	CaseID     string       `json:"case_id"`
	Intent     string       `json:"intent,omitempty"`
	Category   string       `json:"category"`
	Status     Status       `json:"status"`
	Reasons    []string     `json:"reasons,omitempty"`
	Audited    bool         `json:"audited"`
	Response   string       `json:"response,omitempty"`
	Tiers      []TierResult `json:"tiers"`
	DurationMS int64        `json:"duration_ms"`
}

type Report struct {
	GeneratedAt string       `json:"generated_at"`
	Mode        Mode         `json:"mode"`
	Results     []CaseResult `json:"results"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	Audited     int          `json:"audited"`
}

// AppendResult adds a case result and keeps the totals in sync.
func AppendResult(report *Report, result CaseResult) {
	report.Results = append(report.Results, result)
	switch result.Status {
	case StatusPass:
		report.Passed++
	case StatusSkip:
		report.Skipped++
	default:
		report.Failed++
	}
	if result.Audited {
		report.Audited++
	}
}

// RunConfig is constructed once at process start and passed into the pipeline.
// None of its fields are read from ambient globals inside tier logic.
type RunConfig struct {
	Mode                Mode
	AuditSampleRate     float64
	SimilarityThreshold float64
}

const (
	DefaultAuditSampleRate     = 0.10
	DefaultSimilarityThreshold = 0.75
)

func (c RunConfig) normalized() RunConfig {
	if c.Mode != ModeDeep {
		c.Mode = ModeFast
	}
	if c.AuditSampleRate < 0 {
		c.AuditSampleRate = 0
	}
	if c.AuditSampleRate > 1 {
		c.AuditSampleRate = 1
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return c
}
