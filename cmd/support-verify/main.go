package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"support-verify/internal/llm"
	"support-verify/internal/nli"
	"support-verify/internal/verify"
)

func main() {
	apiKey := flag.String("api-key", envOr("OPENAI_API_KEY", ""), "OpenAI API key")
	baseURL := flag.String("base-url", envOr("OPENAI_BASE_URL", ""), "OpenAI-compatible base URL (optional)")
	agentModel := flag.String("agent-model", envOr("OPENAI_MODEL", ""), "Chat model for the support agent under test")
	judgeModel := flag.String("judge-model", envOr("JUDGE_MODEL", ""), "Chat model for the LLM judge")
	embedModel := flag.String("embed-model", envOr("EMBED_MODEL", ""), "Embedding model for the similarity tier")
	nliBaseURL := flag.String("nli-base-url", envOr("NLI_BASE_URL", ""), "NLI classifier service base URL")
	nliAPIKey := flag.String("nli-api-key", envOr("NLI_API_KEY", ""), "NLI classifier service API key (optional)")
	mode := flag.String("mode", envOr("PIPELINE_MODE", "fast"), "Pipeline mode: fast|deep (legacy ONLINE|OFFLINE accepted)")
	sampleRate := flag.Float64("audit-sample-rate", envFloatOr("AUDIT_SAMPLE_RATE", verify.DefaultAuditSampleRate), "Fraction of passing preset cases audited in fast mode")
	threshold := flag.Float64("threshold", verify.DefaultSimilarityThreshold, "Cosine similarity pass threshold")
	casesPath := flag.String("cases", "", "Path to a JSON/YAML case bank (default: embedded bank)")
	categories := flag.String("categories", "all", "Comma-separated case categories: preset,others,all")
	seed := flag.Int64("seed", 0, "Seed for the audit sampling gate (0=random)")
	timeout := flag.Duration("timeout", 90*time.Second, "Per-request HTTP timeout")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full report JSON to this file")
	strict := flag.Bool("strict", false, "Exit non-zero if any case fails")
	flag.Parse()

	if strings.TrimSpace(*apiKey) == "" {
		exitWith("OPENAI_API_KEY or -api-key is required")
	}

	client, err := llm.NewClient(llm.Config{
		APIKey:     *apiKey,
		BaseURL:    *baseURL,
		AgentModel: *agentModel,
		JudgeModel: *judgeModel,
		EmbedModel: *embedModel,
		Timeout:    *timeout,
	})
	if err != nil {
		exitWith(err.Error())
	}

	nliURL := strings.TrimSpace(*nliBaseURL)
	runMode := verify.ParseMode(*mode)
	if nliURL == "" && (runMode == verify.ModeDeep || *sampleRate > 0) {
		exitWith("NLI_BASE_URL or -nli-base-url is required unless -audit-sample-rate is 0 in fast mode")
	}

	cases, err := verify.LoadCases(*casesPath)
	if err != nil {
		exitWith(err.Error())
	}
	cases = verify.FilterCases(cases, *categories)
	if len(cases) == 0 {
		exitWith("no cases matched -categories " + *categories)
	}

	collaborators := verify.Collaborators{
		Agent:    client,
		Embedder: client,
		Judge:    client,
		Classifier: func() (verify.Classifier, error) {
			return nli.NewClient(nli.Config{
				BaseURL: nliURL,
				APIKey:  *nliAPIKey,
				Timeout: *timeout,
			})
		},
	}
	opts := []verify.Option{}
	if *seed != 0 {
		opts = append(opts, verify.WithSampler(mathrand.New(mathrand.NewSource(*seed)).Float64))
	}
	pipeline := verify.NewPipeline(collaborators, verify.RunConfig{
		Mode:                runMode,
		AuditSampleRate:     *sampleRate,
		SimilarityThreshold: *threshold,
	}, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout*time.Duration(2*len(cases)+1))
	defer cancel()

	report, err := pipeline.Run(ctx, cases)
	if err != nil {
		exitWith(err.Error())
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(report)
	default:
		printText(report, client.Usage())
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeReport(*outputPath, report); err != nil {
			exitWith("failed to write report: " + err.Error())
		}
	}

	if *strict && report.Failed > 0 {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envFloatOr(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	var value float64
	if _, err := fmt.Sscanf(raw, "%g", &value); err != nil {
		return fallback
	}
	return value
}

func printText(report verify.Report, usage llm.Usage) {
	fmt.Printf("Mode: %s\n", report.Mode)
	fmt.Printf("Generated: %s\n\n", report.GeneratedAt)

	for _, result := range report.Results {
		fmt.Printf("[%s] %s (%s, %dms)\n", strings.ToUpper(string(result.Status)), result.CaseID, result.Category, result.DurationMS)
		for _, reason := range result.Reasons {
			fmt.Printf("  - %s\n", reason)
		}
		for _, tier := range result.Tiers {
			line := fmt.Sprintf("  %s: %s", tier.Tier, tier.Status)
			if tier.Score != nil {
				line += fmt.Sprintf(" (score %.3f)", *tier.Score)
			}
			fmt.Println(line)
		}
		fmt.Println()
	}

	fmt.Printf("Totals: pass=%d fail=%d skip=%d audited=%d\n", report.Passed, report.Failed, report.Skipped, report.Audited)
	fmt.Printf("Tokens: prompt=%d completion=%d embedding=%d requests=%d\n",
		usage.PromptTokens, usage.CompletionTokens, usage.EmbeddingTokens, usage.Requests)
}

func printJSON(report verify.Report) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		exitWith("failed to encode report JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeReport(path string, report verify.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
