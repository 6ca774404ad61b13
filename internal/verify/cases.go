package verify

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Case categories. Preset cases follow the deterministic escalation path;
// everything else goes to the judge.
const (
	CategoryPreset = "preset"
	CategoryOthers = "others"
)

// TestCase is one behavioral expectation for the agent. Loaded once per run
// and treated as immutable afterwards.
type TestCase struct {
	ID                string   `json:"id" yaml:"id"`
	Intent            string   `json:"intent" yaml:"intent"`
	Category          string   `json:"category" yaml:"category"`
	UserQuery         string   `json:"user_query" yaml:"user_query"`
	RequiredKeywords  []string `json:"required_keywords" yaml:"required_keywords"`
	ForbiddenKeywords []string `json:"forbidden_keywords" yaml:"forbidden_keywords"`
	ExpectedMeaning   string   `json:"expected_semantic_meaning" yaml:"expected_semantic_meaning"`
}

//go:embed cases.json
var defaultCaseBank []byte

// LoadCases reads a case bank from path, or the embedded default bank when
// path is empty. JSON and YAML files are both accepted; an unrecognized
// extension tries JSON first, then YAML.
func LoadCases(path string) ([]TestCase, error) {
	data := defaultCaseBank
	source := "embedded:internal/verify/cases.json"
	if strings.TrimSpace(path) != "" {
		cleanPath := filepath.Clean(path)
		loaded, err := os.ReadFile(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("read case bank %q: %w", cleanPath, err)
		}
		data = loaded
		source = cleanPath
	}
	cases, err := parseCases(data, source)
	if err != nil {
		return nil, err
	}
	return sanitizeCases(cases, source)
}

func parseCases(data []byte, source string) ([]TestCase, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("case bank %q is empty", source)
	}
	var cases []TestCase
	ext := strings.ToLower(filepath.Ext(source))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(trimmed, &cases); err != nil {
			return nil, fmt.Errorf("parse yaml case bank %q: %w", source, err)
		}
	case ".json":
		if err := json.Unmarshal(trimmed, &cases); err != nil {
			return nil, fmt.Errorf("parse json case bank %q: %w", source, err)
		}
	default:
		if jsonErr := json.Unmarshal(trimmed, &cases); jsonErr != nil {
			if err := yaml.Unmarshal(trimmed, &cases); err != nil {
				return nil, fmt.Errorf("case bank %q is neither valid JSON nor YAML", source)
			}
		}
	}
	return cases, nil
}

func sanitizeCases(items []TestCase, source string) ([]TestCase, error) {
	clean := make([]TestCase, 0, len(items))
	for _, item := range items {
		item.ID = strings.TrimSpace(item.ID)
		item.Intent = strings.TrimSpace(item.Intent)
		item.Category = normalizeToken(item.Category)
		item.UserQuery = strings.TrimSpace(item.UserQuery)
		item.ExpectedMeaning = strings.TrimSpace(item.ExpectedMeaning)
		if item.ID == "" || item.UserQuery == "" {
			continue
		}
		switch item.Category {
		case CategoryPreset:
			if item.ExpectedMeaning == "" {
				return nil, fmt.Errorf("case %q in %q: preset cases require expected_semantic_meaning", item.ID, source)
			}
		case CategoryOthers:
		default:
			return nil, fmt.Errorf("case %q in %q: unknown category %q", item.ID, source, item.Category)
		}
		clean = append(clean, item)
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("case bank %q has no valid cases", source)
	}
	return clean, nil
}

// FilterCases keeps cases whose category is in the comma-separated selection.
// Empty or "all" keeps everything.
func FilterCases(cases []TestCase, selection string) []TestCase {
	value := normalizeToken(selection)
	if value == "" || value == "all" {
		return cases
	}
	wanted := map[string]bool{}
	for _, item := range strings.Split(value, ",") {
		name := normalizeToken(item)
		if name != "" {
			wanted[name] = true
		}
	}
	out := make([]TestCase, 0, len(cases))
	for _, tc := range cases {
		if wanted[tc.Category] {
			out = append(out, tc)
		}
	}
	return out
}

func normalizeToken(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
