package verify

import (
	"fmt"
	"regexp"
)

// CheckKeywords is the tier-1 deterministic check: every required pattern must
// match at least once and no forbidden pattern may match. Patterns are treated
// as case-insensitive regular expressions. Every violated rule is reported, not
// just the first, required rules before forbidden ones.
func CheckKeywords(text string, required, forbidden []string) (bool, []string, error) {
	violations := []string{}
	for _, pattern := range required {
		re, err := compileInsensitive(pattern)
		if err != nil {
			return false, nil, fmt.Errorf("invalid required pattern %q: %w", pattern, err)
		}
		if !re.MatchString(text) {
			violations = append(violations, fmt.Sprintf("Missing mandatory keyword: '%s'", pattern))
		}
	}
	for _, pattern := range forbidden {
		re, err := compileInsensitive(pattern)
		if err != nil {
			return false, nil, fmt.Errorf("invalid forbidden pattern %q: %w", pattern, err)
		}
		if re.MatchString(text) {
			violations = append(violations, fmt.Sprintf("Found forbidden keyword: '%s'", pattern))
		}
	}
	return len(violations) == 0, violations, nil
}

func compileInsensitive(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
