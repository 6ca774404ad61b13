package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Judge requests a free-text verdict from a generative scoring service.
type Judge interface {
	Evaluate(ctx context.Context, prompt string) (string, error)
}

// Verdict is the judge's structured answer.
type Verdict struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

const judgePromptTemplate = `Evaluate this customer support interaction.
"pass": true only if ALL rubric items are satisfied. Otherwise false.
User: %s
Bot: %s

Rubric:
1. Did the bot understand the core frustration?
2. Was the tone appropriate?
3. Did it offer a valid path forward?

Return JSON: {"pass": true/false, "reason": "..."}`

// BuildJudgePrompt renders the fixed three-criterion rubric prompt.
func BuildJudgePrompt(query, response string) string {
	return fmt.Sprintf(judgePromptTemplate, query, response)
}

// JudgeValidator is the tier-3 rubric evaluation.
type JudgeValidator struct {
	judge Judge
}

func NewJudgeValidator(judge Judge) *JudgeValidator {
	return &JudgeValidator{judge: judge}
}

// Check returns the judge's verdict. A transport or model error propagates;
// structurally unparseable judge output does not — it becomes a failing
// verdict quoting the raw text so the pipeline keeps moving. This is the only
// tier tolerant of malformed upstream output.
func (v *JudgeValidator) Check(ctx context.Context, query, response string) (Verdict, error) {
	raw, err := v.judge.Evaluate(ctx, BuildJudgePrompt(query, response))
	if err != nil {
		return Verdict{}, fmt.Errorf("judge evaluation: %w", err)
	}
	return ParseVerdict(raw), nil
}

// ParseVerdict strips known code-fence markers and decodes the verdict JSON.
func ParseVerdict(raw string) Verdict {
	clean := strings.ReplaceAll(raw, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)

	var verdict Verdict
	if err := json.Unmarshal([]byte(clean), &verdict); err != nil {
		return Verdict{
			Pass:   false,
			Reason: "judge returned unparseable output: " + raw,
		}
	}
	return verdict
}
