package llm

const defaultPersona = "You are a customer support assistant for a food delivery service."

// The handoff instruction is part of the agent contract: the handoff test
// case matches this sentence verbatim.
const handoffRule = " CRITICAL: If the user asks for an 'Agent', 'Human', or 'Person', strictly say: 'Transferring you to a support agent now. Please wait.'"

const (
	presetRule = " Follow standard SOPs. Be concise. If safety issue, escalate immediately."
	othersRule = " Be empathetic and try to de-escalate the situation."
)

func (c *Client) agentSystemPrompt(category string) string {
	prompt := c.persona + handoffRule
	if category == "preset" {
		return prompt + presetRule
	}
	return prompt + othersRule
}
