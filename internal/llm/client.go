package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultAgentModel = "gpt-3.5-turbo"
	DefaultJudgeModel = "gpt-4"
	DefaultEmbedModel = string(openai.SmallEmbedding3)

	agentTemperature = 0.7
)

type Config struct {
	APIKey     string
	BaseURL    string
	AgentModel string
	JudgeModel string
	EmbedModel string
	Persona    string
	Timeout    time.Duration
}

// Usage is a point-in-time snapshot of the tokens the client has consumed.
// The runner reads it after each run to charge the key's budget.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	EmbeddingTokens  int64 `json:"embedding_tokens"`
	Requests         int64 `json:"requests"`
}

func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens + u.EmbeddingTokens
}

// Client is the OpenAI-backed implementation of the pipeline's agent,
// embedder, and judge collaborators. One client per run; its usage counters
// are safe for concurrent tiers.
type Client struct {
	api        *openai.Client
	agentModel string
	judgeModel string
	embedModel string
	persona    string

	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	embeddingTokens  atomic.Int64
	requests         atomic.Int64
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		apiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	agentModel := cfg.AgentModel
	if agentModel == "" {
		agentModel = DefaultAgentModel
	}
	judgeModel := cfg.JudgeModel
	if judgeModel == "" {
		judgeModel = DefaultJudgeModel
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = DefaultEmbedModel
	}
	persona := strings.TrimSpace(cfg.Persona)
	if persona == "" {
		persona = defaultPersona
	}

	slog.Debug("llm client initialized",
		"agent_model", agentModel,
		"judge_model", judgeModel,
		"embed_model", embedModel,
	)
	return &Client{
		api:        openai.NewClientWithConfig(apiCfg),
		agentModel: agentModel,
		judgeModel: judgeModel,
		embedModel: embedModel,
		persona:    persona,
	}, nil
}

// Respond asks the support agent model for a reply to the user's query.
func (c *Client) Respond(ctx context.Context, query, category string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.agentModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.agentSystemPrompt(category)},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
		Temperature: agentTemperature,
	}
	content, err := c.complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("agent completion: %w", err)
	}
	return content, nil
}

// Evaluate sends the judge prompt to the stronger judge model. The judge is
// asked to be deterministic; go-openai drops a zero temperature from the
// request, so the smallest representable positive value stands in for 0.
func (c *Client) Evaluate(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.judgeModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: math.SmallestNonzeroFloat32,
	}
	content, err := c.complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("judge completion: %w", err)
	}
	return content, nil
}

// Embed returns one vector per input text, in input order, from a single
// batched request.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed: no input texts")
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	c.requests.Add(1)
	c.embeddingTokens.Add(int64(resp.Usage.PromptTokens))

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("embed: vector index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

// Usage returns the cumulative token consumption since the client was built.
func (c *Client) Usage() Usage {
	return Usage{
		PromptTokens:     c.promptTokens.Load(),
		CompletionTokens: c.completionTokens.Load(),
		EmbeddingTokens:  c.embeddingTokens.Load(),
		Requests:         c.requests.Load(),
	}
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	c.requests.Add(1)
	c.promptTokens.Add(int64(resp.Usage.PromptTokens))
	c.completionTokens.Add(int64(resp.Usage.CompletionTokens))
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model %s returned no choices", req.Model)
	}
	return resp.Choices[0].Message.Content, nil
}
