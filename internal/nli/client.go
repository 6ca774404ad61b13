// Package nli is the client for the natural language inference service that
// backs the pipeline's consistency audit. The service hosts the zero-shot
// classifier; this client only speaks its HTTP API, so the heavyweight model
// never loads inside this process.
package nli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"support-verify/internal/verify"
)

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("nli: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Classify scores the relation between premise and hypothesis. It satisfies
// the pipeline's Classifier interface.
func (c *Client) Classify(ctx context.Context, premise, hypothesis string) (verify.ClassScores, error) {
	req := ClassifyRequest{
		Premise:    premise,
		Hypothesis: hypothesis,
		Model:      c.model,
	}
	body, err := c.post(ctx, "/v1/classify", req)
	if err != nil {
		return verify.ClassScores{}, err
	}

	var resp ClassifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return verify.ClassScores{}, fmt.Errorf("decode classify response: %w", err)
	}
	return verify.ClassScores{
		Contradiction: resp.Scores.Contradiction,
		Entailment:    resp.Scores.Entailment,
		Neutral:       resp.Scores.Neutral,
	}, nil
}

// Health probes the service, typically once before a run escalates to the
// audit tier.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	body, err := c.get(ctx, "/v1/health")
	if err != nil {
		return nil, err
	}
	var resp HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data))
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer response.Body.Close()

	bodyBytes, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		envelope, ok := ParseAPIErrorEnvelope(bodyBytes)
		if !ok {
			return nil, fmt.Errorf("nli status %d: %s", response.StatusCode, string(bodyBytes))
		}
		return nil, &APIError{
			StatusCode: response.StatusCode,
			Envelope:   envelope,
			Body:       bodyBytes,
		}
	}
	return bodyBytes, nil
}

func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
