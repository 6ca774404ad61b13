package nli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassifyDecodesScores(t *testing.T) {
	var captured ClassifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/classify" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "bart-large-mnli",
			"scores": {"contradiction": 0.8, "entailment": 0.1, "neutral": 0.1}
		}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	scores, err := client.Classify(context.Background(), "the order is lost", "the order is on the way")
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if scores.Contradiction != 0.8 {
		t.Fatalf("unexpected scores: %+v", scores)
	}
	if captured.Premise != "the order is lost" || captured.Hypothesis != "the order is on the way" {
		t.Fatalf("unexpected request payload: %+v", captured)
	}
}

func TestClassifyAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"type": "model_loading", "message": "classifier warming up"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	_, err = client.Classify(context.Background(), "a", "b")
	apiErr, ok := IsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if apiErr.Envelope.Error.Type != "model_loading" {
		t.Fatalf("unexpected envelope: %+v", apiErr.Envelope)
	}
}

func TestClassifyNonEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream reset"))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	_, err = client.Classify(context.Background(), "a", "b")
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := IsAPIError(err); ok {
		t.Fatalf("plain body must not parse as APIError: %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status": "ok", "model": "bart-large-mnli"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health error: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error without base url")
	}
}
