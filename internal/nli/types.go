package nli

import "encoding/json"

type ClassifyRequest struct {
	Premise    string `json:"premise"`
	Hypothesis string `json:"hypothesis"`
	Model      string `json:"model,omitempty"`
}

type ClassifyResponse struct {
	Model  string      `json:"model"`
	Scores LabelScores `json:"scores"`
}

// LabelScores mirrors the service's three-way output. Scores are
// probabilities and should sum to roughly 1.
type LabelScores struct {
	Contradiction float64 `json:"contradiction"`
	Entailment    float64 `json:"entailment"`
	Neutral       float64 `json:"neutral"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

type APIErrorEnvelope struct {
	Error APIErrorDetail `json:"error"`
}

type APIErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type APIError struct {
	StatusCode int
	Envelope   APIErrorEnvelope
	Body       []byte
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Envelope.Error.Message != "" {
		return e.Envelope.Error.Type + ": " + e.Envelope.Error.Message
	}
	return string(e.Body)
}

func ParseAPIErrorEnvelope(body []byte) (APIErrorEnvelope, bool) {
	var envelope APIErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return APIErrorEnvelope{}, false
	}
	if envelope.Error.Type == "" && envelope.Error.Message == "" {
		return APIErrorEnvelope{}, false
	}
	return envelope, true
}
