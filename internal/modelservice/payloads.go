package modelservice

import (
	"errors"
	"fmt"

	"github.com/aico-project/aico/internal/envelope"
	"github.com/aico-project/aico/internal/guard"
	"github.com/aico-project/aico/internal/modelruntime"
	"github.com/aico-project/aico/internal/ner"
)

// Payload type URLs for every message the dispatcher understands.
const (
	TypeHealthRequest  = "aico/modelservice.HealthRequest"
	TypeHealthResponse = "aico/modelservice.HealthResponse"

	TypeCompletionRequest  = "aico/modelservice.CompletionRequest"
	TypeCompletionResponse = "aico/modelservice.CompletionResponse"

	TypeEmbeddingRequest  = "aico/modelservice.EmbeddingRequest"
	TypeEmbeddingResponse = "aico/modelservice.EmbeddingResponse"

	TypeModelsRequest  = "aico/modelservice.ModelsRequest"
	TypeModelsResponse = "aico/modelservice.ModelsResponse"

	TypeNERRequest  = "aico/modelservice.NERRequest"
	TypeNERResponse = "aico/modelservice.NERResponse"

	TypeOllamaStatusRequest  = "aico/modelservice.OllamaStatusRequest"
	TypeOllamaStatusResponse = "aico/modelservice.OllamaStatusResponse"

	TypeOllamaPullRequest  = "aico/modelservice.OllamaPullRequest"
	TypeOllamaPullResponse = "aico/modelservice.OllamaPullResponse"

	TypeErrorInfo = "aico/modelservice.ErrorInfo"
)

// HealthRequest asks the dispatcher for its health snapshot.
type HealthRequest struct{}

// HealthResponse reports dispatcher and runtime health.
type HealthResponse struct {
	Status           string `json:"status"`
	RuntimeAvailable bool   `json:"runtime_available"`
	CircuitState     string `json:"circuit_state"`
	QueueDepth       int    `json:"queue_depth"`
	Processed        uint64 `json:"processed"`
	Failed           uint64 `json:"failed"`
}

// CompletionRequest asks for one non-streamed completion.
type CompletionRequest struct {
	Model   string                 `json:"model,omitempty"`
	Prompt  string                 `json:"prompt"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// CompletionResponse carries the generated text.
type CompletionResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// EmbeddingRequest asks for one text embedding.
type EmbeddingRequest struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

// EmbeddingResponse carries the vector. Degraded marks a hash-based
// fallback vector produced while the runtime was unreachable.
type EmbeddingResponse struct {
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
	Degraded  bool      `json:"degraded"`
}

// ModelsRequest asks for the installed model list.
type ModelsRequest struct{}

// ModelsResponse lists installed models.
type ModelsResponse struct {
	Models []modelruntime.ModelInfo `json:"models"`
}

// OllamaStatusRequest asks whether the runtime is reachable.
type OllamaStatusRequest struct{}

// OllamaStatusResponse reports runtime reachability.
type OllamaStatusResponse struct {
	Running    bool `json:"running"`
	ModelCount int  `json:"model_count"`
}

// OllamaPullRequest asks the runtime to download a model.
type OllamaPullRequest struct {
	Name string `json:"name"`
}

// OllamaPullResponse reports the final pull status.
type OllamaPullResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ErrorInfo is the reply payload when a request fails. RetryAfter is a
// hint in seconds, zero when retrying is pointless.
type ErrorInfo struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Err maps the kind back onto its sentinel error, so a transport that
// forwards bus replies can run remote failures through the same error
// taxonomy as local ones.
func (e *ErrorInfo) Err() error {
	var base error
	switch e.Kind {
	case "rate_limited":
		base = guard.ErrRateLimited
	case "circuit_open":
		base = guard.ErrCircuitOpen
	case "unavailable":
		base = modelruntime.ErrUnavailable
	case "timeout":
		base = guard.ErrTimeout
	case "protocol":
		base = envelope.ErrMalformedEnvelope
	default:
		if e.Message != "" {
			return errors.New(e.Message)
		}
		return fmt.Errorf("modelservice: %s", e.Kind)
	}
	if e.Message == "" || e.Message == base.Error() {
		return base
	}
	return fmt.Errorf("%w: %s", base, e.Message)
}

func init() {
	envelope.RegisterPayload(TypeHealthRequest, HealthRequest{})
	envelope.RegisterPayload(TypeHealthResponse, HealthResponse{})
	envelope.RegisterPayload(TypeCompletionRequest, CompletionRequest{})
	envelope.RegisterPayload(TypeCompletionResponse, CompletionResponse{})
	envelope.RegisterPayload(TypeEmbeddingRequest, EmbeddingRequest{})
	envelope.RegisterPayload(TypeEmbeddingResponse, EmbeddingResponse{})
	envelope.RegisterPayload(TypeModelsRequest, ModelsRequest{})
	envelope.RegisterPayload(TypeModelsResponse, ModelsResponse{})
	envelope.RegisterPayload(TypeNERRequest, ner.Request{})
	envelope.RegisterPayload(TypeNERResponse, ner.Response{})
	envelope.RegisterPayload(TypeOllamaStatusRequest, OllamaStatusRequest{})
	envelope.RegisterPayload(TypeOllamaStatusResponse, OllamaStatusResponse{})
	envelope.RegisterPayload(TypeOllamaPullRequest, OllamaPullRequest{})
	envelope.RegisterPayload(TypeOllamaPullResponse, OllamaPullResponse{})
	envelope.RegisterPayload(TypeErrorInfo, ErrorInfo{})
}
