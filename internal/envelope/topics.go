package envelope

import "fmt"

// Topic names used across the system. Every request topic has exactly
// one response topic; the mapping is static and lives only here.
const (
	TopicHealthRequest       = "modelservice/health/request"
	TopicHealthResponse      = "modelservice/health/response"
	TopicCompletionsRequest  = "modelservice/completions/request"
	TopicCompletionsResponse = "modelservice/completions/response"
	TopicEmbeddingsRequest   = "modelservice/embeddings/request"
	TopicEmbeddingsResponse  = "modelservice/embeddings/response"
	TopicModelsRequest       = "modelservice/models/request"
	TopicModelsResponse      = "modelservice/models/response"
	TopicNERRequest          = "modelservice/ner/request"
	TopicNERResponse         = "modelservice/ner/response"
	TopicOllamaStatusRequest = "ollama/status/request"
	TopicOllamaStatusResponse = "ollama/status/response"
	TopicOllamaPullRequest   = "ollama/models/pull/request"
	TopicOllamaPullResponse  = "ollama/models/pull/response"

	// TopicLogEntry is publish-only; it has no response mapping.
	TopicLogEntry = "logs/entry"
)

var responseByRequest = map[string]string{
	TopicHealthRequest:       TopicHealthResponse,
	TopicCompletionsRequest:  TopicCompletionsResponse,
	TopicEmbeddingsRequest:   TopicEmbeddingsResponse,
	TopicModelsRequest:       TopicModelsResponse,
	TopicNERRequest:          TopicNERResponse,
	TopicOllamaStatusRequest: TopicOllamaStatusResponse,
	TopicOllamaPullRequest:   TopicOllamaPullResponse,
}

// ResponseTopic resolves the response topic for a request topic.
func ResponseTopic(requestTopic string) (string, error) {
	resp, ok := responseByRequest[requestTopic]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedTopic, requestTopic)
	}
	return resp, nil
}

// RequestTopics returns all known request topics. The slice is a copy.
func RequestTopics() []string {
	topics := make([]string, 0, len(responseByRequest))
	for t := range responseByRequest {
		topics = append(topics, t)
	}
	return topics
}

// IsRequestTopic reports whether topic has a response mapping.
func IsRequestTopic(topic string) bool {
	_, ok := responseByRequest[topic]
	return ok
}
