package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseTopicMapping(t *testing.T) {
	for _, req := range RequestTopics() {
		resp, err := ResponseTopic(req)
		require.NoError(t, err, "request topic %q must be mapped", req)
		assert.NotEmpty(t, resp)
	}
}

func TestResponseTopicInjective(t *testing.T) {
	seen := make(map[string]string)
	for _, req := range RequestTopics() {
		resp, err := ResponseTopic(req)
		require.NoError(t, err)
		if prior, dup := seen[resp]; dup {
			t.Fatalf("response topic %q mapped from both %q and %q", resp, prior, req)
		}
		seen[resp] = req
	}
}

func TestResponseTopicUnmapped(t *testing.T) {
	_, err := ResponseTopic("modelservice/unknown/request")
	assert.ErrorIs(t, err, ErrUnmappedTopic)

	_, err = ResponseTopic(TopicLogEntry)
	assert.ErrorIs(t, err, ErrUnmappedTopic, "logs/entry is publish-only")
}

func TestIsRequestTopic(t *testing.T) {
	assert.True(t, IsRequestTopic(TopicEmbeddingsRequest))
	assert.False(t, IsRequestTopic(TopicEmbeddingsResponse))
	assert.False(t, IsRequestTopic(TopicLogEntry))
}
