package modelruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseURLResolution(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:11434", Config{}.BaseURL())
	assert.Equal(t, "http://models.local:9000", Config{Host: "models.local", Port: 9000}.BaseURL())
	assert.Equal(t, "https://runtime.example.com", Config{URL: "https://runtime.example.com/", Host: "ignored"}.BaseURL())
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)
		json.NewEncoder(w).Encode(GenerateResponse{Model: req.Model, Response: "hi there", Done: true})
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	resp, err := c.Generate(context.Background(), &GenerateRequest{Model: "llama3", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Response)
	assert.True(t, resp.Done)
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		fmt.Fprint(w, `{"embedding":[0.1,0.2,0.3]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	vec, err := c.Embed(context.Background(), "nomic-embed-text", "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.InDelta(t, 0.2, vec[1], 1e-6)
}

func TestEmbedEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embedding":[]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	_, err := c.Embed(context.Background(), "m", "p")
	assert.ErrorContains(t, err, "empty embedding")
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[{"name":"llama3:latest","size":42},{"name":"nomic-embed-text","size":7}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3:latest", models[0].Name)
}

func TestPullModelStreamsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/pull", r.URL.Path)
		fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		fmt.Fprintln(w, `{"status":"downloading","digest":"sha256:abc","total":100,"completed":50}`)
		fmt.Fprintln(w, `{"status":"success"}`)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	var statuses []string
	err := c.PullModel(context.Background(), "llama3", func(p PullProgress) {
		statuses = append(statuses, p.Status)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pulling manifest", "downloading", "success"}, statuses)
}

func TestServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model overloaded"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	_, err := c.Embed(context.Background(), "m", "p")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "model overloaded")
}

func TestClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	_, err := c.ShowModel(context.Background(), "nope")
	require.NotErrorIs(t, err, ErrUnavailable)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, "model not found", statusErr.Message)
}

func TestUnreachableRuntime(t *testing.T) {
	c := NewClient(Config{URL: "http://127.0.0.1:1"})
	_, err := c.ListModels(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, c.Running(context.Background()))
}
