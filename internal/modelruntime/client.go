// Package modelruntime is the HTTP client for the external model
// runtime (an ollama-compatible server). Only the modelservice
// dispatcher talks to it, and always from behind the protected queue.
package modelruntime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Per-endpoint deadlines. Embeddings are deliberately tight so the
// queue's fallback can take over quickly.
const (
	generateTimeout   = 120 * time.Second
	embeddingsTimeout = 5 * time.Second
	listingTimeout    = 10 * time.Second
)

// ErrUnavailable marks transport failures and 5xx responses: the
// runtime is unreachable or unhealthy, and the call is worth retrying.
var ErrUnavailable = errors.New("modelruntime: unavailable")

// StatusError is a non-2xx response from the runtime.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("modelruntime: status %d: %s", e.Code, e.Message)
}

// Config locates the runtime. URL wins over Host/Port when set.
type Config struct {
	Host  string
	Port  int
	URL   string
	Debug bool
}

// BaseURL resolves the runtime's base URL, defaulting to the
// conventional local install.
func (c Config) BaseURL() string {
	if c.URL != "" {
		return strings.TrimRight(c.URL, "/")
	}
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 11434
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// Client is safe for concurrent use.
type Client struct {
	base       string
	debug      bool
	httpClient *http.Client
}

// NewClient creates a runtime client. Deadlines are applied per call,
// not on the shared http.Client.
func NewClient(cfg Config) *Client {
	return &Client{
		base:       cfg.BaseURL(),
		debug:      cfg.Debug,
		httpClient: &http.Client{},
	}
}

// GenerateRequest is the /api/generate payload.
type GenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// GenerateResponse is the non-streamed /api/generate reply.
type GenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

// ModelInfo is one entry from /api/tags.
type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
	ModifiedAt string `json:"modified_at"`
}

// ModelDetails is the /api/show reply.
type ModelDetails struct {
	Modelfile  string `json:"modelfile"`
	Parameters string `json:"parameters"`
	Template   string `json:"template"`
	Details    struct {
		Format            string `json:"format"`
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

// PullProgress is one line of the streamed /api/pull reply.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Generate runs a completion, non-streamed.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	req.Stream = false
	var resp GenerateResponse
	if err := c.post(ctx, "/api/generate", generateTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Embed returns the embedding vector for one prompt.
func (c *Client) Embed(ctx context.Context, model, prompt string) ([]float32, error) {
	body := map[string]string{"model": model, "prompt": prompt}
	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := c.post(ctx, "/api/embeddings", embeddingsTimeout, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("modelruntime: empty embedding for model %s", model)
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// ListModels returns the installed models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, listingTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("modelruntime: build request: %w", err)
	}
	var resp struct {
		Models []ModelInfo `json:"models"`
	}
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// ShowModel returns details for one installed model.
func (c *Client) ShowModel(ctx context.Context, name string) (*ModelDetails, error) {
	var details ModelDetails
	if err := c.post(ctx, "/api/show", listingTimeout, map[string]string{"name": name}, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// PullModel downloads a model, invoking progress for every streamed
// status line. It returns once the stream reports success or ends.
func (c *Client) PullModel(ctx context.Context, name string, progress func(PullProgress)) error {
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return fmt.Errorf("modelruntime: marshal pull request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/pull", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("modelruntime: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return c.statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p PullProgress
		if err := json.Unmarshal(line, &p); err != nil {
			if c.debug {
				log.Printf("modelruntime: unparseable pull progress: %s", line)
			}
			continue
		}
		if progress != nil {
			progress(p)
		}
		if p.Status == "success" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: pull stream: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteModel removes an installed model.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return fmt.Errorf("modelruntime: marshal delete request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, listingTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/api/delete", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("modelruntime: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, nil)
}

// Running reports whether the runtime answers on its base URL.
func (c *Client) Running(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode/100 == 2
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("modelruntime: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("modelruntime: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if c.debug {
		log.Printf("modelruntime: %s %s -> %d in %s", req.Method, req.URL.Path, resp.StatusCode, time.Since(start))
	}

	if resp.StatusCode/100 != 2 {
		return c.statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("modelruntime: decode response: %w", err)
	}
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}
	statusErr := &StatusError{Code: resp.StatusCode, Message: msg}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", ErrUnavailable, statusErr)
	}
	return statusErr
}
