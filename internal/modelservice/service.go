// Package modelservice is the dispatcher between the message bus and
// the external model runtime. It subscribes to every request topic,
// funnels each request through the protected queue, and publishes the
// correlated reply. Nothing else in the process talks to the runtime.
package modelservice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aico-project/aico/internal/bus"
	"github.com/aico-project/aico/internal/envelope"
	"github.com/aico-project/aico/internal/guard"
	"github.com/aico-project/aico/internal/modelruntime"
	"github.com/aico-project/aico/internal/ner"
)

// Queue operation names.
const (
	opCompletions  = "completions"
	opEmbedding    = "embedding"
	opNER          = "ner"
	opModels       = "models"
	opOllamaStatus = "ollama_status"
	opOllamaPull   = "ollama_pull"
)

// Submit deadlines per operation. They cover queue wait plus the
// runtime call, so each sits above the runtime's own per-call timeout.
const (
	completionDeadline = 150 * time.Second
	embeddingDeadline  = 15 * time.Second
	nerDeadline        = 10 * time.Second
	listingDeadline    = 15 * time.Second
	pullDeadline       = 10 * time.Minute
)

// Config wires the dispatcher. Zero values take the noted defaults.
type Config struct {
	Component       string // bus component ID, default "modelservice"
	BusAddress      string
	CompletionModel string // default "llama3.2"
	EmbeddingModel  string // default "nomic-embed-text"
	EmbeddingDim    int    // fallback vector dimensionality, default 768
	NERThreshold    float32
	Queue           guard.Config
	Runtime         modelruntime.Config
	Debug           bool
}

func (c *Config) applyDefaults() {
	if c.Component == "" {
		c.Component = "modelservice"
	}
	if c.CompletionModel == "" {
		c.CompletionModel = "llama3.2"
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "nomic-embed-text"
	}
	if c.EmbeddingDim <= 0 {
		c.EmbeddingDim = 768
	}
}

// Service is the modelservice dispatcher.
type Service struct {
	cfg       Config
	bus       *bus.Client
	queue     *guard.Queue
	runtime   *modelruntime.Client
	extractor *ner.Extractor
}

// NewService builds the dispatcher: runtime client, entity extractor,
// and the protected queue with every operation registered.
func NewService(cfg Config) *Service {
	cfg.applyDefaults()

	s := &Service{
		cfg:       cfg,
		bus:       bus.NewClient(cfg.BusAddress, cfg.Component, cfg.Debug),
		queue:     guard.NewQueue(cfg.Queue),
		runtime:   modelruntime.NewClient(cfg.Runtime),
		extractor: ner.NewExtractor(cfg.NERThreshold, cfg.Debug),
	}
	s.registerOperations()
	return s
}

func (s *Service) registerOperations() {
	s.queue.RegisterOperation(opCompletions, func(ctx context.Context, data interface{}) (interface{}, error) {
		req := data.(*CompletionRequest)
		model := req.Model
		if model == "" {
			model = s.cfg.CompletionModel
		}
		out, err := s.runtime.Generate(ctx, &modelruntime.GenerateRequest{
			Model:   model,
			Prompt:  req.Prompt,
			Options: req.Options,
		})
		if err != nil {
			return nil, wrapRuntimeErr(err)
		}
		return &CompletionResponse{Model: out.Model, Response: out.Response, Done: out.Done}, nil
	})

	// Embeddings batch: the runtime takes one prompt per call, but the
	// whole batch still costs a single rate token.
	s.queue.RegisterBatchOperation(opEmbedding, func(ctx context.Context, data []interface{}) ([]interface{}, error) {
		results := make([]interface{}, len(data))
		for i, d := range data {
			vec, err := s.runtime.Embed(ctx, s.cfg.EmbeddingModel, d.(string))
			if err != nil {
				return nil, wrapRuntimeErr(err)
			}
			results[i] = vec
		}
		return results, nil
	})
	if err := s.queue.RegisterFallback(opEmbedding, func(data interface{}) (interface{}, error) {
		return guard.PseudoEmbedding(data.(string), s.cfg.EmbeddingDim), nil
	}); err != nil {
		log.Printf("modelservice: register embedding fallback: %v", err)
	}

	// Entity extraction is local and never touches the runtime, but it
	// still runs on the queue so callers get one submission surface.
	s.queue.RegisterOperation(opNER, func(_ context.Context, data interface{}) (interface{}, error) {
		req := data.(*ner.Request)
		entities := s.extractor.Extract(req.Text)
		return &ner.Response{Text: req.Text, Entities: entities, Count: len(entities)}, nil
	})

	s.queue.RegisterOperation(opModels, func(ctx context.Context, data interface{}) (interface{}, error) {
		models, err := s.runtime.ListModels(ctx)
		if err != nil {
			return nil, wrapRuntimeErr(err)
		}
		return &ModelsResponse{Models: models}, nil
	})

	s.queue.RegisterOperation(opOllamaStatus, func(ctx context.Context, data interface{}) (interface{}, error) {
		if !s.runtime.Running(ctx) {
			return &OllamaStatusResponse{Running: false}, nil
		}
		models, err := s.runtime.ListModels(ctx)
		if err != nil {
			return &OllamaStatusResponse{Running: true}, nil
		}
		return &OllamaStatusResponse{Running: true, ModelCount: len(models)}, nil
	})

	s.queue.RegisterOperation(opOllamaPull, func(ctx context.Context, data interface{}) (interface{}, error) {
		req := data.(*OllamaPullRequest)
		last := "started"
		err := s.runtime.PullModel(ctx, req.Name, func(p modelruntime.PullProgress) {
			last = p.Status
			if s.cfg.Debug {
				log.Printf("modelservice: pull %s: %s (%d/%d)", req.Name, p.Status, p.Completed, p.Total)
			}
		})
		if err != nil {
			return nil, wrapRuntimeErr(err)
		}
		return &OllamaPullResponse{Name: req.Name, Status: last}, nil
	})
}

// wrapRuntimeErr marks transport faults and 5xx responses retriable.
// 4xx responses are the caller's fault and fail fast.
func wrapRuntimeErr(err error) error {
	var se *modelruntime.StatusError
	if errors.As(err, &se) && se.Code/100 == 5 {
		return guard.Retriable(err)
	}
	if errors.Is(err, modelruntime.ErrUnavailable) {
		return guard.Retriable(err)
	}
	return err
}

// Start connects to the bus, subscribes to every request topic, and
// starts the queue workers.
func (s *Service) Start() error {
	s.queue.Start()
	if err := s.bus.Connect(); err != nil {
		return err
	}
	for _, topic := range envelope.RequestTopics() {
		if err := s.bus.Subscribe(topic, s.handle); err != nil {
			return fmt.Errorf("modelservice: subscribe %s: %w", topic, err)
		}
	}
	if s.cfg.Debug {
		log.Printf("modelservice: %s dispatching on %d topics", s.cfg.Component, len(envelope.RequestTopics()))
	}
	return nil
}

// Stop drains the queue and disconnects from the bus.
func (s *Service) Stop(timeout time.Duration) {
	s.queue.Stop(timeout)
	if err := s.bus.Disconnect(); err != nil {
		log.Printf("modelservice: disconnect: %v", err)
	}
}

// Stats exposes the queue snapshot.
func (s *Service) Stats() guard.Stats { return s.queue.Stats() }

// handle routes one request envelope. Long-running work leaves the
// dispatch goroutine immediately so one slow completion cannot stall
// deliveries on its topic.
func (s *Service) handle(env *envelope.Envelope) {
	go func() {
		result, err := s.process(env)
		if err != nil {
			s.replyError(env, err)
			return
		}
		s.reply(env, result)
	}()
}

func (s *Service) process(env *envelope.Envelope) (interface{}, error) {
	ctx := context.Background()

	switch env.MessageType {
	case envelope.TopicHealthRequest:
		return s.health(ctx), nil

	case envelope.TopicCompletionsRequest:
		var req CompletionRequest
		if err := envelope.Unpack(env.PayloadType, env.Payload, &req); err != nil {
			return nil, err
		}
		res, err := s.queue.Submit(ctx, opCompletions, &req, guard.PriorityNormal, completionDeadline)
		if err != nil {
			return nil, err
		}
		return res.Value, nil

	case envelope.TopicEmbeddingsRequest:
		var req EmbeddingRequest
		if err := envelope.Unpack(env.PayloadType, env.Payload, &req); err != nil {
			return nil, err
		}
		vec, degraded, err := s.Embed(ctx, req.Text)
		if err != nil {
			return nil, err
		}
		return &EmbeddingResponse{Model: s.cfg.EmbeddingModel, Embedding: vec, Degraded: degraded}, nil

	case envelope.TopicNERRequest:
		var req ner.Request
		if err := envelope.Unpack(env.PayloadType, env.Payload, &req); err != nil {
			return nil, err
		}
		res, err := s.queue.Submit(ctx, opNER, &req, guard.PriorityNormal, nerDeadline)
		if err != nil {
			return nil, err
		}
		return res.Value, nil

	case envelope.TopicModelsRequest:
		res, err := s.queue.Submit(ctx, opModels, nil, guard.PriorityLow, listingDeadline)
		if err != nil {
			return nil, err
		}
		return res.Value, nil

	case envelope.TopicOllamaStatusRequest:
		res, err := s.queue.Submit(ctx, opOllamaStatus, nil, guard.PriorityLow, listingDeadline)
		if err != nil {
			return nil, err
		}
		return res.Value, nil

	case envelope.TopicOllamaPullRequest:
		var req OllamaPullRequest
		if err := envelope.Unpack(env.PayloadType, env.Payload, &req); err != nil {
			return nil, err
		}
		res, err := s.queue.Submit(ctx, opOllamaPull, &req, guard.PriorityLow, pullDeadline)
		if err != nil {
			return nil, err
		}
		return res.Value, nil

	default:
		return nil, fmt.Errorf("%w: %q", envelope.ErrUnmappedTopic, env.MessageType)
	}
}

// health answers directly, off the queue: it must work even when the
// circuit is open.
func (s *Service) health(ctx context.Context) *HealthResponse {
	stats := s.queue.Stats()
	status := "ok"
	if stats.CircuitState != "CLOSED" {
		status = "degraded"
	}
	return &HealthResponse{
		Status:           status,
		RuntimeAvailable: s.runtime.Running(ctx),
		CircuitState:     stats.CircuitState,
		QueueDepth:       stats.Depth,
		Processed:        stats.Processed,
		Failed:           stats.Failed,
	}
}

// Embed runs one embedding through the queue. The bool reports a
// degraded fallback vector. Signature-compatible with the memory
// pipeline's embedding hook.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, bool, error) {
	res, err := s.queue.Submit(ctx, opEmbedding, text, guard.PriorityNormal, embeddingDeadline)
	if err != nil {
		return nil, false, err
	}
	vec, ok := res.Value.([]float32)
	if !ok {
		return nil, false, fmt.Errorf("modelservice: embedding returned %T", res.Value)
	}
	return vec, res.Degraded, nil
}

// Entities runs entity extraction through the queue.
// Signature-compatible with the memory pipeline's entity hook.
func (s *Service) Entities(ctx context.Context, text string) ([]ner.Entity, error) {
	res, err := s.queue.Submit(ctx, opNER, &ner.Request{Text: text}, guard.PriorityNormal, nerDeadline)
	if err != nil {
		return nil, err
	}
	resp, ok := res.Value.(*ner.Response)
	if !ok {
		return nil, fmt.Errorf("modelservice: ner returned %T", res.Value)
	}
	return resp.Entities, nil
}

func (s *Service) reply(req *envelope.Envelope, result interface{}) {
	typeURL, raw, err := envelope.Pack(result)
	if err != nil {
		log.Printf("modelservice: pack reply for %s: %v", req.MessageType, err)
		s.replyError(req, err)
		return
	}
	out, err := envelope.NewReply(req, s.cfg.Component, typeURL, raw)
	if err != nil {
		log.Printf("modelservice: build reply for %s: %v", req.MessageType, err)
		return
	}
	if err := s.bus.Publish(out.MessageType, out); err != nil {
		log.Printf("modelservice: publish reply for %s: %v", req.ID, err)
	}
}

func (s *Service) replyError(req *envelope.Envelope, cause error) {
	info := errorInfoFor(cause)
	typeURL, raw, err := envelope.Pack(&info)
	if err != nil {
		log.Printf("modelservice: pack error reply: %v", err)
		return
	}
	out, err := envelope.NewReply(req, s.cfg.Component, typeURL, raw)
	if err != nil {
		// Unmapped request topic: nowhere to send the error.
		log.Printf("modelservice: cannot reply to %s: %v", req.MessageType, cause)
		return
	}
	if err := s.bus.Publish(out.MessageType, out); err != nil {
		log.Printf("modelservice: publish error reply for %s: %v", req.ID, err)
	}
}

func errorInfoFor(err error) ErrorInfo {
	switch {
	case errors.Is(err, guard.ErrRateLimited):
		return ErrorInfo{Kind: "rate_limited", Message: err.Error(), RetryAfter: 1}
	case errors.Is(err, guard.ErrCircuitOpen):
		return ErrorInfo{Kind: "circuit_open", Message: err.Error(), RetryAfter: 30}
	case errors.Is(err, guard.ErrQueueStopped):
		return ErrorInfo{Kind: "unavailable", Message: err.Error(), RetryAfter: 5}
	case errors.Is(err, guard.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorInfo{Kind: "timeout", Message: err.Error()}
	case errors.Is(err, modelruntime.ErrUnavailable):
		return ErrorInfo{Kind: "unavailable", Message: err.Error(), RetryAfter: 5}
	case errors.Is(err, envelope.ErrUnknownPayloadType),
		errors.Is(err, envelope.ErrPayloadTypeMismatch),
		errors.Is(err, envelope.ErrUnmappedTopic),
		errors.Is(err, guard.ErrUnknownOperation):
		return ErrorInfo{Kind: "protocol", Message: err.Error()}
	default:
		return ErrorInfo{Kind: "internal", Message: err.Error()}
	}
}
