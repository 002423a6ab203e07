package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aico-project/aico/internal/bus"
	"github.com/aico-project/aico/internal/config"
	"github.com/aico-project/aico/internal/envelope"
	"github.com/aico-project/aico/internal/gateway"
	"github.com/aico-project/aico/internal/guard"
	"github.com/aico-project/aico/internal/kvstore"
	"github.com/aico-project/aico/internal/memory"
	"github.com/aico-project/aico/internal/modelruntime"
	"github.com/aico-project/aico/internal/modelservice"
	"github.com/aico-project/aico/internal/vectorstore"
)

// retentionSweepInterval is how often expired facts are cleaned up.
const retentionSweepInterval = 24 * time.Hour

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func brokerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Run the message bus broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			log.Printf("aico: broker listening on %s", cfg.Bus.Address)
			return bus.NewService(cfg.Bus.Address, cfg.Debug).Start(ctx)
		},
	}
}

func modelserviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modelservice",
		Short: "Run the model dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			svc := modelservice.NewService(modelserviceConfig(cfg))
			if err := svc.Start(); err != nil {
				return err
			}
			defer svc.Stop(5 * time.Second)

			log.Printf("aico: modelservice connected to broker at %s", cfg.Bus.Address)
			<-ctx.Done()
			return nil
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the encrypted HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			busClient := bus.NewClient(cfg.Bus.Address, "gateway", cfg.Debug)
			if err := busClient.Connect(); err != nil {
				return err
			}
			defer busClient.Disconnect()

			gw := newGateway(cfg)
			defer gw.Close()
			registerBusForwarders(gw, busClient, time.Duration(cfg.Bus.TimeoutSeconds)*time.Second)

			return serveHTTP(ctx, cfg.Gateway.Listen, gw.Router())
		},
	}
}

// serveCmd runs broker, modelservice, gateway, and the memory pipeline
// in a single process.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run all core services in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			broker := bus.NewService(cfg.Bus.Address, cfg.Debug)
			go func() {
				if err := broker.Start(ctx); err != nil {
					log.Printf("aico: broker: %v", err)
					stop()
				}
			}()

			svc := modelservice.NewService(modelserviceConfig(cfg))
			if err := startWithRetry(svc.Start, 10, 200*time.Millisecond); err != nil {
				return fmt.Errorf("start modelservice: %w", err)
			}
			defer svc.Stop(5 * time.Second)

			busClient := bus.NewClient(cfg.Bus.Address, "gateway", cfg.Debug)
			if err := busClient.Connect(); err != nil {
				return err
			}
			defer busClient.Disconnect()

			pipeline, closeStores, err := openMemory(cfg, svc)
			if err != nil {
				return err
			}
			defer closeStores()
			go retentionLoop(ctx, pipeline)

			gw := newGateway(cfg)
			defer gw.Close()
			registerBusForwarders(gw, busClient, time.Duration(cfg.Bus.TimeoutSeconds)*time.Second)
			registerMemoryHandlers(gw, pipeline)

			return serveHTTP(ctx, cfg.Gateway.Listen, gw.Router())
		},
	}
}

func modelserviceConfig(cfg *config.Config) modelservice.Config {
	return modelservice.Config{
		BusAddress: cfg.Bus.Address,
		Runtime: modelruntime.Config{
			Host:  cfg.Modelservice.Ollama.Host,
			Port:  cfg.Modelservice.Ollama.Port,
			URL:   cfg.Modelservice.Ollama.URL,
			Debug: cfg.Debug,
		},
		Queue: guard.Config{
			Workers:                 cfg.Queue.MaxConcurrent,
			RateLimitPerSecond:      cfg.Queue.RateLimitPerSecond,
			CircuitFailureThreshold: cfg.Queue.CircuitFailureThreshold,
			CircuitTimeout:          cfg.Queue.CircuitTimeout(),
			BatchSize:               cfg.Queue.BatchSize,
			BatchTimeout:            cfg.Queue.BatchTimeout(),
			Debug:                   cfg.Debug,
		},
		Debug: cfg.Debug,
	}
}

func newGateway(cfg *config.Config) *gateway.Server {
	return gateway.NewServer(gateway.Config{
		MaxClockSkew:       cfg.Handshake.MaxClockSkew(),
		SessionIdleTimeout: cfg.Handshake.SessionIdleTimeout(),
		Protected:          cfg.Gateway.Protected,
		Debug:              cfg.Debug,
	})
}

func openMemory(cfg *config.Config, svc *modelservice.Service) (*memory.Pipeline, func(), error) {
	vectors, err := vectorstore.Open(filepath.Join(cfg.Storage.DataDir, "vectors"), cfg.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("open vector store: %w", err)
	}
	kv, err := kvstore.Open(kvstore.Config{Dir: filepath.Join(cfg.Storage.DataDir, "kv"), Debug: cfg.Debug})
	if err != nil {
		return nil, nil, fmt.Errorf("open kv store: %w", err)
	}

	pipeline := memory.NewPipeline(memory.Config{
		FactsCollection:    cfg.Memory.Semantic.Collections.UserFacts,
		SegmentsCollection: cfg.Memory.Semantic.Collections.ConversationSegments,
		RetentionDays:      cfg.Memory.RetentionDays,
		Debug:              cfg.Debug,
	}, vectors, kv, svc.Embed, svc.Entities)

	return pipeline, func() {
		if err := kv.Close(); err != nil {
			log.Printf("aico: close kv store: %v", err)
		}
	}, nil
}

func retentionLoop(ctx context.Context, pipeline *memory.Pipeline) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := pipeline.CleanupExpiredFacts(time.Now())
			if err != nil {
				log.Printf("aico: retention sweep: %v", err)
			} else if removed > 0 {
				log.Printf("aico: retention sweep removed %d facts", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// startWithRetry covers the in-process startup race where the broker
// socket is not accepting yet.
func startWithRetry(start func() error, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = start(); err == nil {
			return nil
		}
		time.Sleep(delay)
	}
	return err
}

func serveHTTP(ctx context.Context, listen string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("aico: gateway listening on %s", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// busRoute maps a gateway message type onto its bus request topic and
// request payload type.
type busRoute struct {
	topic       string
	payloadType string
}

var busRoutes = map[string]busRoute{
	"health":        {envelope.TopicHealthRequest, modelservice.TypeHealthRequest},
	"completions":   {envelope.TopicCompletionsRequest, modelservice.TypeCompletionRequest},
	"embeddings":    {envelope.TopicEmbeddingsRequest, modelservice.TypeEmbeddingRequest},
	"ner":           {envelope.TopicNERRequest, modelservice.TypeNERRequest},
	"models":        {envelope.TopicModelsRequest, modelservice.TypeModelsRequest},
	"ollama/status": {envelope.TopicOllamaStatusRequest, modelservice.TypeOllamaStatusRequest},
	"ollama/pull":   {envelope.TopicOllamaPullRequest, modelservice.TypeOllamaPullRequest},
}

// registerBusForwarders bridges decrypted gateway messages onto the
// bus request topics and returns the correlated reply payload.
func registerBusForwarders(gw *gateway.Server, client *bus.Client, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	for messageType, route := range busRoutes {
		route := route
		gw.Handle(messageType, func(ctx context.Context, clientID string, msg gateway.Message) (interface{}, error) {
			data := msg.Data
			if len(data) == 0 {
				data = json.RawMessage("{}")
			}
			env := envelope.New("gateway", route.topic, route.payloadType, data)
			reply, err := client.Request(ctx, route.topic, env, timeout)
			if err != nil {
				return nil, err
			}
			// Error replies surface as errors so the gateway maps them
			// onto the status taxonomy instead of returning 200.
			if reply.PayloadType == modelservice.TypeErrorInfo {
				var info modelservice.ErrorInfo
				if err := envelope.Unpack(reply.PayloadType, reply.Payload, &info); err != nil {
					return nil, err
				}
				return nil, info.Err()
			}
			return reply.Payload, nil
		})
	}
}

type ingestRequest struct {
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Turns          []memory.Turn `json:"turns"`
}

type recallRequest struct {
	Query      string                 `json:"query"`
	UserID     string                 `json:"user_id"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	MaxResults int                    `json:"max_results,omitempty"`
}

type curateRequest struct {
	UserID        string   `json:"user_id"`
	SourceMessage string   `json:"source_message"`
	Category      string   `json:"category"`
	Content       string   `json:"content"`
	Note          string   `json:"note,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

type deleteUserRequest struct {
	UserID string `json:"user_id"`
}

// registerMemoryHandlers exposes the memory pipeline on the encrypted
// channel.
func registerMemoryHandlers(gw *gateway.Server, pipeline *memory.Pipeline) {
	gw.Handle("memory/ingest", func(ctx context.Context, clientID string, msg gateway.Message) (interface{}, error) {
		var req ingestRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		segments, facts, err := pipeline.Ingest(ctx, req.Turns, req.ConversationID, req.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]int{"segments": segments, "facts": facts}, nil
	})

	gw.Handle("memory/recall", func(ctx context.Context, clientID string, msg gateway.Message) (interface{}, error) {
		var req recallRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		records, err := pipeline.Recall(ctx, req.Query, req.UserID, req.Filters, req.MaxResults)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"records": records}, nil
	})

	gw.Handle("memory/curate", func(ctx context.Context, clientID string, msg gateway.Message) (interface{}, error) {
		var req curateRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		factID, err := pipeline.CurateFact(ctx, req.UserID, req.SourceMessage, req.Category, req.Content, req.Note, req.Tags)
		if err != nil {
			return nil, err
		}
		return map[string]string{"fact_id": factID}, nil
	})

	gw.Handle("memory/delete_user", func(ctx context.Context, clientID string, msg gateway.Message) (interface{}, error) {
		var req deleteUserRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		removed, err := pipeline.DeleteUserData(req.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]int{"removed": removed}, nil
	})
}
