package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aico-project/aico/internal/bus"
	"github.com/aico-project/aico/internal/config"
	"github.com/aico-project/aico/internal/envelope"
	"github.com/aico-project/aico/internal/gateway"
	"github.com/aico-project/aico/internal/modelservice"
)

func startTestBroker(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	broker := bus.NewService("127.0.0.1:0", false)
	go broker.Start(ctx)
	t.Cleanup(cancel)

	var addr string
	require.Eventually(t, func() bool {
		addr = broker.Addr()
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond, "broker did not come up")
	return addr
}

// postEncrypted sends one encrypted message over an established chat
// session and returns the status, headers, and decrypted body.
func postEncrypted(t *testing.T, c *chatClient, msg gateway.Message) (int, http.Header, map[string]interface{}) {
	t.Helper()

	plain, err := json.Marshal(msg)
	require.NoError(t, err)
	sealed, err := c.sess.Encrypt(plain)
	require.NoError(t, err)

	body := mustJSON(map[string]interface{}{
		"encrypted": true,
		"payload":   base64.StdEncoding.EncodeToString(sealed),
		"client_id": c.clientID,
	})
	resp, err := c.httpc.Post(c.base+"/message", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var wire struct {
		Encrypted bool   `json:"encrypted"`
		Payload   string `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wire))
	require.True(t, wire.Encrypted, "errors with a live session travel encrypted")

	cipher, err := base64.StdEncoding.DecodeString(wire.Payload)
	require.NoError(t, err)
	plainResp, err := c.sess.Decrypt(cipher)
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(plainResp, &parsed))
	return resp.StatusCode, resp.Header, parsed
}

func TestForwardedErrorReplyKeepsStatusTaxonomy(t *testing.T) {
	addr := startTestBroker(t)

	// A stub dispatcher that answers every request with an error reply.
	stub := bus.NewClient(addr, "modelservice", false)
	require.NoError(t, stub.Connect())
	t.Cleanup(func() { stub.Disconnect() })

	replyWith := func(requestTopic string, info modelservice.ErrorInfo) {
		require.NoError(t, stub.Subscribe(requestTopic, func(env *envelope.Envelope) {
			typeURL, raw, err := envelope.Pack(&info)
			if err != nil {
				return
			}
			out, err := envelope.NewReply(env, "modelservice", typeURL, raw)
			if err != nil {
				return
			}
			_ = stub.Publish(out.MessageType, out)
		}))
	}
	replyWith(envelope.TopicCompletionsRequest,
		modelservice.ErrorInfo{Kind: "circuit_open", Message: "guard: circuit open", RetryAfter: 30})
	replyWith(envelope.TopicEmbeddingsRequest,
		modelservice.ErrorInfo{Kind: "rate_limited", Message: "guard: rate limited", RetryAfter: 1})

	busClient := bus.NewClient(addr, "gateway", false)
	require.NoError(t, busClient.Connect())
	t.Cleanup(func() { busClient.Disconnect() })

	cfg := config.DefaultConfig()
	gw := newGateway(&cfg)
	t.Cleanup(gw.Close)
	registerBusForwarders(gw, busClient, 5*time.Second)

	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)

	client, err := connectChat(srv.URL)
	require.NoError(t, err)

	status, header, body := postEncrypted(t, client, gateway.Message{
		MessageType: "completions",
		Data:        json.RawMessage(`{"prompt":"hi"}`),
	})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "30", header.Get("Retry-After"))
	assert.Equal(t, "circuit_open", body["kind"])

	status, header, body = postEncrypted(t, client, gateway.Message{
		MessageType: "embeddings",
		Data:        json.RawMessage(`{"text":"hi"}`),
	})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "1", header.Get("Retry-After"))
	assert.Equal(t, "rate_limited", body["kind"])
}

func TestForwardedSuccessReplyPassesThrough(t *testing.T) {
	addr := startTestBroker(t)

	stub := bus.NewClient(addr, "modelservice", false)
	require.NoError(t, stub.Connect())
	t.Cleanup(func() { stub.Disconnect() })

	require.NoError(t, stub.Subscribe(envelope.TopicCompletionsRequest, func(env *envelope.Envelope) {
		typeURL, raw, err := envelope.Pack(&modelservice.CompletionResponse{
			Model: "llama3.2", Response: "hello back", Done: true,
		})
		if err != nil {
			return
		}
		out, err := envelope.NewReply(env, "modelservice", typeURL, raw)
		if err != nil {
			return
		}
		_ = stub.Publish(out.MessageType, out)
	}))

	busClient := bus.NewClient(addr, "gateway", false)
	require.NoError(t, busClient.Connect())
	t.Cleanup(func() { busClient.Disconnect() })

	cfg := config.DefaultConfig()
	gw := newGateway(&cfg)
	t.Cleanup(gw.Close)
	registerBusForwarders(gw, busClient, 5*time.Second)

	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)

	client, err := connectChat(srv.URL)
	require.NoError(t, err)

	status, _, body := postEncrypted(t, client, gateway.Message{
		MessageType: "completions",
		Data:        json.RawMessage(`{"prompt":"hi"}`),
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello back", body["response"])
}
