package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aico-project/aico/internal/envelope"
)

// startBroker runs a broker on an ephemeral port and returns its address.
func startBroker(t *testing.T) string {
	t.Helper()

	svc := NewService("127.0.0.1:0", false)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = svc.Start(ctx)
	}()

	// Wait for the listener to come up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		addr := svc.Addr()
		if addr != "127.0.0.1:0" {
			if conn, err := net.Dial("tcp", addr); err == nil {
				conn.Close()
				return addr
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("broker did not start")
	return ""
}

func connect(t *testing.T, addr, componentID string) *Client {
	t.Helper()
	c := NewClient(addr, componentID, false)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func testEnvelope(source, topic string) *envelope.Envelope {
	return envelope.New(source, topic, "aico/test.Blob", json.RawMessage(`{"v":1}`))
}

func TestPublishSubscribeDelivery(t *testing.T) {
	addr := startBroker(t)
	pub := connect(t, addr, "publisher")
	sub := connect(t, addr, "subscriber")

	received := make(chan *envelope.Envelope, 1)
	require.NoError(t, sub.Subscribe(envelope.TopicLogEntry, func(env *envelope.Envelope) {
		received <- env
	}))

	env := testEnvelope("publisher", envelope.TopicLogEntry)
	require.NoError(t, pub.Publish(envelope.TopicLogEntry, env))

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, "publisher", got.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestPerTopicOrderPreserved(t *testing.T) {
	addr := startBroker(t)
	pub := connect(t, addr, "publisher")
	sub := connect(t, addr, "subscriber")

	const n = 50
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	require.NoError(t, sub.Subscribe(envelope.TopicLogEntry, func(env *envelope.Envelope) {
		var payload struct {
			Seq int `json:"seq"`
		}
		_ = json.Unmarshal(env.Payload, &payload)
		mu.Lock()
		order = append(order, payload.Seq)
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
	}))

	for i := 0; i < n; i++ {
		env := envelope.New("publisher", envelope.TopicLogEntry, "aico/test.Blob",
			json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, pub.Publish(envelope.TopicLogEntry, env))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d envelopes delivered", len(order), n)
	}

	for i, seq := range order {
		require.Equal(t, i, seq, "delivery order must match publish order")
	}
}

func TestRequestReply(t *testing.T) {
	addr := startBroker(t)
	requester := connect(t, addr, "gateway")
	responder := connect(t, addr, "modelservice")

	require.NoError(t, responder.Subscribe(envelope.TopicHealthRequest, func(env *envelope.Envelope) {
		reply, err := envelope.NewReply(env, "modelservice", "aico/test.Blob", json.RawMessage(`{"ok":true}`))
		if err != nil {
			return
		}
		_ = responder.Publish(envelope.TopicHealthResponse, reply)
	}))

	req := testEnvelope("gateway", envelope.TopicHealthRequest)
	resp, err := requester.Request(context.Background(), envelope.TopicHealthRequest, req, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, envelope.TopicHealthResponse, resp.MessageType)
}

func TestRequestUnmappedTopic(t *testing.T) {
	addr := startBroker(t)
	requester := connect(t, addr, "gateway")

	req := testEnvelope("gateway", "no/such/topic")
	_, err := requester.Request(context.Background(), "no/such/topic", req, time.Second)
	assert.ErrorIs(t, err, envelope.ErrUnmappedTopic)
}

func TestRequestTimeout(t *testing.T) {
	addr := startBroker(t)
	requester := connect(t, addr, "gateway")

	req := testEnvelope("gateway", envelope.TopicHealthRequest)
	_, err := requester.Request(context.Background(), envelope.TopicHealthRequest, req, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestRequestCancellationDropsLateResponse(t *testing.T) {
	addr := startBroker(t)
	requester := connect(t, addr, "gateway")
	responder := connect(t, addr, "modelservice")

	release := make(chan struct{})
	require.NoError(t, responder.Subscribe(envelope.TopicHealthRequest, func(env *envelope.Envelope) {
		<-release
		reply, _ := envelope.NewReply(env, "modelservice", "aico/test.Blob", json.RawMessage(`{"late":true}`))
		_ = responder.Publish(envelope.TopicHealthResponse, reply)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	req := testEnvelope("gateway", envelope.TopicHealthRequest)

	errCh := make(chan error, 1)
	go func() {
		_, err := requester.Request(ctx, envelope.TopicHealthRequest, req, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// Let the late response arrive; nothing should blow up and no
	// waiter should consume it.
	close(release)
	time.Sleep(100 * time.Millisecond)
}

func TestDuplicateResponseResolvesOnce(t *testing.T) {
	addr := startBroker(t)
	requester := connect(t, addr, "gateway")
	responder := connect(t, addr, "modelservice")

	require.NoError(t, responder.Subscribe(envelope.TopicHealthRequest, func(env *envelope.Envelope) {
		reply, _ := envelope.NewReply(env, "modelservice", "aico/test.Blob", json.RawMessage(`{"ok":true}`))
		// Deliver the same response envelope twice.
		_ = responder.Publish(envelope.TopicHealthResponse, reply)
		_ = responder.Publish(envelope.TopicHealthResponse, reply)
	}))

	req := testEnvelope("gateway", envelope.TopicHealthRequest)
	resp, err := requester.Request(context.Background(), envelope.TopicHealthRequest, req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.CorrelationID)

	// The duplicate must have been dropped by the dedup set.
	assert.True(t, requester.alreadySeen(req.ID), "correlation must be marked seen")
}

func TestDisconnectStopsDispatchGoroutines(t *testing.T) {
	addr := startBroker(t)
	c := NewClient(addr, "transient", false)
	require.NoError(t, c.Connect())

	before := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		topic := fmt.Sprintf("aico/test/topic%d", i)
		require.NoError(t, c.Subscribe(topic, func(*envelope.Envelope) {}))
	}
	require.GreaterOrEqual(t, runtime.NumGoroutine(), before+5, "each subscription runs a dispatch goroutine")

	require.NoError(t, c.Disconnect())
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 20*time.Millisecond, "dispatch goroutines must exit on disconnect")
}

func TestPublishNotConnected(t *testing.T) {
	c := NewClient("127.0.0.1:1", "orphan", false)
	err := c.Publish(envelope.TopicLogEntry, testEnvelope("orphan", envelope.TopicLogEntry))
	assert.ErrorIs(t, err, ErrPublishFailed)
}
