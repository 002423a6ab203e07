package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aico-project/aico/internal/guard"
	"github.com/aico-project/aico/internal/identity"
	"github.com/aico-project/aico/internal/secure"
)

type testClient struct {
	t    *testing.T
	base string
	id   *identity.Identity
	sess *secure.Session
}

func startGateway(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts.URL
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

// connect runs the handshake and returns a client with an established
// session.
func connect(t *testing.T, base string) *testClient {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	hs, err := secure.Initiate(id, "test-client")
	require.NoError(t, err)

	resp, body := postJSON(t, base+"/handshake", map[string]interface{}{"handshake_request": hs})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var parsed struct {
		Status            string                    `json:"status"`
		HandshakeResponse *secure.HandshakeResponse `json:"handshake_response"`
	}
	require.NoError(t, json.Unmarshal(body, &parsed))
	require.Equal(t, "session_established", parsed.Status)
	require.NotNil(t, parsed.HandshakeResponse)

	sess, err := secure.Complete(id, hs, parsed.HandshakeResponse)
	require.NoError(t, err)

	return &testClient{t: t, base: base, id: id, sess: sess}
}

// call sends one encrypted message and returns the HTTP status plus
// the decrypted response body.
func (c *testClient) call(msg Message) (int, []byte) {
	c.t.Helper()
	plain, err := json.Marshal(msg)
	require.NoError(c.t, err)
	sealed, err := c.sess.Encrypt(plain)
	require.NoError(c.t, err)

	resp, body := postJSON(c.t, c.base+"/message", encryptedRequest{
		Encrypted: true,
		Payload:   base64.StdEncoding.EncodeToString(sealed),
		ClientID:  c.id.Fingerprint(),
	})

	var env encryptedRequest
	require.NoError(c.t, json.Unmarshal(body, &env))
	require.True(c.t, env.Encrypted, "responses travel encrypted: %s", body)

	cipher, err := base64.StdEncoding.DecodeString(env.Payload)
	require.NoError(c.t, err)
	opened, err := c.sess.Decrypt(cipher)
	require.NoError(c.t, err)
	return resp.StatusCode, opened
}

func TestHandshakeAndPing(t *testing.T) {
	_, base := startGateway(t, Config{Protected: true})
	client := connect(t, base)

	status, body := client.call(Message{
		MessageType: "ping",
		Data:        json.RawMessage(`{"n":1}`),
	})
	require.Equal(t, http.StatusOK, status)

	var echoed map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &echoed))
	assert.Equal(t, float64(1), echoed["n"])
	assert.Equal(t, true, echoed["pong"])
}

func TestHandshakeStaleTimestampRejected(t *testing.T) {
	_, base := startGateway(t, Config{MaxClockSkew: time.Minute})

	id, err := identity.Generate()
	require.NoError(t, err)
	hs, err := secure.Initiate(id, "test-client")
	require.NoError(t, err)
	hs.Timestamp -= 3600

	resp, body := postJSON(t, base+"/handshake", map[string]interface{}{"handshake_request": hs})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "rejected", parsed["status"])
	assert.Contains(t, parsed["error"], "skew")
}

func TestUnencryptedCallRefused(t *testing.T) {
	_, base := startGateway(t, Config{Protected: true})

	resp, body := postJSON(t, base+"/message", encryptedRequest{
		Encrypted: false,
		Payload:   "{}",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "forbidden", apiErr.Kind)
}

func TestNoSessionUnauthorized(t *testing.T) {
	_, base := startGateway(t, Config{Protected: true})

	resp, body := postJSON(t, base+"/message", encryptedRequest{
		Encrypted: true,
		Payload:   base64.StdEncoding.EncodeToString([]byte("junk")),
		ClientID:  "deadbeefdeadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "unauthorized", apiErr.Kind)
}

func TestUnknownMessageTypeIsProtocolError(t *testing.T) {
	_, base := startGateway(t, Config{Protected: true})
	client := connect(t, base)

	status, body := client.call(Message{MessageType: "no_such_thing"})
	assert.Equal(t, http.StatusBadRequest, status)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "protocol", apiErr.Kind)
}

func TestHandlerErrorMapping(t *testing.T) {
	srv, base := startGateway(t, Config{Protected: true})
	srv.Handle("overloaded", func(context.Context, string, Message) (interface{}, error) {
		return nil, guard.ErrRateLimited
	})
	srv.Handle("broken", func(context.Context, string, Message) (interface{}, error) {
		return nil, errors.New("wires crossed")
	})
	client := connect(t, base)

	status, body := client.call(Message{MessageType: "overloaded"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	var apiErr apiError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "rate_limited", apiErr.Kind)
	assert.Equal(t, 1, apiErr.RetryAfter)

	status, body = client.call(Message{MessageType: "broken"})
	assert.Equal(t, http.StatusInternalServerError, status)
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "internal", apiErr.Kind)
}

func TestTamperedPayloadRevokesSession(t *testing.T) {
	_, base := startGateway(t, Config{Protected: true})
	client := connect(t, base)

	garbage := make([]byte, 64)
	resp, _ := postJSON(t, base+"/message", encryptedRequest{
		Encrypted: true,
		Payload:   base64.StdEncoding.EncodeToString(garbage),
		ClientID:  client.id.Fingerprint(),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The session is gone; a well-formed call now fails the lookup.
	plain, _ := json.Marshal(Message{MessageType: "ping"})
	sealed, err := client.sess.Encrypt(plain)
	require.NoError(t, err)
	resp, body := postJSON(t, base+"/message", encryptedRequest{
		Encrypted: true,
		Payload:   base64.StdEncoding.EncodeToString(sealed),
		ClientID:  client.id.Fingerprint(),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Contains(t, apiErr.Message, "no session")
}

func TestReplayedCiphertextConflicts(t *testing.T) {
	_, base := startGateway(t, Config{Protected: true})
	client := connect(t, base)

	plain, _ := json.Marshal(Message{MessageType: "ping"})
	sealed, err := client.sess.Encrypt(plain)
	require.NoError(t, err)
	req := encryptedRequest{
		Encrypted: true,
		Payload:   base64.StdEncoding.EncodeToString(sealed),
		ClientID:  client.id.Fingerprint(),
	}

	resp, _ := postJSON(t, base+"/message", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := postJSON(t, base+"/message", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "replay", apiErr.Kind)
}

func TestPayloadTooLarge(t *testing.T) {
	_, base := startGateway(t, Config{Protected: true, MaxBodyBytes: 128})

	resp, body := postJSON(t, base+"/message", encryptedRequest{
		Encrypted: true,
		Payload:   base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("x"), 512)),
		ClientID:  "deadbeefdeadbeef",
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "payload_too_large", apiErr.Kind)
}
