// Package gateway is the HTTP front door: it terminates the handshake,
// holds the server-side session cache, and carries every protected
// call as an encrypted JSON envelope. Handlers see plaintext messages;
// the gateway does all sealing and opening.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/aico-project/aico/internal/envelope"
	"github.com/aico-project/aico/internal/guard"
	"github.com/aico-project/aico/internal/modelruntime"
	"github.com/aico-project/aico/internal/secure"
)

// ErrUnknownMessage reports a decrypted message whose message_type has
// no registered handler.
var ErrUnknownMessage = errors.New("gateway: unknown message type")

// Message is the plaintext unit inside an encrypted envelope call.
type Message struct {
	MessageType string          `json:"message_type"`
	Data        json.RawMessage `json:"data"`
}

// Handler processes one decrypted message for an authenticated client.
// The returned value is serialized and encrypted back to the caller.
type Handler func(ctx context.Context, clientID string, msg Message) (interface{}, error)

// Config tunes the gateway. Zero values take the noted defaults.
type Config struct {
	MaxClockSkew       time.Duration // handshake skew window, default 60s
	SessionIdleTimeout time.Duration // default 30m
	Protected          bool          // refuse non-encrypted envelope calls
	MaxBodyBytes       int64         // default 1 MiB
	Debug              bool
}

// Server terminates handshakes and encrypted envelope calls.
type Server struct {
	cfg      Config
	acceptor *secure.Acceptor
	sessions *secure.Manager
	handlers map[string]Handler
}

// NewServer creates a gateway with the built-in ping handler
// registered. Call Handle to add more message types before serving.
func NewServer(cfg Config) *Server {
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = 60 * time.Second
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = 30 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		cfg:      cfg,
		acceptor: secure.NewAcceptor(cfg.MaxClockSkew),
		sessions: secure.NewManager(cfg.SessionIdleTimeout, time.Minute, cfg.Debug),
		handlers: make(map[string]Handler),
	}
	s.Handle("ping", pingHandler)
	return s
}

// Handle registers a handler for a message type. Registration is not
// safe once the server is receiving traffic.
func (s *Server) Handle(messageType string, h Handler) {
	s.handlers[messageType] = h
}

// Sessions exposes the session cache, mainly for shutdown.
func (s *Server) Sessions() *secure.Manager { return s.sessions }

// Router returns the HTTP handler for the gateway endpoints.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /handshake", s.handleHandshake)
	mux.HandleFunc("POST /message", s.handleMessage)
	return mux
}

// Close stops the session sweeper and closes all sessions.
func (s *Server) Close() { s.sessions.Stop() }

type handshakeBody struct {
	HandshakeRequest *secure.HandshakeRequest `json:"handshake_request"`
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var body handshakeBody
	if err := s.readJSON(w, r, &body); err != nil {
		s.writeError(w, nil, err)
		return
	}
	if body.HandshakeRequest == nil {
		s.writeRejection(w, "missing handshake_request")
		return
	}

	resp, sess, err := s.acceptor.Accept(body.HandshakeRequest)
	if err != nil {
		var rej *secure.RejectError
		if errors.As(err, &rej) {
			s.writeRejection(w, rej.Reason)
			return
		}
		s.writeError(w, nil, err)
		return
	}

	s.sessions.Put(sess)
	if s.cfg.Debug {
		log.Printf("gateway: session established for client %s", sess.Fingerprint())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "session_established",
		"handshake_response": resp,
	})
}

// encryptedRequest is the protected call shape. The same shape carries
// responses back, errors included.
type encryptedRequest struct {
	Encrypted bool   `json:"encrypted"`
	Payload   string `json:"payload"`
	ClientID  string `json:"client_id"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req encryptedRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, nil, err)
		return
	}

	// No silent downgrade on a protected endpoint.
	if !req.Encrypted {
		if s.cfg.Protected {
			s.writeError(w, nil, fmt.Errorf("%w: endpoint requires encryption", errForbidden))
			return
		}
		s.writeError(w, nil, fmt.Errorf("%w: non-encrypted calls not supported", envelope.ErrMalformedEnvelope))
		return
	}

	sess, ok := s.sessions.Get(req.ClientID)
	if !ok {
		s.writeError(w, nil, fmt.Errorf("%w: no session for client", secure.ErrSessionNotActive))
		return
	}

	sealed, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		s.writeError(w, sess, fmt.Errorf("%w: payload is not base64", envelope.ErrMalformedEnvelope))
		return
	}

	plain, err := sess.Decrypt(sealed)
	if err != nil {
		// An unauthenticated ciphertext revoked the session; drop it
		// from the cache and answer in the clear.
		if errors.Is(err, secure.ErrDecryptFailed) {
			s.sessions.Revoke(req.ClientID)
		}
		s.writeError(w, nil, err)
		return
	}

	var msg Message
	if err := json.Unmarshal(plain, &msg); err != nil {
		s.writeError(w, sess, fmt.Errorf("%w: %v", envelope.ErrMalformedEnvelope, err))
		return
	}

	handler, ok := s.handlers[msg.MessageType]
	if !ok {
		s.writeError(w, sess, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.MessageType))
		return
	}

	result, err := handler(r.Context(), req.ClientID, msg)
	if err != nil {
		s.writeError(w, sess, err)
		return
	}
	s.writeEncrypted(w, sess, http.StatusOK, result)
}

// pingHandler echoes the data with pong set, proving the channel end
// to end.
func pingHandler(_ context.Context, _ string, msg Message) (interface{}, error) {
	var data map[string]interface{}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: ping data: %v", envelope.ErrMalformedEnvelope, err)
		}
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["pong"] = true
	return data, nil
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errPayloadTooLarge
		}
		return fmt.Errorf("%w: read body: %v", envelope.ErrMalformedEnvelope, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", envelope.ErrMalformedEnvelope, err)
	}
	return nil
}

func (s *Server) writeRejection(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"status": "rejected",
		"error":  reason,
	})
}

// apiError is the structured error payload clients receive.
type apiError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// writeError maps err onto the error taxonomy and responds. With an
// active session the error travels encrypted like any other payload.
func (s *Server) writeError(w http.ResponseWriter, sess *secure.Session, err error) {
	status, kind, retryAfter := classify(err)
	body := apiError{Kind: kind, Message: err.Error(), RetryAfter: retryAfter}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	}
	if sess != nil {
		s.writeEncrypted(w, sess, status, body)
		return
	}
	writeJSON(w, status, body)
}

func (s *Server) writeEncrypted(w http.ResponseWriter, sess *secure.Session, status int, v interface{}) {
	plain, err := json.Marshal(v)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Kind: "internal", Message: err.Error()})
		return
	}
	sealed, err := sess.Encrypt(plain)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Kind: "unauthorized", Message: err.Error()})
		return
	}
	writeJSON(w, status, encryptedRequest{
		Encrypted: true,
		Payload:   base64.StdEncoding.EncodeToString(sealed),
		ClientID:  sess.Fingerprint(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("gateway: write response: %v", err)
	}
}

var (
	errForbidden       = errors.New("gateway: forbidden")
	errPayloadTooLarge = errors.New("gateway: payload too large")
)

// classify maps an error to its HTTP status, taxonomy kind, and an
// optional retry-after hint in seconds.
func classify(err error) (status int, kind string, retryAfter int) {
	switch {
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden", 0
	case errors.Is(err, errPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large", 0
	case errors.Is(err, secure.ErrReplayDetected):
		return http.StatusConflict, "replay", 0
	case errors.Is(err, secure.ErrSessionNotActive),
		errors.Is(err, secure.ErrDecryptFailed),
		errors.Is(err, secure.ErrNonceExhausted):
		return http.StatusUnauthorized, "unauthorized", 0
	case errors.Is(err, guard.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", 1
	case errors.Is(err, guard.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit_open", 30
	case errors.Is(err, guard.ErrQueueStopped),
		errors.Is(err, modelruntime.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable", 5
	case errors.Is(err, guard.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "timeout", 0
	case errors.Is(err, envelope.ErrMalformedEnvelope),
		errors.Is(err, envelope.ErrUnmappedTopic),
		errors.Is(err, envelope.ErrUnknownPayloadType),
		errors.Is(err, ErrUnknownMessage),
		errors.Is(err, guard.ErrUnknownOperation):
		return http.StatusBadRequest, "protocol", 0
	default:
		return http.StatusInternalServerError, "internal", 0
	}
}
