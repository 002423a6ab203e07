// Package envelope provides the canonical message structure carried on
// every AICO channel.
//
// The envelope is the only on-wire format in the system: the gateway,
// the modelservice dispatcher and the message bus all exchange
// envelopes, never raw payloads. An envelope wraps an opaque payload
// with routing metadata (source, message type, correlation ID) and a
// payload type tag that receivers dispatch on.
//
// Encoding is canonical JSON (RFC 8785): encoding the same envelope
// twice yields identical bytes, which keeps signatures and test
// fixtures stable.
package envelope

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Version is the envelope schema version stamped on new envelopes.
const Version = "1.0"

// Envelope wraps every message in the system with routing metadata and
// a typed, opaque payload.
//
// Envelopes are immutable once created: a reply is a new envelope
// whose CorrelationID references the request's ID.
type Envelope struct {
	ID            string `json:"id"`                       // Unique message ID (UUID)
	CorrelationID string `json:"correlation_id,omitempty"` // Links a response to its request
	Source        string `json:"source"`                   // Component ID of the sender
	MessageType   string `json:"message_type"`             // Topic-style type, e.g. "modelservice/health/request"
	Version       string `json:"version"`                  // Envelope schema version
	Timestamp     int64  `json:"timestamp"`                // UTC unix milliseconds, monotonic per process

	PayloadType string          `json:"payload_type"` // Type URL of the payload
	Payload     json.RawMessage `json:"payload"`      // Opaque payload bytes (JSON)
}

// monotonic clock state: timestamps never repeat or go backwards
// within one process, even if the wall clock does.
var (
	clockMux sync.Mutex
	lastMS   int64
)

// NowMS returns the current UTC time in milliseconds, adjusted so that
// consecutive calls are strictly increasing.
func NowMS() int64 {
	clockMux.Lock()
	defer clockMux.Unlock()

	ms := time.Now().UTC().UnixMilli()
	if ms <= lastMS {
		ms = lastMS + 1
	}
	lastMS = ms
	return ms
}

// New creates an envelope around an already-packed payload.
func New(source, messageType, payloadType string, payload json.RawMessage) *Envelope {
	return &Envelope{
		ID:          uuid.New().String(),
		Source:      source,
		MessageType: messageType,
		Version:     Version,
		Timestamp:   NowMS(),
		PayloadType: payloadType,
		Payload:     payload,
	}
}

// NewReply creates a response envelope correlated with the request.
// The message type is resolved through the static topic mapping.
func NewReply(req *Envelope, source, payloadType string, payload json.RawMessage) (*Envelope, error) {
	respType, err := ResponseTopic(req.MessageType)
	if err != nil {
		return nil, err
	}

	reply := New(source, respType, payloadType, payload)
	reply.CorrelationID = req.ID
	return reply, nil
}

// EncodingError reports a programmer error detected during Encode,
// naming the missing or invalid field.
type EncodingError struct {
	Field   string
	Message string
}

func (e *EncodingError) Error() string {
	return "envelope encode: " + e.Field + ": " + e.Message
}

// Encode serializes the envelope to canonical JSON. Identical
// envelopes produce identical bytes.
func Encode(e *Envelope) ([]byte, error) {
	if err := validate(e); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return nil, &EncodingError{Field: "payload", Message: err.Error()}
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, &EncodingError{Field: "envelope", Message: err.Error()}
	}
	return canonical, nil
}

// Decode parses envelope bytes. Unknown fields are ignored; structurally
// invalid input or missing required fields fail with ErrMalformedEnvelope.
// A decode failure is fatal for that message only, never for the channel.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validate(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &e, nil
}

func validate(e *Envelope) error {
	switch {
	case e.ID == "":
		return &EncodingError{Field: "id", Message: "message ID is required"}
	case e.Source == "":
		return &EncodingError{Field: "source", Message: "source component ID is required"}
	case e.MessageType == "":
		return &EncodingError{Field: "message_type", Message: "message type is required"}
	case e.Version == "":
		return &EncodingError{Field: "version", Message: "version is required"}
	case e.Timestamp == 0:
		return &EncodingError{Field: "timestamp", Message: "timestamp is required"}
	case e.PayloadType == "":
		return &EncodingError{Field: "payload_type", Message: "payload type is required"}
	case e.Payload == nil:
		return &EncodingError{Field: "payload", Message: "payload is required"}
	}
	return nil
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	return &clone
}

// Time returns the envelope timestamp as a time.Time in UTC.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}
