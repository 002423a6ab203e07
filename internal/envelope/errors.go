package envelope

import "errors"

var (
	// ErrMalformedEnvelope reports envelope bytes that cannot be decoded.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnmappedTopic reports a request topic with no response mapping.
	ErrUnmappedTopic = errors.New("unmapped request topic")

	// ErrUnknownPayloadType reports a payload type URL that has not
	// been registered.
	ErrUnknownPayloadType = errors.New("unknown payload type")

	// ErrPayloadTypeMismatch reports an Unpack whose expected type does
	// not match the envelope's payload type tag.
	ErrPayloadTypeMismatch = errors.New("payload type mismatch")
)
