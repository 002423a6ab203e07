package secure

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/aico-project/aico/internal/identity"
	"github.com/aico-project/aico/internal/metrics"
)

// hkdfLabel binds derived session keys to this protocol version.
const hkdfLabel = "aico/handshake v1"

// ChallengeSize is the size of the random handshake challenge.
const ChallengeSize = 32

// HandshakeRequest is the pre-session JSON body a client sends to
// establish a session. The signature proves possession of the
// long-term signing key.
type HandshakeRequest struct {
	Component   string `json:"component"`
	IdentityKey string `json:"identity_key"` // base64 long-term public signing key
	PublicKey   string `json:"public_key"`   // base64 ephemeral X25519 public key
	Timestamp   int64  `json:"timestamp"`    // unix seconds
	Challenge   string `json:"challenge"`    // base64 32 random bytes
	Signature   string `json:"signature"`    // base64 signature over challenge
}

// HandshakeResponse carries the server's ephemeral public key back to
// the client on success.
type HandshakeResponse struct {
	PublicKey string `json:"public_key"` // base64 server ephemeral public key
}

// RejectError reports a refused handshake with its reason. Handshake
// rejections are never retriable with the same request.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "handshake rejected: " + e.Reason
}

// Initiate builds a signed handshake request for the client identity.
func Initiate(id *identity.Identity, component string) (*HandshakeRequest, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}

	pub := id.Public()
	return &HandshakeRequest{
		Component:   component,
		IdentityKey: base64.StdEncoding.EncodeToString(pub.SigningKey),
		PublicKey:   base64.StdEncoding.EncodeToString(pub.EphemeralKey.Bytes()),
		Timestamp:   time.Now().Unix(),
		Challenge:   base64.StdEncoding.EncodeToString(challenge),
		Signature:   base64.StdEncoding.EncodeToString(id.Sign(challenge)),
	}, nil
}

// Complete derives the client side of the session from the server's
// handshake response. It must be called with the same identity and
// request that produced the handshake.
func Complete(id *identity.Identity, req *HandshakeRequest, resp *HandshakeResponse) (*Session, error) {
	serverEphRaw, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode server ephemeral key: %w", err)
	}
	serverEph, err := ecdh.X25519().NewPublicKey(serverEphRaw)
	if err != nil {
		return nil, fmt.Errorf("parse server ephemeral key: %w", err)
	}

	secret, err := id.Agree(serverEph)
	if err != nil {
		return nil, err
	}

	challenge, err := base64.StdEncoding.DecodeString(req.Challenge)
	if err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}

	key, err := deriveKey(secret, challenge)
	if err != nil {
		return nil, err
	}

	return newSession(sessionID(id.Fingerprint(), challenge), id.Fingerprint(), key, ClientToServer)
}

// Acceptor validates handshake requests on the server side and derives
// sessions. It keeps a bounded replay cache of recently seen
// challenges so a captured handshake cannot be replayed inside the
// clock-skew window.
type Acceptor struct {
	maxSkew time.Duration
	debug   bool

	mu   sync.Mutex
	seen map[string]time.Time // challenge -> expiry
}

// NewAcceptor creates a handshake acceptor with the given clock-skew
// window (typical 60 s).
func NewAcceptor(maxSkew time.Duration) *Acceptor {
	if maxSkew <= 0 {
		maxSkew = 60 * time.Second
	}
	return &Acceptor{
		maxSkew: maxSkew,
		seen:    make(map[string]time.Time),
	}
}

// Accept validates a handshake request and, on success, returns the
// response for the client plus the server-side session. Failures are
// *RejectError with a reason; the server never derives key material
// for a rejected handshake.
func (a *Acceptor) Accept(req *HandshakeRequest) (*HandshakeResponse, *Session, error) {
	metrics.HandshakesInitiated.Inc()

	signingRaw, err := base64.StdEncoding.DecodeString(req.IdentityKey)
	if err != nil || len(signingRaw) != ed25519.PublicKeySize {
		return a.reject("invalid identity key")
	}
	signingPub := ed25519.PublicKey(signingRaw)

	challenge, err := base64.StdEncoding.DecodeString(req.Challenge)
	if err != nil || len(challenge) != ChallengeSize {
		return a.reject("invalid challenge")
	}

	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return a.reject("invalid signature encoding")
	}
	if !identity.Verify(signingPub, challenge, sig) {
		return a.reject("signature verification failed")
	}

	// Bounded skew window in both directions. A stale or future-dated
	// request is refused even with a valid signature.
	now := time.Now()
	ts := time.Unix(req.Timestamp, 0)
	if ts.Before(now.Add(-a.maxSkew)) || ts.After(now.Add(a.maxSkew)) {
		return a.reject("timestamp outside allowed skew")
	}

	if !a.recordChallenge(req.Challenge, now) {
		return a.reject("replayed challenge")
	}

	clientEphRaw, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		return a.reject("invalid ephemeral key encoding")
	}
	clientEph, err := ecdh.X25519().NewPublicKey(clientEphRaw)
	if err != nil {
		return a.reject("invalid ephemeral key")
	}

	// Fresh server ephemeral per handshake.
	serverEph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate server ephemeral key: %w", err)
	}

	secret, err := serverEph.ECDH(clientEph)
	if err != nil {
		return a.reject("key agreement failed")
	}

	key, err := deriveKey(secret, challenge)
	if err != nil {
		return nil, nil, err
	}

	fp := identity.Fingerprint(signingPub)
	sess, err := newSession(sessionID(fp, challenge), fp, key, ServerToClient)
	if err != nil {
		return nil, nil, err
	}

	metrics.HandshakesCompleted.Inc()
	return &HandshakeResponse{
		PublicKey: base64.StdEncoding.EncodeToString(serverEph.PublicKey().Bytes()),
	}, sess, nil
}

func (a *Acceptor) reject(reason string) (*HandshakeResponse, *Session, error) {
	metrics.HandshakesRejected.Inc()
	return nil, nil, &RejectError{Reason: reason}
}

// recordChallenge returns false if the challenge was already seen
// inside its validity window. Expired entries are pruned in place.
func (a *Acceptor) recordChallenge(challenge string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for c, exp := range a.seen {
		if now.After(exp) {
			delete(a.seen, c)
		}
	}

	if _, dup := a.seen[challenge]; dup {
		return false
	}
	a.seen[challenge] = now.Add(2 * a.maxSkew)
	return true
}

// deriveKey expands the ECDH secret into a 32-byte session key. The
// challenge salts the derivation so two handshakes with the same
// ephemeral keys never share a key.
func deriveKey(secret, challenge []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, challenge, []byte(hkdfLabel))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// sessionID is derived from the handshake transcript so both sides
// compute the same identifier without another round trip.
func sessionID(fingerprint string, challenge []byte) string {
	return fingerprint + "-" + hex.EncodeToString(challenge[:8])
}
