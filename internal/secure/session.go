// Package secure implements the application-level encrypted channel
// between AICO clients and server endpoints: a single round-trip
// handshake that derives a per-session symmetric key, and authenticated
// encryption of every request and response body under that key.
//
// The handshake is not TLS. It rides on whatever transport carries the
// envelope (HTTP for the gateway, the message bus between services)
// and proves possession of the client's long-term signing key while
// agreeing on a fresh session key via X25519 + HKDF.
package secure

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Direction tags which way a protected payload travels. The direction
// is bound into the AEAD associated data, so a ciphertext produced for
// one direction never authenticates in the other.
type Direction string

const (
	ClientToServer Direction = "c2s"
	ServerToClient Direction = "s2c"
)

// State is the lifecycle state of a session. Terminal states discard
// key material.
type State int

const (
	StateNew State = iota
	StateActive
	StateExpired
	StateClosed
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionNotActive reports an operation on a session that has
	// expired, closed, or been revoked.
	ErrSessionNotActive = errors.New("session not active")

	// ErrNonceExhausted reports a send counter that has wrapped. The
	// session is unusable and must be re-established.
	ErrNonceExhausted = errors.New("session nonce counter exhausted")

	// ErrDecryptFailed reports a ciphertext that did not authenticate.
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrReplayDetected reports a message counter at or below the
	// receive floor.
	ErrReplayDetected = errors.New("message replay detected")
)

// Session is a shared symmetric key plus per-direction nonce counters
// tying a client identity to a server endpoint for a limited time.
//
// Operations on a single session are serialized internally; distinct
// sessions are independent.
type Session struct {
	id          string
	fingerprint string    // client identity fingerprint
	local       Direction // direction this side encrypts with

	mu          sync.Mutex
	state       State
	aead        cipher.AEAD
	key         []byte
	sendCounter uint64 // advanced before each encryption
	recvFloor   uint64 // highest counter accepted so far
	lastActive  time.Time
}

// newSession builds an active session from a derived key. local is the
// direction this side uses when encrypting.
func newSession(id, fingerprint string, key []byte, local Direction) (*Session, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init session cipher: %w", err)
	}

	held := make([]byte, len(key))
	copy(held, key)

	return &Session{
		id:          id,
		fingerprint: fingerprint,
		local:       local,
		state:       StateActive,
		aead:        aead,
		key:         held,
		lastActive:  time.Now(),
	}, nil
}

// ID returns the session identifier. Both sides derive the same ID
// from the handshake transcript.
func (s *Session) ID() string { return s.id }

// Fingerprint returns the client identity fingerprint bound to the session.
func (s *Session) Fingerprint() string { return s.fingerprint }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActive returns the time of the last successful seal or open.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// aad binds the session ID and travel direction into every ciphertext.
func (s *Session) aad(dir Direction) []byte {
	return []byte(s.id + ":" + string(dir))
}

// nonce builds the 12-byte nonce for a counter value: four zero bytes
// followed by the counter big-endian.
func nonceFor(counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// Encrypt seals plaintext for the session's local direction. The
// output is nonce||ciphertext. A fresh nonce is drawn per message;
// counter exhaustion is a hard error that revokes the session.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, s.state)
	}

	if s.sendCounter == ^uint64(0) {
		s.discardLocked(StateRevoked)
		return nil, ErrNonceExhausted
	}
	s.sendCounter++ // advance before encryption: each nonce used at most once

	nonce := nonceFor(s.sendCounter)
	sealed := s.aead.Seal(nil, nonce, plaintext, s.aad(s.local))

	s.lastActive = time.Now()

	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	return append(out, sealed...), nil
}

// Decrypt opens a payload produced by the peer (the opposite
// direction). Counters must strictly increase; replays fail and
// authentication failures revoke the session.
func (s *Session) Decrypt(payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, s.state)
	}

	if len(payload) < chacha20poly1305.NonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: payload too short", ErrDecryptFailed)
	}

	nonce := payload[:chacha20poly1305.NonceSize]
	counter := binary.BigEndian.Uint64(nonce[4:])
	if counter <= s.recvFloor {
		return nil, fmt.Errorf("%w: counter %d at or below floor %d", ErrReplayDetected, counter, s.recvFloor)
	}

	peer := ClientToServer
	if s.local == ClientToServer {
		peer = ServerToClient
	}

	plain, err := s.aead.Open(nil, nonce, payload[chacha20poly1305.NonceSize:], s.aad(peer))
	if err != nil {
		// Authentication failure revokes the session outright.
		s.discardLocked(StateRevoked)
		return nil, ErrDecryptFailed
	}

	s.recvFloor = counter
	s.lastActive = time.Now()
	return plain, nil
}

// Close zeroes key material and moves the session to CLOSED.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive || s.state == StateNew {
		s.discardLocked(StateClosed)
	}
}

// Revoke zeroes key material and moves the session to REVOKED.
func (s *Session) Revoke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked(StateRevoked)
}

// expire moves an idle session to EXPIRED, discarding keys.
func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		s.discardLocked(StateExpired)
	}
}

func (s *Session) discardLocked(terminal State) {
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
	s.aead = nil
	s.state = terminal
}
