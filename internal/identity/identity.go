// Package identity manages the client-side key material used by the
// encrypted channel: a long-term ed25519 signing keypair and a
// short-term X25519 key-agreement keypair.
//
// Private halves never leave the owning process. The public halves are
// exposed through PublicView and transmitted during the handshake.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// FingerprintLen is the length of the truncated hex fingerprint used
// as a client identifier on the wire.
const FingerprintLen = 16

// Identity holds a long-term signing keypair plus an ephemeral
// key-agreement keypair. Created once per client process.
type Identity struct {
	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey

	ephemeral *ecdh.PrivateKey
}

// PublicView exposes only the public halves of an identity.
type PublicView struct {
	SigningKey   ed25519.PublicKey
	EphemeralKey *ecdh.PublicKey
}

// Generate creates a fresh identity: an ed25519 signing keypair and an
// X25519 ephemeral keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	return &Identity{
		signingPub:  pub,
		signingPriv: priv,
		ephemeral:   eph,
	}, nil
}

// Public returns the public halves of the identity.
func (id *Identity) Public() PublicView {
	return PublicView{
		SigningKey:   id.signingPub,
		EphemeralKey: id.ephemeral.PublicKey(),
	}
}

// Sign signs msg with the long-term signing key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.signingPriv, msg)
}

// Agree computes the X25519 shared secret between this identity's
// ephemeral private key and the peer's ephemeral public key.
func (id *Identity) Agree(peerEphemeral *ecdh.PublicKey) ([]byte, error) {
	secret, err := id.ephemeral.ECDH(peerEphemeral)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	return secret, nil
}

// RotateEphemeral replaces the short-term key-agreement keypair. Each
// handshake should use a fresh ephemeral key.
func (id *Identity) RotateEphemeral() error {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("rotate ephemeral key: %w", err)
	}
	id.ephemeral = eph
	return nil
}

// Fingerprint returns the truncated hex fingerprint of the long-term
// public signing key. This is the client_id carried on encrypted
// requests.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.signingPub)
}

// Fingerprint derives the 16-hex-char identifier for a public signing key.
func Fingerprint(signingPub ed25519.PublicKey) string {
	sum := sha256.Sum256(signingPub)
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}

// Verify checks an ed25519 signature against a public signing key.
func Verify(signingPub ed25519.PublicKey, msg, sig []byte) bool {
	if len(signingPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(signingPub, msg, sig)
}
