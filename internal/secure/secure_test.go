package secure

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aico-project/aico/internal/identity"
)

// establish runs a full handshake and returns both session halves.
func establish(t *testing.T) (client *Session, server *Session) {
	t.Helper()

	id, err := identity.Generate()
	require.NoError(t, err)

	req, err := Initiate(id, "test-client")
	require.NoError(t, err)

	acceptor := NewAcceptor(time.Minute)
	resp, serverSess, err := acceptor.Accept(req)
	require.NoError(t, err)

	clientSess, err := Complete(id, req, resp)
	require.NoError(t, err)

	return clientSess, serverSess
}

func TestHandshakeEstablishesMatchingSessions(t *testing.T) {
	client, server := establish(t)

	assert.Equal(t, client.ID(), server.ID())
	assert.Equal(t, StateActive, client.State())
	assert.Equal(t, StateActive, server.State())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	client, server := establish(t)

	plain := []byte(`{"message":"hello","n":1}`)
	sealed, err := client.Encrypt(plain)
	require.NoError(t, err)

	opened, err := server.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)

	// And the reverse direction.
	reply := []byte(`{"n":1,"pong":true}`)
	sealedReply, err := server.Encrypt(reply)
	require.NoError(t, err)

	openedReply, err := client.Decrypt(sealedReply)
	require.NoError(t, err)
	assert.Equal(t, reply, openedReply)
}

func TestNoncesNeverRepeat(t *testing.T) {
	client, _ := establish(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sealed, err := client.Encrypt([]byte("x"))
		require.NoError(t, err)

		nonce := string(sealed[:12])
		require.False(t, seen[nonce], "nonce reused at message %d", i)
		seen[nonce] = true
	}
}

func TestDirectionBinding(t *testing.T) {
	client, _ := establish(t)

	sealed, err := client.Encrypt([]byte("secret"))
	require.NoError(t, err)

	// A client-to-server ciphertext must not open on the client side,
	// which expects server-to-client associated data.
	_, err = client.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestReplayRejected(t *testing.T) {
	client, server := establish(t)

	sealed, err := client.Encrypt([]byte("once"))
	require.NoError(t, err)

	_, err = server.Decrypt(sealed)
	require.NoError(t, err)

	_, err = server.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestTamperedCiphertextRevokesSession(t *testing.T) {
	client, server := establish(t)

	sealed, err := client.Encrypt([]byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = server.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
	assert.Equal(t, StateRevoked, server.State())
}

func TestCloseDiscardsKeys(t *testing.T) {
	client, _ := establish(t)

	client.Close()
	assert.Equal(t, StateClosed, client.State())

	_, err := client.Encrypt([]byte("after close"))
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestAcceptRejectsStaleTimestamp(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	req, err := Initiate(id, "test-client")
	require.NoError(t, err)
	req.Timestamp = time.Now().Add(-5 * time.Minute).Unix()

	acceptor := NewAcceptor(time.Minute)
	_, _, err = acceptor.Accept(req)

	var reject *RejectError
	require.ErrorAs(t, err, &reject)
	assert.Contains(t, reject.Reason, "skew")
}

func TestAcceptRejectsFutureTimestamp(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	req, err := Initiate(id, "test-client")
	require.NoError(t, err)
	req.Timestamp = time.Now().Add(5 * time.Minute).Unix()

	acceptor := NewAcceptor(time.Minute)
	_, _, err = acceptor.Accept(req)

	var reject *RejectError
	require.ErrorAs(t, err, &reject)
}

func TestAcceptRejectsBadSignature(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	other, err := identity.Generate()
	require.NoError(t, err)

	req, err := Initiate(id, "test-client")
	require.NoError(t, err)

	// Swap in a signature from a different identity.
	challenge, err := base64.StdEncoding.DecodeString(req.Challenge)
	require.NoError(t, err)
	req.Signature = base64.StdEncoding.EncodeToString(other.Sign(challenge))

	acceptor := NewAcceptor(time.Minute)
	_, _, err = acceptor.Accept(req)

	var reject *RejectError
	require.ErrorAs(t, err, &reject)
	assert.Contains(t, reject.Reason, "signature")
}

func TestAcceptRejectsReplayedChallenge(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	req, err := Initiate(id, "test-client")
	require.NoError(t, err)

	acceptor := NewAcceptor(time.Minute)
	_, _, err = acceptor.Accept(req)
	require.NoError(t, err)

	_, _, err = acceptor.Accept(req)
	var reject *RejectError
	require.ErrorAs(t, err, &reject)
	assert.Contains(t, reject.Reason, "replay")
}

func TestManagerExpiresIdleSessions(t *testing.T) {
	mgr := NewManager(10*time.Millisecond, time.Hour, false)
	defer mgr.Stop()

	_, server := establish(t)
	mgr.Put(server)

	_, ok := mgr.Get(server.Fingerprint())
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	mgr.sweep(time.Now())

	_, ok = mgr.Get(server.Fingerprint())
	assert.False(t, ok)
	assert.Equal(t, StateExpired, server.State())
}

func TestManagerRevoke(t *testing.T) {
	mgr := NewManager(time.Hour, time.Hour, false)
	defer mgr.Stop()

	_, server := establish(t)
	mgr.Put(server)

	mgr.Revoke(server.Fingerprint())
	_, ok := mgr.Get(server.Fingerprint())
	assert.False(t, ok)
	assert.Equal(t, StateRevoked, server.State())
}
