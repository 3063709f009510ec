package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/secretbox"
)

func testSessionKey(b byte) [KeySize]byte {
	var key [KeySize]byte
	for i := range key {
		key[i] = b
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testSessionKey(0x42)
	plaintext := []byte("hello through the wormhole")

	sealed, err := Seal(key, 1, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenWrongKeyFailsAuthentication(t *testing.T) {
	sealed, err := Seal(testSessionKey(0x42), 1, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(testSessionKey(0x43), sealed)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestOpenTamperedFailsAuthentication(t *testing.T) {
	key := testSessionKey(0x42)
	sealed, err := Seal(key, 7, []byte("secret"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = Open(key, sealed)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestOpenShortCiphertext(t *testing.T) {
	_, err := Open(testSessionKey(0), []byte("short"))
	assert.ErrorIs(t, err, ErrCiphertextSize)
}

func TestSealRejectsOversizedPlaintext(t *testing.T) {
	_, err := Seal(testSessionKey(0), 1, make([]byte, MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrMessageSize)
}

// Bodies are opaque bytes with no minimum length; an empty body still
// gets a full authentication tag.
func TestSealOpenEmptyPlaintext(t *testing.T) {
	key := testSessionKey(0x42)

	sealed, err := Seal(key, 1, nil)
	require.NoError(t, err)
	require.Len(t, sealed, NonceSize+secretbox.Overhead)

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestNonceCountersStrictlyIncreasing(t *testing.T) {
	key := testSessionKey(0x42)

	var last uint64
	for i := uint64(1); i <= 100; i++ {
		sealed, err := Seal(key, i, []byte("payload"))
		require.NoError(t, err)

		counter, err := NonceCounter(sealed)
		require.NoError(t, err)
		require.Greater(t, counter, last, "counter must strictly increase")
		last = counter
	}
}

func TestDistinctCountersDistinctCiphertext(t *testing.T) {
	key := testSessionKey(0x42)
	plaintext := []byte("same plaintext")

	a, err := Seal(key, 1, plaintext)
	require.NoError(t, err)
	b, err := Seal(key, 2, plaintext)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b), "distinct nonces must give distinct ciphertext")
}

func TestDerivePhaseKeySeparation(t *testing.T) {
	session := testSessionKey(0x11)

	sideA := DerivePhaseKey(session, "side-a", "version")
	sideB := DerivePhaseKey(session, "side-b", "version")
	otherPhase := DerivePhaseKey(session, "side-a", "0")

	assert.NotEqual(t, sideA, sideB, "direction-specific keys must differ")
	assert.NotEqual(t, sideA, otherPhase, "phase-specific keys must differ")

	// Deterministic for the same inputs.
	assert.Equal(t, sideA, DerivePhaseKey(session, "side-a", "version"))
}

func TestReflectionRejected(t *testing.T) {
	session := testSessionKey(0x11)
	sendKey := DerivePhaseKey(session, "side-a", "data")
	recvKey := DerivePhaseKey(session, "side-b", "data")

	sealed, err := Seal(sendKey, 1, []byte("mine"))
	require.NoError(t, err)

	// A message reflected back to its sender does not verify under the
	// peer-direction key.
	_, err = Open(recvKey, sealed)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestDeriveVerifierStable(t *testing.T) {
	session := testSessionKey(0x21)

	v1 := DeriveVerifier(session)
	v2 := DeriveVerifier(session)
	require.Len(t, v1, KeySize)
	assert.Equal(t, v1, v2)

	other := DeriveVerifier(testSessionKey(0x22))
	assert.NotEqual(t, v1, other)
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	assert.Error(t, SecureWipe(nil))

	// ZeroBytes tolerates nil.
	ZeroBytes(nil)
}
