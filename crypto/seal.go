package crypto

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the size in bytes of the secretbox nonce prepended to every
// sealed message.
const NonceSize = 24

// MaxMessageSize bounds plaintext size (1MB) to prevent excessive memory
// usage on either side of the channel.
const MaxMessageSize = 1024 * 1024

var (
	// ErrAuthentication indicates an authentication tag failed to verify.
	// On the first encrypted message of a session this is the observable
	// signal of a code mismatch; later it indicates tampering or
	// corruption. It is always distinct from transport failures.
	ErrAuthentication = errors.New("message authentication failed")

	// ErrMessageSize indicates an oversized plaintext.
	ErrMessageSize = errors.New("invalid message size")

	// ErrCiphertextSize indicates a ciphertext too short to carry a nonce
	// and an authentication tag.
	ErrCiphertextSize = errors.New("ciphertext too short")
)

// Seal encrypts plaintext under key with a counter-based nonce and returns
// nonce || box. The counter must be strictly increasing across all Seal
// calls in a session; reusing a counter under the same key is a fatal
// invariant violation, so callers allocate counters from a single
// serialized source.
func Seal(key [KeySize]byte, counter uint64, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxMessageSize {
		return nil, ErrMessageSize
	}

	nonce := counterNonce(counter)
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, (*[KeySize]byte)(&key)), nil
}

// Open authenticates and decrypts a message produced by Seal. A tag
// verification failure returns ErrAuthentication and fails only this
// message, never the transport.
func Open(key [KeySize]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+secretbox.Overhead {
		return nil, ErrCiphertextSize
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, (*[KeySize]byte)(&key))
	if !ok {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// NonceCounter extracts the counter a sealed message was encrypted with.
func NonceCounter(ciphertext []byte) (uint64, error) {
	if len(ciphertext) < NonceSize {
		return 0, ErrCiphertextSize
	}
	return binary.BigEndian.Uint64(ciphertext[NonceSize-8 : NonceSize]), nil
}

func counterNonce(counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint64(nonce[NonceSize-8:], counter)
	return nonce
}
