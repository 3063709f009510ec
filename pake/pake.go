// Package pake implements the password-authenticated key exchange stage of
// the wormhole handshake using SPAKE2 in symmetric mode.
//
// Both sides feed the full wormhole code into the exchange and swap one
// public message each. Unless both sides used the identical code, the
// derived keys differ, which surfaces downstream as an authentication
// failure on the first encrypted message rather than as an error here.
// That is deliberate: neither side learns which party held the wrong code.
package pake

import (
	"errors"
	"fmt"

	"salsa.debian.org/vasudev/gospake2"

	"github.com/nikhil-prabhu/go-wormhole/crypto"
)

// MessageSize is the exact length in bytes of a public PAKE message
// (group element plus the symmetric-side prefix byte).
const MessageSize = 33

var (
	// ErrMalformedMessage indicates a peer public message of the wrong
	// length or outside the group. This is a protocol violation by the
	// peer or the relay and is fatal to the handshake.
	ErrMalformedMessage = errors.New("pake: malformed peer message")

	// ErrExchangeComplete indicates Finish was called twice.
	ErrExchangeComplete = errors.New("pake: exchange already complete")
)

// Exchange holds the ephemeral local state of one SPAKE2 run. An Exchange
// is single-use and must not be shared across goroutines.
type Exchange struct {
	spake    *gospake2.SPAKE2
	finished bool
}

// Start begins a symmetric SPAKE2 exchange over the wormhole code, bound
// to the application ID so distinct applications can never complete an
// exchange against each other. It returns the local state and the public
// message to transmit on the "pake" phase.
func Start(code, appID string) (*Exchange, []byte) {
	pw := gospake2.NewPassword(code)
	spake := gospake2.SPAKE2Symmetric(pw, gospake2.NewIdentityS(appID))
	msg := spake.Start()

	return &Exchange{spake: &spake}, msg
}

// Finish combines the local secret state with the peer's public message
// and returns the shared session key. Wrong-length input fails with
// ErrMalformedMessage before any group arithmetic.
func (e *Exchange) Finish(peerMsg []byte) ([crypto.KeySize]byte, error) {
	if e.finished {
		return [crypto.KeySize]byte{}, ErrExchangeComplete
	}
	if len(peerMsg) != MessageSize {
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedMessage, len(peerMsg), MessageSize)
	}
	e.finished = true

	raw, err := e.spake.Finish(peerMsg)
	if err != nil {
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(raw) != crypto.KeySize {
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: unexpected key length %d", ErrMalformedMessage, len(raw))
	}

	var key [crypto.KeySize]byte
	copy(key[:], raw)
	crypto.ZeroBytes(raw)
	return key, nil
}
