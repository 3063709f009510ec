package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of the session key and of every derived
// phase key.
const KeySize = 32

// DerivePhaseKey derives the encryption key for messages sent by the given
// side on the given phase.
//
// The derivation is HKDF-SHA256 keyed by the session key, with an info
// string binding both the side identifier and the phase name. The two
// directions of a phase therefore use unrelated keys, which blocks
// reflection: a party's own ciphertext can never verify under the key it
// expects peer messages on.
func DerivePhaseKey(sessionKey [KeySize]byte, side, phase string) [KeySize]byte {
	sideHash := sha256.Sum256([]byte(side))
	phaseHash := sha256.Sum256([]byte(phase))

	info := make([]byte, 0, len(kdfPurpose)+2*sha256.Size)
	info = append(info, kdfPurpose...)
	info = append(info, sideHash[:]...)
	info = append(info, phaseHash[:]...)

	return deriveKey(sessionKey, info)
}

// DeriveVerifier derives the out-of-band verifier for a session. Both
// sides compute the same value; comparing it over a trusted channel proves
// the PAKE completed against the same code without revealing the key.
func DeriveVerifier(sessionKey [KeySize]byte) []byte {
	k := deriveKey(sessionKey, []byte(verifierPurpose))
	return k[:]
}

const (
	kdfPurpose      = "wormhole:phase-key:"
	verifierPurpose = "wormhole:verifier"
)

func deriveKey(sessionKey [KeySize]byte, info []byte) [KeySize]byte {
	r := hkdf.New(sha256.New, sessionKey[:], nil, info)

	var key [KeySize]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(fmt.Sprintf("hkdf read: %v", err))
	}
	return key
}
