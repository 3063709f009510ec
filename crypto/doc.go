// Package crypto implements the message-protection primitives of the
// wormhole channel: per-phase key derivation and counter-nonce
// authenticated encryption.
//
// Every mailbox phase is protected by its own key, derived from the PAKE
// session key together with the sender's side identifier and the phase
// name. Side-specific keys mean a message can never be reflected back to
// its sender and accepted. Encryption is NaCl secretbox with a 24-byte
// nonce carrying a strictly increasing message counter; a counter value is
// never reused under any derived key within a session.
package crypto
