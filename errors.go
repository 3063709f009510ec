package wormhole

import (
	"errors"

	"github.com/nikhil-prabhu/go-wormhole/crypto"
	"github.com/nikhil-prabhu/go-wormhole/rendezvous"
)

// ConnectError is a transport-level failure: dial, TLS, websocket
// handshake, or a mid-session connection drop. Never retried internally.
type ConnectError = rendezvous.ConnectError

// ServerError is an application-level error reported by the relay.
type ServerError = rendezvous.ServerError

var (
	// ErrNameplateUnavailable indicates the code's nameplate already has
	// two claimants. Fatal to this attempt; retry with a new code.
	ErrNameplateUnavailable = rendezvous.ErrNameplateUnavailable

	// ErrAuthentication indicates a message failed to authenticate. On
	// the first encrypted exchange this means the two sides used
	// different codes.
	ErrAuthentication = crypto.ErrAuthentication

	// ErrUnexpectedNameplateState indicates ConnectWithCode was told to
	// expect an already-claimed nameplate but the relay has no claim on
	// it.
	ErrUnexpectedNameplateState = errors.New("nameplate is not in the expected claim state")

	// ErrReservedPhase indicates an application send used a phase name
	// reserved for the handshake ("pake", "version").
	ErrReservedPhase = errors.New("phase name is reserved for the handshake")

	// ErrChannelClosed indicates an operation on a closed Wormhole.
	ErrChannelClosed = errors.New("wormhole channel closed")

	// ErrHandshakeConsumed indicates a PendingHandshake was awaited or
	// cancelled more than once.
	ErrHandshakeConsumed = errors.New("pending handshake already consumed")

	// ErrConfig indicates an AppConfig missing its ID or rendezvous URL.
	ErrConfig = errors.New("app config requires an ID and a rendezvous URL")
)
