// Package rendezvous implements the client side of the wormhole relay
// protocol: a persistent websocket carrying JSON frames that let two
// parties sharing a nameplate exchange opaque mailbox messages.
//
// The relay is untrusted. It only ever sees nameplate claims and
// ciphertext bodies; every security property of the wormhole comes from
// the layers above.
package rendezvous

import "errors"

// Frame types sent by the client. Every request carries a client-assigned
// id; the server's reply (ack or a typed result) echoes that id.
const (
	typeBind     = "bind"
	typeAllocate = "allocate"
	typeClaim    = "claim"
	typeList     = "list"
	typeOpen     = "open"
	typeAdd      = "add"
	typeRelease  = "release"
	typeClose    = "close"
	typePing     = "ping"
)

// Frame types sent by the server. "welcome" and "message" are unsolicited;
// everything else answers a request by id.
const (
	typeWelcome    = "welcome"
	typeAck        = "ack"
	typeAllocated  = "allocated"
	typeClaimed    = "claimed"
	typeNameplates = "nameplates"
	typeMessage    = "message"
	typePong       = "pong"
	typeError      = "error"
)

// errCrowded is the server error reported when a nameplate already has two
// claimants.
const errCrowded = "crowded"

// frame is the single JSON envelope for every message in either
// direction. Unused fields are omitted on the wire.
type frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// bind
	AppID string `json:"appid,omitempty"`
	// bind request and message push
	Side string `json:"side,omitempty"`

	// claim, release, allocated
	Nameplate string `json:"nameplate,omitempty"`

	// open, close, claimed
	Mailbox string `json:"mailbox,omitempty"`
	Mood    string `json:"mood,omitempty"`

	// add and message push; body is hex-encoded
	Phase string `json:"phase,omitempty"`
	Body  string `json:"body,omitempty"`
	MsgID string `json:"msg_id,omitempty"`

	// nameplates reply
	Nameplates []string `json:"nameplates,omitempty"`

	// welcome push
	Welcome *Welcome `json:"welcome,omitempty"`

	// error reply
	Error string `json:"error,omitempty"`
}

// Welcome is the advisory message the server sends immediately after the
// connection opens, before any handshake step. It is not security
// relevant.
type Welcome struct {
	// MOTD is a human-readable banner to show the user, if present.
	MOTD string `json:"motd,omitempty"`
	// Error, when set, means the server refuses service (for example the
	// client protocol version is too old) and the connection is useless.
	Error string `json:"error,omitempty"`
	// CurrentVersion advertises the newest client version the server
	// knows about. Advisory only.
	CurrentVersion string `json:"current_version,omitempty"`
}

// MailboxMessage is one (side, phase, body) triple delivered from the
// mailbox. Bodies are opaque to this layer; decryption and phase
// deduplication happen above.
type MailboxMessage struct {
	Side  string
	Phase string
	Body  []byte
	ID    string
}

// ConnectError wraps transport-level failures: dial, TLS, websocket
// protocol, and mid-session connection drops. It is always distinct from
// authentication failures and from server-reported errors.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return "rendezvous connection to " + e.URL + " failed: " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ServerError is an application-level error reported by the relay in an
// error frame or a welcome.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	return "rendezvous server error: " + e.Reason
}

var (
	// ErrNameplateUnavailable indicates the nameplate already has two
	// claimants. Fatal to this attempt; the caller may retry with a new
	// code.
	ErrNameplateUnavailable = errors.New("nameplate already claimed by two parties")

	// ErrClientClosed indicates an operation on a closed client.
	ErrClientClosed = errors.New("rendezvous client closed")
)
