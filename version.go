package wormhole

// AppVersion is the negotiation payload exchanged on the "version" phase,
// the first encrypted round trip of the handshake. It describes the
// upper-layer protocol's capabilities; the core only transports it.
//
// Recognized options live in named fields; anything else goes in Extra so
// upper protocols can extend the payload without a core change.
type AppVersion struct {
	// Abilities lists upper-protocol feature tags the sender supports.
	Abilities []string `json:"abilities,omitempty"`
	// Extra carries upper-protocol options the core does not interpret.
	Extra map[string]any `json:"extra,omitempty"`
}

// versionPayload is the wire shape of the "version" phase plaintext.
type versionPayload struct {
	AppVersions AppVersion `json:"app_versions"`
}

// pakePayload is the wire shape of the "pake" phase body. It is the only
// mailbox message sent in the clear; it carries nothing but the public
// SPAKE2 share.
type pakePayload struct {
	PakeV1 string `json:"pake_v1"`
}
