// Package code implements the wormhole code format: a numeric nameplate
// followed by one or more secret words, hyphen-separated, for example
// "7-crossover-clockwork".
//
// The nameplate rendezvouses the two parties at the relay; the words feed
// the PAKE exchange. A code is single-use: once a handshake has consumed
// it, it must not be reused for a new session.
package code

import (
	"fmt"
	"strconv"
	"strings"
)

// Nameplate is the numeric claim ticket used to rendezvous at the relay,
// in its string form (non-negative integer, no sign, no spaces).
type Nameplate string

// Valid reports whether the nameplate is a well-formed non-negative integer.
func (n Nameplate) Valid() bool {
	if n == "" {
		return false
	}
	_, err := strconv.ParseUint(string(n), 10, 64)
	return err == nil
}

// Code is a parsed wormhole code: nameplate plus secret words.
type Code struct {
	nameplate Nameplate
	words     []string
}

// FormatError describes a malformed wormhole code. It is a caller bug,
// not a protocol failure, and is reported without contacting the relay.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed wormhole code %q: %s", e.Input, e.Reason)
}

// New builds a Code from a nameplate and word sequence. The inputs are
// assumed valid; use Parse for untrusted strings.
func New(nameplate Nameplate, words []string) Code {
	w := make([]string, len(words))
	copy(w, words)
	return Code{nameplate: nameplate, words: w}
}

// Parse splits and validates a wormhole code string.
//
// The first hyphen-separated segment must be a non-negative integer (the
// nameplate) and at least one word must follow. Words must be nonempty
// lowercase ASCII letters or digits.
func Parse(s string) (Code, error) {
	if s == "" {
		return Code{}, &FormatError{Input: s, Reason: "empty code"}
	}

	parts := strings.Split(s, "-")
	if _, err := strconv.ParseUint(parts[0], 10, 64); err != nil {
		return Code{}, &FormatError{Input: s, Reason: "nameplate is not a non-negative integer"}
	}
	if len(parts) < 2 {
		return Code{}, &FormatError{Input: s, Reason: "code has no words"}
	}

	words := parts[1:]
	for _, w := range words {
		if w == "" {
			return Code{}, &FormatError{Input: s, Reason: "empty word"}
		}
		for i := 0; i < len(w); i++ {
			c := w[i]
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
				return Code{}, &FormatError{Input: s, Reason: fmt.Sprintf("word %q is not lowercase ASCII", w)}
			}
		}
	}

	return New(Nameplate(parts[0]), words), nil
}

// String reassembles the canonical code string. Parse followed by String
// round-trips any valid code.
func (c Code) String() string {
	return string(c.nameplate) + "-" + strings.Join(c.words, "-")
}

// Nameplate returns the nameplate segment.
func (c Code) Nameplate() Nameplate {
	return c.nameplate
}

// Words returns a copy of the secret word sequence.
func (c Code) Words() []string {
	w := make([]string, len(c.words))
	copy(w, c.words)
	return w
}
