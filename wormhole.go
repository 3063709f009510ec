package wormhole

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nikhil-prabhu/go-wormhole/crypto"
	"github.com/nikhil-prabhu/go-wormhole/rendezvous"
)

// AppConfig identifies the upper-layer protocol using the wormhole. Both
// peers must use the same ID, or the key exchange cannot complete. The
// config is owned by the caller and must not change once a handshake
// starts.
type AppConfig struct {
	// ID is a stable URI-like identifier of the upper protocol.
	ID string
	// RendezvousURL is the websocket address of the relay server.
	RendezvousURL string
	// AppVersion is this side's negotiation payload for the version
	// phase.
	AppVersion AppVersion
}

func (c AppConfig) validate() error {
	if c.ID == "" || c.RendezvousURL == "" {
		return ErrConfig
	}
	return nil
}

// Welcome is the result of the client-server handshake: the relay's
// advisory banner (possibly empty) and the wormhole code in use.
type Welcome struct {
	// Message is the server banner, to be shown to the user if present.
	Message string
	// Code is the wormhole code: generated by ConnectWithoutCode, echoed
	// back by ConnectWithCode.
	Code string
}

// Mood is the session outcome reported to the relay when the mailbox
// closes, so server operators can spot wrong-code attacks in aggregate.
type Mood string

const (
	// MoodHappy means the session completed normally.
	MoodHappy Mood = "happy"
	// MoodLonely means we gave up before a peer arrived.
	MoodLonely Mood = "lonely"
	// MoodScary means a message failed authentication: wrong code or
	// tampering.
	MoodScary Mood = "scary"
	// MoodErrory means some other failure ended the session.
	MoodErrory Mood = "errory"
)

// Reserved phases of the handshake. Application sends must use other
// phase names.
const (
	PhasePake    = "pake"
	PhaseVersion = "version"
)

// maxAuthFailures is how many consecutive receive-side authentication
// failures are tolerated before the channel closes; sustained failures
// mean the keys are wrong and no later message will fare better.
const maxAuthFailures = 3

// Wormhole is an established encrypted channel. It owns the rendezvous
// connection and the session key, and outlives the handshake that
// created it.
//
// A Wormhole is not to be shared across concurrent handshake operations;
// Send and Receive may each be called from one goroutine at a time.
type Wormhole struct {
	appID string
	side  string

	client     *rendezvous.Client
	sessionKey [crypto.KeySize]byte

	peerVersion AppVersion

	sendMu  sync.Mutex
	counter uint64

	recvMu       sync.Mutex
	stash        []rendezvous.MailboxMessage
	seen         map[string]bool
	authFailures int

	closeMu sync.Mutex
	closed  bool
}

func newWormhole(appID string, client *rendezvous.Client, sessionKey [crypto.KeySize]byte) *Wormhole {
	return &Wormhole{
		appID:      appID,
		side:       client.Side(),
		client:     client,
		sessionKey: sessionKey,
		seen:       make(map[string]bool),
	}
}

// Side returns this side's identifier on the relay.
func (w *Wormhole) Side() string { return w.side }

// PeerVersion returns the peer's negotiation payload from the version
// phase.
func (w *Wormhole) PeerVersion() AppVersion { return w.peerVersion }

// Verifier returns a value both sides derive identically from the session
// key. Comparing it out of band proves the handshake completed against
// the same code without revealing the key itself.
func (w *Wormhole) Verifier() []byte {
	return crypto.DeriveVerifier(w.sessionKey)
}

// Send encrypts body under this side's key for the phase and adds it to
// the mailbox. Phase names of the handshake are rejected with
// ErrReservedPhase. Safe for concurrent use; nonce counters are
// allocated from one serialized, strictly increasing sequence.
func (w *Wormhole) Send(ctx context.Context, phase string, body []byte) error {
	if phase == PhasePake || phase == PhaseVersion {
		return fmt.Errorf("%w: %q", ErrReservedPhase, phase)
	}
	if w.isClosed() {
		return ErrChannelClosed
	}
	return w.sealAndSend(ctx, phase, body)
}

func (w *Wormhole) sealAndSend(ctx context.Context, phase string, body []byte) error {
	key := crypto.DerivePhaseKey(w.sessionKey, w.side, phase)

	w.sendMu.Lock()
	w.counter++
	counter := w.counter
	w.sendMu.Unlock()

	sealed, err := crypto.Seal(key, counter, body)
	if err != nil {
		return fmt.Errorf("seal phase %q: %w", phase, err)
	}
	return w.client.Send(ctx, phase, sealed)
}

// Receive blocks until the next application message arrives and returns
// its phase and plaintext. At most one value per (peer side, phase) is
// ever delivered: the first to authenticate wins, and relay redeliveries
// of that phase are dropped silently.
//
// A message that fails authentication fails only that Receive call with
// ErrAuthentication; the channel stays usable. After maxAuthFailures
// consecutive failures the channel closes with a scary mood and the
// error becomes terminal. Transport drops surface as *ConnectError,
// always distinct from authentication failures.
func (w *Wormhole) Receive(ctx context.Context) (string, []byte, error) {
	w.recvMu.Lock()
	defer w.recvMu.Unlock()

	for {
		msg, err := w.next(ctx)
		if err != nil {
			return "", nil, err
		}

		if msg.Phase == PhasePake || msg.Phase == PhaseVersion {
			// Handshake redeliveries; already consumed.
			continue
		}

		dedupKey := msg.Side + "/" + msg.Phase
		if w.seen[dedupKey] {
			// At-least-once relay delivery: one value per phase per
			// direction reaches the application.
			logrus.WithFields(logrus.Fields{
				"phase": msg.Phase,
				"side":  msg.Side,
			}).Debug("Dropping duplicate phase message")
			continue
		}

		key := crypto.DerivePhaseKey(w.sessionKey, msg.Side, msg.Phase)
		plaintext, err := crypto.Open(key, msg.Body)
		if err != nil {
			w.authFailures++
			logrus.WithFields(logrus.Fields{
				"phase":    msg.Phase,
				"failures": w.authFailures,
			}).Warn("Mailbox message failed authentication")

			if w.authFailures >= maxAuthFailures {
				// The caller's ctx may already be cancelled and an
				// unresponsive relay must not pin Receive, so the
				// close round trip gets its own bounded context.
				closeCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
				w.close(closeCtx, MoodScary)
				cancel()
				return "", nil, fmt.Errorf("%d consecutive failures, closing channel: %w", w.authFailures, ErrAuthentication)
			}
			return "", nil, fmt.Errorf("phase %q: %w", msg.Phase, ErrAuthentication)
		}

		w.authFailures = 0
		w.seen[dedupKey] = true
		return msg.Phase, plaintext, nil
	}
}

// next returns the next inbound message: handshake leftovers first, then
// the live mailbox stream.
func (w *Wormhole) next(ctx context.Context) (rendezvous.MailboxMessage, error) {
	if len(w.stash) > 0 {
		msg := w.stash[0]
		w.stash = w.stash[1:]
		return msg, nil
	}

	// Drain buffered messages before honoring a dead connection, so
	// messages that arrived before the drop are not lost.
	select {
	case msg := <-w.client.Messages():
		return msg, nil
	default:
	}

	select {
	case msg := <-w.client.Messages():
		return msg, nil
	case <-w.client.Done():
		err := w.client.Err()
		if errors.Is(err, rendezvous.ErrClientClosed) {
			return rendezvous.MailboxMessage{}, ErrChannelClosed
		}
		return rendezvous.MailboxMessage{}, err
	case <-ctx.Done():
		return rendezvous.MailboxMessage{}, ctx.Err()
	}
}

// Close closes the channel with a happy mood.
func (w *Wormhole) Close(ctx context.Context) error {
	return w.CloseWithMood(ctx, MoodHappy)
}

// CloseWithMood closes the mailbox, reporting the given mood to the
// relay, and drops the connection. Idempotent. The session key is wiped.
func (w *Wormhole) CloseWithMood(ctx context.Context, mood Mood) error {
	return w.close(ctx, mood)
}

func (w *Wormhole) close(ctx context.Context, mood Mood) error {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return nil
	}
	w.closed = true
	w.closeMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"appid": w.appID,
		"side":  w.side,
		"mood":  string(mood),
	}).Debug("Closing wormhole channel")

	err := w.client.CloseMailbox(ctx, string(mood))
	w.client.Close()
	crypto.ZeroBytes(w.sessionKey[:])
	return err
}

func (w *Wormhole) isClosed() bool {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	return w.closed
}
