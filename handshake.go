package wormhole

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nikhil-prabhu/go-wormhole/code"
	"github.com/nikhil-prabhu/go-wormhole/crypto"
	"github.com/nikhil-prabhu/go-wormhole/pake"
	"github.com/nikhil-prabhu/go-wormhole/rendezvous"
	"github.com/nikhil-prabhu/go-wormhole/wordlist"
)

// handshakeState tracks the transitions of one handshake attempt.
type handshakeState uint8

const (
	stateIdle handshakeState = iota
	stateCodeEstablished
	statePakeExchanged
	stateVersionExchanged
	stateEstablished
	stateFailed
)

func (s handshakeState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateCodeEstablished:
		return "code-established"
	case statePakeExchanged:
		return "pake-exchanged"
	case stateVersionExchanged:
		return "version-exchanged"
	case stateEstablished:
		return "established"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// cleanupTimeout bounds relay resource release on failure paths, where
// the operation's own context may already be cancelled.
const cleanupTimeout = 5 * time.Second

// handshake is one attempt to establish a wormhole. It is single-use and
// owns the rendezvous client until the attempt either produces a Wormhole
// or fails and releases everything.
type handshake struct {
	cfg    AppConfig
	client *rendezvous.Client
	code   code.Code
	state  handshakeState

	// Application messages that arrived during the handshake, handed to
	// the Wormhole so they are not lost.
	early []rendezvous.MailboxMessage
}

func newHandshake(ctx context.Context, cfg AppConfig) (*handshake, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client, err := rendezvous.Connect(ctx, cfg.RendezvousURL, cfg.ID)
	if err != nil {
		return nil, err
	}
	return &handshake{cfg: cfg, client: client, state: stateIdle}, nil
}

func (h *handshake) to(next handshakeState) {
	logrus.WithFields(logrus.Fields{
		"appid": h.cfg.ID,
		"side":  h.client.Side(),
		"from":  h.state.String(),
		"to":    next.String(),
	}).Debug("Handshake state transition")
	h.state = next
}

// abort moves the handshake to failed and releases every relay resource.
// It runs under its own deadline because the caller's context is often
// already cancelled on this path.
func (h *handshake) abort(err error) {
	mood := MoodErrory
	switch {
	case errors.Is(err, crypto.ErrAuthentication):
		mood = MoodScary
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		mood = MoodLonely
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	_ = h.client.Release(ctx)
	_ = h.client.CloseMailbox(ctx, string(mood))
	h.client.Close()
	h.to(stateFailed)

	logrus.WithFields(logrus.Fields{
		"appid": h.cfg.ID,
		"side":  h.client.Side(),
		"mood":  string(mood),
		"error": err.Error(),
	}).Warn("Handshake aborted")
}

// PendingHandshake is the suspended remainder of ConnectWithoutCode: the
// code exists and the nameplate is claimed, but no peer has arrived yet.
// Exactly one of Wait or Cancel may be called, once.
type PendingHandshake struct {
	mu       sync.Mutex
	h        *handshake
	consumed bool
}

// Code returns the generated wormhole code, for display to the user.
func (p *PendingHandshake) Code() string {
	return p.h.code.String()
}

// Wait blocks until the peer arrives and the handshake completes,
// returning the established channel. Cancelling ctx aborts the attempt
// and releases the nameplate and mailbox before returning.
func (p *PendingHandshake) Wait(ctx context.Context) (*Wormhole, error) {
	if err := p.consume(); err != nil {
		return nil, err
	}

	wh, err := p.h.complete(ctx)
	if err != nil {
		p.h.abort(err)
		return nil, err
	}
	return wh, nil
}

// Cancel abandons the handshake before (instead of) Wait, releasing the
// nameplate and mailbox so the relay does not carry a dangling claim.
func (p *PendingHandshake) Cancel() error {
	if err := p.consume(); err != nil {
		return err
	}
	p.h.abort(context.Canceled)
	return nil
}

func (p *PendingHandshake) consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return ErrHandshakeConsumed
	}
	p.consumed = true
	return nil
}

// ConnectWithoutCode generates a fresh code and claims its nameplate,
// returning the server welcome (with the code) synchronously together
// with the suspended remainder of the handshake. The split lets the
// caller display the code and do useful work while the peer side, which
// may take arbitrarily long to appear, is awaited via Wait.
func ConnectWithoutCode(ctx context.Context, cfg AppConfig, codeLength int) (*Welcome, *PendingHandshake, error) {
	if codeLength <= 0 {
		return nil, nil, wordlist.ErrWordCount
	}

	h, err := newHandshake(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	nameplate, err := h.client.Allocate(ctx)
	if err != nil {
		h.abort(err)
		return nil, nil, err
	}

	words, err := wordlist.Choose(codeLength)
	if err != nil {
		h.abort(err)
		return nil, nil, err
	}
	h.code = code.New(code.Nameplate(nameplate), words)

	if err := h.claimAndOpen(ctx, nameplate); err != nil {
		h.abort(err)
		return nil, nil, err
	}

	welcome := &Welcome{
		Message: h.client.Welcome().MOTD,
		Code:    h.code.String(),
	}
	return welcome, &PendingHandshake{h: h}, nil
}

// ConnectWithCode consumes a code produced by the other side and runs the
// whole handshake before returning the established channel.
//
// With expectClaimedNameplate the caller asserts a peer has already
// claimed the nameplate; if the relay disagrees the call fails with
// ErrUnexpectedNameplateState before claiming anything.
func ConnectWithCode(ctx context.Context, cfg AppConfig, codeStr string, expectClaimedNameplate bool) (*Welcome, *Wormhole, error) {
	c, err := code.Parse(codeStr)
	if err != nil {
		return nil, nil, err
	}

	h, err := newHandshake(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	h.code = c

	nameplate := string(c.Nameplate())
	if expectClaimedNameplate {
		claimed, err := h.client.List(ctx)
		if err != nil {
			h.abort(err)
			return nil, nil, err
		}
		if !slices.Contains(claimed, nameplate) {
			err := fmt.Errorf("nameplate %s has no claim: %w", nameplate, ErrUnexpectedNameplateState)
			h.abort(err)
			return nil, nil, err
		}
	}

	if err := h.claimAndOpen(ctx, nameplate); err != nil {
		h.abort(err)
		return nil, nil, err
	}

	wh, err := h.complete(ctx)
	if err != nil {
		h.abort(err)
		return nil, nil, err
	}

	welcome := &Welcome{
		Message: h.client.Welcome().MOTD,
		Code:    c.String(),
	}
	return welcome, wh, nil
}

func (h *handshake) claimAndOpen(ctx context.Context, nameplate string) error {
	mailbox, err := h.client.Claim(ctx, nameplate)
	if err != nil {
		return err
	}
	if err := h.client.Open(ctx, mailbox); err != nil {
		return err
	}
	h.to(stateCodeEstablished)
	return nil
}

// complete runs the PAKE and version phases and releases the nameplate,
// producing the established channel. The caller aborts on error.
func (h *handshake) complete(ctx context.Context) (*Wormhole, error) {
	sessionKey, err := h.exchangePake(ctx)
	if err != nil {
		return nil, err
	}
	h.to(statePakeExchanged)

	wh := newWormhole(h.cfg.ID, h.client, sessionKey)
	if err := h.exchangeVersion(ctx, wh); err != nil {
		return nil, err
	}
	h.to(stateVersionExchanged)

	// The nameplate did its job: both sides hold the mailbox. Releasing
	// it here, not at close, keeps the relay's claim table small and
	// makes the code safe to be forgotten.
	if err := h.client.Release(ctx); err != nil {
		return nil, err
	}

	wh.stash = h.early
	h.early = nil
	h.to(stateEstablished)

	logrus.WithFields(logrus.Fields{
		"appid": h.cfg.ID,
		"side":  h.client.Side(),
	}).Info("Wormhole established")
	return wh, nil
}

func (h *handshake) exchangePake(ctx context.Context) ([crypto.KeySize]byte, error) {
	var zero [crypto.KeySize]byte

	ex, pubMsg := pake.Start(h.code.String(), h.cfg.ID)
	body, err := json.Marshal(pakePayload{PakeV1: hex.EncodeToString(pubMsg)})
	if err != nil {
		return zero, fmt.Errorf("encode pake payload: %w", err)
	}
	if err := h.client.Send(ctx, PhasePake, body); err != nil {
		return zero, err
	}

	peerMsg, err := h.nextPhase(ctx, PhasePake)
	if err != nil {
		return zero, err
	}

	var payload pakePayload
	if err := json.Unmarshal(peerMsg.Body, &payload); err != nil {
		return zero, fmt.Errorf("%w: undecodable pake payload", pake.ErrMalformedMessage)
	}
	peerShare, err := hex.DecodeString(payload.PakeV1)
	if err != nil {
		return zero, fmt.Errorf("%w: pake share is not hex", pake.ErrMalformedMessage)
	}

	return ex.Finish(peerShare)
}

func (h *handshake) exchangeVersion(ctx context.Context, wh *Wormhole) error {
	body, err := json.Marshal(versionPayload{AppVersions: h.cfg.AppVersion})
	if err != nil {
		return fmt.Errorf("encode version payload: %w", err)
	}
	if err := wh.sealAndSend(ctx, PhaseVersion, body); err != nil {
		return err
	}

	peerMsg, err := h.nextPhase(ctx, PhaseVersion)
	if err != nil {
		return err
	}

	key := crypto.DerivePhaseKey(wh.sessionKey, peerMsg.Side, PhaseVersion)
	plaintext, err := crypto.Open(key, peerMsg.Body)
	if err != nil {
		// The observable signal of a code mismatch: the peer derived a
		// different key, so its first encrypted message does not verify.
		return fmt.Errorf("version phase: %w", err)
	}

	var payload versionPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("decode peer version payload: %w", err)
	}
	wh.peerVersion = payload.AppVersions
	return nil
}

// nextPhase waits for the peer's message on the given handshake phase.
// Application messages that arrive early are kept for the Wormhole;
// redelivered handshake phases are dropped.
func (h *handshake) nextPhase(ctx context.Context, phase string) (rendezvous.MailboxMessage, error) {
	for {
		select {
		case msg := <-h.client.Messages():
			switch {
			case msg.Phase == phase:
				return msg, nil
			case msg.Phase == PhasePake || msg.Phase == PhaseVersion:
				// Redelivered handshake message; already consumed.
			default:
				h.early = append(h.early, msg)
			}
		case <-h.client.Done():
			return rendezvous.MailboxMessage{}, h.client.Err()
		case <-ctx.Done():
			return rendezvous.MailboxMessage{}, ctx.Err()
		}
	}
}
