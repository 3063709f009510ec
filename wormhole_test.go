package wormhole_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wormhole "github.com/nikhil-prabhu/go-wormhole"
	"github.com/nikhil-prabhu/go-wormhole/code"
	"github.com/nikhil-prabhu/go-wormhole/crypto"
	"github.com/nikhil-prabhu/go-wormhole/rendezvous/rendezvoustest"
)

func testConfig(url string) wormhole.AppConfig {
	return wormhole.AppConfig{
		ID:            "example.com/wormhole-test",
		RendezvousURL: url,
		AppVersion:    wormhole.AppVersion{Abilities: []string{"text-v1"}},
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// connectPair runs a full handshake between two sides sharing a generated
// code and returns both established channels.
func connectPair(t *testing.T, srv *rendezvoustest.Server) (*wormhole.Wormhole, *wormhole.Wormhole, string) {
	t.Helper()
	ctx := testContext(t)

	welcome, pending, err := wormhole.ConnectWithoutCode(ctx, testConfig(srv.URL()), 2)
	require.NoError(t, err)
	require.NotEmpty(t, welcome.Code)

	type result struct {
		wh  *wormhole.Wormhole
		err error
	}
	waitCh := make(chan result, 1)
	go func() {
		wh, err := pending.Wait(ctx)
		waitCh <- result{wh, err}
	}()

	_, whB, err := wormhole.ConnectWithCode(ctx, testConfig(srv.URL()), welcome.Code, false)
	require.NoError(t, err)

	r := <-waitCh
	require.NoError(t, r.err)
	return r.wh, whB, welcome.Code
}

func TestHandshakeAndDataExchange(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	whA, whB, _ := connectPair(t, srv)
	defer whA.Close(ctx)
	defer whB.Close(ctx)

	// Both sides derived the same session key.
	assert.Equal(t, whA.Verifier(), whB.Verifier())

	// Version negotiation carried each side's payload across.
	assert.Equal(t, []string{"text-v1"}, whA.PeerVersion().Abilities)
	assert.Equal(t, []string{"text-v1"}, whB.PeerVersion().Abilities)

	require.NoError(t, whA.Send(ctx, "data", []byte("hello")))
	phase, body, err := whB.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data", phase)
	assert.Equal(t, []byte("hello"), body)

	require.NoError(t, whB.Send(ctx, "reply", []byte("hello back")))
	phase, body, err = whA.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reply", phase)
	assert.Equal(t, []byte("hello back"), body)
}

func TestWelcomeCarriesMOTD(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	srv.SetMOTD("scheduled maintenance at noon")
	ctx := testContext(t)

	welcome, pending, err := wormhole.ConnectWithoutCode(ctx, testConfig(srv.URL()), 2)
	require.NoError(t, err)
	defer pending.Cancel()

	assert.Equal(t, "scheduled maintenance at noon", welcome.Message)
	assert.Equal(t, welcome.Code, pending.Code())
}

func TestWrongCodeFailsAuthentication(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	welcome, pending, err := wormhole.ConnectWithoutCode(ctx, testConfig(srv.URL()), 2)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := pending.Wait(ctx)
		waitErr <- err
	}()

	// Same nameplate, different words: the PAKE completes but the keys
	// disagree, so the first encrypted message fails to verify.
	wrong := welcome.Code + "x"
	_, _, err = wormhole.ConnectWithCode(ctx, testConfig(srv.URL()), wrong, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, wormhole.ErrAuthentication)

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, wormhole.ErrAuthentication)
	case <-time.After(10 * time.Second):
		t.Fatal("generating side never observed the mismatch")
	}

	// Both sides reported a scary mood to the relay.
	require.NotEmpty(t, srv.Moods())
	for _, mood := range srv.Moods() {
		assert.Equal(t, "scary", mood)
	}
}

func TestMalformedCodeFailsFast(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()

	_, _, err := wormhole.ConnectWithCode(testContext(t), testConfig(srv.URL()), "abc-word", false)
	require.Error(t, err)

	var ferr *code.FormatError
	assert.ErrorAs(t, err, &ferr, "expected code format error, got %v", err)
}

// nameplateOf extracts the nameplate segment of a code string.
func nameplateOf(t *testing.T, codeStr string) string {
	t.Helper()
	c, err := code.Parse(codeStr)
	require.NoError(t, err)
	return string(c.Nameplate())
}

func TestSendRejectsReservedPhases(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	whA, whB, _ := connectPair(t, srv)
	defer whA.Close(ctx)
	defer whB.Close(ctx)

	assert.ErrorIs(t, whA.Send(ctx, "pake", []byte("x")), wormhole.ErrReservedPhase)
	assert.ErrorIs(t, whA.Send(ctx, "version", []byte("x")), wormhole.ErrReservedPhase)
}

// Bodies are opaque bytes with no minimum length.
func TestSendEmptyBody(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	whA, whB, _ := connectPair(t, srv)
	defer whA.Close(ctx)
	defer whB.Close(ctx)

	require.NoError(t, whA.Send(ctx, "poke", nil))

	phase, body, err := whB.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "poke", phase)
	assert.Empty(t, body)
}

func TestNonceCountersStrictlyIncreaseAcrossSends(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	whA, whB, code := connectPair(t, srv)
	defer whA.Close(ctx)
	defer whB.Close(ctx)

	phases := []string{"p1", "p2", "p3", "p4", "p5"}
	for _, phase := range phases {
		require.NoError(t, whA.Send(ctx, phase, []byte("payload")))
	}

	nameplate := nameplateOf(t, code)
	var last uint64
	var sends int
	for _, m := range srv.Messages(nameplate) {
		// The pake phase travels in the clear and carries no nonce.
		if m.Side != whA.Side() || m.Phase == "pake" {
			continue
		}
		counter, err := crypto.NonceCounter(m.Body)
		require.NoError(t, err)
		require.Greater(t, counter, last, "phase %q reused or reordered a counter", m.Phase)
		last = counter
		sends++
	}
	// The version phase plus the five application sends.
	assert.Equal(t, len(phases)+1, sends)
}

func TestDuplicateDeliveryIsDeduplicated(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	whA, whB, code := connectPair(t, srv)
	defer whA.Close(ctx)
	defer whB.Close(ctx)

	require.NoError(t, whA.Send(ctx, "data", []byte("once")))

	phase, body, err := whB.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "data", phase)
	require.Equal(t, []byte("once"), body)

	// The relay redelivers everything; the channel must not surface the
	// phase again.
	srv.Redeliver(nameplateOf(t, code))
	require.NoError(t, whA.Send(ctx, "more", []byte("twice")))

	phase, body, err = whB.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "more", phase)
	assert.Equal(t, []byte("twice"), body)
}

func TestRepeatedAuthFailuresCloseChannel(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	whA, whB, code := connectPair(t, srv)
	defer whA.Close(ctx)
	defer whB.Close(ctx)

	nameplate := nameplateOf(t, code)
	garbage := make([]byte, 64)

	// First failures are per-message: the channel survives.
	srv.Inject(nameplate, "attacker", "x1", garbage)
	_, _, err := whB.Receive(ctx)
	require.ErrorIs(t, err, wormhole.ErrAuthentication)

	srv.Inject(nameplate, "attacker", "x2", garbage)
	_, _, err = whB.Receive(ctx)
	require.ErrorIs(t, err, wormhole.ErrAuthentication)

	// Third consecutive failure escalates.
	srv.Inject(nameplate, "attacker", "x3", garbage)
	_, _, err = whB.Receive(ctx)
	require.ErrorIs(t, err, wormhole.ErrAuthentication)

	// The channel is now closed.
	_, _, err = whB.Receive(ctx)
	assert.ErrorIs(t, err, wormhole.ErrChannelClosed)
	assert.ErrorIs(t, whB.Send(ctx, "data", []byte("x")), wormhole.ErrChannelClosed)
}

func TestAuthFailureEscalationSurvivesUnresponsiveRelay(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	whA, whB, code := connectPair(t, srv)
	defer whA.Close(ctx)
	defer whB.Close(ctx)

	nameplate := nameplateOf(t, code)
	garbage := make([]byte, 64)

	srv.Inject(nameplate, "attacker", "x1", garbage)
	_, _, err := whB.Receive(ctx)
	require.ErrorIs(t, err, wormhole.ErrAuthentication)
	srv.Inject(nameplate, "attacker", "x2", garbage)
	_, _, err = whB.Receive(ctx)
	require.ErrorIs(t, err, wormhole.ErrAuthentication)

	// The relay stays connected but stops acking closes. The escalating
	// Receive must still return within its internal cleanup deadline
	// instead of blocking on the mailbox close forever.
	srv.SetSwallowCloses(true)
	srv.Inject(nameplate, "attacker", "x3", garbage)

	start := time.Now()
	_, _, err = whB.Receive(ctx)
	require.ErrorIs(t, err, wormhole.ErrAuthentication)
	assert.Less(t, time.Since(start), 10*time.Second)

	_, _, err = whB.Receive(ctx)
	assert.ErrorIs(t, err, wormhole.ErrChannelClosed)

	// Let the deferred close of the healthy side complete normally.
	srv.SetSwallowCloses(false)
}

func TestSuccessfulReceiveResetsAuthFailureCount(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	whA, whB, code := connectPair(t, srv)
	defer whA.Close(ctx)
	defer whB.Close(ctx)

	nameplate := nameplateOf(t, code)
	garbage := make([]byte, 64)

	for i := 0; i < 2; i++ {
		srv.Inject(nameplate, "attacker", "bad", garbage)
		_, _, err := whB.Receive(ctx)
		require.ErrorIs(t, err, wormhole.ErrAuthentication)

		require.NoError(t, whA.Send(ctx, phaseName("ok", i), []byte("fine")))
		_, _, err = whB.Receive(ctx)
		require.NoError(t, err, "good message after %d failures", i+1)
	}
}

func phaseName(prefix string, i int) string {
	return prefix + string(rune('a'+i))
}
