package rendezvous

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// keepaliveInterval is how often a protocol ping is sent on an otherwise
// idle connection so intermediaries do not reap it.
const keepaliveInterval = 30 * time.Second

// messageBuffer bounds inbound mailbox messages queued for the consumer.
// When full, the reader applies backpressure to the websocket.
const messageBuffer = 16

// Client is a connection to a rendezvous relay, bound to one application
// ID and one side. It claims at most one nameplate and opens at most one
// mailbox over its lifetime; a new handshake attempt takes a new Client.
type Client struct {
	url   string
	appID string
	side  string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan frame
	nextID    uint64
	nameplate string
	released  bool
	mailbox   string
	mbClosed  bool

	welcome Welcome
	msgs    chan MailboxMessage

	done     chan struct{}
	failOnce sync.Once
	err      error
}

// Connect dials the relay, consumes the server welcome, and binds the
// connection to the application ID under a fresh random side identifier.
//
// Transport failures (dial, TLS, websocket handshake, malformed first
// frame) surface as *ConnectError and are never retried internally. A
// welcome carrying a server error surfaces as *ServerError.
func Connect(ctx context.Context, url, appID string) (*Client, error) {
	side := strings.ReplaceAll(uuid.NewString(), "-", "")

	logrus.WithFields(logrus.Fields{
		"url":   url,
		"appid": appID,
		"side":  side,
	}).Debug("Connecting to rendezvous server")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectError{URL: url, Err: err}
	}

	c := &Client{
		url:     url,
		appID:   appID,
		side:    side,
		conn:    conn,
		pending: make(map[string]chan frame),
		msgs:    make(chan MailboxMessage, messageBuffer),
		done:    make(chan struct{}),
	}

	if err := c.readWelcome(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	go c.keepaliveLoop()

	if _, err := c.roundTrip(ctx, frame{Type: typeBind, AppID: appID, Side: side}, typeAck); err != nil {
		c.Close()
		return nil, fmt.Errorf("bind: %w", err)
	}

	return c, nil
}

// readWelcome consumes the mandatory first frame of every connection.
func (c *Client) readWelcome(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}

	var f frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return &ConnectError{URL: c.url, Err: err}
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	if f.Type != typeWelcome || f.Welcome == nil {
		return &ConnectError{URL: c.url, Err: fmt.Errorf("expected welcome, got %q", f.Type)}
	}
	if f.Welcome.Error != "" {
		return &ServerError{Reason: f.Welcome.Error}
	}

	c.welcome = *f.Welcome
	return nil
}

// Side returns the random side identifier this connection is bound under.
// Sides distinguish the two directions of a mailbox and feed key
// derivation above this layer.
func (c *Client) Side() string { return c.side }

// Welcome returns the server welcome received at connect time.
func (c *Client) Welcome() Welcome { return c.welcome }

// Allocate asks the server for a fresh, currently unclaimed nameplate.
func (c *Client) Allocate(ctx context.Context) (string, error) {
	r, err := c.roundTrip(ctx, frame{Type: typeAllocate}, typeAllocated)
	if err != nil {
		return "", fmt.Errorf("allocate nameplate: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"side":      c.side,
		"nameplate": r.Nameplate,
	}).Debug("Nameplate allocated")
	return r.Nameplate, nil
}

// Claim associates this connection with a nameplate. The server assigns
// or confirms the mailbox identifier shared by both claimants. A third
// claim on a nameplate fails with ErrNameplateUnavailable.
func (c *Client) Claim(ctx context.Context, nameplate string) (string, error) {
	r, err := c.roundTrip(ctx, frame{Type: typeClaim, Nameplate: nameplate}, typeClaimed)
	if err != nil {
		var serr *ServerError
		if errors.As(err, &serr) && serr.Reason == errCrowded {
			return "", fmt.Errorf("claim nameplate %s: %w", nameplate, ErrNameplateUnavailable)
		}
		return "", fmt.Errorf("claim nameplate %s: %w", nameplate, err)
	}

	c.mu.Lock()
	c.nameplate = nameplate
	c.released = false
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"side":      c.side,
		"nameplate": nameplate,
		"mailbox":   r.Mailbox,
	}).Debug("Nameplate claimed")
	return r.Mailbox, nil
}

// List returns the nameplates the server currently has claims for.
func (c *Client) List(ctx context.Context) ([]string, error) {
	r, err := c.roundTrip(ctx, frame{Type: typeList}, typeNameplates)
	if err != nil {
		return nil, fmt.Errorf("list nameplates: %w", err)
	}
	return r.Nameplates, nil
}

// Open subscribes this connection to a mailbox: stored messages are
// replayed and new ones are pushed as they arrive.
func (c *Client) Open(ctx context.Context, mailbox string) error {
	if _, err := c.roundTrip(ctx, frame{Type: typeOpen, Mailbox: mailbox}, typeAck); err != nil {
		return fmt.Errorf("open mailbox: %w", err)
	}

	c.mu.Lock()
	c.mailbox = mailbox
	c.mbClosed = false
	c.mu.Unlock()
	return nil
}

// Send adds a message to the open mailbox. The body is opaque ciphertext
// to this layer and to the server.
func (c *Client) Send(ctx context.Context, phase string, body []byte) error {
	f := frame{Type: typeAdd, Phase: phase, Body: hex.EncodeToString(body)}
	if _, err := c.roundTrip(ctx, f, typeAck); err != nil {
		return fmt.Errorf("send phase %q: %w", phase, err)
	}
	return nil
}

// Messages returns the inbound mailbox stream: server-ordered, not
// restartable, terminated by connection close (watch Done). The client's
// own echoes are filtered out; duplicate suppression is the caller's job.
func (c *Client) Messages() <-chan MailboxMessage { return c.msgs }

// Release gives up the claimed nameplate. Safe to call on every exit path:
// calls after the first, or without a claim, are no-ops.
func (c *Client) Release(ctx context.Context) error {
	c.mu.Lock()
	nameplate := c.nameplate
	already := c.released || nameplate == ""
	c.released = true
	c.mu.Unlock()
	if already {
		return nil
	}

	if _, err := c.roundTrip(ctx, frame{Type: typeRelease, Nameplate: nameplate}, typeAck); err != nil {
		return fmt.Errorf("release nameplate %s: %w", nameplate, err)
	}

	logrus.WithFields(logrus.Fields{
		"side":      c.side,
		"nameplate": nameplate,
	}).Debug("Nameplate released")
	return nil
}

// CloseMailbox closes the open mailbox, reporting the session mood to the
// server. Idempotent like Release.
func (c *Client) CloseMailbox(ctx context.Context, mood string) error {
	c.mu.Lock()
	mailbox := c.mailbox
	already := c.mbClosed || mailbox == ""
	c.mbClosed = true
	c.mu.Unlock()
	if already {
		return nil
	}

	if _, err := c.roundTrip(ctx, frame{Type: typeClose, Mailbox: mailbox, Mood: mood}, typeAck); err != nil {
		return fmt.Errorf("close mailbox: %w", err)
	}
	return nil
}

// Done is closed when the connection is no longer usable; Err reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the terminal connection error, or nil while the connection
// is live. After Done is closed this is never nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	c.fail(ErrClientClosed)
	return nil
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		close(c.done)
		for _, ch := range pending {
			close(ch)
		}
		_ = c.conn.Close()

		logrus.WithFields(logrus.Fields{
			"side":  c.side,
			"error": err.Error(),
		}).Debug("Rendezvous connection closed")
	})
}

// readLoop routes inbound frames: replies to their waiting request,
// mailbox messages to the consumer channel.
func (c *Client) readLoop() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.fail(&ConnectError{URL: c.url, Err: err})
			return
		}

		switch f.Type {
		case typeAck, typeAllocated, typeClaimed, typeNameplates, typeError:
			c.deliverReply(f)
		case typeMessage:
			c.deliverMessage(f)
		case typePong, typeWelcome:
			// Keepalive response / duplicate welcome: nothing to do.
		default:
			logrus.WithField("type", f.Type).Debug("Ignoring unknown server frame")
		}
	}
}

func (c *Client) deliverReply(f frame) {
	c.mu.Lock()
	ch := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if ch == nil {
		logrus.WithFields(logrus.Fields{
			"type": f.Type,
			"id":   f.ID,
		}).Debug("Reply with no waiting request")
		return
	}
	ch <- f
}

func (c *Client) deliverMessage(f frame) {
	if f.Side == c.side {
		// The server echoes our own adds back to us.
		return
	}

	body, err := hex.DecodeString(f.Body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"phase": f.Phase,
			"error": err.Error(),
		}).Warn("Dropping mailbox message with undecodable body")
		return
	}

	msg := MailboxMessage{Side: f.Side, Phase: f.Phase, Body: body, ID: f.MsgID}
	select {
	case c.msgs <- msg:
	case <-c.done:
	}
}

// roundTrip sends one request and waits for the reply bearing its id.
// Error frames become *ServerError; an unexpected reply type is treated
// the same way.
func (c *Client) roundTrip(ctx context.Context, f frame, want string) (frame, error) {
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.pending == nil {
		err := c.err
		c.mu.Unlock()
		return frame{}, err
	}
	c.nextID++
	f.ID = fmt.Sprintf("%04x", c.nextID)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.writeFrame(f); err != nil {
		c.dropPending(f.ID)
		return frame{}, &ConnectError{URL: c.url, Err: err}
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return frame{}, c.Err()
		}
		if r.Type == typeError {
			return frame{}, &ServerError{Reason: r.Error}
		}
		if r.Type != want {
			return frame{}, &ServerError{Reason: fmt.Sprintf("unexpected reply %q to %q", r.Type, f.Type)}
		}
		return r, nil
	case <-ctx.Done():
		c.dropPending(f.ID)
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, c.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.writeFrame(frame{Type: typePing}); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
