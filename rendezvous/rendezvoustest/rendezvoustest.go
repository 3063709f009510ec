// Package rendezvoustest provides an in-process rendezvous relay speaking
// the same wire dialect as the client, for use in package tests. It keeps
// per-nameplate claim and release counters so tests can assert resource
// cleanup happened exactly once on every exit path.
package rendezvoustest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// frame mirrors the client wire envelope. Kept separate so the server
// cannot accidentally depend on client internals.
type frame struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	AppID      string   `json:"appid,omitempty"`
	Side       string   `json:"side,omitempty"`
	Nameplate  string   `json:"nameplate,omitempty"`
	Mailbox    string   `json:"mailbox,omitempty"`
	Mood       string   `json:"mood,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	Body       string   `json:"body,omitempty"`
	MsgID      string   `json:"msg_id,omitempty"`
	Nameplates []string `json:"nameplates,omitempty"`
	Welcome    *welcome `json:"welcome,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type welcome struct {
	MOTD  string `json:"motd,omitempty"`
	Error string `json:"error,omitempty"`
}

type nameplateState struct {
	mailbox  string
	claims   int
	releases int
}

type mailboxState struct {
	messages []frame
	watchers map[*session]bool
}

type session struct {
	srv     *Server
	conn    *websocket.Conn
	writeMu sync.Mutex
	side    string
	mailbox string
}

// Server is an in-process relay bound to a random localhost port.
type Server struct {
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	motd          string
	welcomeError  string
	nextNameplate int
	nextMsgID     int
	nameplates    map[string]*nameplateState
	mailboxes     map[string]*mailboxState
	moods         []string
	sessions      map[*session]bool
	swallowCloses bool
}

// NewServer starts a relay. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		nextNameplate: 1,
		nameplates:    make(map[string]*nameplateState),
		mailboxes:     make(map[string]*mailboxState),
		sessions:      make(map[*session]bool),
	}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// address clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http")
}

// Close shuts the relay down, dropping every live client connection.
// httptest does not close hijacked websocket conns on its own, so the
// drop has to be explicit for transport-failure tests to work.
func (s *Server) Close() {
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		_ = sess.conn.Close()
	}
	s.httpSrv.Close()
}

// SetMOTD sets the welcome banner for subsequent connections.
func (s *Server) SetMOTD(motd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motd = motd
}

// SetWelcomeError makes subsequent connections receive a refusing
// welcome, as a real server does when it rejects a client version.
func (s *Server) SetWelcomeError(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.welcomeError = reason
}

// SetSwallowCloses makes the relay accept close requests without ever
// acking them, simulating a relay that is connected but unresponsive.
func (s *Server) SetSwallowCloses(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swallowCloses = v
}

// Claims returns how many claim requests the nameplate has received.
func (s *Server) Claims(nameplate string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if np := s.nameplates[nameplate]; np != nil {
		return np.claims
	}
	return 0
}

// Releases returns how many release requests the nameplate has received.
// Tests use this to assert exactly-once cleanup.
func (s *Server) Releases(nameplate string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if np := s.nameplates[nameplate]; np != nil {
		return np.releases
	}
	return 0
}

// StoredMessage is one mailbox message as the server holds it, with the
// body hex-decoded.
type StoredMessage struct {
	Side  string
	Phase string
	Body  []byte
}

// Messages returns the messages stored in the nameplate's mailbox, in
// server order.
func (s *Server) Messages(nameplate string) []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := s.mailboxForLocked(nameplate)
	if mb == nil {
		return nil
	}
	out := make([]StoredMessage, 0, len(mb.messages))
	for _, m := range mb.messages {
		body, err := hex.DecodeString(m.Body)
		if err != nil {
			continue
		}
		out = append(out, StoredMessage{Side: m.Side, Phase: m.Phase, Body: body})
	}
	return out
}

// Redeliver re-broadcasts every stored message of the nameplate's mailbox
// to all watchers, simulating the relay's at-least-once delivery.
func (s *Server) Redeliver(nameplate string) {
	s.mu.Lock()
	mb := s.mailboxForLocked(nameplate)
	if mb == nil {
		s.mu.Unlock()
		return
	}
	stored := make([]frame, len(mb.messages))
	copy(stored, mb.messages)
	watchers := make([]*session, 0, len(mb.watchers))
	for w := range mb.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		for _, m := range stored {
			_ = w.write(m)
		}
	}
}

// Inject stores and broadcasts a fabricated message, as a malicious or
// confused relay could. Tests use it to exercise authentication-failure
// handling.
func (s *Server) Inject(nameplate, side, phase string, body []byte) {
	s.mu.Lock()
	mb := s.mailboxForLocked(nameplate)
	if mb == nil {
		s.mu.Unlock()
		return
	}
	s.nextMsgID++
	msg := frame{
		Type:  "message",
		Side:  side,
		Phase: phase,
		Body:  hex.EncodeToString(body),
		MsgID: strconv.Itoa(s.nextMsgID),
	}
	mb.messages = append(mb.messages, msg)
	watchers := make([]*session, 0, len(mb.watchers))
	for w := range mb.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		_ = w.write(msg)
	}
}

func (s *Server) mailboxForLocked(nameplate string) *mailboxState {
	np := s.nameplates[nameplate]
	if np == nil || np.mailbox == "" {
		return nil
	}
	return s.mailboxes[np.mailbox]
}

// Moods returns the moods reported by mailbox closes, in order.
func (s *Server) Moods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.moods))
	copy(out, s.moods)
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &session{srv: s, conn: conn}
	s.mu.Lock()
	s.sessions[sess] = true
	s.mu.Unlock()
	defer s.dropSession(sess)

	s.mu.Lock()
	wf := frame{Type: "welcome", Welcome: &welcome{MOTD: s.motd, Error: s.welcomeError}}
	s.mu.Unlock()
	if err := sess.write(wf); err != nil {
		return
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.dispatch(sess, f)
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	if mb := s.mailboxes[sess.mailbox]; mb != nil {
		delete(mb.watchers, sess)
	}
	s.mu.Unlock()
	_ = sess.conn.Close()
}

func (s *Server) dispatch(sess *session, f frame) {
	switch f.Type {
	case "bind":
		sess.side = f.Side
		sess.ack(f)
	case "allocate":
		s.mu.Lock()
		nameplate := strconv.Itoa(s.nextNameplate)
		s.nextNameplate++
		s.nameplates[nameplate] = &nameplateState{}
		s.mu.Unlock()
		_ = sess.write(frame{Type: "allocated", ID: f.ID, Nameplate: nameplate})
	case "claim":
		s.handleClaim(sess, f)
	case "list":
		s.mu.Lock()
		var claimed []string
		for name, np := range s.nameplates {
			if np.claims > np.releases {
				claimed = append(claimed, name)
			}
		}
		s.mu.Unlock()
		_ = sess.write(frame{Type: "nameplates", ID: f.ID, Nameplates: claimed})
	case "open":
		s.handleOpen(sess, f)
	case "add":
		s.handleAdd(sess, f)
	case "release":
		s.mu.Lock()
		if np := s.nameplates[f.Nameplate]; np != nil {
			np.releases++
		}
		s.mu.Unlock()
		sess.ack(f)
	case "close":
		s.mu.Lock()
		s.moods = append(s.moods, f.Mood)
		if mb := s.mailboxes[f.Mailbox]; mb != nil {
			delete(mb.watchers, sess)
		}
		swallow := s.swallowCloses
		s.mu.Unlock()
		sess.mailbox = ""
		if !swallow {
			sess.ack(f)
		}
	case "ping":
		_ = sess.write(frame{Type: "pong", ID: f.ID})
	default:
		_ = sess.write(frame{Type: "error", ID: f.ID, Error: fmt.Sprintf("unknown type %q", f.Type)})
	}
}

func (s *Server) handleClaim(sess *session, f frame) {
	s.mu.Lock()
	np := s.nameplates[f.Nameplate]
	if np == nil {
		np = &nameplateState{}
		s.nameplates[f.Nameplate] = np
	}
	np.claims++
	if np.claims > 2 {
		s.mu.Unlock()
		_ = sess.write(frame{Type: "error", ID: f.ID, Error: "crowded"})
		return
	}
	if np.mailbox == "" {
		np.mailbox = "mb-" + f.Nameplate
		s.mailboxes[np.mailbox] = &mailboxState{watchers: make(map[*session]bool)}
	}
	mailbox := np.mailbox
	s.mu.Unlock()

	_ = sess.write(frame{Type: "claimed", ID: f.ID, Mailbox: mailbox})
}

func (s *Server) handleOpen(sess *session, f frame) {
	s.mu.Lock()
	mb := s.mailboxes[f.Mailbox]
	if mb == nil {
		s.mu.Unlock()
		_ = sess.write(frame{Type: "error", ID: f.ID, Error: "no such mailbox"})
		return
	}
	mb.watchers[sess] = true
	sess.mailbox = f.Mailbox
	stored := make([]frame, len(mb.messages))
	copy(stored, mb.messages)
	s.mu.Unlock()

	sess.ack(f)
	for _, m := range stored {
		_ = sess.write(m)
	}
}

func (s *Server) handleAdd(sess *session, f frame) {
	s.mu.Lock()
	mb := s.mailboxes[sess.mailbox]
	if mb == nil {
		s.mu.Unlock()
		_ = sess.write(frame{Type: "error", ID: f.ID, Error: "mailbox not open"})
		return
	}
	s.nextMsgID++
	msg := frame{
		Type:  "message",
		Side:  sess.side,
		Phase: f.Phase,
		Body:  f.Body,
		MsgID: strconv.Itoa(s.nextMsgID),
	}
	mb.messages = append(mb.messages, msg)
	watchers := make([]*session, 0, len(mb.watchers))
	for w := range mb.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	sess.ack(f)
	// At-least-once delivery: the sender's own echo is included.
	for _, w := range watchers {
		_ = w.write(msg)
	}
}

func (sess *session) ack(f frame) {
	_ = sess.write(frame{Type: "ack", ID: f.ID})
}

func (sess *session) write(f frame) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}
