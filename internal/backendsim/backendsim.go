// Package backendsim is a scripted session backend that speaks the wire
// protocol over gorilla/websocket. It exists for end-to-end tests and for
// running the client locally without a real backend.
package backendsim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/sessionlink/internal/server"
	"github.com/alexjbarnes/sessionlink/internal/wire"
)

const (
	writeWait = 10 * time.Second

	// keepAfterCompaction is how many records a compacted session keeps.
	keepAfterCompaction = 2
)

// Options configures a Server.
type Options struct {
	// APIKey is the only credential connect accepts.
	APIKey string

	// HeartbeatInterval enables heartbeat records to authenticated
	// connections. Zero disables them.
	HeartbeatInterval time.Duration

	// HoldTurns leaves prompts locked until CompleteTurn is called.
	HoldTurns bool

	Logger *slog.Logger
}

// Received is one record a client sent.
type Received struct {
	Type wire.Type
	Raw  []byte
}

type session struct {
	info    wire.SessionInfo
	records []wire.Record
	lockVer uint64
	held    *wire.Prompt
}

// Server is the simulated backend.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	apiKey   string
	sessions map[string]*session
	peers    map[*peer]struct{}
	received []Received
	nextID   int
	clock    time.Time
}

// New creates a Server.
func New(opts Options) *Server {
	return &Server{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		apiKey:   opts.APIKey,
		sessions: make(map[string]*session),
		peers:    make(map[*peer]struct{}),
	}
}

// Handler returns the HTTP router serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	return server.NewRouter(server.RouterConfig{
		WSHandler: http.HandlerFunc(s.ServeWS),
		Logger:    s.logger,
	})
}

// SetAPIKey changes the accepted credential. Existing connections stay up.
func (s *Server) SetAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apiKey = key
}

// AddSession seeds a session with records. Records without ids or
// timestamps get them assigned.
func (s *Server) AddSession(info wire.SessionInfo, records ...wire.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessionLocked(info.SessionID)
	sess.info = info

	for _, rec := range records {
		s.appendLocked(sess, rec)
	}
}

// Append adds a record to a session and pushes it to subscribers.
func (s *Server) Append(sessionID string, role, text string) wire.Record {
	s.mu.Lock()
	sess := s.sessionLocked(sessionID)
	rec := s.appendLocked(sess, wire.Record{Role: role, Text: text})
	targets := s.subscribersLocked(sessionID, nil)
	s.mu.Unlock()

	s.broadcast(targets, wire.TypeSessionUpdated, wire.SessionUpdated{SessionID: sessionID, Messages: []wire.Record{rec}})

	return rec
}

// Records returns a copy of a session's records.
func (s *Server) Records(sessionID string) []wire.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	return append([]wire.Record(nil), sess.records...)
}

// Received returns every record clients have sent, oldest first.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Received(nil), s.received...)
}

// ReceivedTypes returns the type of every record clients have sent.
func (s *Server) ReceivedTypes() []wire.Type {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]wire.Type, 0, len(s.received))
	for _, r := range s.received {
		out = append(out, r.Type)
	}

	return out
}

// Count returns how many records of typ clients have sent.
func (s *Server) Count(typ wire.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, r := range s.received {
		if r.Type == typ {
			n++
		}
	}

	return n
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.peers)
}

// DropConnections closes every client connection without a close
// handshake, as a network failure would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.UnderlyingConn().Close()
	}

	s.logger.Info("dropped connections", slog.Int("count", len(peers)))
}

// CompleteTurn finishes a prompt held by HoldTurns.
func (s *Server) CompleteTurn(sessionID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.held == nil {
		s.mu.Unlock()
		return false
	}

	prompt := *sess.held
	sess.held = nil
	s.mu.Unlock()

	s.finishTurn(nil, sessionID, prompt)

	return true
}

// ServeWS upgrades the request and runs the protocol until the client
// disconnects.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	p := &peer{conn: conn, subs: make(map[string]bool), done: make(chan struct{})}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()

		close(p.done)
		conn.Close()
	}()

	s.logger.Debug("client connected", slog.String("remote", r.RemoteAddr))

	if err := p.send(wire.TypeHello, wire.Hello{AuthVersion: 1}); err != nil {
		return
	}

	if s.opts.HeartbeatInterval > 0 {
		go s.heartbeats(p)
	}

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("client disconnected", slog.String("error", err.Error()))
			return
		}

		if typ != websocket.TextMessage {
			continue
		}

		for _, line := range splitRecords(data) {
			s.handle(p, line)
		}
	}
}

func (s *Server) heartbeats(p *peer) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			authed := p.authed
			s.mu.Unlock()

			if !authed {
				continue
			}

			if err := p.send(wire.TypeHeartbeat, wire.Heartbeat{Timestamp: now.UTC()}); err != nil {
				return
			}
		}
	}
}

func (s *Server) handle(p *peer, data []byte) {
	typ := wire.Type(gjson.GetBytes(data, "type").String())

	s.mu.Lock()
	s.received = append(s.received, Received{Type: typ, Raw: append([]byte(nil), data...)})
	authed := p.authed
	s.mu.Unlock()

	if typ == wire.TypeConnect {
		s.handleConnect(p, data)
		return
	}

	if !authed {
		_ = p.send(wire.TypeError, wire.Error{Message: "not authenticated"})
		return
	}

	switch typ {
	case wire.TypePing:
		_ = p.send(wire.TypePong, wire.Pong{})

	case wire.TypeSubscribe:
		var msg wire.Subscribe
		if s.decode(p, data, &msg) {
			s.handleSubscribe(p, msg)
		}

	case wire.TypeUnsubscribe:
		var msg wire.Unsubscribe
		if s.decode(p, data, &msg) {
			s.mu.Lock()
			delete(p.subs, msg.SessionID)
			s.mu.Unlock()
		}

	case wire.TypePrompt:
		var msg wire.Prompt
		if s.decode(p, data, &msg) {
			s.handlePrompt(p, msg)
		}

	case wire.TypeCompactSession:
		var msg wire.CompactSession
		if s.decode(p, data, &msg) {
			s.handleCompact(p, msg)
		}

	case wire.TypeKillSession:
		var msg wire.KillSession
		if s.decode(p, data, &msg) {
			_ = p.send(wire.TypeSessionKilled, wire.SessionKilled{SessionID: msg.SessionID})
		}

	case wire.TypeRefreshSessions:
		var msg wire.RefreshSessions
		if s.decode(p, data, &msg) {
			_ = p.send(wire.TypeSessionList, wire.SessionList{Sessions: s.sessionList(msg.RecentSessionsLimit)})
		}

	case wire.TypeExecuteCommand:
		var msg wire.ExecuteCommand
		if !s.decode(p, data, &msg) {
			return
		}

		if msg.ShellCommand == "" {
			_ = p.send(wire.TypeCommandError, wire.CommandError{CommandID: msg.CommandID, Error: "empty command"})
			return
		}

		_ = p.send(wire.TypeCommandStarted, wire.CommandStarted{CommandID: msg.CommandID})

	case wire.TypeSetMaxMessageSize:
		// Recorded only.

	default:
		_ = p.send(wire.TypeError, wire.Error{Message: fmt.Sprintf("unknown message type %q", typ)})
	}
}

func (s *Server) decode(p *peer, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		_ = p.send(wire.TypeError, wire.Error{Message: "malformed message: " + err.Error()})
		return false
	}

	return true
}

func (s *Server) handleConnect(p *peer, data []byte) {
	var msg wire.Connect
	if !s.decode(p, data, &msg) {
		return
	}

	s.mu.Lock()
	ok := msg.APIKey != "" && msg.APIKey == s.apiKey
	if ok {
		p.authed = true
	}
	s.mu.Unlock()

	if !ok {
		_ = p.send(wire.TypeAuthError, wire.AuthError{Message: "invalid api key"})
		return
	}

	if err := p.send(wire.TypeConnected, wire.Connected{SessionID: msg.SessionID, Message: "welcome"}); err != nil {
		return
	}

	_ = p.send(wire.TypeSessionList, wire.SessionList{Sessions: s.sessionList(msg.RecentSessionsLimit)})
}

func (s *Server) handleSubscribe(p *peer, msg wire.Subscribe) {
	s.mu.Lock()
	p.subs[msg.SessionID] = true

	var (
		records []wire.Record
		delta   bool
		total   int
	)

	if sess, ok := s.sessions[msg.SessionID]; ok {
		records, delta = recordsAfter(sess.records, msg.LastMessageID)
		total = len(sess.records)
	}
	s.mu.Unlock()

	complete := !delta
	hist := wire.SessionHistory{
		SessionID:  msg.SessionID,
		Messages:   records,
		IsComplete: &complete,
		TotalCount: &total,
	}

	if len(records) > 0 {
		hist.OldestMessageID = records[0].ID
		hist.NewestMessageID = records[len(records)-1].ID
	}

	_ = p.send(wire.TypeSessionHistory, hist)
}

func (s *Server) handlePrompt(p *peer, msg wire.Prompt) {
	id := msg.SessionID
	if id == "" {
		id = msg.NewSessionID
	}

	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	_, existed := s.sessions[id]
	sess := s.sessionLocked(id)

	if !existed {
		sess.info = wire.SessionInfo{SessionID: id, Name: "session " + id, WorkingDirectory: msg.WorkingDirectory}
	}

	sess.lockVer++
	version := sess.lockVer
	info := sess.info

	if s.opts.HoldTurns {
		held := msg
		held.SessionID = id
		sess.held = &held
	}
	s.mu.Unlock()

	if !existed {
		_ = p.send(wire.TypeSessionCreated, wire.SessionCreated{Session: info})
	}

	_ = p.send(wire.TypeSessionLocked, wire.SessionLocked{SessionID: id, LockVersion: &version})

	if s.opts.HoldTurns {
		return
	}

	s.finishTurn(p, id, msg)
}

// finishTurn appends the user echo and an assistant reply, then closes
// the turn. The prompting peer always receives the update; other peers
// only when subscribed.
func (s *Server) finishTurn(p *peer, sessionID string, msg wire.Prompt) {
	s.mu.Lock()
	sess := s.sessionLocked(sessionID)
	user := s.appendLocked(sess, wire.Record{Role: "user", Text: msg.Text})
	reply := s.appendLocked(sess, wire.Record{Role: "assistant", Text: "echo: " + msg.Text})
	targets := s.subscribersLocked(sessionID, p)
	s.mu.Unlock()

	update := wire.SessionUpdated{SessionID: sessionID, Messages: []wire.Record{user, reply}}
	s.broadcast(targets, wire.TypeSessionUpdated, update)
	s.broadcast(targets, wire.TypeTurnComplete, wire.TurnComplete{SessionID: sessionID})
}

func (s *Server) handleCompact(p *peer, msg wire.CompactSession) {
	s.mu.Lock()
	sess, ok := s.sessions[msg.SessionID]

	var before, after int
	if ok {
		before = len(sess.records)
		if before > keepAfterCompaction {
			sess.records = append([]wire.Record(nil), sess.records[before-keepAfterCompaction:]...)
		}

		after = len(sess.records)
		sess.info.MessageCount = after
	}
	s.mu.Unlock()

	if !ok {
		_ = p.send(wire.TypeCompactionError, wire.CompactionError{SessionID: msg.SessionID, Error: "unknown session"})
		return
	}

	_ = p.send(wire.TypeCompactionComplete, wire.CompactionComplete{
		SessionID:       msg.SessionID,
		OldMessageCount: before,
		NewMessageCount: after,
	})
}

func (s *Server) sessionList(limit int) []wire.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]wire.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info)
	}

	sortSessions(out)

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out
}

func (s *Server) sessionLocked(id string) *session {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{info: wire.SessionInfo{SessionID: id}}
		s.sessions[id] = sess
	}

	return sess
}

// appendLocked assigns an id and a strictly increasing timestamp when the
// record lacks them.
func (s *Server) appendLocked(sess *session, rec wire.Record) wire.Record {
	if rec.ID == "" {
		s.nextID++
		rec.ID = "m" + strconv.Itoa(s.nextID)
	}

	if rec.Timestamp.IsZero() {
		now := time.Now().UTC()
		if !now.After(s.clock) {
			now = s.clock.Add(time.Millisecond)
		}

		rec.Timestamp = now
	}

	if rec.Timestamp.After(s.clock) {
		s.clock = rec.Timestamp
	}

	sess.records = append(sess.records, rec)
	sess.info.MessageCount = len(sess.records)
	sess.info.LastModified = rec.Timestamp
	sess.info.Preview = rec.Text

	return rec
}

func (s *Server) subscribersLocked(sessionID string, always *peer) []*peer {
	var out []*peer

	for p := range s.peers {
		if p == always || (p.authed && p.subs[sessionID]) {
			out = append(out, p)
		}
	}

	return out
}

func (s *Server) broadcast(peers []*peer, typ wire.Type, body any) {
	for _, p := range peers {
		if err := p.send(typ, body); err != nil {
			s.logger.Debug("broadcast failed", slog.String("type", string(typ)), slog.String("error", err.Error()))
		}
	}
}

// peer is one client connection. gorilla/websocket allows one concurrent
// writer, so writes are serialised by writeMu.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}

	// Guarded by Server.mu.
	authed bool
	subs   map[string]bool
}

func (p *peer) send(typ wire.Type, body any) error {
	data, err := wire.EncodeTyped(typ, body)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return p.conn.WriteMessage(websocket.TextMessage, data)
}
