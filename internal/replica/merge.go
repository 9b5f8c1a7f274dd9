package replica

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultRetention is the number of messages kept per session.
	DefaultRetention = 200

	// defaultEchoWindow bounds how long a server-delivered user message
	// can absorb an optimistic record created after it.
	defaultEchoWindow = 30 * time.Second

	previewMaxRunes = 120
)

// internalKinds are bookkeeping records the backend interleaves with the
// conversation. They never reach the user-visible stream.
var internalKinds = map[string]bool{
	"tool_use":        true,
	"tool_result":     true,
	"summary":         true,
	"queue-operation": true,
	"system":          true,
}

// Incoming is one server record as extracted from the wire.
type Incoming struct {
	ServerID  string
	Role      Role
	Text      string
	Timestamp time.Time
	Kind      string
}

// Batch is a server delivery for one session.
type Batch struct {
	SessionID string
	Records   []Incoming

	// History metadata, only present on session_history deliveries.
	Complete        *bool
	OldestMessageID string
	TotalCount      *int
}

// EventKind identifies a merge outcome consumers care about.
type EventKind int

const (
	// EventNewContent: new records arrived for a session the user is not
	// looking at.
	EventNewContent EventKind = iota + 1
	// EventSpeak: a new assistant record arrived for the visible session.
	EventSpeak
)

// Event is raised by a merge.
type Event struct {
	Kind      EventKind
	SessionID string
	MessageID string
	Text      string
	Count     int
}

// Result summarises one merge.
type Result struct {
	Inserted   int
	Reconciled int
	Updated    int
	Duplicates int
	Filtered   int
	Pruned     int
	Events     []Event
}

type echo struct {
	key       string
	messageID string
	at        time.Time
}

// Merger reconciles server deliveries with the local replica.
type Merger struct {
	store      Store
	active     ActiveSession
	retention  int
	echoWindow time.Duration
	logger     *slog.Logger
	now        func() time.Time

	// seq hands out arrival order. It starts at the wall clock so records
	// stored by an earlier process sort before this one's.
	seq atomic.Uint64

	echoMu sync.Mutex
	echoes map[string][]echo
}

// NewMerger creates a merger. active may be nil, meaning no session is
// ever visible. retention <= 0 uses DefaultRetention.
func NewMerger(store Store, active ActiveSession, retention int, logger *slog.Logger) *Merger {
	if retention <= 0 {
		retention = DefaultRetention
	}

	m := &Merger{
		store:      store,
		active:     active,
		retention:  retention,
		echoWindow: defaultEchoWindow,
		logger:     logger,
		now:        time.Now,
		echoes:     make(map[string][]echo),
	}
	m.seq.Store(uint64(time.Now().UnixNano()))

	return m
}

// nextSeq returns an arrival number greater than every number handed out
// so far and greater than floor.
func (m *Merger) nextSeq(floor uint64) uint64 {
	for {
		cur := m.seq.Load()
		next := max(cur, floor) + 1

		if m.seq.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func maxSeq(msgs []Message) uint64 {
	var n uint64
	for _, msg := range msgs {
		n = max(n, msg.Seq)
	}

	return n
}

// AddOptimistic records a user prompt before the server has seen it. If
// the server's copy of the same text already arrived within the echo
// window, that confirmed record is returned instead and found is true.
func (m *Merger) AddOptimistic(sessionID, text string) (msg Message, found bool, err error) {
	key := matchKey(RoleUser, text)

	msgs, err := m.store.Messages(sessionID)
	if err != nil {
		return Message{}, false, fmt.Errorf("loading messages: %w", err)
	}

	if id, ok := m.takeEcho(sessionID, key); ok {
		for _, existing := range msgs {
			if existing.ID == id {
				return existing, true, nil
			}
		}
	}

	msg = Message{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Role:           RoleUser,
		Text:           text,
		LocalTimestamp: m.now(),
		Status:         StatusSending,
		Seq:            m.nextSeq(maxSeq(msgs)),
	}

	if err := m.store.UpsertMessage(msg); err != nil {
		return Message{}, false, fmt.Errorf("storing optimistic message: %w", err)
	}

	return msg, false, nil
}

// Merge applies a batch to the replica and prunes the session to the
// retention window.
func (m *Merger) Merge(b Batch) (Result, error) {
	var res Result

	existing, err := m.store.Messages(b.SessionID)
	if err != nil {
		return res, fmt.Errorf("loading messages: %w", err)
	}

	byID := make(map[string]Message, len(existing))
	var sending []Message

	for _, msg := range existing {
		byID[msg.ID] = msg
		if msg.Status == StatusSending {
			sending = append(sending, msg)
		}
	}

	now := m.now()
	floor := maxSeq(existing)
	visible := m.active != nil && m.active.ActiveSessionID() == b.SessionID

	var (
		newest      time.Time
		preview     string
		unreadDelta int
	)

	for _, rec := range b.Records {
		if internalKinds[rec.Kind] {
			res.Filtered++
			continue
		}

		if rec.Timestamp.After(newest) {
			newest = rec.Timestamp
		}

		preview = rec.Text

		if rec.ServerID != "" {
			if prev, ok := byID[rec.ServerID]; ok {
				if prev.Text == rec.Text && prev.Status == StatusConfirmed {
					res.Duplicates++
					continue
				}

				prev.Text = rec.Text
				prev.Status = StatusConfirmed
				prev.HasServerID = true
				if !rec.Timestamp.IsZero() {
					prev.ServerTimestamp = rec.Timestamp
				}

				if err := m.store.UpsertMessage(prev); err != nil {
					return res, fmt.Errorf("updating message: %w", err)
				}

				byID[prev.ID] = prev
				res.Updated++

				continue
			}
		}

		key := matchKey(rec.Role, rec.Text)

		if idx := matchSending(sending, key); idx >= 0 {
			local := sending[idx]
			sending = append(sending[:idx], sending[idx+1:]...)

			confirmed := local
			confirmed.Status = StatusConfirmed
			confirmed.ServerTimestamp = rec.Timestamp
			if rec.ServerID != "" {
				confirmed.ID = rec.ServerID
				confirmed.HasServerID = true
			}

			if confirmed.ID != local.ID {
				if err := m.store.DeleteMessage(b.SessionID, local.ID); err != nil {
					return res, fmt.Errorf("replacing optimistic message: %w", err)
				}

				delete(byID, local.ID)
			}

			if err := m.store.UpsertMessage(confirmed); err != nil {
				return res, fmt.Errorf("confirming message: %w", err)
			}

			byID[confirmed.ID] = confirmed
			res.Reconciled++

			continue
		}

		if rec.ServerID == "" && isTimestampDuplicate(byID, rec, key) {
			res.Duplicates++
			continue
		}

		msg := Message{
			ID:              rec.ServerID,
			HasServerID:     rec.ServerID != "",
			SessionID:       b.SessionID,
			Role:            rec.Role,
			Text:            rec.Text,
			ServerTimestamp: rec.Timestamp,
			LocalTimestamp:  now,
			Status:          StatusConfirmed,
			Seq:             m.nextSeq(floor),
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}

		if err := m.store.UpsertMessage(msg); err != nil {
			return res, fmt.Errorf("inserting message: %w", err)
		}

		byID[msg.ID] = msg
		res.Inserted++

		switch {
		case msg.Role == RoleUser:
			m.rememberEcho(b.SessionID, key, msg.ID, now)
		case visible:
			if msg.Role == RoleAssistant {
				res.Events = append(res.Events, Event{Kind: EventSpeak, SessionID: b.SessionID, MessageID: msg.ID, Text: msg.Text})
			}
		default:
			unreadDelta++
		}
	}

	if err := m.updateSession(b, res, newest, preview, unreadDelta); err != nil {
		return res, err
	}

	if unreadDelta > 0 {
		res.Events = append(res.Events, Event{Kind: EventNewContent, SessionID: b.SessionID, Count: unreadDelta})
	}

	pruned, err := m.store.Prune(b.SessionID, m.retention)
	if err != nil {
		return res, fmt.Errorf("pruning session: %w", err)
	}

	res.Pruned = pruned

	if res.Inserted > 0 || res.Reconciled > 0 || pruned > 0 {
		m.logger.Debug("session merged",
			slog.String("session_id", b.SessionID),
			slog.Int("inserted", res.Inserted),
			slog.Int("reconciled", res.Reconciled),
			slog.Int("duplicates", res.Duplicates),
			slog.Int("filtered", res.Filtered),
			slog.Int("pruned", pruned),
		)
	}

	return res, nil
}

func (m *Merger) updateSession(b Batch, res Result, newest time.Time, preview string, unreadDelta int) error {
	sess, ok, err := m.store.Session(b.SessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	if !ok {
		sess = Session{ID: b.SessionID}
	}

	switch {
	case b.TotalCount != nil:
		sess.MessageCount = *b.TotalCount
	default:
		// Bookkeeping records count toward the total the way the
		// backend counts them.
		sess.MessageCount += res.Inserted + res.Reconciled + res.Filtered
	}

	if b.Complete != nil {
		sess.HistoryComplete = *b.Complete
	}

	if b.OldestMessageID != "" {
		sess.OldestMessageID = b.OldestMessageID
	}

	if newest.After(sess.LastModified) {
		sess.LastModified = newest
	}

	if preview != "" && res.Inserted > 0 {
		sess.Preview = truncateRunes(preview, previewMaxRunes)
	}

	sess.UnreadCount += unreadDelta

	if err := m.store.UpsertSession(sess); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}

// MarkRead clears a session's unread counter.
func (m *Merger) MarkRead(sessionID string) error {
	sess, ok, err := m.store.Session(sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	if !ok || sess.UnreadCount == 0 {
		return nil
	}

	sess.UnreadCount = 0

	return m.store.UpsertSession(sess)
}

// DeltaWatermark returns the last_message_id to send when subscribing.
func (m *Merger) DeltaWatermark(sessionID string) string {
	id, err := m.store.NewestMessageID(sessionID)
	if err != nil {
		m.logger.Warn("reading delta watermark",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)

		return ""
	}

	return id
}

func (m *Merger) rememberEcho(sessionID, key, messageID string, at time.Time) {
	m.echoMu.Lock()
	defer m.echoMu.Unlock()

	m.echoes[sessionID] = append(m.pruneEchoes(sessionID, at), echo{key: key, messageID: messageID, at: at})
}

func (m *Merger) takeEcho(sessionID, key string) (string, bool) {
	m.echoMu.Lock()
	defer m.echoMu.Unlock()

	live := m.pruneEchoes(sessionID, m.now())
	for i, e := range live {
		if e.key == key {
			m.echoes[sessionID] = append(live[:i], live[i+1:]...)
			return e.messageID, true
		}
	}

	m.echoes[sessionID] = live

	return "", false
}

func (m *Merger) pruneEchoes(sessionID string, now time.Time) []echo {
	list := m.echoes[sessionID]
	live := list[:0]

	for _, e := range list {
		if now.Sub(e.at) <= m.echoWindow {
			live = append(live, e)
		}
	}

	return live
}

// matchKey normalises role and text for optimistic matching. Keyboards
// and speech engines disagree on Unicode composition, so text is compared
// in NFC with surrounding whitespace ignored.
func matchKey(role Role, text string) string {
	return string(role) + "\x00" + norm.NFC.String(strings.TrimSpace(text))
}

func matchSending(sending []Message, key string) int {
	for i, msg := range sending {
		if matchKey(msg.Role, msg.Text) == key {
			return i
		}
	}

	return -1
}

func isTimestampDuplicate(byID map[string]Message, rec Incoming, key string) bool {
	if rec.Timestamp.IsZero() {
		return false
	}

	for _, msg := range byID {
		if msg.Status == StatusConfirmed && msg.ServerTimestamp.Equal(rec.Timestamp) && matchKey(msg.Role, msg.Text) == key {
			return true
		}
	}

	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	runes := []rune(s)

	return string(runes[:n])
}
