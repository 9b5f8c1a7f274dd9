// Package replica mirrors server-owned session state on the client and
// merges server deliveries into it.
//
// The server is the source of truth. The client keeps a bounded recent
// window per session, plus optimistic records created for prompts it has
// sent but the server has not yet echoed back.
package replica

import "time"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus distinguishes optimistic records from confirmed ones.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusConfirmed MessageStatus = "confirmed"
)

// Message is one local conversation record. While Status is sending, ID is
// a client-generated id; once confirmed it is the server id when the
// server provided one, and HasServerID is set. Seq is the local arrival
// order and breaks ties between records with the same sort time.
type Message struct {
	ID              string        `json:"id" yaml:"id"`
	HasServerID     bool          `json:"has_server_id" yaml:"has_server_id"`
	SessionID       string        `json:"session_id" yaml:"session_id"`
	Role            Role          `json:"role" yaml:"role"`
	Text            string        `json:"text" yaml:"text"`
	ServerTimestamp time.Time     `json:"server_timestamp,omitzero" yaml:"server_timestamp,omitempty"`
	LocalTimestamp  time.Time     `json:"local_timestamp" yaml:"local_timestamp"`
	Status          MessageStatus `json:"status" yaml:"status"`
	Seq             uint64        `json:"seq,omitempty" yaml:"seq,omitempty"`
}

// SortTime is the timestamp used to order messages: the server's when
// known, otherwise the local creation time.
func (m Message) SortTime() time.Time {
	if !m.ServerTimestamp.IsZero() {
		return m.ServerTimestamp
	}

	return m.LocalTimestamp
}

// Session is the local view of one backend session.
type Session struct {
	ID               string    `json:"id" yaml:"id"`
	Name             string    `json:"name,omitempty" yaml:"name,omitempty"`
	WorkingDirectory string    `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	LastModified     time.Time `json:"last_modified,omitzero" yaml:"last_modified,omitempty"`
	MessageCount     int       `json:"message_count" yaml:"message_count"`
	Preview          string    `json:"preview,omitempty" yaml:"preview,omitempty"`
	UnreadCount      int       `json:"unread_count" yaml:"unread_count"`
	HistoryComplete  bool      `json:"history_complete" yaml:"history_complete"`
	OldestMessageID  string    `json:"oldest_message_id,omitempty" yaml:"oldest_message_id,omitempty"`
}

// Store persists the replica. Implementations must be safe for concurrent
// use; the engine writes from one goroutine but readers may be elsewhere.
type Store interface {
	UpsertSession(s Session) error
	Session(id string) (Session, bool, error)
	Sessions() ([]Session, error)

	// UpsertMessage inserts or replaces a message keyed by ID.
	UpsertMessage(m Message) error
	DeleteMessage(sessionID, id string) error
	// Messages returns a session's messages, oldest first.
	Messages(sessionID string) ([]Message, error)
	// NewestMessageID returns the newest server-assigned message id, or
	// "" when the session has none. Used as the delta sync watermark.
	NewestMessageID(sessionID string) (string, error)
	// Prune removes the oldest messages beyond keep and reports how many
	// were removed.
	Prune(sessionID string, keep int) (int, error)
}

// ActiveSession reports which session the user is looking at. Empty means
// none.
type ActiveSession interface {
	ActiveSessionID() string
}

// ActiveSessionFunc adapts a function to ActiveSession.
type ActiveSessionFunc func() string

// ActiveSessionID calls f.
func (f ActiveSessionFunc) ActiveSessionID() string { return f() }
