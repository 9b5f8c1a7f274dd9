package wire

import "time"

// Type is the value of the mandatory "type" discriminator carried by every
// record on the wire.
type Type string

// Outbound record types.
const (
	TypeConnect           Type = "connect"
	TypeSubscribe         Type = "subscribe"
	TypeUnsubscribe       Type = "unsubscribe"
	TypePrompt            Type = "prompt"
	TypePing              Type = "ping"
	TypeCompactSession    Type = "compact_session"
	TypeKillSession       Type = "kill_session"
	TypeSetMaxMessageSize Type = "set_max_message_size"
	TypeRefreshSessions   Type = "refresh_sessions"
	TypeExecuteCommand    Type = "execute_command"
)

// Inbound record types.
const (
	TypeHello              Type = "hello"
	TypeConnected          Type = "connected"
	TypeAuthError          Type = "auth_error"
	TypeSessionList        Type = "session_list"
	TypeSessionCreated     Type = "session_created"
	TypeSessionHistory     Type = "session_history"
	TypeSessionUpdated     Type = "session_updated"
	TypeSessionLocked      Type = "session_locked"
	TypeTurnComplete       Type = "turn_complete"
	TypeCompactionComplete Type = "compaction_complete"
	TypeCompactionError    Type = "compaction_error"
	TypeSessionKilled      Type = "session_killed"
	TypeResponse           Type = "response"
	TypeHeartbeat          Type = "heartbeat"
	TypePong               Type = "pong"
	TypeError              Type = "error"
	TypeAck                Type = "ack"
	TypeCommandStarted     Type = "command_started"
	TypeCommandError       Type = "command_error"
)

// Outbound messages.

// Connect carries credentials after the server's hello.
type Connect struct {
	Type                Type   `json:"type"`
	APIKey              string `json:"api_key"`
	SessionID           string `json:"session_id,omitempty"`
	RecentSessionsLimit int    `json:"recent_sessions_limit,omitempty"`
}

// Subscribe asks for a session's history. LastMessageID turns the
// request into a delta sync.
type Subscribe struct {
	Type          Type   `json:"type"`
	SessionID     string `json:"session_id"`
	LastMessageID string `json:"last_message_id,omitempty"`
}

// Unsubscribe stops notifications for a session.
type Unsubscribe struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
}

// Prompt sends user text to a session. Exactly one of SessionID (resume)
// or NewSessionID (create) is set.
type Prompt struct {
	Type             Type   `json:"type"`
	Text             string `json:"text"`
	SessionID        string `json:"session_id,omitempty"`
	NewSessionID     string `json:"new_session_id,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
}

// Ping is the client keepalive.
type Ping struct {
	Type Type `json:"type"`
}

// CompactSession asks the backend to compact a session's history.
type CompactSession struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
}

// KillSession stops whatever the backend is running for a session.
type KillSession struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
}

// SetMaxMessageSize caps the size of records the backend sends us.
type SetMaxMessageSize struct {
	Type   Type `json:"type"`
	SizeKB int  `json:"size_kb"`
}

// RefreshSessions requests a fresh session_list.
type RefreshSessions struct {
	Type                Type `json:"type"`
	RecentSessionsLimit int  `json:"recent_sessions_limit,omitempty"`
}

// ExecuteCommand starts a shell command on the backend.
type ExecuteCommand struct {
	Type             Type   `json:"type"`
	CommandID        string `json:"command_id"`
	ShellCommand     string `json:"shell_command"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// Inbound messages.

// Hello is the server greeting. AuthVersion is optional.
type Hello struct {
	AuthVersion int    `json:"auth_version,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Connected confirms authentication.
type Connected struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// AuthError rejects the credentials sent in Connect.
type AuthError struct {
	Message string `json:"message"`
}

// SessionInfo summarises one backend session.
type SessionInfo struct {
	SessionID        string    `json:"session_id"`
	Name             string    `json:"name,omitempty"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	LastModified     time.Time `json:"last_modified,omitzero"`
	MessageCount     int       `json:"message_count,omitempty"`
	Preview          string    `json:"preview,omitempty"`
}

// SessionList is the reply to connect and refresh_sessions.
type SessionList struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SessionCreated announces a new backend session.
type SessionCreated struct {
	Session SessionInfo `json:"session"`
}

// Record is one conversation entry inside a history or update batch.
type Record struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Kind      string    `json:"kind,omitempty"`
}

// SessionHistory is a full or partial history delivery.
type SessionHistory struct {
	SessionID       string   `json:"session_id"`
	Messages        []Record `json:"messages"`
	IsComplete      *bool    `json:"is_complete,omitempty"`
	OldestMessageID string   `json:"oldest_message_id,omitempty"`
	NewestMessageID string   `json:"newest_message_id,omitempty"`
	TotalCount      *int     `json:"total_count,omitempty"`
}

// SessionUpdated pushes new records for a subscribed session.
type SessionUpdated struct {
	SessionID string   `json:"session_id"`
	Messages  []Record `json:"messages"`
}

// SessionLocked confirms the backend is processing a session.
type SessionLocked struct {
	SessionID   string  `json:"session_id"`
	LockVersion *uint64 `json:"lock_version,omitempty"`
}

// TurnComplete marks the end of a prompt turn.
type TurnComplete struct {
	SessionID string `json:"session_id"`
}

// CompactionComplete reports a finished compaction.
type CompactionComplete struct {
	SessionID       string `json:"session_id"`
	OldMessageCount int    `json:"old_message_count,omitempty"`
	NewMessageCount int    `json:"new_message_count,omitempty"`
}

// CompactionError reports a failed compaction.
type CompactionError struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// SessionKilled confirms a kill_session.
type SessionKilled struct {
	SessionID string `json:"session_id"`
}

// Response is the final result of a prompt.
type Response struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Heartbeat is the server liveness pulse.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Pong acknowledges a ping.
type Pong struct{}

// Error is a generic failure, optionally scoped to a session.
type Error struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// Ack acknowledges a client record (used by upload consumers).
type Ack struct {
	Message  string `json:"message,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// CommandStarted confirms execute_command.
type CommandStarted struct {
	CommandID string `json:"command_id"`
}

// CommandError rejects execute_command.
type CommandError struct {
	CommandID string `json:"command_id"`
	Error     string `json:"error"`
}
