package replica

import (
	"cmp"
	"slices"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string]map[string]Message
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		messages: make(map[string]map[string]Message),
	}
}

func (s *MemoryStore) UpsertSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess

	return nil
}

func (s *MemoryStore) Session(id string) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]

	return sess, ok, nil
}

func (s *MemoryStore) Sessions() ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}

	SortSessions(out)

	return out, nil
}

func (s *MemoryStore) UpsertMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.messages[m.SessionID]
	if !ok {
		msgs = make(map[string]Message)
		s.messages[m.SessionID] = msgs
	}

	msgs[m.ID] = m

	return nil
}

func (s *MemoryStore) DeleteMessage(sessionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages[sessionID], id)

	return nil
}

func (s *MemoryStore) Messages(sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedLocked(sessionID), nil
}

func (s *MemoryStore) NewestMessageID(sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return NewestServerID(s.sortedLocked(sessionID)), nil
}

func (s *MemoryStore) Prune(sessionID string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := s.sortedLocked(sessionID)
	excess := len(sorted) - keep
	if keep < 0 || excess <= 0 {
		return 0, nil
	}

	for _, m := range sorted[:excess] {
		delete(s.messages[sessionID], m.ID)
	}

	return excess, nil
}

func (s *MemoryStore) sortedLocked(sessionID string) []Message {
	msgs := s.messages[sessionID]

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
	}

	SortMessages(out)

	return out
}

// SortMessages orders messages oldest first. Equal sort times fall back
// to arrival order, then to id so the order is stable across stores.
func SortMessages(msgs []Message) {
	slices.SortFunc(msgs, func(a, b Message) int {
		if c := a.SortTime().Compare(b.SortTime()); c != 0 {
			return c
		}

		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})
}

// SortSessions orders sessions newest first.
func SortSessions(sessions []Session) {
	slices.SortFunc(sessions, func(a, b Session) int {
		if c := b.LastModified.Compare(a.LastModified); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})
}

// NewestServerID returns the id of the last message carrying a server id
// in an oldest-first slice.
func NewestServerID(sorted []Message) string {
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].HasServerID {
			return sorted[i].ID
		}
	}

	return ""
}
