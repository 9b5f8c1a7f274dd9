package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/sessionlink/internal/replica"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.sessionlink/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket           = []byte("app")
	sessionsBucket      = []byte("sessions")
	subscriptionsBucket = []byte("subscriptions")
	pendingLocksBucket  = []byte("pending_locks")
	lastSessionKey      = []byte("last_session_id")
)

func messagesBucket(sessionID string) []byte {
	return []byte("messages:" + sessionID)
}

// State wraps a bbolt database holding the local replica and the
// engine's restart state. It implements replica.Store and
// link.Persistence.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.sessionlink/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, sessionsBucket, subscriptionsBucket, pendingLocksBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// DefaultPath returns ~/.sessionlink/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	return filepath.Join(dir, ".sessionlink", "state.db"), nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// UpsertSession persists session metadata keyed by id.
func (s *State) UpsertSession(sess replica.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return tx.Bucket(sessionsBucket).Put([]byte(sess.ID), data)
	})
}

// Session returns one session's metadata.
func (s *State) Session(id string) (replica.Session, bool, error) {
	var (
		sess  replica.Session
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, &sess)
	})

	return sess, found, err
}

// Sessions returns every known session, newest first.
func (s *State) Sessions() ([]replica.Session, error) {
	var out []replica.Session

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var sess replica.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}

			out = append(out, sess)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	replica.SortSessions(out)

	return out, nil
}

// UpsertMessage inserts or replaces a message. Each session's messages
// live in their own bucket, created on first write.
func (s *State) UpsertMessage(m replica.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(messagesBucket(m.SessionID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return b.Put([]byte(m.ID), data)
	})
}

// DeleteMessage removes a message. Missing messages are not an error.
func (s *State) DeleteMessage(sessionID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket(sessionID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(id))
	})
}

// Messages returns a session's messages, oldest first.
func (s *State) Messages(sessionID string) ([]replica.Message, error) {
	var out []replica.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = sortedMessages(tx, sessionID)

		return err
	})

	return out, err
}

// NewestMessageID returns the newest server-assigned id in a session.
func (s *State) NewestMessageID(sessionID string) (string, error) {
	msgs, err := s.Messages(sessionID)
	if err != nil {
		return "", err
	}

	return replica.NewestServerID(msgs), nil
}

// Prune keeps the newest keep messages of a session and deletes the rest.
func (s *State) Prune(sessionID string, keep int) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket(sessionID))
		if b == nil || keep < 0 {
			return nil
		}

		sorted, err := sortedMessages(tx, sessionID)
		if err != nil {
			return err
		}

		excess := len(sorted) - keep
		if excess <= 0 {
			return nil
		}

		for _, m := range sorted[:excess] {
			if err := b.Delete([]byte(m.ID)); err != nil {
				return err
			}
		}

		removed = excess

		return nil
	})

	return removed, err
}

func sortedMessages(tx *bolt.Tx, sessionID string) ([]replica.Message, error) {
	b := tx.Bucket(messagesBucket(sessionID))
	if b == nil {
		return nil, nil
	}

	out := make([]replica.Message, 0, b.Stats().KeyN)

	err := b.ForEach(func(_, v []byte) error {
		var m replica.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}

		out = append(out, m)

		return nil
	})
	if err != nil {
		return nil, err
	}

	replica.SortMessages(out)

	return out, nil
}

// Subscriptions returns the persisted subscription set in key order.
func (s *State) Subscriptions() ([]string, error) {
	return s.keys(subscriptionsBucket)
}

// SetSubscriptions replaces the persisted subscription set.
func (s *State) SetSubscriptions(ids []string) error {
	return s.replaceKeys(subscriptionsBucket, ids)
}

// PendingLocks returns the sessions whose locks were cleared by a
// disconnect and should be replayed.
func (s *State) PendingLocks() ([]string, error) {
	return s.keys(pendingLocksBucket)
}

// SetPendingLocks replaces the pending lock set.
func (s *State) SetPendingLocks(ids []string) error {
	return s.replaceKeys(pendingLocksBucket, ids)
}

// LastSessionID returns the session the backend last reported, or "".
func (s *State) LastSessionID() (string, error) {
	var id string

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(lastSessionKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id, err
}

// SetLastSessionID persists the last session id.
func (s *State) SetLastSessionID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(lastSessionKey, []byte(id))
	})
}

func (s *State) keys(bucket []byte) ([]string, error) {
	var out []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})

	return out, err
}

// replaceKeys swaps a set bucket's contents in one transaction.
func (s *State) replaceKeys(bucket []byte, ids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(bucket)
		if err != nil {
			return err
		}

		for _, id := range ids {
			if id == "" {
				continue
			}

			if err := b.Put([]byte(id), []byte{}); err != nil {
				return err
			}
		}

		return nil
	})
}

// Snapshot is a point-in-time copy of everything persisted.
type Snapshot struct {
	LastSessionID string                       `yaml:"last_session_id,omitempty"`
	Subscriptions []string                     `yaml:"subscriptions"`
	PendingLocks  []string                     `yaml:"pending_locks"`
	Sessions      []replica.Session            `yaml:"sessions"`
	Messages      map[string][]replica.Message `yaml:"messages"`
}

// Snapshot reads the whole database in one read transaction.
func (s *State) Snapshot() (Snapshot, error) {
	snap := Snapshot{Messages: make(map[string][]replica.Message)}

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(lastSessionKey); v != nil {
			snap.LastSessionID = string(v)
		}

		for _, set := range []struct {
			bucket []byte
			dst    *[]string
		}{
			{subscriptionsBucket, &snap.Subscriptions},
			{pendingLocksBucket, &snap.PendingLocks},
		} {
			err := tx.Bucket(set.bucket).ForEach(func(k, _ []byte) error {
				*set.dst = append(*set.dst, string(k))
				return nil
			})
			if err != nil {
				return err
			}
		}

		err := tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var sess replica.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}

			snap.Sessions = append(snap.Sessions, sess)

			return nil
		})
		if err != nil {
			return err
		}

		for _, sess := range snap.Sessions {
			msgs, err := sortedMessages(tx, sess.ID)
			if err != nil {
				return err
			}

			if len(msgs) > 0 {
				snap.Messages[sess.ID] = msgs
			}
		}

		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	replica.SortSessions(snap.Sessions)

	return snap, nil
}
