// Package store persists the relay's client-local state: the offline
// message queue, pending message edits, and crash-safety backup copies.
// Everything lives in a single bbolt database so queued traffic
// survives process restarts.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	queueBucket = []byte("offline_message_queue")
	editsBucket = []byte("pending_message_edits")

	lastDrainKey = []byte("last_drain_attempt")
)

func backupBucket(msgType string) []byte {
	return []byte("backup:" + msgType)
}

// QueuedMessage is a message that could not be transmitted and is
// waiting for the connection (and backend) to come back.
type QueuedMessage struct {
	ClientID    string          `json:"clientId"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  int64           `json:"enqueuedAt"`
	Attempts    int             `json:"attempts"`
	LastAttempt int64           `json:"lastAttempt,omitempty"`
}

// PendingEdit is the most recent unsynced edit for a message. A newer
// edit to the same message supersedes the stored one.
type PendingEdit struct {
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Attempts  int    `json:"attempts"`
}

// Store wraps a bbolt database holding all persistent relay state.
type Store struct {
	db *bolt.DB
}

// Load opens the state database at the default path, creating it if it
// does not exist.
func Load() (*Store, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(editsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendQueued appends a message to the tail of the offline queue.
// Keys are the bucket's monotonic sequence, so iteration order is the
// enqueue order.
func (s *Store) AppendQueued(m QueuedMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(queueBucket)
		if err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return b.Put(seqKey(seq), data)
	})
}

// QueuedMessages returns all queued messages in FIFO order.
func (s *Store) QueuedMessages() ([]QueuedMessage, error) {
	var out []QueuedMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var m QueuedMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			out = append(out, m)

			return nil
		})
	})

	return out, err
}

// QueueLen returns the number of queued messages.
func (s *Store) QueueLen() (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}

		count = b.Stats().KeyN

		return nil
	})

	return count, err
}

// DrainSnapshot atomically reads every queued message in FIFO order and
// removes the queue record entirely. The caller owns the snapshot;
// entries that fail to transmit must be re-appended. Deleting the whole
// bucket (rather than marking it empty) avoids stale partial state on
// restart.
func (s *Store) DrainSnapshot() ([]QueuedMessage, error) {
	var out []QueuedMessage

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}

		err := b.ForEach(func(_, v []byte) error {
			var m QueuedMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			out = append(out, m)

			return nil
		})
		if err != nil {
			return err
		}

		return tx.DeleteBucket(queueBucket)
	})

	return out, err
}

// RemoveQueuedByClientID deletes the queued message with the given
// clientId, if present. Used when a server confirmation arrives for a
// message that is still sitting in the queue.
func (s *Store) RemoveQueuedByClientID(clientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}

		var key []byte

		err := b.ForEach(func(k, v []byte) error {
			var m QueuedMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			if m.ClientID == clientID {
				key = append([]byte(nil), k...)
			}

			return nil
		})
		if err != nil {
			return err
		}

		if key == nil {
			return nil
		}

		return b.Delete(key)
	})
}

// RemoveQueuedByContent deletes the oldest queued message whose frame
// content matches, for confirmations that arrive without a clientId
// echo. Only the local user's messages are ever queued, so content
// equality is the content+sender rule.
func (s *Store) RemoveQueuedByContent(content string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}

		var key []byte

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if gjson.GetBytes(v, "payload.content").Str == content {
				key = append([]byte(nil), k...)
				break
			}
		}

		if key == nil {
			return nil
		}

		return b.Delete(key)
	})
}

// SaveBackup stores a crash-safety copy of an outgoing message, keyed
// by message type then clientId. Written before any transmission
// attempt so a send the process dies during is still recoverable.
func (s *Store) SaveBackup(m QueuedMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(backupBucket(m.Type))
		if err != nil {
			return err
		}

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return b.Put([]byte(m.ClientID), data)
	})
}

// DeleteBackup removes the backup copy for a confirmed message.
func (s *Store) DeleteBackup(msgType, clientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(backupBucket(msgType))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(clientID))
	})
}

// Backups returns all backup copies for a message type.
func (s *Store) Backups(msgType string) ([]QueuedMessage, error) {
	var out []QueuedMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(backupBucket(msgType))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var m QueuedMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			out = append(out, m)

			return nil
		})
	})

	return out, err
}

// PutPendingEdit stores the pending edit for a message, superseding any
// prior entry for the same messageId. There is never more than one
// pending edit per message.
func (s *Store) PutPendingEdit(e PendingEdit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return tx.Bucket(editsBucket).Put(seqKey(uint64(e.MessageID)), data)
	})
}

// GetPendingEdit returns the pending edit for a message, or nil.
func (s *Store) GetPendingEdit(messageID int64) (*PendingEdit, error) {
	var e *PendingEdit

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(editsBucket).Get(seqKey(uint64(messageID)))
		if v == nil {
			return nil
		}

		e = &PendingEdit{}

		return json.Unmarshal(v, e)
	})

	return e, err
}

// DeletePendingEdit removes the pending edit for a message.
func (s *Store) DeletePendingEdit(messageID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(editsBucket).Delete(seqKey(uint64(messageID)))
	})
}

// AllPendingEdits returns every pending edit, ordered by messageId.
func (s *Store) AllPendingEdits() ([]PendingEdit, error) {
	var out []PendingEdit

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(editsBucket).ForEach(func(_, v []byte) error {
			var e PendingEdit
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			out = append(out, e)

			return nil
		})
	})

	return out, err
}

// IncrementEditAttempts bumps the attempt counter for a message's
// pending edit inside a single transaction, re-reading current state
// so interleaved writers cannot lose updates. The claim is the
// submission timestamp the caller's retry chain owns: when the stored
// edit carries a different one, a newer edit superseded it and the
// counter is left alone. Returns the updated edit, or nil if no edit
// with the claimed timestamp is pending.
func (s *Store) IncrementEditAttempts(messageID, claim int64) (*PendingEdit, error) {
	var e *PendingEdit

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(editsBucket)

		v := b.Get(seqKey(uint64(messageID)))
		if v == nil {
			return nil
		}

		e = &PendingEdit{}
		if err := json.Unmarshal(v, e); err != nil {
			e = nil
			return err
		}

		if e.Timestamp != claim {
			e = nil
			return nil
		}

		e.Attempts++

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put(seqKey(uint64(messageID)), data)
	})

	return e, err
}

// SetLastDrainAttempt records when a drain was last attempted, for UI
// feedback on manual sync.
func (s *Store) SetLastDrainAttempt(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(lastDrainKey, seqKey(uint64(t.UnixMilli())))
	})
}

// LastDrainAttempt returns the recorded drain timestamp, or the zero
// time if no drain has been attempted.
func (s *Store) LastDrainAttempt() time.Time {
	var ts time.Time

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(lastDrainKey)
		if len(v) == 8 {
			ts = time.UnixMilli(int64(binary.BigEndian.Uint64(v)))
		}

		return nil
	})

	return ts
}

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)

	return k
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing the queue database
		// into the current directory with wrong permissions.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".teamdesk-relay", "state.db")
}
