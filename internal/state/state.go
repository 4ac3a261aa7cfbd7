package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/clipsync/internal/clip"
	clierrors "github.com/alexjbarnes/clipsync/internal/errors"
	"github.com/alexjbarnes/clipsync/internal/history"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	nodeBucket    = []byte("node")
	historyBucket = []byte("history")
	peersBucket   = []byte("peers")

	syncStateKey = []byte("syncstate")
	counterKey   = []byte("counter")
)

// PeerRecord is the persisted subset of a peer's state. Authentication
// state is deliberately not stored: every connection re-authenticates.
type PeerRecord struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
}

// State wraps a bbolt database for all persistent node state: the
// canonical sync state, the local logical counter, clipboard history,
// and known peer records.
type State struct {
	db *bolt.DB
}

// LoadAt opens the state database at the given path, creating it if it
// does not exist. Corruption is surfaced as ErrStateCorrupt, distinct
// from runtime sync errors, because it is the one condition the daemon
// cannot recover from on its own.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", clierrors.ErrStateCorrupt, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{nodeBucket, historyBucket, peersBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing %s: %v", clierrors.ErrStateCorrupt, path, err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SyncState returns the persisted canonical item, or ok=false if none
// has ever been recorded.
func (s *State) SyncState() (clip.Item, bool, error) {
	var (
		item clip.Item
		ok   bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(nodeBucket).Get(syncStateKey)
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("%w: decoding sync state: %v", clierrors.ErrStateCorrupt, err)
		}

		ok = true

		return nil
	})

	return item, ok, err
}

// NextCounter atomically increments and returns the local logical
// counter. Persisting the increment before use keeps stamps monotonic
// across process restarts.
func (s *State) NextCounter() (uint64, error) {
	var next uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket)

		if v := b.Get(counterKey); len(v) == 8 {
			next = binary.BigEndian.Uint64(v)
		}

		next++

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)

		return b.Put(counterKey, buf)
	})

	return next, err
}

// Counter returns the current counter value without incrementing.
func (s *State) Counter() (uint64, error) {
	var current uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(nodeBucket).Get(counterKey); len(v) == 8 {
			current = binary.BigEndian.Uint64(v)
		}

		return nil
	})

	return current, err
}

// CommitCanonical persists a canonical transition: the new sync state
// and its history entry in a single transaction, trimming history to
// maxHistory. Every canonical transition produces exactly one history
// append, so the two writes always travel together.
func (s *State) CommitCanonical(item clip.Item, entry history.Entry, maxHistory int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		itemData, err := json.Marshal(item)
		if err != nil {
			return err
		}

		if err := tx.Bucket(nodeBucket).Put(syncStateKey, itemData); err != nil {
			return err
		}

		hb := tx.Bucket(historyBucket)

		seq, err := hb.NextSequence()
		if err != nil {
			return err
		}

		entryData, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		if err := hb.Put(key, entryData); err != nil {
			return err
		}

		return trimHistory(hb, maxHistory)
	})
}

// AppendHistory persists a history entry that did not change the
// canonical sync state (a superseded item recorded for inspection).
func (s *State) AppendHistory(entry history.Entry, maxHistory int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		hb := tx.Bucket(historyBucket)

		seq, err := hb.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		if err := hb.Put(key, data); err != nil {
			return err
		}

		return trimHistory(hb, maxHistory)
	})
}

// History returns persisted history entries, oldest first.
func (s *State) History() ([]history.Entry, error) {
	var entries []history.Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).ForEach(func(_, v []byte) error {
			var e history.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("%w: decoding history entry: %v", clierrors.ErrStateCorrupt, err)
			}

			entries = append(entries, e)

			return nil
		})
	})

	return entries, err
}

// SavePeer persists a peer record.
func (s *State) SavePeer(rec PeerRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(peersBucket).Put([]byte(rec.ID), data)
	})
}

// DeletePeer removes a peer record.
func (s *State) DeletePeer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Delete([]byte(id))
	})
}

// AllPeers returns all persisted peer records.
func (s *State) AllPeers() ([]PeerRecord, error) {
	var peers []PeerRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(_, v []byte) error {
			var rec PeerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: decoding peer record: %v", clierrors.ErrStateCorrupt, err)
			}

			peers = append(peers, rec)

			return nil
		})
	})

	return peers, err
}

// trimHistory deletes oldest entries until at most maxEntries remain.
// Bolt iterates keys in byte order and the keys are big-endian
// sequence numbers, so iteration order is insertion order.
func trimHistory(b *bolt.Bucket, maxEntries int) error {
	count := 0

	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}

	// Deleting through the cursor keeps iteration valid; Bucket.Delete
	// during iteration would make the cursor skip keys.
	for k, _ := c.First(); k != nil && count > maxEntries; k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}

		count--
	}

	return nil
}
