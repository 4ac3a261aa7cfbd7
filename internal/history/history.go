package history

import (
	"time"

	"github.com/alexjbarnes/clipsync/internal/clip"
	clierrors "github.com/alexjbarnes/clipsync/internal/errors"
)

// Entry records one accepted clipboard state. AcceptedOver lists the
// content hashes this item superseded when it won conflict resolution,
// preserving the relationship for user inspection and undo.
type Entry struct {
	Item         clip.Item `json:"item"`
	AcceptedAt   time.Time `json:"accepted_at"`
	AcceptedOver []string  `json:"accepted_over,omitempty"`
}

// Store is a bounded, append-only log of accepted clipboard states.
// Eviction is strict FIFO. Not safe for concurrent use: the engine's
// event loop is the only writer, and reads go through the engine's
// snapshot path.
type Store struct {
	capacity int
	entries  []Entry
}

// NewStore creates a history store with the given capacity.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}

	return &Store{capacity: capacity}
}

// Append records an accepted item. If the newest existing entry has the
// same content hash, the append is suppressed (exact-duplicate
// suppression) and the superseded hashes are merged into the existing
// entry instead. Returns true if a new entry was created.
func (s *Store) Append(item clip.Item, acceptedOver []string) bool {
	if n := len(s.entries); n > 0 && s.entries[n-1].Item.Hash == item.Hash {
		s.entries[n-1].AcceptedOver = mergeHashes(s.entries[n-1].AcceptedOver, acceptedOver)
		return false
	}

	s.entries = append(s.entries, Entry{
		Item:         item,
		AcceptedAt:   time.Now(),
		AcceptedOver: acceptedOver,
	})

	if len(s.entries) > s.capacity {
		// FIFO eviction, oldest first. Copy down rather than reslice so
		// evicted items become collectable.
		n := copy(s.entries, s.entries[len(s.entries)-s.capacity:])
		s.entries = s.entries[:n]
	}

	return true
}

// List returns entries most recent first.
func (s *Store) List() []Entry {
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[len(out)-1-i] = e
	}

	return out
}

// Find returns the most recent entry whose item has the given hash.
func (s *Store) Find(hash string) (Entry, error) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Item.Hash == hash {
			return s.entries[i], nil
		}
	}

	return Entry{}, clierrors.ErrNotInHistory
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// Rehydrate replaces the store contents from persisted entries, oldest
// first, trimming to capacity.
func (s *Store) Rehydrate(entries []Entry) {
	if len(entries) > s.capacity {
		entries = entries[len(entries)-s.capacity:]
	}

	s.entries = append([]Entry(nil), entries...)
}

func mergeHashes(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, h := range existing {
		seen[h] = struct{}{}
	}

	for _, h := range extra {
		if _, dup := seen[h]; !dup {
			existing = append(existing, h)
			seen[h] = struct{}{}
		}
	}

	return existing
}
