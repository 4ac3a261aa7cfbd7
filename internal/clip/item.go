package clip

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Stamp is a logical timestamp: a per-peer monotonically increasing
// counter paired with the peer id that produced it. Wall clocks across
// peers are not assumed synchronized, so stamps are the only causality
// and tie-break token in the system.
type Stamp struct {
	Peer    string `json:"peer"`
	Counter uint64 `json:"counter"`
}

// Compare orders two stamps. Returns >0 if a wins over b, <0 if b wins,
// 0 only when the stamps are identical. Higher counter wins; equal
// counters (two peers racing) break ties by peer id, lexicographically
// smaller id winning. Every node applies the same rule, so nodes that
// have seen the same items converge on the same winner without further
// communication.
func Compare(a, b Stamp) int {
	switch {
	case a.Counter > b.Counter:
		return 1
	case a.Counter < b.Counter:
		return -1
	}

	// Smaller peer id wins the race. strings.Compare(b, a) keeps the
	// sign convention: a wins (>0) when a.Peer sorts first.
	return strings.Compare(b.Peer, a.Peer)
}

// Item is a single clipboard state. Immutable once constructed; identity
// is the content hash, so two items with equal content are the same item
// regardless of origin.
type Item struct {
	Content []byte `json:"content"`
	Type    string `json:"type"`
	Hash    string `json:"hash"`
	Origin  string `json:"origin"`
	Stamp   Stamp  `json:"stamp"`
}

// ContentHash returns the hex BLAKE2b-256 digest of a payload.
func ContentHash(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NewItem constructs an immutable clipboard item, computing its hash.
func NewItem(content []byte, contentType, origin string, stamp Stamp) Item {
	return Item{
		Content: content,
		Type:    contentType,
		Hash:    ContentHash(content),
		Origin:  origin,
		Stamp:   stamp,
	}
}

// Zero reports whether the item is the empty value (no content ever set).
func (it Item) Zero() bool {
	return it.Hash == ""
}
