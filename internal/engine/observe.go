package engine

import (
	"context"
	"slices"

	"github.com/alexjbarnes/clipsync/internal/clip"
	"github.com/alexjbarnes/clipsync/internal/history"
)

// The observer surface. Everything here reads a snapshot the loop
// refreshes after each transition, so callers never race the loop and
// never see a half-applied state.

// Current returns the canonical clipboard item, or a zero item if
// nothing has been observed yet.
func (e *Engine) Current() clip.Item {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()

	return e.snapshot.current
}

// History returns the accepted-item history, newest first.
func (e *Engine) History() []history.Entry {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()

	return slices.Clone(e.snapshot.history)
}

// Peers returns the known peers and their authentication state.
func (e *Engine) Peers() []PeerInfo {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()

	return slices.Clone(e.snapshot.peers)
}

// Tracked reports whether addr belongs to a peer with a live or pending
// channel. Discovery uses it to avoid re-offering candidates.
func (e *Engine) Tracked(addr string) bool {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()

	for _, p := range e.snapshot.peers {
		if p.Addr == addr && (p.State == Authenticated || p.State == Authenticating) {
			return true
		}
	}

	return false
}

// Offer submits a connection candidate to the engine. Non-blocking; the
// offer channel is buffered and discovery re-announces periodically, so
// a dropped offer only delays the connection by one interval.
func (e *Engine) Offer(offer PeerOffer) {
	select {
	case e.offers <- offer:
	default:
	}
}

// Restore re-injects a history entry as a new local change and writes
// it to the system clipboard. Returns ErrNotInHistory if the hash is
// not retained.
func (e *Engine) Restore(ctx context.Context, hash string) error {
	req := request{restoreHash: hash, reply: make(chan error, 1)}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers for engine events. The returned cancel function
// releases the subscription. Delivery is best-effort: a subscriber that
// stops draining loses events rather than stalling the loop.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	id := e.nextSub
	e.nextSub++

	ch := make(chan Event, subscriberSize)
	e.subs[id] = ch

	cancel := func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()

		delete(e.subs, id)
	}

	return ch, cancel
}

func (e *Engine) emit(ev Event) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// refreshSnapshot publishes the loop's state for observers. Called by
// the loop only.
func (e *Engine) refreshSnapshot() {
	peers := make([]PeerInfo, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, PeerInfo{
			ID:       p.id,
			Addr:     p.addr,
			State:    p.state,
			LastSeen: p.lastSeen,
		})
	}

	slices.SortFunc(peers, func(a, b PeerInfo) int {
		if a.ID < b.ID {
			return -1
		}

		if a.ID > b.ID {
			return 1
		}

		return 0
	})

	e.snapMu.Lock()
	defer e.snapMu.Unlock()

	e.snapshot = snapshot{
		current: e.current,
		history: e.hist.List(),
		peers:   peers,
	}
}
