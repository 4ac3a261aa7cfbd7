package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/clipsync/internal/auth"
	"github.com/alexjbarnes/clipsync/internal/clip"
	clierrors "github.com/alexjbarnes/clipsync/internal/errors"
	"github.com/alexjbarnes/clipsync/internal/history"
	"github.com/alexjbarnes/clipsync/internal/keys"
	"github.com/alexjbarnes/clipsync/internal/state"
	"github.com/alexjbarnes/clipsync/internal/transport"
)

const (
	// sweepInterval is how often silent peers are checked against the
	// absence timeout.
	sweepInterval = time.Minute

	chanEventSize  = 32
	inboundSize    = 32
	authResultSize = 8
	subscriberSize = 16
)

// AuthState tracks a peer's position in the authentication lifecycle.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticating
	Authenticated
	Rejected
)

func (s AuthState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// EventKind classifies engine notifications to subscribers (the UI/CLI
// collaborator).
type EventKind int

const (
	LocalChangeApplied EventKind = iota
	RemoteChangeApplied
	PeerAuthenticated
	PeerLost
	PeerRejected
	BackpressureSignalled
	PayloadDropped
)

// Event is a notification emitted to subscribers. Peer is the peer id
// when known; Addr identifies candidates that failed before an identity
// was established.
type Event struct {
	Kind EventKind
	Peer string
	Addr string
	Item clip.Item
	Err  error
}

// PeerInfo is an observer-safe copy of a peer record.
type PeerInfo struct {
	ID       string
	Addr     string
	State    AuthState
	LastSeen time.Time
}

// peerEntry is the engine-owned record for one peer. The engine holds
// the only reference; channels report upward through the shared event
// channels rather than calling back into the engine.
type peerEntry struct {
	id       string
	addr     string
	state    AuthState
	lastSeen time.Time
	channel  *transport.Channel
	cancel   context.CancelFunc
	active   bool
}

// Applier writes accepted remote content to the local system clipboard,
// suppressing the poller's echo of that write.
type Applier interface {
	Apply(ctx context.Context, content []byte) error
}

// authResult reports the outcome of a connect/handshake attempt into
// the event loop.
type authResult struct {
	addr    string
	ident   auth.PeerIdentity
	conn    transport.Conn
	inbound bool
	err     error
}

// request is a control operation submitted from outside the loop.
type request struct {
	restoreHash string
	reply       chan error
}

// Config carries the engine's collaborators and tuning.
type Config struct {
	Identity       *keys.Identity
	Gate           *auth.Gate
	Store          *state.State
	Applier        Applier
	LocalChanges   <-chan clip.Change
	HistoryLimit   int
	AbsenceTimeout time.Duration
}

// Engine owns the canonical clipboard state, the peer table, and the
// history log. All mutation happens on a single event-loop goroutine
// (Run); everything else communicates through channels. That loop is the
// sole mutual-exclusion boundary: conflict resolution is never evaluated
// concurrently for two candidate items.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	hist *history.Store

	inbound     chan transport.Inbound
	chanEvents  chan transport.Event
	offers      chan PeerOffer
	authResults chan authResult
	requests    chan request

	// Loop-owned state. Only the Run goroutine touches these.
	peers   map[string]*peerEntry
	current clip.Item
	counter uint64
	runCtx  context.Context

	// snapshot is refreshed by the loop after every transition and read
	// by observers; they see a consistent state, never a partial update.
	snapMu   sync.RWMutex
	snapshot snapshot

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// PeerOffer is a connection candidate surfaced by discovery or the
// static peer list. The engine decides whether to act on it.
type PeerOffer struct {
	Addr         string
	AdvertisedID string
	Withdrawn    bool
}

type snapshot struct {
	current clip.Item
	history []history.Entry
	peers   []PeerInfo
}

// New creates an engine. Discovery events are attached via Discovered.
func New(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		hist:        history.NewStore(cfg.HistoryLimit),
		inbound:     make(chan transport.Inbound, inboundSize),
		chanEvents:  make(chan transport.Event, chanEventSize),
		offers:      make(chan PeerOffer, chanEventSize),
		authResults: make(chan authResult, authResultSize),
		requests:    make(chan request),
		peers:       make(map[string]*peerEntry),
		subs:        make(map[int]chan Event),
	}
}

// Run restores persisted state and drives the event loop until the
// context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(); err != nil {
		return err
	}

	e.runCtx = ctx

	// Kick off reconnect attempts for peers remembered from the last
	// run; discovery will re-offer anything it still sees.
	for _, p := range e.peers {
		if p.addr != "" {
			p.state = Authenticating
			go e.connect(ctx, p.addr, p.id)
		}
	}

	e.refreshSnapshot()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()

		case change := <-e.cfg.LocalChanges:
			e.onLocalChange(change.Content, change.Type)

		case in := <-e.inbound:
			e.onFrame(in)

		case ev := <-e.chanEvents:
			e.onChannelEvent(ev)

		case ev := <-e.offers:
			e.onOffer(ev)

		case res := <-e.authResults:
			e.onAuthResult(res)

		case req := <-e.requests:
			req.reply <- e.onRestore(req.restoreHash)

		case <-sweep.C:
			e.sweep()
		}

		e.refreshSnapshot()
	}
}

// restore loads the persisted sync state, counter, history, and peer
// records. Corruption here is fatal; it is the only unrecoverable
// condition in the design.
func (e *Engine) restore() error {
	item, ok, err := e.cfg.Store.SyncState()
	if err != nil {
		return fmt.Errorf("restoring sync state: %w", err)
	}

	if ok {
		e.current = item
	}

	counter, err := e.cfg.Store.Counter()
	if err != nil {
		return fmt.Errorf("restoring counter: %w", err)
	}

	e.counter = counter

	entries, err := e.cfg.Store.History()
	if err != nil {
		return fmt.Errorf("restoring history: %w", err)
	}

	e.hist.Rehydrate(entries)

	records, err := e.cfg.Store.AllPeers()
	if err != nil {
		return fmt.Errorf("restoring peers: %w", err)
	}

	for _, rec := range records {
		e.peers[rec.ID] = &peerEntry{
			id:       rec.ID,
			addr:     rec.Addr,
			state:    Unauthenticated,
			lastSeen: rec.LastSeen,
		}
	}

	e.logger.Info("state restored",
		slog.Bool("have_clipboard", ok),
		slog.Uint64("counter", counter),
		slog.Int("history", e.hist.Len()),
		slog.Int("peers", len(records)),
	)

	return nil
}

func (e *Engine) shutdown() {
	for _, p := range e.peers {
		if p.cancel != nil {
			p.cancel()
		}
	}
}

// --- local changes ---

// onLocalChange constructs a new item with a fresh stamp, promotes it to
// canonical immediately (optimistic local-wins), records history, and
// fans it out to every authenticated peer.
func (e *Engine) onLocalChange(content []byte, contentType string) {
	hash := clip.ContentHash(content)
	if hash == e.current.Hash {
		return // duplicate suppression
	}

	counter, err := e.cfg.Store.NextCounter()
	if err != nil {
		// Keep going on a persistence hiccup; monotonicity within this
		// process is preserved by the in-memory counter.
		e.logger.Warn("persisting counter", slog.String("error", err.Error()))
		counter = e.counter + 1
	}

	e.counter = counter

	item := clip.NewItem(content, contentType, e.cfg.Identity.ID, clip.Stamp{
		Peer:    e.cfg.Identity.ID,
		Counter: counter,
	})

	e.current = item
	e.commitCanonical(item, nil)
	e.broadcast(item)
	e.emit(Event{Kind: LocalChangeApplied, Peer: e.cfg.Identity.ID, Item: item})

	e.logger.Info("local change canonical",
		slog.String("hash", shortHash(item.Hash)),
		slog.Uint64("counter", counter),
	)
}

// --- inbound frames ---

func (e *Engine) onFrame(in transport.Inbound) {
	if p := e.peers[in.Peer]; p != nil {
		p.lastSeen = time.Now()
	}

	switch sniffType(in.Payload) {
	case msgAck:
		// Receipt already refreshed the peer's liveness; nothing else to do.
		return

	case msgChange:
		env, err := decodeEnvelope(in.Payload)
		if err != nil {
			e.dropPayload(in.Peer, err)
			return
		}

		e.onRemoteChange(in.Peer, env)

	default:
		e.logger.Debug("unexpected message type", slog.String("peer", in.Peer))
	}
}

// onRemoteChange applies conflict resolution for a remote item against
// the current canonical state.
func (e *Engine) onRemoteChange(from string, env envelope) {
	item := env.item()

	// The content hash must be independently verifiable; a mismatch
	// means corruption or tampering and the payload is dropped.
	if item.Hash != env.Hash {
		e.dropPayload(from, fmt.Errorf("%w: payload hashes to %s, envelope claims %s",
			clierrors.ErrHashMismatch, shortHash(item.Hash), shortHash(env.Hash)))

		return
	}

	if env.Peer == e.cfg.Identity.ID {
		// A remote node stamping items with our id means two nodes share
		// a key or id: a configuration fault, fatal to this pairing.
		e.rejectPeer(from, clierrors.ErrDuplicatePeerID)
		return
	}

	if item.Hash == e.current.Hash {
		e.ack(from, item.Hash)
		return // duplicate suppression: no history entry, no apply
	}

	if item.Stamp == e.current.Stamp {
		// Same stamp, different content: only possible if two peers
		// share an id. Never silently resolved.
		e.rejectPeer(from, clierrors.ErrDuplicatePeerID)
		return
	}

	if clip.Compare(item.Stamp, e.current.Stamp) > 0 {
		e.acceptRemote(from, item)
	} else {
		e.supersedeRemote(from, item)
	}
}

// acceptRemote makes a winning remote item canonical: applies it to the
// system clipboard, records history with the accepted-over relationship,
// and re-broadcasts so late joiners converge.
func (e *Engine) acceptRemote(from string, item clip.Item) {
	superseded := e.current

	if err := e.cfg.Applier.Apply(e.runCtx, item.Content); err != nil {
		// The clipboard write is an observable side effect, not part of
		// the consistency core; convergence proceeds regardless.
		e.logger.Warn("applying remote item to clipboard", slog.String("error", err.Error()))
	}

	var acceptedOver []string
	if !superseded.Zero() {
		acceptedOver = []string{superseded.Hash}
	}

	e.current = item
	e.commitCanonical(item, acceptedOver)
	e.ack(from, item.Hash)
	e.emit(Event{Kind: RemoteChangeApplied, Peer: from, Item: item})

	e.logger.Info("remote change canonical",
		slog.String("peer", from),
		slog.String("hash", shortHash(item.Hash)),
		slog.Uint64("counter", item.Stamp.Counter),
	)
}

// supersedeRemote records a losing remote item: it enters history marked
// superseded by the current canonical item (no data loss), and the
// sender receives our canonical item so both sides converge.
func (e *Engine) supersedeRemote(from string, item clip.Item) {
	entry := history.Entry{Item: item, AcceptedAt: time.Now()}
	if e.hist.Append(item, nil) {
		if err := e.cfg.Store.AppendHistory(entry, e.cfg.HistoryLimit); err != nil {
			e.logger.Warn("persisting history", slog.String("error", err.Error()))
		}
	}

	winner := history.Entry{Item: e.current, AcceptedAt: time.Now(), AcceptedOver: []string{item.Hash}}
	if e.hist.Append(e.current, []string{item.Hash}) {
		if err := e.cfg.Store.AppendHistory(winner, e.cfg.HistoryLimit); err != nil {
			e.logger.Warn("persisting history", slog.String("error", err.Error()))
		}
	}

	e.sendTo(from, changeEnvelope(e.current))

	e.logger.Debug("remote change superseded",
		slog.String("peer", from),
		slog.String("hash", shortHash(item.Hash)),
		slog.String("by", shortHash(e.current.Hash)),
	)
}

// commitCanonical persists a canonical transition and mirrors it into
// the in-memory history. Exactly one history append per transition.
func (e *Engine) commitCanonical(item clip.Item, acceptedOver []string) {
	e.hist.Append(item, acceptedOver)

	entry := history.Entry{Item: item, AcceptedAt: time.Now(), AcceptedOver: acceptedOver}
	if err := e.cfg.Store.CommitCanonical(item, entry, e.cfg.HistoryLimit); err != nil {
		e.logger.Warn("persisting canonical state", slog.String("error", err.Error()))
	}
}

// broadcast fans an item out to every authenticated peer. Per-channel
// failures are independent; a slow or dead peer never blocks the rest.
func (e *Engine) broadcast(item clip.Item) {
	data, err := encodeEnvelope(changeEnvelope(item))
	if err != nil {
		e.logger.Warn("encoding broadcast", slog.String("error", err.Error()))
		return
	}

	for _, p := range e.peers {
		if p.state == Authenticated && p.channel != nil {
			p.channel.Send(data)
		}
	}
}

func (e *Engine) sendTo(peerID string, env envelope) {
	p := e.peers[peerID]
	if p == nil || p.channel == nil {
		return
	}

	data, err := encodeEnvelope(env)
	if err != nil {
		e.logger.Warn("encoding envelope", slog.String("error", err.Error()))
		return
	}

	p.channel.Send(data)
}

func (e *Engine) ack(peerID, hash string) {
	e.sendTo(peerID, ackEnvelope(e.cfg.Identity.ID, hash))
}

func (e *Engine) dropPayload(peer string, err error) {
	e.logger.Warn("dropping payload",
		slog.String("peer", peer),
		slog.String("error", err.Error()),
	)
	e.emit(Event{Kind: PayloadDropped, Peer: peer, Err: err})
}

// --- peer lifecycle ---

func (e *Engine) onChannelEvent(ev transport.Event) {
	p := e.peers[ev.Peer]
	if p == nil {
		return
	}

	switch ev.Kind {
	case transport.EventConnected:
		p.state = Authenticated
		p.active = true
		p.lastSeen = time.Now()
		e.persistPeer(p)
		e.emit(Event{Kind: PeerAuthenticated, Peer: p.id})

		// Initial sync: a (re)connected peer learns our canonical item
		// immediately instead of waiting for the next local change.
		if !e.current.Zero() {
			e.sendTo(p.id, changeEnvelope(e.current))
		}

	case transport.EventDisconnected:
		p.active = false
		if p.state == Authenticated {
			p.state = Unauthenticated // re-auth required after channel loss
		}

		e.emit(Event{Kind: PeerLost, Peer: p.id, Err: ev.Err})

	case transport.EventBackpressure:
		e.emit(Event{Kind: BackpressureSignalled, Peer: ev.Peer, Err: ev.Err})

	case transport.EventPayloadDropped:
		e.emit(Event{Kind: PayloadDropped, Peer: ev.Peer, Err: ev.Err})
	}
}

func (e *Engine) onOffer(ev PeerOffer) {
	if ev.Withdrawn {
		// Withdrawal never evicts directly; a peer with an active channel
		// stays until the absence timeout says otherwise.
		e.logger.Debug("peer withdrew advertisement", slog.String("peer", ev.AdvertisedID))
		return
	}

	if ev.AdvertisedID == e.cfg.Identity.ID {
		return
	}

	if ev.AdvertisedID != "" {
		if p := e.peers[ev.AdvertisedID]; p != nil {
			p.lastSeen = time.Now()

			if p.active || p.state == Authenticating {
				return
			}

			p.state = Authenticating
			p.addr = ev.Addr
			go e.connect(e.runCtx, ev.Addr, ev.AdvertisedID)

			return
		}

		e.peers[ev.AdvertisedID] = &peerEntry{
			id:       ev.AdvertisedID,
			addr:     ev.Addr,
			state:    Authenticating,
			lastSeen: time.Now(),
		}
	} else {
		// Static entry with no advertised id; skip if any tracked peer
		// already claims the address.
		for _, p := range e.peers {
			if p.addr == ev.Addr && (p.active || p.state == Authenticating) {
				return
			}
		}
	}

	go e.connect(e.runCtx, ev.Addr, ev.AdvertisedID)
}

// connect dials a candidate and runs the handshake, reporting the
// outcome into the loop. Runs outside the loop so a slow candidate never
// stalls conflict resolution.
func (e *Engine) connect(ctx context.Context, addr, expectID string) {
	conn, ident, err := e.dialAndAuth(ctx, addr, expectID)

	select {
	case e.authResults <- authResult{addr: addr, ident: ident, conn: conn, err: err}:
	case <-ctx.Done():
		if conn != nil {
			conn.Close(4000, "shutting down")
		}
	}
}

// dialAndAuth is also the channel's reconnect dial: every reconnect
// re-authenticates and must land on the same peer identity.
func (e *Engine) dialAndAuth(ctx context.Context, addr, expectID string) (transport.Conn, auth.PeerIdentity, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, auth.PeerIdentity{}, err
	}

	ident, err := e.cfg.Gate.Handshake(ctx, conn)
	if err != nil {
		conn.Close(4001, "authentication failed")
		return nil, auth.PeerIdentity{}, err
	}

	if expectID != "" && ident.ID != expectID {
		conn.Close(4001, "unexpected peer identity")
		return nil, auth.PeerIdentity{}, fmt.Errorf("%w: peer at %s identifies as %s, expected %s",
			clierrors.ErrSignatureInvalid, addr, ident.ID, expectID)
	}

	return conn, ident, nil
}

// HandleConn is the accept-side entry point, called by the transport
// listener for each inbound connection. The handshake runs here, off
// the event loop; registration happens on the loop.
func (e *Engine) HandleConn(ctx context.Context, conn transport.Conn, remoteAddr string) {
	ident, err := e.cfg.Gate.Handshake(ctx, conn)
	if err != nil {
		e.logger.Debug("inbound handshake failed",
			slog.String("remote", remoteAddr),
			slog.String("error", err.Error()),
		)
		conn.Close(4001, "authentication failed")

		return
	}

	select {
	case e.authResults <- authResult{addr: remoteAddr, ident: ident, conn: conn, inbound: true}:
	case <-ctx.Done():
		conn.Close(4000, "shutting down")
	}
}

func (e *Engine) onAuthResult(res authResult) {
	if res.err != nil {
		e.onAuthFailure(res)
		return
	}

	id := res.ident.ID

	if id == e.cfg.Identity.ID {
		// Dialled ourselves via a static entry; drop quietly.
		res.conn.Close(4000, "self connection")
		return
	}

	p := e.peers[id]
	if p != nil && p.active {
		// Simultaneous connect: one live channel per pair is enough.
		e.logger.Debug("duplicate channel rejected", slog.String("peer", id))
		res.conn.Close(4000, "duplicate channel")

		return
	}

	if p == nil {
		p = &peerEntry{id: id}
		e.peers[id] = p
	}

	if p.cancel != nil {
		p.cancel() // stop any previous channel's reconnect loop
	}

	if !res.inbound {
		p.addr = res.addr
	}

	p.state = Authenticated
	p.lastSeen = time.Now()

	chanCtx, cancel := context.WithCancel(e.runCtx)
	p.cancel = cancel

	ch := e.newChannel(id, p.addr, res.inbound)
	p.channel = ch

	if res.inbound {
		go ch.ServeConn(chanCtx, res.conn) //nolint:errcheck // lifecycle reported via events
	} else {
		go ch.Run(chanCtx, res.conn) //nolint:errcheck // lifecycle reported via events
	}

	e.persistPeer(p)
}

func (e *Engine) newChannel(id, addr string, inbound bool) *transport.Channel {
	var dial transport.DialFunc

	if !inbound {
		dial = func(ctx context.Context) (transport.Conn, error) {
			conn, _, err := e.dialAndAuth(ctx, addr, id)
			return conn, err
		}
	}

	return transport.NewChannel(id, dial, e.inbound, e.chanEvents, e.logger)
}

func (e *Engine) onAuthFailure(res authResult) {
	authFailure := errors.Is(res.err, clierrors.ErrUnknownKey) ||
		errors.Is(res.err, clierrors.ErrSignatureInvalid) ||
		errors.Is(res.err, clierrors.ErrAuthTimeout)

	var peerID string

	for id, p := range e.peers {
		if p.addr == res.addr && p.state == Authenticating {
			if authFailure {
				p.state = Rejected
			} else {
				p.state = Unauthenticated
			}

			peerID = id
		}
	}

	if authFailure {
		e.logger.Warn("peer authentication failed",
			slog.String("addr", res.addr),
			slog.String("error", res.err.Error()),
		)
		e.emit(Event{Kind: PeerRejected, Peer: peerID, Addr: res.addr, Err: res.err})

		return
	}

	// Plain dial failures are routine on a LAN; the candidate returns to
	// the discovery pool.
	e.logger.Debug("connect failed",
		slog.String("addr", res.addr),
		slog.String("error", res.err.Error()),
	)
}

// rejectPeer tears down a pairing that hit a configuration fault.
func (e *Engine) rejectPeer(id string, err error) {
	p := e.peers[id]
	if p == nil {
		return
	}

	if p.cancel != nil {
		p.cancel()
	}

	p.state = Rejected
	p.active = false
	p.channel = nil

	e.logger.Error("peer pairing rejected",
		slog.String("peer", id),
		slog.String("error", err.Error()),
	)
	e.emit(Event{Kind: PeerRejected, Peer: id, Err: err})
}

// sweep evicts peers that have produced no advertisement and no channel
// activity within the absence timeout, cancelling their reconnect loops.
func (e *Engine) sweep() {
	cutoff := time.Now().Add(-e.cfg.AbsenceTimeout)

	for id, p := range e.peers {
		if p.active || p.lastSeen.After(cutoff) {
			continue
		}

		if p.cancel != nil {
			p.cancel()
		}

		delete(e.peers, id)

		if err := e.cfg.Store.DeletePeer(id); err != nil {
			e.logger.Warn("deleting peer record", slog.String("error", err.Error()))
		}

		e.logger.Info("peer evicted", slog.String("peer", id))
		e.emit(Event{Kind: PeerLost, Peer: id})
	}
}

func (e *Engine) persistPeer(p *peerEntry) {
	if err := e.cfg.Store.SavePeer(state.PeerRecord{ID: p.id, Addr: p.addr, LastSeen: p.lastSeen}); err != nil {
		e.logger.Warn("persisting peer record", slog.String("error", err.Error()))
	}
}

// --- restore ---

// onRestore re-injects a historical item as a new local change with a
// fresh stamp, preserving counter monotonicity, and writes it to the
// system clipboard.
func (e *Engine) onRestore(hash string) error {
	entry, err := e.hist.Find(hash)
	if err != nil {
		return err
	}

	if err := e.cfg.Applier.Apply(e.runCtx, entry.Item.Content); err != nil {
		return fmt.Errorf("applying restored item: %w", err)
	}

	e.onLocalChange(entry.Item.Content, entry.Item.Type)

	return nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}

	return hash
}
