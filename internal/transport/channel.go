package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/coder/websocket"

	clierrors "github.com/alexjbarnes/clipsync/internal/errors"
)

const (
	// chunkSize bounds a single binary frame. Large clipboard payloads
	// (images, file lists) are split and reassembled at the far end.
	chunkSize = 256 * 1024

	// sendQueueSize bounds the outbound queue while disconnected.
	// Overflow drops the oldest queued payload: degraded delivery, not
	// failure.
	sendQueueSize = 64

	// readLimit bounds a single inbound websocket frame: one chunk plus
	// header headroom.
	readLimit = chunkSize + 64*1024

	reconnectMin        = 1 * time.Second
	reconnectMax        = 60 * time.Second
	reconnectMultiplier = 2

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	inboundChanSize = 16
)

// Conn abstracts the WebSocket connection so the channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// DialFunc establishes an authenticated connection to the peer. It is
// called for the initial connection and again on every reconnect, so
// each connection re-authenticates.
type DialFunc func(ctx context.Context) (Conn, error)

// EventKind classifies channel lifecycle events reported to the engine.
type EventKind int

const (
	// EventConnected fires after a successful (re)connect.
	EventConnected EventKind = iota
	// EventDisconnected fires on connection loss, before reconnecting.
	EventDisconnected
	// EventBackpressure fires when the outbound queue overflowed and the
	// oldest payload was dropped.
	EventBackpressure
	// EventPayloadDropped fires when an inbound payload was discarded
	// (abandoned reassembly or hash mismatch).
	EventPayloadDropped
)

// Event is a channel lifecycle notification.
type Event struct {
	Peer string
	Kind EventKind
	Err  error
}

// Inbound is a fully reassembled payload received from a peer.
type Inbound struct {
	Peer    string
	Payload []byte
}

// readResult carries one frame from the reader goroutine to the loop.
type readResult struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Channel is the reliable, ordered byte-stream abstraction for one
// authenticated peer pair. It owns reconnection, chunking, reassembly,
// and outbound queueing; the engine only sees whole payloads and
// lifecycle events.
//
// Architecture mirrors the engine: a reader goroutine feeds readCh, and
// a single loop goroutine (Run) owns all writes, so no write mutex is
// needed.
type Channel struct {
	peer   string
	dial   DialFunc
	logger *slog.Logger

	// inbound and events are shared with the engine; all channels fan
	// into the same engine loop.
	inbound chan<- Inbound
	events  chan<- Event

	sendQ chan []byte
	seq   uint64

	// unsent holds a payload whose write failed mid-connection. It is
	// written first on the next connection, ahead of anything queued
	// later, preserving per-peer send order across reconnects. Only the
	// connLoop goroutine touches it.
	unsent []byte
}

// NewChannel creates a channel for an authenticated peer. Payloads are
// delivered on inbound and lifecycle notifications on events; both are
// owned by the engine.
func NewChannel(peer string, dial DialFunc, inbound chan<- Inbound, events chan<- Event, logger *slog.Logger) *Channel {
	return &Channel{
		peer:    peer,
		dial:    dial,
		logger:  logger.With(slog.String("peer", peer)),
		inbound: inbound,
		events:  events,
		sendQ:   make(chan []byte, sendQueueSize),
	}
}

// Send queues a payload for delivery. Never blocks: when the queue is
// full the oldest payload is dropped and backpressure is signalled.
func (c *Channel) Send(payload []byte) {
	for {
		select {
		case c.sendQ <- payload:
			return
		default:
		}

		select {
		case dropped := <-c.sendQ:
			c.logger.Warn("send queue overflow, dropping oldest",
				slog.Int("dropped_bytes", len(dropped)),
			)
			c.emit(Event{Peer: c.peer, Kind: EventBackpressure, Err: clierrors.ErrSendQueueOverflow})
		default:
		}
	}
}

// ServeConn services a single accepted connection and returns when it
// drops. Used for inbound connections, where the dialing side owns
// reconnection.
func (c *Channel) ServeConn(ctx context.Context, conn Conn) error {
	c.emit(Event{Peer: c.peer, Kind: EventConnected})

	err := c.connLoop(ctx, conn)

	if ctx.Err() != nil {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return ctx.Err()
	}

	c.emit(Event{Peer: c.peer, Kind: EventDisconnected, Err: err})

	return err
}

// Run drives the channel until the context is cancelled (peer evicted or
// process shutdown). Connection loss triggers reconnection with
// exponential backoff; retries are unbounded in count but capped in
// interval. If initial is non-nil it is served before the first dial,
// for the case where authentication already produced a live connection.
func (c *Channel) Run(ctx context.Context, initial Conn) error {
	backoff := reconnectMin

	if initial != nil {
		c.emit(Event{Peer: c.peer, Kind: EventConnected})
		c.logger.Info("channel connected")

		err := c.connLoop(ctx, initial)

		if ctx.Err() != nil {
			initial.Close(websocket.StatusGoingAway, "shutting down")
			return ctx.Err()
		}

		c.emit(Event{Peer: c.peer, Kind: EventDisconnected, Err: err})
		c.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff*reconnectMultiplier, reconnectMax)
	}

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			c.logger.Warn("connect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}

			backoff = min(backoff*reconnectMultiplier, reconnectMax)

			continue
		}

		backoff = reconnectMin
		c.emit(Event{Peer: c.peer, Kind: EventConnected})
		c.logger.Info("channel connected")

		err = c.connLoop(ctx, conn)

		if ctx.Err() != nil {
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return ctx.Err()
		}

		c.emit(Event{Peer: c.peer, Kind: EventDisconnected, Err: err})
		c.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff*reconnectMultiplier, reconnectMax)
	}
}

// sleep waits for the backoff interval plus jitter, or until cancelled.
func (c *Channel) sleep(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// connLoop services one live connection: writes queued payloads as
// chunk pairs and reassembles inbound chunk pairs into payloads.
// Returns when the connection drops.
func (c *Channel) connLoop(ctx context.Context, conn Conn) error {
	conn.SetReadLimit(readLimit)

	if c.unsent != nil {
		payload := c.unsent
		c.unsent = nil

		if err := c.writePayload(ctx, conn, payload); err != nil {
			c.unsent = payload
			return fmt.Errorf("%w: %v", clierrors.ErrConnectionLost, err)
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readCh := make(chan readResult, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case readCh <- readResult{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	var (
		ra     reassembler
		header *chunkHeader
	)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return ctx.Err()

		case payload := <-c.sendQ:
			if err := c.writePayload(ctx, conn, payload); err != nil {
				// Connection is dead; hold the payload for the next
				// connection, ahead of anything queued since.
				c.unsent = payload
				return fmt.Errorf("%w: %v", clierrors.ErrConnectionLost, err)
			}

		case res := <-readCh:
			if res.err != nil {
				return fmt.Errorf("%w: %v", clierrors.ErrConnectionLost, res.err)
			}

			header = c.handleFrame(&ra, header, res)
		}
	}
}

// handleFrame advances the header/binary frame state machine. A text
// frame carries the next chunk header; the following binary frame
// carries its bytes.
func (c *Channel) handleFrame(ra *reassembler, pending *chunkHeader, res readResult) *chunkHeader {
	if res.typ == websocket.MessageText {
		h, err := decodeHeader(res.data)
		if err != nil {
			c.logger.Debug("discarding unparseable header frame", slog.String("error", err.Error()))
			return nil
		}

		return &h
	}

	if pending == nil {
		c.logger.Debug("discarding binary frame with no header", slog.Int("bytes", len(res.data)))
		return nil
	}

	payload, err := ra.add(*pending, res.data)
	if err != nil {
		if errors.Is(err, clierrors.ErrReassemblyAbandoned) {
			c.logger.Warn("reassembly abandoned", slog.String("error", err.Error()))
		} else {
			c.logger.Warn("inbound payload dropped", slog.String("error", err.Error()))
		}

		c.emit(Event{Peer: c.peer, Kind: EventPayloadDropped, Err: err})
	}

	if payload != nil {
		c.inbound <- Inbound{Peer: c.peer, Payload: payload}
	}

	return nil
}

// writePayload splits a payload into chunks and writes each as a header
// text frame followed by a binary frame.
func (c *Channel) writePayload(ctx context.Context, conn Conn, payload []byte) error {
	c.seq++
	headers, chunks := splitChunks(c.seq, payload)

	for i, h := range headers {
		data, err := encodeHeader(h)
		if err != nil {
			return err
		}

		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("writing chunk header: %w", err)
		}

		if err := conn.Write(ctx, websocket.MessageBinary, chunks[i]); err != nil {
			return fmt.Errorf("writing chunk: %w", err)
		}
	}

	return nil
}

// emit delivers an event without blocking the channel loop. The engine's
// event channel is buffered; a full buffer drops the notification
// rather than stalling transfer.
func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
