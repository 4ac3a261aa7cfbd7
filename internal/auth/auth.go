package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	clierrors "github.com/alexjbarnes/clipsync/internal/errors"
	"github.com/alexjbarnes/clipsync/internal/keys"
)

const nonceSize = 32

// Conn abstracts the WebSocket connection so the handshake can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// challengeMsg opens the handshake from each side: the sender's claimed
// id and a fresh nonce the other side must sign.
type challengeMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Nonce string `json:"nonce"`
}

// proofMsg answers a challenge: a signature over (nonce, challenger id)
// verifiable under the sender's claimed public key.
type proofMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Signature string `json:"sig"`
}

// PeerIdentity is the authenticated identity of a remote peer.
type PeerIdentity struct {
	ID     string
	Public ed25519.PublicKey
}

// Gate performs mutual challenge-response authentication against the
// trusted-key ring. Both sides run the identical exchange, so neither
// accepts sync traffic from a peer it has not verified itself.
type Gate struct {
	identity *keys.Identity
	ring     *keys.Ring
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGate creates a gate for the local identity and key ring.
func NewGate(identity *keys.Identity, ring *keys.Ring, timeout time.Duration, logger *slog.Logger) *Gate {
	return &Gate{identity: identity, ring: ring, timeout: timeout, logger: logger}
}

// proofMessage is the byte string a peer signs: the challenger's nonce
// concatenated with the challenger's advertised id. Binding the
// challenger id into the signature stops a proof from being replayed
// against a different node.
func proofMessage(nonce []byte, challengerID string) []byte {
	msg := make([]byte, 0, len(nonce)+len(challengerID))
	msg = append(msg, nonce...)
	msg = append(msg, challengerID...)

	return msg
}

// Handshake runs the mutual exchange on a fresh connection. Negative
// results are never cached: every connection, including reconnects,
// re-authenticates from scratch.
func (g *Gate) Handshake(ctx context.Context, conn Conn) (PeerIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return PeerIdentity{}, fmt.Errorf("generating nonce: %w", err)
	}

	// Both sides send their challenge first, then answer the one they
	// received. Writes before reads on both ends, so the exchange cannot
	// deadlock.
	challenge := challengeMsg{Type: "challenge", ID: g.identity.ID, Nonce: hex.EncodeToString(nonce)}
	if err := g.writeJSON(ctx, conn, challenge); err != nil {
		return PeerIdentity{}, err
	}

	var theirs challengeMsg
	if err := g.readJSON(ctx, conn, &theirs); err != nil {
		return PeerIdentity{}, err
	}

	if theirs.Type != "challenge" || theirs.ID == "" {
		return PeerIdentity{}, clierrors.ErrSignatureInvalid
	}

	theirNonce, err := hex.DecodeString(theirs.Nonce)
	if err != nil || len(theirNonce) != nonceSize {
		return PeerIdentity{}, clierrors.ErrSignatureInvalid
	}

	sig := g.identity.Sign(proofMessage(theirNonce, theirs.ID))

	proof := proofMsg{Type: "proof", ID: g.identity.ID, Signature: hex.EncodeToString(sig)}
	if err := g.writeJSON(ctx, conn, proof); err != nil {
		return PeerIdentity{}, err
	}

	var theirProof proofMsg
	if err := g.readJSON(ctx, conn, &theirProof); err != nil {
		return PeerIdentity{}, err
	}

	if theirProof.Type != "proof" || theirProof.ID != theirs.ID {
		return PeerIdentity{}, clierrors.ErrSignatureInvalid
	}

	pub, err := g.ring.Lookup(theirs.ID)
	if err != nil {
		return PeerIdentity{}, err
	}

	theirSig, err := hex.DecodeString(theirProof.Signature)
	if err != nil {
		return PeerIdentity{}, clierrors.ErrSignatureInvalid
	}

	if !ed25519.Verify(pub, proofMessage(nonce, g.identity.ID), theirSig) {
		return PeerIdentity{}, clierrors.ErrSignatureInvalid
	}

	g.logger.Debug("peer authenticated", slog.String("peer", theirs.ID))

	return PeerIdentity{ID: theirs.ID, Public: pub}, nil
}

func (g *Gate) writeJSON(ctx context.Context, conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling handshake message: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return g.classify(ctx, fmt.Errorf("writing handshake message: %w", err))
	}

	return nil
}

func (g *Gate) readJSON(ctx context.Context, conn Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return g.classify(ctx, fmt.Errorf("reading handshake message: %w", err))
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding handshake message: %w", err)
	}

	return nil
}

// classify maps handshake deadline expiry onto the auth error taxonomy.
func (g *Gate) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return clierrors.ErrAuthTimeout
	}

	return err
}
