package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

const (
	keyDirPerm  = fs.FileMode(0o700)
	keyFilePerm = fs.FileMode(0o600)

	// peerIDLen is the number of hex characters in a peer id: the
	// truncated BLAKE2b digest of the public key. 16 hex chars (64 bits)
	// is plenty for a hand-curated trusted-key set while keeping ids
	// readable in logs and config files.
	peerIDLen = 16
)

// Identity is this node's ed25519 keypair plus the peer id derived from
// the public key.
type Identity struct {
	ID      string
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// PeerID derives a peer id from a public key: the truncated hex
// BLAKE2b-256 digest. Ids are derived, never chosen, so a peer cannot
// claim an arbitrary identity without the matching key.
func PeerID(pub ed25519.PublicKey) string {
	sum := blake2b.Sum256(pub)
	return hex.EncodeToString(sum[:])[:peerIDLen]
}

// Sign signs a message with the identity's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.private, message)
}

// Generate creates a fresh keypair and writes the private key (seed,
// hex-encoded) to path, refusing to overwrite an existing key.
func Generate(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key file %s already exists", path)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), keyDirPerm); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	encoded := hex.EncodeToString(priv.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(encoded), keyFilePerm); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}

	return &Identity{ID: PeerID(pub), Public: pub, private: priv}, nil
}

// LoadIdentity reads a hex-encoded ed25519 seed from path.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	seed, err := hex.DecodeString(trimmed(data))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file %s is not a hex-encoded ed25519 seed", path)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	return &Identity{ID: PeerID(pub), Public: pub, private: priv}, nil
}

func trimmed(data []byte) string {
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}

	return s
}
