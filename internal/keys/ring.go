package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	clierrors "github.com/alexjbarnes/clipsync/internal/errors"
)

// ringFile is the on-disk authorized-keys format:
//
//	peers:
//	  a1b2c3d4e5f60718: 9f2a... (hex ed25519 public key)
type ringFile struct {
	Peers map[string]string `yaml:"peers"`
}

// Ring is the trusted-key set: peer id to ed25519 public key. Lookups
// that fail for any reason report ErrUnknownKey without detail, so a
// probing peer cannot distinguish absent from malformed entries.
type Ring struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// LoadRing reads the authorized-keys file at path. A missing file yields
// an empty ring (the node runs, but rejects every peer until keys are
// added and picked up by Watch).
func LoadRing(path string, logger *slog.Logger) (*Ring, error) {
	r := &Ring{path: path, logger: logger, keys: make(map[string]ed25519.PublicKey)}

	if err := r.reload(); err != nil {
		if os.IsNotExist(err) {
			logger.Warn("authorized keys file missing, all peers will be rejected",
				slog.String("path", path))
			return r, nil
		}

		return nil, err
	}

	return r, nil
}

// Lookup returns the public key for a peer id.
func (r *Ring) Lookup(peerID string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[peerID]
	if !ok {
		return nil, clierrors.ErrUnknownKey
	}

	return key, nil
}

// Len returns the number of trusted keys.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.keys)
}

func (r *Ring) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}

	var rf ringFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parsing authorized keys: %w", err)
	}

	keys := make(map[string]ed25519.PublicKey, len(rf.Peers))

	for id, encoded := range rf.Peers {
		pub, err := hex.DecodeString(encoded)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			r.logger.Warn("skipping malformed authorized key", slog.String("peer", id))
			continue
		}

		key := ed25519.PublicKey(pub)

		// Ids are derived from keys. An entry whose id does not match
		// its key would let a key masquerade under another peer's id.
		if derived := PeerID(key); derived != id {
			r.logger.Warn("authorized key id does not match its key",
				slog.String("peer", id),
				slog.String("derived", derived),
			)

			continue
		}

		keys[id] = key
	}

	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()

	return nil
}

// Watch reloads the ring when the authorized-keys file changes. Editors
// typically replace files via rename, so the parent directory is watched
// and events are filtered to the ring path. Blocks until the context is
// cancelled.
func (r *Ring) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	r.logger.Info("watching authorized keys", slog.String("path", r.path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if event.Name != r.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if err := r.reload(); err != nil {
					r.logger.Warn("reloading authorized keys", slog.String("error", err.Error()))
					continue
				}

				r.logger.Info("authorized keys reloaded", slog.Int("peers", r.Len()))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			r.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}
