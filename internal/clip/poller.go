package clip

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Change is a detected local clipboard change.
type Change struct {
	Content []byte
	Type    string
}

// Poller watches the system clipboard for changes at a bounded interval
// and reports them on Changes. Writes applied through Apply are
// remembered so the next poll does not echo a remotely applied item back
// as a local change.
type Poller struct {
	clipboard Clipboard
	interval  time.Duration
	logger    *slog.Logger

	changes chan Change

	// lastHash is the hash of the most recent content observed or
	// applied. Guarded by mu because Apply is called from the engine
	// while the poll loop runs.
	mu       sync.Mutex
	lastHash string
}

// NewPoller creates a poller over the given clipboard.
func NewPoller(clipboard Clipboard, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		clipboard: clipboard,
		interval:  interval,
		logger:    logger,
		changes:   make(chan Change, 1),
	}
}

// Changes returns the channel on which detected changes are delivered.
// The channel has capacity one; if a change is not consumed before the
// next poll detects another, the newer content replaces polling output
// naturally on the following tick.
func (p *Poller) Changes() <-chan Change {
	return p.changes
}

// Apply writes content to the system clipboard on behalf of the engine
// and suppresses the resulting self-observation.
func (p *Poller) Apply(ctx context.Context, content []byte) error {
	p.mu.Lock()
	p.lastHash = ContentHash(content)
	p.mu.Unlock()

	return p.clipboard.Write(ctx, content)
}

// Run polls until the context is cancelled. The initial clipboard
// content is treated as already-seen, not a change.
func (p *Poller) Run(ctx context.Context) error {
	if initial, err := p.clipboard.Read(ctx); err == nil {
		p.mu.Lock()
		p.lastHash = ContentHash(initial)
		p.mu.Unlock()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	content, err := p.clipboard.Read(ctx)
	if err != nil {
		p.logger.Debug("clipboard read failed", slog.String("error", err.Error()))
		return
	}

	if len(content) == 0 {
		return
	}

	hash := ContentHash(content)

	p.mu.Lock()
	changed := hash != p.lastHash
	if changed {
		p.lastHash = hash
	}
	p.mu.Unlock()

	if !changed {
		return
	}

	change := Change{Content: content, Type: "text/plain"}

	select {
	case p.changes <- change:
	default:
		// Engine is behind; drop the older queued change in favor of
		// the current clipboard content.
		select {
		case <-p.changes:
		default:
		}
		p.changes <- change
	}
}
