package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/clipsync/internal/auth"
	"github.com/alexjbarnes/clipsync/internal/clip"
	"github.com/alexjbarnes/clipsync/internal/config"
	"github.com/alexjbarnes/clipsync/internal/discovery"
	"github.com/alexjbarnes/clipsync/internal/engine"
	"github.com/alexjbarnes/clipsync/internal/keys"
	"github.com/alexjbarnes/clipsync/internal/logging"
	"github.com/alexjbarnes/clipsync/internal/state"
	"github.com/alexjbarnes/clipsync/internal/transport"
)

var Version = "dev"

func main() {
	// Handle gen-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "gen-key" {
		genKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// genKey creates this node's identity keypair and prints the
// authorized_keys.yaml entry other nodes need to trust it.
func genKey() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	identity, err := keys.Generate(cfg.KeyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("key written to %s\n", cfg.KeyFile)
	fmt.Printf("peer id: %s\n\n", identity.ID)
	fmt.Println("add this node to each peer's authorized keys file:")
	fmt.Println("peers:")
	fmt.Printf("  %s: %s\n", identity.ID, hex.EncodeToString(identity.Public))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	identity, err := keys.LoadIdentity(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("loading identity (run `clipsync gen-key` first): %w", err)
	}

	logger.Info("clipsync starting",
		slog.String("version", Version),
		slog.String("peer_id", identity.ID),
		slog.String("device", cfg.DeviceName),
		slog.String("listen", cfg.ListenAddr),
	)

	ring, err := keys.LoadRing(cfg.AuthorizedKeys, logger)
	if err != nil {
		return fmt.Errorf("loading authorized keys: %w", err)
	}

	st, err := state.LoadAt(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	clipboard, err := clip.NewSystem()
	if err != nil {
		return fmt.Errorf("probing clipboard: %w", err)
	}

	poller := clip.NewPoller(clipboard, cfg.PollInterval, logger)
	gate := auth.NewGate(identity, ring, cfg.AuthTimeout, logger)

	eng := engine.New(engine.Config{
		Identity:       identity,
		Gate:           gate,
		Store:          st,
		Applier:        poller,
		LocalChanges:   poller.Changes(),
		HistoryLimit:   cfg.HistoryLimit,
		AbsenceTimeout: cfg.AbsenceTimeout,
	}, logger)

	listener := transport.NewListener(cfg.ListenAddr, eng.HandleConn, logger)

	disc := discovery.New(identity.ID, cfg.ListenAddr, cfg.DiscoveryPort,
		cfg.AnnounceInterval, cfg.ParseStaticPeers(), eng.Tracked, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		return listener.Run(gctx)
	})

	g.Go(func() error {
		return poller.Run(gctx)
	})

	g.Go(func() error {
		return disc.Run(gctx)
	})

	g.Go(func() error {
		return ring.Watch(gctx)
	})

	// Surface engine events in the log until a real UI exists.
	events, unsubscribe := eng.Subscribe()
	defer unsubscribe()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()

			case ev := <-events:
				logEvent(logger, ev)
			}
		}
	})

	// Discovery observations become engine offers.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()

			case ev := <-disc.Events():
				eng.Offer(engine.PeerOffer{
					Addr:         ev.Addr,
					AdvertisedID: ev.AdvertisedID,
					Withdrawn:    ev.Withdrawn,
				})
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("clipsync stopped")

	return nil
}

func logEvent(logger *slog.Logger, ev engine.Event) {
	switch ev.Kind {
	case engine.LocalChangeApplied, engine.RemoteChangeApplied:
		logger.Debug("clipboard updated", slog.String("peer", ev.Peer))

	case engine.PeerAuthenticated:
		logger.Info("peer connected", slog.String("peer", ev.Peer))

	case engine.PeerLost:
		logger.Info("peer lost", slog.String("peer", ev.Peer))

	case engine.PeerRejected:
		logger.Warn("peer rejected",
			slog.String("peer", ev.Peer),
			slog.String("addr", ev.Addr),
			slog.String("error", errString(ev.Err)),
		)

	case engine.BackpressureSignalled:
		logger.Warn("send queue overflowing", slog.String("peer", ev.Peer))

	case engine.PayloadDropped:
		logger.Warn("payload dropped",
			slog.String("peer", ev.Peer),
			slog.String("error", errString(ev.Err)),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
