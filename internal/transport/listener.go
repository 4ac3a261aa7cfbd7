package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const shutdownTimeout = 10 * time.Second

// AcceptHandler receives each accepted websocket connection. The handler
// owns the connection's lifetime; the listener only upgrades and hands
// off.
type AcceptHandler func(ctx context.Context, conn Conn, remoteAddr string)

// Listener accepts inbound peer connections. Peers dial each other
// directly; this is the accepting half of a peer pair.
type Listener struct {
	addr    string
	handler AcceptHandler
	logger  *slog.Logger
}

// NewListener creates a listener on addr.
func NewListener(addr string, handler AcceptHandler, logger *slog.Logger) *Listener {
	return &Listener{addr: addr, handler: handler, logger: logger}
}

// Run serves until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			l.logger.Debug("websocket accept failed",
				slog.String("remote", r.RemoteAddr),
				slog.String("error", err.Error()),
			)

			return
		}

		l.handler(ctx, conn, r.RemoteAddr)
	})

	server := &http.Server{
		Addr:        l.addr,
		Handler:     mux,
		ReadTimeout: 0, // websocket connections are long-lived
		IdleTimeout: 0,
	}

	l.logger.Info("sync listener started", slog.String("addr", l.addr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		server.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("sync listener error: %w", err)
	}

	return nil
}

// Dial opens a websocket connection to a peer's sync endpoint.
func Dial(ctx context.Context, addr string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/sync", nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	return conn, nil
}
