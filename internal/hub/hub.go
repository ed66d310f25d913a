// Package hub terminates browser WebSocket connections and fans build
// status out to them.
//
// The hub owns every WebSocketSession: sessions are created on upgrade,
// destroyed on close, and only ever mutated by their own pumps. The
// scheduler reaches sessions exclusively through Broadcast. User intents
// flowing the other way (mode changes, focus, editor requests) are
// converted to scheduler events, so both directions cross one typed
// queue.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/conneroisu/elm-watch-go/internal/config"
	"github.com/conneroisu/elm-watch-go/internal/logging"
	"github.com/conneroisu/elm-watch-go/internal/protocol"
	"github.com/conneroisu/elm-watch-go/internal/scheduler"
	"github.com/conneroisu/elm-watch-go/internal/timeline"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// Hub is the HTTP+WS server.
type Hub struct {
	cfg           *config.Config
	env           config.Env
	logger        logging.Logger
	ring          *timeline.Ring
	events        chan<- scheduler.Event
	persistedPath string

	listener net.Listener
	server   *http.Server
	port     uint16

	mu       sync.RWMutex
	sessions map[string]map[*session]bool
}

// Options wires a hub.
type Options struct {
	Config        *config.Config
	Env           config.Env
	Logger        logging.Logger
	Ring          *timeline.Ring
	Events        chan<- scheduler.Event
	PersistedPath string
}

// New creates a hub; Listen must be called before Serve.
func New(opts Options) *Hub {
	return &Hub{
		cfg:           opts.Config,
		env:           opts.Env,
		logger:        opts.Logger.WithComponent("hub"),
		ring:          opts.Ring,
		events:        opts.Events,
		persistedPath: opts.PersistedPath,
		sessions:      make(map[string]map[*session]bool),
	}
}

// Listen binds the server port following the ladder: a persisted port is
// used verbatim, then a configured port, then an OS-assigned one. Each
// rung has its own conflict error so the fix is obvious.
func (h *Hub) Listen(persistedPort uint16) error {
	switch {
	case persistedPort != 0:
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", persistedPort))
		if err != nil {
			return watcherr.NewNetwork(
				watcherr.CodePortConflictForPersistedPort,
				fmt.Sprintf(
					"port %d is taken, but %s insists on it; free the port or delete that file",
					persistedPort, h.persistedPath,
				),
				err,
			).WithPath(h.persistedPath)
		}
		h.listener = listener

	case h.cfg.Port != 0:
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", h.cfg.Port))
		if err != nil {
			return watcherr.NewNetwork(
				watcherr.CodePortConflictForPortFromConfig,
				fmt.Sprintf("port %d from %s is taken", h.cfg.Port, config.FileName),
				err,
			).WithPath(h.cfg.Path.String())
		}
		h.listener = listener

	default:
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return watcherr.NewNetwork(
				watcherr.CodePortConflictForNoPort, "could not get a port from the OS", err,
			)
		}
		h.listener = listener
	}

	h.port = uint16(h.listener.Addr().(*net.TCPAddr).Port)

	return nil
}

// Port returns the bound port; valid after Listen.
func (h *Hub) Port() uint16 {
	return h.port
}

// WsURL builds a client connection URL for a target.
func (h *Hub) WsURL(targetName string) string {
	return fmt.Sprintf(
		"ws://127.0.0.1:%d/?elmWatchVersion=%s&targetName=%s",
		h.port, protocol.Version, targetName,
	)
}

// Serve runs the HTTP server until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context) error {
	h.server = &http.Server{Handler: http.HandlerFunc(h.handle)}

	done := make(chan error, 1)
	go func() { done <- h.server.Serve(h.listener) }()

	select {
	case <-ctx.Done():
		_ = h.server.Close()
		<-done
		h.closeAllSessions()

		return nil

	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}

// handle answers plain GETs with the self-certification page and
// upgrades WebSocket requests.
func (h *Hub) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		h.servePage(w, r)
		return
	}

	h.upgrade(w, r)
}

