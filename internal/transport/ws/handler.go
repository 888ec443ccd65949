package ws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/amerkoleci/rbfx/internal/telemetry"
)

// AcceptFunc takes ownership of a freshly upgraded connection. It may block;
// the HTTP handler returns once it does and the connection has closed.
type AcceptFunc func(ctx context.Context, conn *Conn)

type HandlerConfig struct {
	Logger     telemetry.Logger
	QueueDepth int
}

// Handler upgrades HTTP requests to replication connections.
type Handler struct {
	accept   AcceptFunc
	logger   telemetry.Logger
	depth    int
	upgrader websocket.Upgrader
}

func NewHandler(accept AcceptFunc, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return &Handler{
		accept:   accept,
		logger:   logger,
		depth:    cfg.QueueDepth,
		upgrader: upgrader,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[ws] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	conn := newConn(ws, h.depth, h.logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-conn.Done()
		cancel()
	}()
	if h.accept != nil {
		h.accept(ctx, conn)
	}
	<-conn.Done()
}

type DialConfig struct {
	Logger     telemetry.Logger
	QueueDepth int
}

// Dial opens a replication connection to a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, cfg DialConfig) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(ws, cfg.QueueDepth, cfg.Logger), nil
}
