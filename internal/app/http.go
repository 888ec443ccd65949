package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/amerkoleci/rbfx/internal/logging"
	"github.com/amerkoleci/rbfx/internal/logging/sinks"
	"github.com/amerkoleci/rbfx/internal/server"
	"github.com/amerkoleci/rbfx/internal/telemetry"
	"github.com/amerkoleci/rbfx/internal/transport/ws"
)

type HTTPHandlerConfig struct {
	Logger   telemetry.Logger
	Metrics  *telemetry.Prometheus
	Router   *logging.Router
	Events   *sinks.MemorySink
	TickRate int
}

type diagnostics struct {
	Status     string               `json:"status"`
	ServerTime int64                `json:"serverTime"`
	Session    string               `json:"session"`
	Frame      uint32               `json:"frame"`
	TickRate   int                  `json:"tickRate"`
	Objects    int                  `json:"objects"`
	Peers      []server.PeerInfo    `json:"peers"`
	LastFrame  any                  `json:"lastFrame,omitempty"`
	Telemetry  map[string]uint64    `json:"telemetry,omitempty"`
	Logging    *logging.RouterStats `json:"logging,omitempty"`
	Events     []logging.Event      `json:"recentEvents,omitempty"`
}

// NewHTTPHandler serves health, diagnostics, metrics and the websocket
// endpoint for hub.
func NewHTTPHandler(hub *server.Hub, cfg HTTPHandlerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		payload := diagnostics{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Session:    hub.Replicator().Session().String(),
			Frame:      uint32(hub.Frame()),
			TickRate:   cfg.TickRate,
			Objects:    hub.Registry().Len(),
			Peers:      hub.Peers(),
		}
		if stats, ok := hub.LastStats(); ok {
			payload.LastFrame = stats
		}
		if cfg.Metrics != nil {
			payload.Telemetry = cfg.Metrics.Snapshot()
		}
		if cfg.Router != nil {
			stats := cfg.Router.Stats()
			payload.Logging = &stats
		}
		if cfg.Events != nil {
			events := cfg.Events.Events()
			if len(events) > 50 {
				events = events[len(events)-50:]
			}
			payload.Events = events
		}

		data, err := json.Marshal(payload)
		if err != nil {
			logger.Printf("[http] failed to encode diagnostics: %v", err)
			http.Error(w, "failed to encode", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}

	mux.Handle("/ws", ws.NewHandler(func(ctx context.Context, conn *ws.Conn) {
		hub.Connect(ctx, conn)
	}, ws.HandlerConfig{Logger: logger}))

	return mux
}
