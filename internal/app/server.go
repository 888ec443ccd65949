// Package app wires configuration, logging, metrics and transports into the
// replicad server and client.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/amerkoleci/rbfx/internal/config"
	"github.com/amerkoleci/rbfx/internal/logging"
	"github.com/amerkoleci/rbfx/internal/logging/sinks"
	"github.com/amerkoleci/rbfx/internal/prefab"
	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/server"
	"github.com/amerkoleci/rbfx/internal/session"
	"github.com/amerkoleci/rbfx/internal/telemetry"
	"github.com/amerkoleci/rbfx/internal/transport/quic"
)

const metricsNamespace = "replica"

// Options carries process-level collaborators.
type Options struct {
	Logger telemetry.Logger
	Stdout io.Writer
	// Ready, when set, receives the bound HTTP address once the server
	// accepts connections.
	Ready func(httpAddr net.Addr)
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = telemetry.WrapLogger(log.Default())
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	return o
}

// ambient holds the logging router and metrics shared by server and client.
type ambient struct {
	logger  telemetry.Logger
	router  *logging.Router
	events  *sinks.MemorySink
	metrics *telemetry.Prometheus
}

func newAmbient(cfg config.Config, opts Options, role string) (*ambient, error) {
	logCfg := cfg.Logging.Router()
	logCfg.Fields = map[string]any{"role": role}
	named, memory, err := sinks.Build(logCfg, opts.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to construct log sinks: %w", err)
	}
	if memory == nil {
		memory = sinks.NewMemorySink(256)
		named = append(named, logging.NamedSink{Name: logging.SinkMemory, Sink: memory})
	}
	return &ambient{
		logger:  opts.Logger,
		router:  logging.NewRouter(nil, logCfg, named),
		events:  memory,
		metrics: telemetry.NewPrometheus(metricsNamespace),
	}, nil
}

func (a *ambient) deps() session.Deps {
	return session.Deps{Logger: a.logger, Metrics: a.metrics, Publisher: a.router}
}

func (a *ambient) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.router.Close(ctx); err != nil {
		a.logger.Printf("failed to close logging router: %v", err)
	}
}

// LoadLibrary reads the prefab definitions named by cfg.
func LoadLibrary(cfg config.Config) (*prefab.Library, error) {
	lib, err := prefab.LoadFile(cfg.Prefabs, prefab.DefaultFactory())
	if err != nil {
		return nil, fmt.Errorf("load prefabs: %w", err)
	}
	return lib, nil
}

// RunServer serves replication until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.Config, opts Options) error {
	opts = opts.withDefaults()
	amb, err := newAmbient(cfg, opts, "server")
	if err != nil {
		return err
	}
	defer amb.close()
	logger := amb.logger

	library, err := LoadLibrary(cfg)
	if err != nil {
		return err
	}

	hub := server.NewHub(library, server.Config{
		TickRate:        cfg.Server.TickRate,
		CatchupMaxTicks: cfg.Server.CatchupMaxTicks,
		MaxDatagramSize: cfg.Server.MaxDatagramSize,
		InboxCapacity:   cfg.Server.InboxCapacity,
		Avatar:          replica.PrefabRef(cfg.Server.Avatar),
	}, amb.deps())
	demo := cfg.Server.Demo
	if err := hub.StartDemo(server.DemoConfig{
		Marker: replica.PrefabRef(demo.Marker),
		Prefab: replica.PrefabRef(demo.Prefab),
		Count:  demo.Count,
		Radius: demo.Radius,
		Speed:  demo.Speed,
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := server.NewLoop(hub, server.LoopConfig{
		TickRate:        cfg.Server.TickRate,
		CatchupMaxTicks: cfg.Server.CatchupMaxTicks,
	}, server.LoopHooks{})
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	errs := make(chan error, 2)

	if cfg.Server.QUICAddr != "" {
		ln, err := quic.Listen(quic.ListenConfig{
			Addr:       cfg.Server.QUICAddr,
			QueueDepth: cfg.Server.QueueDepth,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer ln.Close()
		logger.Printf("quic listening on %s", ln.Addr())
		go func() {
			errs <- ln.Serve(ctx, func(ctx context.Context, conn *quic.Conn) {
				hub.Connect(ctx, conn)
			})
		}()
	}

	handler := NewHTTPHandler(hub, HTTPHandlerConfig{
		Logger:   logger,
		Metrics:  amb.metrics,
		Router:   amb.router,
		Events:   amb.events,
		TickRate: cfg.Server.TickRate,
	})
	listener, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.HTTPAddr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	logger.Printf("server listening on %s", listener.Addr())
	if opts.Ready != nil {
		opts.Ready(listener.Addr())
	}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("server failed: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	<-loopDone
	return runErr
}
