package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerkoleci/rbfx/internal/config"
	"github.com/amerkoleci/rbfx/internal/logging"
	"github.com/amerkoleci/rbfx/internal/logging/sinks"
	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/server"
	"github.com/amerkoleci/rbfx/internal/session"
	"github.com/amerkoleci/rbfx/internal/telemetry"
)

const prefabsPath = "../../configs/prefabs.yaml"

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Prefabs = prefabsPath
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.QUICAddr = ""
	cfg.Server.TickRate = 60
	cfg.Client.ReportInterval = 50 * time.Millisecond
	cfg.Logging.Sinks = []string{"memory"}
	return cfg
}

func quietOptions() Options {
	return Options{Logger: telemetry.LoggerFunc(nil), Stdout: io.Discard}
}

func TestHTTPHandlerEndpoints(t *testing.T) {
	library, err := LoadLibrary(testConfig())
	require.NoError(t, err)

	metrics := telemetry.NewPrometheus(metricsNamespace)
	events := sinks.NewMemorySink(16)
	router := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{{Name: "memory", Sink: events}})
	t.Cleanup(func() { _ = router.Close(context.Background()) })

	hub := server.NewHub(library, server.Config{TickRate: 30, Avatar: "avatar"}, session.Deps{Metrics: metrics, Publisher: router})
	require.NoError(t, hub.StartDemo(server.DemoConfig{Marker: "marker", Prefab: "crate", Count: 2, Radius: 1, Speed: 1}))
	hub.Step(context.Background(), 1.0/30)

	srv := httptest.NewServer(NewHTTPHandler(hub, HTTPHandlerConfig{
		Metrics:  metrics,
		Router:   router,
		Events:   events,
		TickRate: 30,
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/diagnostics")
	require.NoError(t, err)
	var diag struct {
		Status   string `json:"status"`
		Session  string `json:"session"`
		Frame    uint32 `json:"frame"`
		TickRate int    `json:"tickRate"`
		Objects  int    `json:"objects"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&diag))
	resp.Body.Close()
	assert.Equal(t, "ok", diag.Status)
	assert.Equal(t, hub.Replicator().Session().String(), diag.Session)
	assert.Equal(t, uint32(1), diag.Frame)
	assert.Equal(t, 30, diag.TickRate)
	assert.Equal(t, 3, diag.Objects)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "replica_"), "expected replica metrics, got %q", body)
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	cfg := testConfig()
	cfg.Client.URL = "tcp://127.0.0.1:1"
	_, err := Dial(context.Background(), cfg.Client, quietOptions())
	require.Error(t, err)
}

func TestServerAndClientOverWebSocket(t *testing.T) {
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan net.Addr, 1)
	opts := quietOptions()
	opts.Ready = func(addr net.Addr) { ready <- addr }

	serverDone := make(chan error, 1)
	go func() { serverDone <- RunServer(ctx, cfg, opts) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-serverDone:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start")
	}

	cfg.Client.URL = "ws://" + addr.String() + "/ws"
	var mu sync.Mutex
	var latest ClientReport
	clientDone := make(chan error, 1)
	go func() {
		clientDone <- RunClient(ctx, cfg, quietOptions(), func(r ClientReport) {
			mu.Lock()
			latest = r
			mu.Unlock()
		})
	}()

	// Arena marker, demo movers and the client's own avatar.
	want := 1 + cfg.Server.Demo.Count + 1
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest.Objects == want && latest.Owned == 1 && latest.Broken == 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.NotEqual(t, replica.PeerID(0), latest.Peer)
	assert.NotZero(t, latest.LatestFrame)
	assert.Zero(t, latest.Desyncs)
	mu.Unlock()

	cancel()
	select {
	case err := <-clientDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("client did not stop")
	}
	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
