package logging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/amerkoleci/rbfx/internal/logging"
	"github.com/amerkoleci/rbfx/internal/logging/replication"
	"github.com/amerkoleci/rbfx/internal/logging/sinks"
)

func TestRouterDeliversToSinksWithFields(t *testing.T) {
	memory := sinks.NewMemorySink(0)
	cfg := logging.DefaultConfig()
	cfg.MinSeverity = logging.SeverityDebug
	cfg.Fields = map[string]any{"node": "server-1", "peer": 1}
	fixed := time.Unix(1700000000, 0)
	router := logging.NewRouter(logging.ClockFunc(func() time.Time { return fixed }), cfg, []logging.NamedSink{{Name: logging.SinkMemory, Sink: memory}})

	event := logging.Event{Type: replication.EventDesync, Frame: 12, Actor: logging.ObjectRef(7), Extra: map[string]any{"peer": 4}}
	router.Publish(context.Background(), event)
	replication.Desync(context.Background(), router, 13, logging.ObjectRef(8), replication.DesyncPayload{Record: "delta", Error: "boom"})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}
	events := memory.OfType(replication.EventDesync)
	if len(events) != 2 {
		t.Fatalf("expected two desync events, got %d", len(events))
	}
	first := events[0]
	if first.Frame != 12 || first.Actor.ID != "7" || first.Actor.Kind != logging.EntityKindObject {
		t.Fatalf("unexpected event %+v", first)
	}
	if !first.Time.Equal(fixed) {
		t.Fatalf("expected clock time, got %v", first.Time)
	}
	if first.Extra["node"] != "server-1" || first.Extra["peer"] != 4 {
		t.Fatalf("event keys must win over router fields: %v", first.Extra)
	}
	if len(event.Extra) != 1 {
		t.Fatalf("publisher's event was mutated: %v", event.Extra)
	}
	if events[1].Category != logging.CategoryReplication {
		t.Fatalf("expected replication category, got %q", events[1].Category)
	}
	if stats := router.Stats(); stats.Published != 2 || stats.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRouterFiltersBySeverity(t *testing.T) {
	memory := sinks.NewMemorySink(0)
	router := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{{Name: logging.SinkMemory, Sink: memory}})

	replication.PeerJoined(context.Background(), router, 1, logging.PeerRef(1), replication.PeerPayload{Transport: "memory"})
	router.Publish(context.Background(), logging.Event{Type: "debug.only", Severity: logging.SeverityDebug})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}
	if got := memory.Len(); got != 1 {
		t.Fatalf("expected only the info event, got %d", got)
	}
	if stats := router.Stats(); stats.Filtered != 1 {
		t.Fatalf("expected one filtered event, got %+v", stats)
	}
	if router.Sink(logging.SinkMemory) != memory {
		t.Fatalf("expected sink lookup by name")
	}
}

func TestRouterIgnoresPublishAfterClose(t *testing.T) {
	memory := sinks.NewMemorySink(0)
	router := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{{Name: logging.SinkMemory, Sink: memory}})
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}
	router.Publish(context.Background(), logging.Event{Type: "late", Severity: logging.SeverityError})
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if memory.Len() != 0 {
		t.Fatalf("expected no events after close")
	}
}

type failingSink struct {
	writes int
}

func (s *failingSink) Write(logging.Event) error {
	s.writes++
	return errors.New("disk full")
}

func (s *failingSink) Close(context.Context) error { return nil }

func TestRouterDisablesFailingSink(t *testing.T) {
	failing := &failingSink{}
	memory := sinks.NewMemorySink(0)
	router := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{
		{Name: "broken", Sink: failing},
		{Name: logging.SinkMemory, Sink: memory},
	})
	for i := 0; i < 8; i++ {
		router.Publish(context.Background(), logging.Event{Type: "x", Frame: uint32(i), Severity: logging.SeverityInfo})
	}
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}
	if failing.writes != 5 {
		t.Fatalf("expected sink disabled after 5 failures, got %d writes", failing.writes)
	}
	if memory.Len() != 8 {
		t.Fatalf("healthy sink should receive every event, got %d", memory.Len())
	}
	if stats := router.Stats(); stats.SinkErrors != 5 {
		t.Fatalf("expected 5 sink errors, got %+v", stats)
	}
}

func TestMemorySinkRing(t *testing.T) {
	memory := sinks.NewMemorySink(2)
	for i := uint32(1); i <= 5; i++ {
		_ = memory.Write(logging.Event{Type: "x", Frame: i})
	}
	events := memory.Events()
	if len(events) != 2 || events[0].Frame != 4 || events[1].Frame != 5 {
		t.Fatalf("unexpected retained events %+v", events)
	}
	memory.Reset()
	_ = memory.Write(logging.Event{Type: "y", Frame: 9})
	if events := memory.Events(); len(events) != 1 || events[0].Frame != 9 {
		t.Fatalf("unexpected events after reset %+v", events)
	}
}

func TestConsoleSinkFormatsLine(t *testing.T) {
	var buf bytes.Buffer
	console := sinks.NewConsole(&buf)
	err := console.Write(logging.Event{
		Type:     replication.EventFeedbackRejected,
		Frame:    3,
		Time:     time.Date(2024, 1, 1, 10, 20, 30, 0, time.UTC),
		Severity: logging.SeverityWarn,
		Actor:    logging.ObjectRef(9),
		Targets:  []logging.EntityRef{logging.PeerRef(2)},
		Payload:  replication.FeedbackPayload{Owner: 1, Sender: 2},
		Extra:    map[string]any{"role": "server"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	line := buf.String()
	want := `10:20:30.000 WARN  replication.feedback_rejected frame=3 object:9 -> peer:2 payload={"owner":1,"sender":2} role=server` + "\n"
	if line != want {
		t.Fatalf("unexpected line\n got: %q\nwant: %q", line, want)
	}
}

func TestJSONSinkFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	sink := sinks.NewJSON(&buf, time.Hour)
	_ = sink.Write(logging.Event{Type: "a", Frame: 1})
	_ = sink.Write(logging.Event{Type: "b", Frame: 2})
	if strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("expected only the first event flushed, got %q", buf.String())
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"type":"b"`) {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestParseSeverity(t *testing.T) {
	if logging.ParseSeverity("warn") != logging.SeverityWarn {
		t.Fatalf("expected warn")
	}
	if logging.ParseSeverity("bogus") != logging.SeverityInfo {
		t.Fatalf("expected info default")
	}
	if logging.Severity(9).String() != "unknown" {
		t.Fatalf("expected unknown for out of range severity")
	}
}
