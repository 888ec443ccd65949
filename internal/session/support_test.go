package session

import (
	"testing"
	"time"

	"github.com/amerkoleci/rbfx/internal/proto"
	"github.com/amerkoleci/rbfx/internal/trace"
)

type metricsRecorder struct {
	added  map[string]uint64
	stored map[string]uint64
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{added: map[string]uint64{}, stored: map[string]uint64{}}
}

func (m *metricsRecorder) Add(key string, delta uint64)   { m.added[key] += delta }
func (m *metricsRecorder) Store(key string, value uint64) { m.stored[key] = value }

func TestInboxDrainsInOrderAndReportsOverflow(t *testing.T) {
	metrics := newMetricsRecorder()
	inbox := NewInbox(2, metrics)
	if !inbox.Push(Inbound{Peer: 1, Message: &proto.ResyncRequest{Frame: 1}}) {
		t.Fatalf("expected first push to succeed")
	}
	if !inbox.Push(Inbound{Peer: 2, Message: &proto.ResyncRequest{Frame: 2}}) {
		t.Fatalf("expected second push to succeed")
	}
	if inbox.Push(Inbound{Peer: 3}) {
		t.Fatalf("expected push into full inbox to fail")
	}
	if metrics.added[inboxOverflowMetricKey] != 1 {
		t.Fatalf("expected overflow metric, got %v", metrics.added)
	}
	if metrics.stored[inboxOccupancyMetricKey] != 2 {
		t.Fatalf("expected occupancy 2, got %d", metrics.stored[inboxOccupancyMetricKey])
	}

	drained := inbox.Drain()
	if len(drained) != 2 || drained[0].Peer != 1 || drained[1].Peer != 2 {
		t.Fatalf("unexpected drain order %+v", drained)
	}
	if inbox.Len() != 0 || inbox.Drain() != nil {
		t.Fatalf("expected empty inbox after drain")
	}
	if !inbox.Push(Inbound{Peer: 4}) {
		t.Fatalf("expected push after drain to succeed")
	}

	var nilInbox *Inbox
	if nilInbox.Push(Inbound{}) || nilInbox.Len() != 0 {
		t.Fatalf("nil inbox should reject pushes")
	}
}

func TestResyncPolicyCooldown(t *testing.T) {
	policy := NewResyncPolicy(10)
	policy.NoteApplied()
	if _, ok := policy.Consume(1); ok {
		t.Fatalf("expected no resync without desyncs")
	}
	policy.NoteDesync(7, "delta")
	signal, ok := policy.Consume(5)
	if !ok || signal.Desyncs != 1 || signal.Reasons[0].ObjectID != 7 {
		t.Fatalf("expected resync signal, got %+v ok=%v", signal, ok)
	}
	if signal.Summary() == "" {
		t.Fatalf("expected summary")
	}
	if _, ok := policy.Consume(9); ok {
		t.Fatalf("expected cooldown to suppress repeat request")
	}
	if _, ok := policy.Consume(15); !ok {
		t.Fatalf("expected repeat request after cooldown")
	}
	policy.NoteReset()
	if policy.Awaiting() {
		t.Fatalf("expected reset to clear outstanding request")
	}
	if _, ok := policy.Consume(16); ok {
		t.Fatalf("expected no request after reset")
	}
}

func TestResyncPolicyCapsReasons(t *testing.T) {
	policy := NewResyncPolicy(1)
	for i := 0; i < 20; i++ {
		policy.NoteDesync(1, "snapshot")
	}
	signal, ok := policy.Consume(1)
	if !ok || len(signal.Reasons) != resyncReasonLimit {
		t.Fatalf("expected %d reasons, got %d", resyncReasonLimit, len(signal.Reasons))
	}
}

func TestClockTrailsByDelay(t *testing.T) {
	clock := NewClock(10, 2)
	if clock.Synced() {
		t.Fatalf("clock should start unsynced")
	}
	clock.Advance(time.Second)
	clock.Observe(20)
	if got := clock.ReplicaTime(); got.Frame != 18 || got.Fraction != 0 {
		t.Fatalf("expected replica time 18, got %v", got)
	}
	clock.Advance(50 * time.Millisecond)
	if got := clock.InputTime().Float(); got < 20.49 || got > 20.51 {
		t.Fatalf("expected input time 20.5, got %v", got)
	}
	clock.Advance(time.Second)
	if got := clock.InputTime().Float(); got != 21 {
		t.Fatalf("expected extrapolation capped at 21, got %v", got)
	}
	clock.Observe(19)
	if clock.LatestFrame() != trace.Frame(20) {
		t.Fatalf("older frame must not move latest")
	}
}
