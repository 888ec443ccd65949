package replication

import (
	"context"

	"github.com/amerkoleci/rbfx/internal/logging"
)

const (
	// EventPeerJoined is emitted when a connection is attached to the replicator.
	EventPeerJoined logging.EventType = "replication.peer_joined"
	// EventPeerLeft is emitted when a connection is detached.
	EventPeerLeft logging.EventType = "replication.peer_left"
	// EventDesync is emitted when an object cannot apply a received message.
	EventDesync logging.EventType = "replication.desync"
	// EventResyncRequested is emitted by a client asking for a full resync.
	EventResyncRequested logging.EventType = "replication.resync_requested"
	// EventResyncServed is emitted when the server reset a peer.
	EventResyncServed logging.EventType = "replication.resync_served"
	// EventFeedbackRejected is emitted when feedback arrives from a peer that does not own the object.
	EventFeedbackRejected logging.EventType = "replication.feedback_rejected"
	// EventTickOverrun is emitted when a frame step exceeds its budget.
	EventTickOverrun logging.EventType = "replication.tick_overrun"
)

// PeerPayload describes a connection.
type PeerPayload struct {
	Remote    string `json:"remote,omitempty"`
	Transport string `json:"transport,omitempty"`
	Known     int    `json:"known,omitempty"`
}

// DesyncPayload captures the failed operation.
type DesyncPayload struct {
	Record string `json:"record"`
	Error  string `json:"error"`
}

// ResyncPayload captures why a resync happened.
type ResyncPayload struct {
	Reason  string `json:"reason"`
	Desyncs uint64 `json:"desyncs,omitempty"`
}

// FeedbackPayload names the peer that sent rejected feedback.
type FeedbackPayload struct {
	Owner  uint32 `json:"owner"`
	Sender uint32 `json:"sender"`
}

// OverrunPayload captures tick timing.
type OverrunPayload struct {
	DurationMillis int64 `json:"durationMillis"`
	BudgetMillis   int64 `json:"budgetMillis"`
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryReplication
	pub.Publish(ctx, event)
}

// PeerJoined publishes an info event when a connection starts replicating.
func PeerJoined(ctx context.Context, pub logging.Publisher, frame uint32, peer logging.EntityRef, payload PeerPayload) {
	publish(ctx, pub, logging.Event{Type: EventPeerJoined, Frame: frame, Actor: peer, Severity: logging.SeverityInfo, Payload: payload})
}

// PeerLeft publishes an info event when a connection stops replicating.
func PeerLeft(ctx context.Context, pub logging.Publisher, frame uint32, peer logging.EntityRef, payload PeerPayload) {
	publish(ctx, pub, logging.Event{Type: EventPeerLeft, Frame: frame, Actor: peer, Severity: logging.SeverityInfo, Payload: payload})
}

// Desync publishes a warning for an object that failed to apply a record.
func Desync(ctx context.Context, pub logging.Publisher, frame uint32, object logging.EntityRef, payload DesyncPayload) {
	publish(ctx, pub, logging.Event{Type: EventDesync, Frame: frame, Actor: object, Severity: logging.SeverityWarn, Payload: payload})
}

// ResyncRequested publishes a warning when a client asks to be reset.
func ResyncRequested(ctx context.Context, pub logging.Publisher, frame uint32, actor logging.EntityRef, payload ResyncPayload) {
	publish(ctx, pub, logging.Event{Type: EventResyncRequested, Frame: frame, Actor: actor, Severity: logging.SeverityWarn, Payload: payload})
}

// ResyncServed publishes an info event when the server reset a peer.
func ResyncServed(ctx context.Context, pub logging.Publisher, frame uint32, peer logging.EntityRef, payload ResyncPayload) {
	publish(ctx, pub, logging.Event{Type: EventResyncServed, Frame: frame, Actor: peer, Severity: logging.SeverityInfo, Payload: payload})
}

// FeedbackRejected publishes a warning for feedback from a non-owner.
func FeedbackRejected(ctx context.Context, pub logging.Publisher, frame uint32, object logging.EntityRef, payload FeedbackPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventFeedbackRejected,
		Frame:    frame,
		Actor:    object,
		Targets:  []logging.EntityRef{logging.PeerRef(payload.Sender)},
		Severity: logging.SeverityWarn,
		Payload:  payload,
	})
}

// TickOverrun publishes a warning when a frame took longer than its budget.
func TickOverrun(ctx context.Context, pub logging.Publisher, frame uint32, payload OverrunPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventTickOverrun,
		Frame:    frame,
		Actor:    logging.EntityRef{Kind: logging.EntityKindServer},
		Severity: logging.SeverityWarn,
		Payload:  payload,
	})
}
