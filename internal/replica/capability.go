package replica

import (
	"fmt"
	"strings"

	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/wire"
)

// CallbackMask declares which optional hooks a behavior participates in. The
// owning object only calls hooks whose bit is set.
type CallbackMask uint32

const (
	CallbackUpdateTransformOnServer CallbackMask = 1 << iota
	CallbackReliableDelta
	CallbackUnreliableDelta
	CallbackUnreliableFeedback
	CallbackInterpolateState
	CallbackRelevance
	CallbackUnreliableDeltaHook

	CallbackNone CallbackMask = 0
)

var callbackNames = []struct {
	flag CallbackMask
	name string
}{
	{CallbackUpdateTransformOnServer, "update-transform"},
	{CallbackReliableDelta, "reliable-delta"},
	{CallbackUnreliableDelta, "unreliable-delta"},
	{CallbackUnreliableFeedback, "unreliable-feedback"},
	{CallbackInterpolateState, "interpolate"},
	{CallbackRelevance, "relevance"},
	{CallbackUnreliableDeltaHook, "unreliable-delta-hook"},
}

// Has reports whether every bit of flag is set.
func (m CallbackMask) Has(flag CallbackMask) bool {
	return m&flag == flag
}

func (m CallbackMask) String() string {
	if m == CallbackNone {
		return "none"
	}
	var parts []string
	for _, entry := range callbackNames {
		if m.Has(entry.flag) {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, "|")
}

// Behavior is a unit of replicated state attached to a BehaviorObject.
// Every behavior writes and reads its part of the object snapshot; the
// optional interfaces below are opted into through CallbackMask.
type Behavior interface {
	CallbackMask() CallbackMask
	// TypeName identifies the behavior type in the prefab layout fingerprint.
	TypeName() string
	WriteSnapshot(frame trace.Frame, w *wire.Writer)
	InitializeFromSnapshot(frame trace.Frame, r *wire.Reader) error
	Owner() Handle

	bind(owner Handle) error
}

// ServerInitializer is called once when the owner initializes on the server.
type ServerInitializer interface {
	InitializeOnServer() error
}

// TransformUpdater samples server state at the start of a frame.
type TransformUpdater interface {
	UpdateTransformOnServer(frame trace.Frame)
}

// ReliableParticipant replicates state on the reliable channel. Write may be
// called once per peer in the same frame and must not change state.
type ReliableParticipant interface {
	PrepareReliableDelta(frame trace.Frame) bool
	WriteReliableDelta(frame trace.Frame, w *wire.Writer)
	ReadReliableDelta(frame trace.Frame, r *wire.Reader) error
}

// UnreliableParticipant replicates state on the unreliable channel. The
// payload is written once per frame and shared by every peer.
type UnreliableParticipant interface {
	PrepareUnreliableDelta(frame trace.Frame) bool
	WriteUnreliableDelta(frame trace.Frame, w *wire.Writer)
	ReadUnreliableDelta(frame trace.Frame, r *wire.Reader) error
}

// FeedbackParticipant sends client state for an owned object back to the server.
type FeedbackParticipant interface {
	PrepareUnreliableFeedback(frame trace.Frame) bool
	WriteUnreliableFeedback(frame trace.Frame, w *wire.Writer)
	ReadUnreliableFeedback(frame trace.Frame, r *wire.Reader) error
}

// StateInterpolator applies interpolated client state each render step.
type StateInterpolator interface {
	InterpolateState(replicaTime, inputTime trace.NetworkTime)
}

// RelevanceFilter restricts which peers receive the object.
type RelevanceFilter interface {
	IsRelevantForClient(peer *Peer) bool
}

// UnreliableDeltaHook runs after every behavior of the object consumed its
// part of an unreliable delta.
type UnreliableDeltaHook interface {
	OnUnreliableDelta(frame trace.Frame)
}

// BehaviorBase is embedded by behavior implementations. It provides the owner
// binding and empty snapshot hooks.
type BehaviorBase struct {
	mask  CallbackMask
	owner Handle
	bound bool
}

// NewBehaviorBase declares the callbacks the embedding behavior implements.
func NewBehaviorBase(mask CallbackMask) BehaviorBase {
	return BehaviorBase{mask: mask}
}

func (b *BehaviorBase) CallbackMask() CallbackMask {
	return b.mask
}

// Owner returns a weak reference to the object the behavior is attached to.
func (b *BehaviorBase) Owner() Handle {
	return b.owner
}

// OwnerObject resolves the owner, reporting false once it was removed.
func (b *BehaviorBase) OwnerObject() (Object, bool) {
	return b.owner.Resolve()
}

func (b *BehaviorBase) WriteSnapshot(trace.Frame, *wire.Writer) {}

func (b *BehaviorBase) InitializeFromSnapshot(trace.Frame, *wire.Reader) error {
	return nil
}

func (b *BehaviorBase) bind(owner Handle) error {
	if b.bound {
		return ErrOwnerAlreadySet
	}
	b.owner = owner
	b.bound = true
	return nil
}

// validateBehavior checks that the declared mask and the implemented
// interfaces agree in both directions.
func validateBehavior(b Behavior) error {
	mask := b.CallbackMask()
	checks := []struct {
		flag        CallbackMask
		implemented bool
	}{
		{CallbackUpdateTransformOnServer, implements[TransformUpdater](b)},
		{CallbackReliableDelta, implements[ReliableParticipant](b)},
		{CallbackUnreliableDelta, implements[UnreliableParticipant](b)},
		{CallbackUnreliableFeedback, implements[FeedbackParticipant](b)},
		{CallbackInterpolateState, implements[StateInterpolator](b)},
		{CallbackRelevance, implements[RelevanceFilter](b)},
		{CallbackUnreliableDeltaHook, implements[UnreliableDeltaHook](b)},
	}
	for _, c := range checks {
		declared := mask.Has(c.flag)
		switch {
		case declared && !c.implemented:
			return fmt.Errorf("%w: %s declares %s but does not implement it", ErrCapabilityViolation, b.TypeName(), c.flag)
		case !declared && c.implemented:
			return fmt.Errorf("%w: %s implements %s but does not declare it", ErrCapabilityViolation, b.TypeName(), c.flag)
		}
	}
	return nil
}

func implements[I any](b Behavior) bool {
	_, ok := b.(I)
	return ok
}
