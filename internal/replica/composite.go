package replica

import (
	"fmt"
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/amerkoleci/rbfx/internal/scene"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/wire"
)

// MaxBehaviors is the number of behavior bits a variable-length mask can carry.
const MaxBehaviors = 29

type connectedBehavior struct {
	bit      uint
	behavior Behavior

	server     ServerInitializer
	transform  TransformUpdater
	reliable   ReliableParticipant
	unreliable UnreliableParticipant
	feedback   FeedbackParticipant
	interp     StateInterpolator
	relevance  RelevanceFilter
	hook       UnreliableDeltaHook
}

func connect(bit uint, b Behavior) connectedBehavior {
	c := connectedBehavior{bit: bit, behavior: b}
	mask := b.CallbackMask()
	c.server, _ = b.(ServerInitializer)
	if mask.Has(CallbackUpdateTransformOnServer) {
		c.transform = b.(TransformUpdater)
	}
	if mask.Has(CallbackReliableDelta) {
		c.reliable = b.(ReliableParticipant)
	}
	if mask.Has(CallbackUnreliableDelta) {
		c.unreliable = b.(UnreliableParticipant)
	}
	if mask.Has(CallbackUnreliableFeedback) {
		c.feedback = b.(FeedbackParticipant)
	}
	if mask.Has(CallbackInterpolateState) {
		c.interp = b.(StateInterpolator)
	}
	if mask.Has(CallbackRelevance) {
		c.relevance = b.(RelevanceFilter)
	}
	if mask.Has(CallbackUnreliableDeltaHook) {
		c.hook = b.(UnreliableDeltaHook)
	}
	return c
}

// maskCache holds a behavior mask computed at most once per frame.
type maskCache struct {
	frame trace.Frame
	mask  uint32
	valid bool
}

func (c *maskCache) get(frame trace.Frame, compute func() uint32) uint32 {
	if !c.valid || c.frame != frame {
		c.frame, c.mask, c.valid = frame, compute(), true
	}
	return c.mask
}

// BehaviorObject is a static object extended with an ordered list of
// behaviors. Each behavior owns one bit, its index in the list, and the bit
// positions are identical on every side because all sides attach the
// behaviors declared by the same prefab in the same order.
type BehaviorObject struct {
	StaticObject

	behaviors   []connectedBehavior
	frozen      bool
	fingerprint uint64
	invalidated bool

	// Bits of behaviors participating in each channel.
	reliableBits   uint32
	unreliableBits uint32
	feedbackBits   uint32

	reliableMask   maskCache
	unreliableMask maskCache
	feedbackMask   maskCache

	unreliableReady prepared
	feedbackReady   prepared
}

// NewBehaviorObject constructs an object with no behaviors attached.
func NewBehaviorObject(id ObjectID, node scene.Node, env Environment) *BehaviorObject {
	o := &BehaviorObject{}
	o.init(id, node, env)
	return o
}

func (o *BehaviorObject) Kind() Kind {
	return KindBehavior
}

// AttachBehavior appends b and binds it to this object. Behaviors can only be
// attached before the object is initialized.
func (o *BehaviorObject) AttachBehavior(b Behavior) error {
	if o.frozen {
		return fmt.Errorf("%w: object %d", ErrBehaviorsFrozen, o.id)
	}
	if len(o.behaviors) >= MaxBehaviors {
		return fmt.Errorf("%w: object %d already has %d", ErrTooManyBehaviors, o.id, MaxBehaviors)
	}
	if err := validateBehavior(b); err != nil {
		return err
	}
	if err := b.bind(o.Handle()); err != nil {
		return fmt.Errorf("attach %s to object %d: %w", b.TypeName(), o.id, err)
	}
	c := connect(uint(len(o.behaviors)), b)
	bit := uint32(1) << c.bit
	if c.reliable != nil {
		o.reliableBits |= bit
	}
	if c.unreliable != nil {
		o.unreliableBits |= bit
	}
	if c.feedback != nil {
		o.feedbackBits |= bit
	}
	o.behaviors = append(o.behaviors, c)
	return nil
}

// Freeze closes the behavior list and computes the layout fingerprint. It is
// called implicitly by initialization.
func (o *BehaviorObject) Freeze() {
	if o.frozen {
		return
	}
	o.frozen = true
	o.fingerprint = layoutFingerprint(o.behaviors)
}

func layoutFingerprint(behaviors []connectedBehavior) uint64 {
	d := xxhash.New()
	for i, c := range behaviors {
		if i > 0 {
			_, _ = d.WriteString("\x00")
		}
		_, _ = d.WriteString(c.behavior.TypeName())
	}
	return d.Sum64()
}

// Fingerprint identifies the ordered behavior layout.
func (o *BehaviorObject) Fingerprint() uint64 {
	return o.fingerprint
}

// Behaviors returns the attached behaviors in bit order.
func (o *BehaviorObject) Behaviors() []Behavior {
	out := make([]Behavior, len(o.behaviors))
	for i, c := range o.behaviors {
		out[i] = c.behavior
	}
	return out
}

// BehaviorAt returns the behavior owning bit.
func (o *BehaviorObject) BehaviorAt(bit int) (Behavior, bool) {
	if bit < 0 || bit >= len(o.behaviors) {
		return nil, false
	}
	return o.behaviors[bit].behavior, true
}

// FindBehavior returns the first attached behavior of type T.
func FindBehavior[T Behavior](o *BehaviorObject) (T, bool) {
	for _, c := range o.behaviors {
		if b, ok := c.behavior.(T); ok {
			return b, true
		}
	}
	var zero T
	return zero, false
}

// InvalidateBehaviors stops every behavior callback. The object keeps its
// identity and hierarchy but no longer produces or consumes behavior state.
func (o *BehaviorObject) InvalidateBehaviors() {
	o.invalidated = true
}

// Invalidated reports whether InvalidateBehaviors was called.
func (o *BehaviorObject) Invalidated() bool {
	return o.invalidated
}

func (o *BehaviorObject) InitializeOnServer() error {
	o.Freeze()
	for _, c := range o.behaviors {
		if c.server == nil {
			continue
		}
		if err := c.server.InitializeOnServer(); err != nil {
			return fmt.Errorf("initialize %s on object %d: %w", c.behavior.TypeName(), o.id, err)
		}
	}
	return o.StaticObject.InitializeOnServer()
}

func (o *BehaviorObject) WriteSnapshot(peer *Peer, frame trace.Frame, w *wire.Writer) {
	o.Freeze()
	o.StaticObject.WriteSnapshot(peer, frame, w)
	w.WriteUvarint(o.fingerprint)
	w.WriteUvarint(uint64(len(o.behaviors)))
	for _, c := range o.behaviors {
		c.behavior.WriteSnapshot(frame, w)
	}
}

func (o *BehaviorObject) UpdateTransformOnServer(frame trace.Frame) {
	if o.invalidated {
		return
	}
	for _, c := range o.behaviors {
		if c.transform != nil {
			c.transform.UpdateTransformOnServer(frame)
		}
	}
}

func (o *BehaviorObject) IsRelevantForClient(peer *Peer) bool {
	if o.invalidated {
		return true
	}
	for _, c := range o.behaviors {
		if c.relevance != nil && !c.relevance.IsRelevantForClient(peer) {
			return false
		}
	}
	return true
}

func (o *BehaviorObject) reliableDirty(frame trace.Frame) uint32 {
	if o.invalidated {
		return 0
	}
	return o.reliableMask.get(frame, func() uint32 {
		var mask uint32
		for _, c := range o.behaviors {
			if c.reliable != nil && c.reliable.PrepareReliableDelta(frame) {
				mask |= 1 << c.bit
			}
		}
		return mask
	})
}

func (o *BehaviorObject) PrepareReliableDelta(peer *Peer, frame trace.Frame) bool {
	hierarchy := o.prepareHierarchy(peer)
	ok := hierarchy || o.reliableDirty(frame) != 0
	if ok {
		o.reliableReady[peer.ID] = prepared{frame: frame, ok: true}
	}
	return ok
}

func (o *BehaviorObject) WriteReliableDelta(peer *Peer, frame trace.Frame, w *wire.Writer) {
	o.reliableReady[peer.ID].check("reliable delta", o.id, frame)
	delete(o.reliableReady, peer.ID)
	o.writeHierarchy(peer, w)
	mask := o.reliableDirty(frame)
	w.WriteVLE(mask)
	o.forEachBit(mask, func(c connectedBehavior) {
		c.reliable.WriteReliableDelta(frame, w)
	})
}

func (o *BehaviorObject) PrepareUnreliableDelta(frame trace.Frame) bool {
	if o.invalidated {
		return false
	}
	mask := o.unreliableMask.get(frame, func() uint32 {
		var mask uint32
		for _, c := range o.behaviors {
			if c.unreliable != nil && c.unreliable.PrepareUnreliableDelta(frame) {
				mask |= 1 << c.bit
			}
		}
		return mask
	})
	o.unreliableReady = prepared{frame: frame, ok: mask != 0}
	return mask != 0
}

func (o *BehaviorObject) WriteUnreliableDelta(frame trace.Frame, w *wire.Writer) {
	o.unreliableReady.check("unreliable delta", o.id, frame)
	mask := o.unreliableMask.mask
	w.WriteVLE(mask)
	o.forEachBit(mask, func(c connectedBehavior) {
		c.unreliable.WriteUnreliableDelta(frame, w)
	})
}

func (o *BehaviorObject) ReadUnreliableFeedback(frame trace.Frame, r *wire.Reader) error {
	if o.invalidated {
		return nil
	}
	mask, err := o.readMask(r, o.feedbackBits, "feedback")
	if err != nil {
		return err
	}
	return o.forEachBitErr(mask, func(c connectedBehavior) error {
		return c.feedback.ReadUnreliableFeedback(frame, r)
	})
}

func (o *BehaviorObject) InitializeFromSnapshot(frame trace.Frame, r *wire.Reader) error {
	ref, parent, err := o.readSnapshotHeader(r)
	if err != nil {
		return err
	}
	fingerprint, err := r.ReadUvarint()
	if err != nil {
		return fmt.Errorf("read layout fingerprint: %w", err)
	}
	count, err := r.ReadUvarint()
	if err != nil {
		return fmt.Errorf("read behavior count: %w", err)
	}
	behaviors, err := o.instantiate(ref)
	if err != nil {
		return err
	}
	for _, b := range behaviors {
		if err := o.AttachBehavior(b); err != nil {
			return err
		}
	}
	o.Freeze()
	if count != uint64(len(o.behaviors)) || fingerprint != o.fingerprint {
		return fmt.Errorf("%w: prefab %q has %d behaviors locally, sender has %d", ErrPrefabMismatch, ref, len(o.behaviors), count)
	}
	if err := o.SetParent(parent); err != nil {
		return err
	}
	for _, c := range o.behaviors {
		if err := c.behavior.InitializeFromSnapshot(frame, r); err != nil {
			return fmt.Errorf("%s snapshot: %w", c.behavior.TypeName(), err)
		}
	}
	o.initialized = true
	return nil
}

func (o *BehaviorObject) ReadReliableDelta(frame trace.Frame, r *wire.Reader) error {
	if !o.initialized {
		return ErrNotInitialized
	}
	if err := o.readHierarchy(r); err != nil {
		return err
	}
	if o.invalidated {
		return nil
	}
	mask, err := o.readMask(r, o.reliableBits, "reliable")
	if err != nil {
		return err
	}
	return o.forEachBitErr(mask, func(c connectedBehavior) error {
		return c.reliable.ReadReliableDelta(frame, r)
	})
}

func (o *BehaviorObject) ReadUnreliableDelta(frame trace.Frame, r *wire.Reader) error {
	if !o.initialized {
		return ErrNotInitialized
	}
	if o.invalidated {
		return nil
	}
	mask, err := o.readMask(r, o.unreliableBits, "unreliable")
	if err != nil {
		return err
	}
	err = o.forEachBitErr(mask, func(c connectedBehavior) error {
		return c.unreliable.ReadUnreliableDelta(frame, r)
	})
	if err != nil {
		return err
	}
	for _, c := range o.behaviors {
		if c.hook != nil {
			c.hook.OnUnreliableDelta(frame)
		}
	}
	return nil
}

func (o *BehaviorObject) PrepareUnreliableFeedback(frame trace.Frame) bool {
	if o.invalidated {
		return false
	}
	mask := o.feedbackMask.get(frame, func() uint32 {
		var mask uint32
		for _, c := range o.behaviors {
			if c.feedback != nil && c.feedback.PrepareUnreliableFeedback(frame) {
				mask |= 1 << c.bit
			}
		}
		return mask
	})
	o.feedbackReady = prepared{frame: frame, ok: mask != 0}
	return mask != 0
}

func (o *BehaviorObject) WriteUnreliableFeedback(frame trace.Frame, w *wire.Writer) {
	o.feedbackReady.check("unreliable feedback", o.id, frame)
	mask := o.feedbackMask.mask
	w.WriteVLE(mask)
	o.forEachBit(mask, func(c connectedBehavior) {
		c.feedback.WriteUnreliableFeedback(frame, w)
	})
}

func (o *BehaviorObject) InterpolateState(replicaTime, inputTime trace.NetworkTime) {
	if o.invalidated || !o.initialized {
		return
	}
	for _, c := range o.behaviors {
		if c.interp != nil {
			c.interp.InterpolateState(replicaTime, inputTime)
		}
	}
}

func (o *BehaviorObject) readMask(r *wire.Reader, allowed uint32, channel string) (uint32, error) {
	mask, err := r.ReadVLE()
	if err != nil {
		return 0, fmt.Errorf("read %s mask: %w", channel, err)
	}
	if extra := mask &^ allowed; extra != 0 {
		return 0, fmt.Errorf("%w: %s mask %#x has bit %d", ErrUnknownBehaviorBit, channel, mask, bits.TrailingZeros32(extra))
	}
	return mask, nil
}

// forEachBit visits the behaviors named by mask in ascending bit order.
func (o *BehaviorObject) forEachBit(mask uint32, fn func(connectedBehavior)) {
	for mask != 0 {
		bit := bits.TrailingZeros32(mask)
		mask &^= 1 << bit
		fn(o.behaviors[bit])
	}
}

func (o *BehaviorObject) forEachBitErr(mask uint32, fn func(connectedBehavior) error) error {
	for mask != 0 {
		bit := bits.TrailingZeros32(mask)
		mask &^= 1 << bit
		c := o.behaviors[bit]
		if err := fn(c); err != nil {
			return fmt.Errorf("%s: %w", c.behavior.TypeName(), err)
		}
	}
	return nil
}

var _ Object = (*BehaviorObject)(nil)
