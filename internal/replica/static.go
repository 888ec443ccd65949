package replica

import (
	"fmt"

	"github.com/amerkoleci/rbfx/internal/scene"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/wire"
)

// hierarchyChanged is set in the reliable delta header when a parent id follows.
const hierarchyChanged uint8 = 1 << 0

// StaticObject is replicated once from its prefab and never updated
// afterwards, except for its position in the object hierarchy.
type StaticObject struct {
	ObjectBase

	prefab       PrefabRef
	prefabFrozen bool

	reliableReady map[PeerID]prepared
	pendingParent map[PeerID]ObjectID
}

// NewStaticObject constructs a static object bound to node.
func NewStaticObject(id ObjectID, node scene.Node, env Environment) *StaticObject {
	o := &StaticObject{}
	o.init(id, node, env)
	return o
}

func (o *StaticObject) init(id ObjectID, node scene.Node, env Environment) {
	o.ObjectBase = newObjectBase(id, node, env)
	o.reliableReady = make(map[PeerID]prepared)
	o.pendingParent = make(map[PeerID]ObjectID)
}

func (o *StaticObject) Kind() Kind {
	return KindStatic
}

// SetClientPrefab sets the prefab clients instantiate. Only allowed before
// the object is initialized on the server.
func (o *StaticObject) SetClientPrefab(ref PrefabRef) error {
	if o.prefabFrozen {
		return fmt.Errorf("%w: object %d", ErrPrefabFrozen, o.id)
	}
	o.prefab = ref
	return nil
}

// ClientPrefab returns the prefab reference.
func (o *StaticObject) ClientPrefab() PrefabRef {
	return o.prefab
}

func (o *StaticObject) InitializeOnServer() error {
	o.prefabFrozen = true
	o.initialized = true
	return nil
}

func (o *StaticObject) WriteSnapshot(peer *Peer, frame trace.Frame, w *wire.Writer) {
	o.prefabFrozen = true
	parent := peer.visibleParent(o.parentID)
	w.WriteString(string(o.prefab))
	w.WriteUvarint(uint64(parent))
	peer.StoreSentParent(o.id, parent)
}

func (o *StaticObject) PrepareReliableDelta(peer *Peer, frame trace.Frame) bool {
	dirty := o.prepareHierarchy(peer)
	if dirty {
		o.reliableReady[peer.ID] = prepared{frame: frame, ok: true}
	}
	return dirty
}

func (o *StaticObject) WriteReliableDelta(peer *Peer, frame trace.Frame, w *wire.Writer) {
	o.reliableReady[peer.ID].check("reliable delta", o.id, frame)
	delete(o.reliableReady, peer.ID)
	o.writeHierarchy(peer, w)
}

// prepareHierarchy compares the parent this peer can see against the last
// one sent to it and stages the new value when they differ.
func (o *StaticObject) prepareHierarchy(peer *Peer) bool {
	visible := peer.visibleParent(o.parentID)
	last, ok := peer.LastSentParent(o.id)
	if ok && last == visible {
		delete(o.pendingParent, peer.ID)
		return false
	}
	o.pendingParent[peer.ID] = visible
	return true
}

func (o *StaticObject) writeHierarchy(peer *Peer, w *wire.Writer) {
	parent, pending := o.pendingParent[peer.ID]
	if !pending {
		w.WriteUint8(0)
		return
	}
	delete(o.pendingParent, peer.ID)
	w.WriteUint8(hierarchyChanged)
	w.WriteUvarint(uint64(parent))
	peer.StoreSentParent(o.id, parent)
}

func (o *StaticObject) PrepareUnreliableDelta(trace.Frame) bool {
	return false
}

func (o *StaticObject) WriteUnreliableDelta(frame trace.Frame, _ *wire.Writer) {
	prepared{}.check("unreliable delta", o.id, frame)
}

func (o *StaticObject) ReadUnreliableFeedback(trace.Frame, *wire.Reader) error {
	return fmt.Errorf("%w: static object %d has no feedback state", ErrUnknownBehaviorBit, o.id)
}

func (o *StaticObject) IsRelevantForClient(*Peer) bool {
	return true
}

func (o *StaticObject) UpdateTransformOnServer(trace.Frame) {}

func (o *StaticObject) InitializeFromSnapshot(frame trace.Frame, r *wire.Reader) error {
	ref, parent, err := o.readSnapshotHeader(r)
	if err != nil {
		return err
	}
	behaviors, err := o.instantiate(ref)
	if err != nil {
		return err
	}
	if len(behaviors) > 0 {
		return fmt.Errorf("%w: static prefab %q declares %d behaviors", ErrPrefabMismatch, ref, len(behaviors))
	}
	if err := o.SetParent(parent); err != nil {
		return err
	}
	o.initialized = true
	return nil
}

func (o *StaticObject) readSnapshotHeader(r *wire.Reader) (PrefabRef, ObjectID, error) {
	if o.initialized {
		return "", InvalidObjectID, ErrAlreadyInitialized
	}
	ref, err := r.ReadString()
	if err != nil {
		return "", InvalidObjectID, fmt.Errorf("read prefab: %w", err)
	}
	parent, err := r.ReadUint32()
	if err != nil {
		return "", InvalidObjectID, fmt.Errorf("read parent: %w", err)
	}
	o.prefab = PrefabRef(ref)
	o.prefabFrozen = true
	return o.prefab, ObjectID(parent), nil
}

func (o *StaticObject) instantiate(ref PrefabRef) ([]Behavior, error) {
	if o.env.Prefabs == nil || ref == "" {
		return nil, nil
	}
	behaviors, err := o.env.Prefabs.InstantiatePrefab(ref, o.node)
	if err != nil {
		return nil, fmt.Errorf("instantiate prefab %q: %w", ref, err)
	}
	return behaviors, nil
}

func (o *StaticObject) ReadReliableDelta(frame trace.Frame, r *wire.Reader) error {
	if !o.initialized {
		return ErrNotInitialized
	}
	return o.readHierarchy(r)
}

func (o *StaticObject) readHierarchy(r *wire.Reader) error {
	flags, err := r.ReadUint8()
	if err != nil {
		return fmt.Errorf("read delta header: %w", err)
	}
	if flags&^hierarchyChanged != 0 {
		return fmt.Errorf("%w: delta header flags %#x", wire.ErrMalformed, flags)
	}
	if flags&hierarchyChanged == 0 {
		return nil
	}
	parent, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("read parent: %w", err)
	}
	return o.SetParent(ObjectID(parent))
}

func (o *StaticObject) ReadUnreliableDelta(trace.Frame, *wire.Reader) error {
	return fmt.Errorf("%w: static object %d has no unreliable state", ErrUnknownBehaviorBit, o.id)
}

func (o *StaticObject) PrepareUnreliableFeedback(trace.Frame) bool {
	return false
}

func (o *StaticObject) WriteUnreliableFeedback(frame trace.Frame, _ *wire.Writer) {
	prepared{}.check("unreliable feedback", o.id, frame)
}

func (o *StaticObject) InterpolateState(trace.NetworkTime, trace.NetworkTime) {}

var _ Object = (*StaticObject)(nil)
