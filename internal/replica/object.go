// Package replica implements replicated objects: identity, the
// snapshot/delta lifecycle, prefab-bound static objects and objects composed
// from up to MaxBehaviors independent behaviors.
//
// Server side, each frame an object is asked whether it has something to send
// on every channel (Prepare*) and, only when it does, to write it (Write*).
// Client side the paired Read* calls apply what was received.
package replica

import (
	"fmt"

	"github.com/amerkoleci/rbfx/internal/scene"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/wire"
)

// Kind selects the concrete object type a snapshot instantiates.
type Kind uint8

const (
	KindStatic Kind = iota + 1
	KindBehavior
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindBehavior:
		return "behavior"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// PrefabRef names the prefab resource an object is instantiated from.
type PrefabRef string

// PrefabResolver is the substrate callback that clones a prefab definition
// into node. It returns the behaviors declared by the prefab in definition
// order; both server and clients attach them in that order.
type PrefabResolver interface {
	InstantiatePrefab(ref PrefabRef, node scene.Node) ([]Behavior, error)
}

// Object is the contract every replicated object fulfils.
type Object interface {
	ID() ObjectID
	Kind() Kind
	Node() scene.Node
	ParentID() ObjectID
	SetParent(parent ObjectID) error
	Initialized() bool

	// Server.
	InitializeOnServer() error
	WriteSnapshot(peer *Peer, frame trace.Frame, w *wire.Writer)
	PrepareReliableDelta(peer *Peer, frame trace.Frame) bool
	WriteReliableDelta(peer *Peer, frame trace.Frame, w *wire.Writer)
	PrepareUnreliableDelta(frame trace.Frame) bool
	WriteUnreliableDelta(frame trace.Frame, w *wire.Writer)
	ReadUnreliableFeedback(frame trace.Frame, r *wire.Reader) error
	IsRelevantForClient(peer *Peer) bool
	UpdateTransformOnServer(frame trace.Frame)
	OwnerPeer() PeerID

	// Client.
	InitializeFromSnapshot(frame trace.Frame, r *wire.Reader) error
	ReadReliableDelta(frame trace.Frame, r *wire.Reader) error
	ReadUnreliableDelta(frame trace.Frame, r *wire.Reader) error
	PrepareUnreliableFeedback(frame trace.Frame) bool
	WriteUnreliableFeedback(frame trace.Frame, w *wire.Writer)
	InterpolateState(replicaTime, inputTime trace.NetworkTime)
	Owned() bool
	SetOwned(owned bool)
}

// Environment is what an object needs from the side that hosts it.
type Environment struct {
	Registry *Registry
	Prefabs  PrefabResolver
}

// ObjectBase carries identity, hierarchy linkage and lifecycle state shared by
// every object type.
type ObjectBase struct {
	id          ObjectID
	env         Environment
	node        scene.Node
	parentID    ObjectID
	ownerPeer   PeerID
	owned       bool
	initialized bool
}

func newObjectBase(id ObjectID, node scene.Node, env Environment) ObjectBase {
	return ObjectBase{id: id, node: node, env: env}
}

func (o *ObjectBase) ID() ObjectID {
	return o.id
}

func (o *ObjectBase) Node() scene.Node {
	return o.node
}

func (o *ObjectBase) ParentID() ObjectID {
	return o.parentID
}

// Handle returns a weak reference to this object.
func (o *ObjectBase) Handle() Handle {
	return o.env.Registry.Handle(o.id)
}

// Registry returns the registry the object resolves references through.
func (o *ObjectBase) Registry() *Registry {
	return o.env.Registry
}

// Parent resolves the parent object.
func (o *ObjectBase) Parent() (Object, bool) {
	return o.env.Registry.Get(o.parentID)
}

// SetParent links the object under parent (InvalidObjectID for none) and
// moves its node accordingly.
func (o *ObjectBase) SetParent(parent ObjectID) error {
	if parent == o.id {
		return fmt.Errorf("%w: object %d cannot parent itself", ErrCyclicParent, o.id)
	}
	var parentNode scene.Node
	if parent != InvalidObjectID {
		obj, ok := o.env.Registry.Get(parent)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownParent, parent)
		}
		if o.env.Registry.isAncestor(o.id, obj) {
			return fmt.Errorf("%w: %d is below %d", ErrCyclicParent, parent, o.id)
		}
		parentNode = obj.Node()
	}
	o.parentID = parent
	if o.node != nil {
		o.node.SetParent(parentNode)
	}
	return nil
}

// OwnerPeer returns the connection allowed to send feedback for this object.
func (o *ObjectBase) OwnerPeer() PeerID {
	return o.ownerPeer
}

// SetOwnerPeer assigns the connection allowed to send feedback.
func (o *ObjectBase) SetOwnerPeer(peer PeerID) {
	o.ownerPeer = peer
}

// Owned reports, on a client, whether this client owns the object.
func (o *ObjectBase) Owned() bool {
	return o.owned
}

// SetOwned is set by the client session from the snapshot envelope.
func (o *ObjectBase) SetOwned(owned bool) {
	o.owned = owned
}

// Initialized reports whether the snapshot has been applied (client) or
// InitializeOnServer has run (server).
func (o *ObjectBase) Initialized() bool {
	return o.initialized
}

// prepared remembers the outcome of a Prepare* call so the paired Write* can
// verify it.
type prepared struct {
	frame trace.Frame
	ok    bool
}

func (p prepared) check(channel string, id ObjectID, frame trace.Frame) {
	if !p.ok || p.frame != frame {
		panic(fmt.Sprintf("replica: %s written for object %d at frame %d without a successful prepare", channel, id, frame))
	}
}

// NewObject constructs an uninitialized object of kind, as a client does
// before applying a snapshot.
func NewObject(kind Kind, id ObjectID, node scene.Node, env Environment) (Object, error) {
	switch kind {
	case KindStatic:
		return NewStaticObject(id, node, env), nil
	case KindBehavior:
		return NewBehaviorObject(id, node, env), nil
	default:
		return nil, fmt.Errorf("replica: unknown object %s", kind)
	}
}
