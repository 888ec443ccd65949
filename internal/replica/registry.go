package replica

import (
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ObjectID identifies a replicated object for its whole networked lifetime.
// Ids are assigned by the server and never reused.
type ObjectID uint32

// InvalidObjectID denotes "no object".
const InvalidObjectID ObjectID = 0

// PeerID identifies a connection on the server.
type PeerID uint32

// Registry owns the id -> object table for one side of a session. Weak
// references between objects are resolved through it. It is safe for the
// simulation step and the network goroutines to read concurrently.
type Registry struct {
	objects *xsync.MapOf[ObjectID, Object]
	next    atomic.Uint32
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{objects: xsync.NewMapOf[ObjectID, Object]()}
}

// Allocate reserves a fresh object id.
func (r *Registry) Allocate() ObjectID {
	return ObjectID(r.next.Add(1))
}

// Add registers obj under its id.
func (r *Registry) Add(obj Object) error {
	id := obj.ID()
	if id == InvalidObjectID {
		return ErrInvalidObjectID
	}
	if _, loaded := r.objects.LoadOrStore(id, obj); loaded {
		return ErrDuplicateObject
	}
	return nil
}

// Get resolves id. It reports false for ids that were never registered or
// have been removed.
func (r *Registry) Get(id ObjectID) (Object, bool) {
	if r == nil || id == InvalidObjectID {
		return nil, false
	}
	return r.objects.Load(id)
}

// Remove unregisters id and returns the object that was stored.
func (r *Registry) Remove(id ObjectID) (Object, bool) {
	return r.objects.LoadAndDelete(id)
}

// Len reports the number of registered objects.
func (r *Registry) Len() int {
	return r.objects.Size()
}

// Clear drops every object.
func (r *Registry) Clear() {
	r.objects.Clear()
}

// Handle returns a non-owning reference to id.
func (r *Registry) Handle(id ObjectID) Handle {
	return Handle{id: id, registry: r}
}

// Ordered returns every object with parents ahead of their children, ties
// broken by id. Snapshots are emitted in this order so a child's parent is
// always known to the receiver first.
func (r *Registry) Ordered() []Object {
	objects := make([]Object, 0, r.objects.Size())
	r.objects.Range(func(_ ObjectID, obj Object) bool {
		objects = append(objects, obj)
		return true
	})
	depth := make(map[ObjectID]int, len(objects))
	for _, obj := range objects {
		depth[obj.ID()] = r.depth(obj)
	}
	sort.Slice(objects, func(i, j int) bool {
		di, dj := depth[objects[i].ID()], depth[objects[j].ID()]
		if di != dj {
			return di < dj
		}
		return objects[i].ID() < objects[j].ID()
	})
	return objects
}

func (r *Registry) depth(obj Object) int {
	d := 0
	seen := map[ObjectID]bool{obj.ID(): true}
	for parent := obj.ParentID(); parent != InvalidObjectID; {
		if seen[parent] {
			break
		}
		seen[parent] = true
		next, ok := r.Get(parent)
		if !ok {
			break
		}
		d++
		parent = next.ParentID()
	}
	return d
}

// isAncestor reports whether id appears on the parent chain starting at obj
// (obj included).
func (r *Registry) isAncestor(id ObjectID, obj Object) bool {
	seen := make(map[ObjectID]bool)
	for cur := obj; ; {
		if cur.ID() == id {
			return true
		}
		seen[cur.ID()] = true
		parent := cur.ParentID()
		if parent == InvalidObjectID || seen[parent] {
			return false
		}
		next, ok := r.Get(parent)
		if !ok {
			return false
		}
		cur = next
	}
}

// Handle is a weak reference to a replicated object. Resolving it never
// touches a removed object: once the object leaves the registry the handle
// reports it as gone.
type Handle struct {
	id       ObjectID
	registry *Registry
}

// ID returns the referenced id.
func (h Handle) ID() ObjectID {
	return h.id
}

// Valid reports whether the handle refers to an id at all.
func (h Handle) Valid() bool {
	return h.id != InvalidObjectID && h.registry != nil
}

// Resolve returns the referenced object if it is still registered.
func (h Handle) Resolve() (Object, bool) {
	if !h.Valid() {
		return nil, false
	}
	return h.registry.Get(h.id)
}
