// Package scene is the boundary to the scene-graph substrate. Replication
// only needs node existence, world transforms and parent linkage; the
// in-memory Graph implements that surface for the server, the CLI client and
// tests.
package scene

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Node is a hierarchy node that a replicated object is bound to.
type Node interface {
	Name() string
	Alive() bool
	Parent() Node
	SetParent(parent Node)
	CreateChild(name string) Node
	Remove()

	WorldPosition() mgl64.Vec3
	SetWorldPosition(pos mgl64.Vec3)
	WorldRotation() mgl64.Quat
	SetWorldRotation(rot mgl64.Quat)
}

// Graph is a minimal thread-safe node hierarchy.
type Graph struct {
	mu   sync.RWMutex
	root *MemoryNode
}

// NewGraph constructs an empty hierarchy with a root node.
func NewGraph() *Graph {
	g := &Graph{}
	g.root = &MemoryNode{graph: g, name: "root", alive: true, rotation: mgl64.QuatIdent()}
	return g
}

// Root returns the root node.
func (g *Graph) Root() Node {
	return g.root
}

// Count reports the number of live nodes excluding the root.
func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.root.countLocked() - 1
}

// MemoryNode is the Graph's Node implementation. Transforms are stored in
// world space; parenting only affects hierarchy queries.
type MemoryNode struct {
	graph    *Graph
	name     string
	alive    bool
	parent   *MemoryNode
	children []*MemoryNode
	position mgl64.Vec3
	rotation mgl64.Quat
}

func (n *MemoryNode) Name() string {
	return n.name
}

func (n *MemoryNode) Alive() bool {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.alive
}

func (n *MemoryNode) Parent() Node {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	if n.parent == nil {
		return nil
	}
	return n.parent
}

// SetParent moves the node under parent. A nil or foreign parent moves it
// under the root.
func (n *MemoryNode) SetParent(parent Node) {
	n.graph.mu.Lock()
	defer n.graph.mu.Unlock()
	target, ok := parent.(*MemoryNode)
	if !ok || target == nil || target.graph != n.graph || target == n {
		target = n.graph.root
	}
	n.detachLocked()
	n.parent = target
	target.children = append(target.children, n)
}

func (n *MemoryNode) CreateChild(name string) Node {
	n.graph.mu.Lock()
	defer n.graph.mu.Unlock()
	child := &MemoryNode{
		graph:    n.graph,
		name:     name,
		alive:    true,
		parent:   n,
		rotation: mgl64.QuatIdent(),
	}
	n.children = append(n.children, child)
	return child
}

// Remove detaches the node and marks it and its subtree dead.
func (n *MemoryNode) Remove() {
	n.graph.mu.Lock()
	defer n.graph.mu.Unlock()
	if n == n.graph.root {
		return
	}
	n.detachLocked()
	n.killLocked()
}

func (n *MemoryNode) WorldPosition() mgl64.Vec3 {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.position
}

func (n *MemoryNode) SetWorldPosition(pos mgl64.Vec3) {
	n.graph.mu.Lock()
	defer n.graph.mu.Unlock()
	n.position = pos
}

func (n *MemoryNode) WorldRotation() mgl64.Quat {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.rotation
}

func (n *MemoryNode) SetWorldRotation(rot mgl64.Quat) {
	n.graph.mu.Lock()
	defer n.graph.mu.Unlock()
	n.rotation = rot
}

func (n *MemoryNode) detachLocked() {
	if n.parent == nil {
		return
	}
	siblings := n.parent.children
	for i, child := range siblings {
		if child == n {
			n.parent.children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	n.parent = nil
}

func (n *MemoryNode) killLocked() {
	n.alive = false
	for _, child := range n.children {
		child.killLocked()
	}
	n.children = nil
}

func (n *MemoryNode) countLocked() int {
	total := 1
	for _, child := range n.children {
		total += child.countLocked()
	}
	return total
}

var _ Node = (*MemoryNode)(nil)
