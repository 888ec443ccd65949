// Package server hosts the authoritative side: the object registry and scene,
// the connections attached to it and the fixed-rate loop that replicates the
// registry to every connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amerkoleci/rbfx/internal/prefab"
	"github.com/amerkoleci/rbfx/internal/proto"
	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/scene"
	"github.com/amerkoleci/rbfx/internal/session"
	"github.com/amerkoleci/rbfx/internal/telemetry"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/transport"
)

const (
	metricMalformed    = "server_malformed_messages_total"
	metricInboxDropped = "server_inbox_dropped_total"
	metricDisconnects  = "server_disconnects_total"
)

// ErrInboxFull disconnects a peer whose reliable message found the inbox
// full. Datagrams are dropped instead.
var ErrInboxFull = errors.New("server: inbox full")

// Config tunes a Hub.
type Config struct {
	TickRate        int
	CatchupMaxTicks int
	MaxDatagramSize int
	InboxCapacity   int
	// Avatar is spawned for, and owned by, every connecting peer.
	Avatar replica.PrefabRef
	Demo   DemoConfig
}

// Hub owns the server registry and the connections replicating it. Spawn,
// Destroy and Step run on the simulation goroutine; Connect may be called
// from any goroutine.
type Hub struct {
	cfg        Config
	deps       session.Deps
	graph      *scene.Graph
	registry   *replica.Registry
	library    *prefab.Library
	env        replica.Environment
	replicator *session.ServerReplicator
	inbox      *session.Inbox

	mu     sync.Mutex
	conns  map[replica.PeerID]*peerConn
	joins  []*peerConn
	leaves []replica.PeerID

	nextPeer atomic.Uint32
	frame    atomic.Uint32
	last     atomic.Pointer[session.FrameStats]
	peers    atomic.Pointer[[]PeerInfo]

	avatars map[replica.PeerID]replica.ObjectID
	demo    *demo
}

type peerConn struct {
	id     replica.PeerID
	conn   transport.Conn
	joined time.Time
}

// NewHub builds an empty world replicated with cfg.
func NewHub(library *prefab.Library, cfg Config, deps session.Deps) *Hub {
	if cfg.TickRate <= 0 {
		cfg.TickRate = 30
	}
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 1024
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics{}
	}
	registry := replica.NewRegistry()
	h := &Hub{
		cfg:      cfg,
		deps:     deps,
		graph:    scene.NewGraph(),
		registry: registry,
		library:  library,
		env:      replica.Environment{Registry: registry, Prefabs: library},
		replicator: session.NewServerReplicator(registry, session.ServerConfig{
			TickRate:        cfg.TickRate,
			MaxDatagramSize: cfg.MaxDatagramSize,
		}, deps),
		inbox:   session.NewInbox(cfg.InboxCapacity, deps.Metrics),
		conns:   make(map[replica.PeerID]*peerConn),
		avatars: make(map[replica.PeerID]replica.ObjectID),
	}
	return h
}

// Registry exposes the server objects.
func (h *Hub) Registry() *replica.Registry {
	return h.registry
}

// Graph exposes the server scene.
func (h *Hub) Graph() *scene.Graph {
	return h.graph
}

// Replicator exposes the replication pipeline.
func (h *Hub) Replicator() *session.ServerReplicator {
	return h.replicator
}

// Frame is the last simulated frame.
func (h *Hub) Frame() trace.Frame {
	return trace.Frame(h.frame.Load())
}

// LastStats returns the statistics of the last Step.
func (h *Hub) LastStats() (session.FrameStats, bool) {
	stats := h.last.Load()
	if stats == nil {
		return session.FrameStats{}, false
	}
	return *stats, true
}

// Spawn instantiates ref under parent (InvalidObjectID for the root).
func (h *Hub) Spawn(ref replica.PrefabRef, parent replica.ObjectID, name string) (replica.Object, error) {
	parentNode := h.graph.Root()
	if parent != replica.InvalidObjectID {
		obj, ok := h.registry.Get(parent)
		if !ok {
			return nil, fmt.Errorf("%w: %d", replica.ErrUnknownParent, parent)
		}
		parentNode = obj.Node()
	}
	obj, err := h.library.Spawn(h.env, parentNode, ref, name)
	if err != nil {
		return nil, err
	}
	if parent != replica.InvalidObjectID {
		if err := obj.SetParent(parent); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Destroy removes id and every object below it. Peers receive the removals
// on the next Step.
func (h *Hub) Destroy(id replica.ObjectID) error {
	obj, ok := h.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", replica.ErrUnknownObject, id)
	}
	doomed := h.subtree(id)
	// Children first so no surviving object points at a removed parent.
	sort.Slice(doomed, func(i, j int) bool { return doomed[i] > doomed[j] })
	for _, child := range doomed {
		h.registry.Remove(child)
	}
	if node := obj.Node(); node != nil {
		node.Remove()
	}
	return nil
}

func (h *Hub) subtree(root replica.ObjectID) []replica.ObjectID {
	out := []replica.ObjectID{root}
	for _, obj := range h.registry.Ordered() {
		seen := map[replica.ObjectID]bool{obj.ID(): true}
		for parent := obj.ParentID(); parent != replica.InvalidObjectID && !seen[parent]; {
			if parent == root {
				out = append(out, obj.ID())
				break
			}
			seen[parent] = true
			next, ok := h.registry.Get(parent)
			if !ok {
				break
			}
			parent = next.ParentID()
		}
	}
	return out
}

// Connect attaches conn and blocks until it closes or ctx ends. Messages are
// decoded on the connection's goroutines and handed to the next Step.
func (h *Hub) Connect(ctx context.Context, conn transport.Conn) error {
	id := replica.PeerID(h.nextPeer.Add(1))
	pc := &peerConn{id: id, conn: conn, joined: time.Now()}
	h.mu.Lock()
	h.conns[id] = pc
	h.joins = append(h.joins, pc)
	h.mu.Unlock()
	defer h.leave(id)

	err := transport.Pump(ctx, conn, func(data []byte, reliable bool) error {
		msg, err := proto.Decode(data)
		if err != nil {
			h.deps.Metrics.Add(metricMalformed, 1)
			if reliable {
				return fmt.Errorf("peer %d: %w", id, err)
			}
			return nil
		}
		if !h.inbox.Push(session.Inbound{Peer: id, Message: msg, Received: time.Now()}) {
			h.deps.Metrics.Add(metricInboxDropped, 1)
			if reliable {
				return fmt.Errorf("peer %d: %s: %w", id, msg.Type(), ErrInboxFull)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		h.logf("[server] peer %d (%s) disconnected: %v", id, conn.RemoteAddr(), err)
	}
	return err
}

func (h *Hub) leave(id replica.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return
	}
	delete(h.conns, id)
	h.leaves = append(h.leaves, id)
}

// Disconnect closes the connection of peer id.
func (h *Hub) Disconnect(id replica.PeerID) {
	h.mu.Lock()
	pc, ok := h.conns[id]
	h.mu.Unlock()
	if ok {
		h.deps.Metrics.Add(metricDisconnects, 1)
		pc.conn.Close()
	}
}

// Step advances the world by one frame and replicates it.
func (h *Hub) Step(ctx context.Context, dt float64) session.FrameStats {
	frame := trace.Frame(h.frame.Add(1))
	h.applyMembership()

	for _, in := range h.inbox.Drain() {
		if err := h.replicator.Handle(ctx, in); err != nil {
			h.logf("[server] rejected message from peer %d: %v", in.Peer, err)
		}
	}
	h.driveAvatars(dt)
	if h.demo != nil {
		h.demo.advance(h, frame, dt)
	}

	stats := h.replicator.Step(ctx, frame)
	for _, id := range stats.SendFailures {
		h.Disconnect(id)
	}
	h.last.Store(&stats)
	h.publishPeers()
	return stats
}

func (h *Hub) applyMembership() {
	h.mu.Lock()
	joins, leaves := h.joins, h.leaves
	h.joins, h.leaves = nil, nil
	h.mu.Unlock()

	for _, pc := range joins {
		if err := h.replicator.AddPeer(pc.id, pc.conn, pc.conn.RemoteAddr(), pc.conn.Transport()); err != nil {
			h.logf("[server] attach peer %d: %v", pc.id, err)
			pc.conn.Close()
			continue
		}
		h.spawnAvatar(pc.id)
	}
	for _, id := range leaves {
		h.replicator.RemovePeer(id)
		if avatar, ok := h.avatars[id]; ok {
			delete(h.avatars, id)
			if err := h.Destroy(avatar); err != nil {
				h.logf("[server] destroy avatar of peer %d: %v", id, err)
			}
		}
	}
}

type ownerAssigner interface {
	SetOwnerPeer(peer replica.PeerID)
}

func (h *Hub) spawnAvatar(id replica.PeerID) {
	if h.cfg.Avatar == "" {
		return
	}
	if _, ok := h.library.Lookup(h.cfg.Avatar); !ok {
		return
	}
	obj, err := h.Spawn(h.cfg.Avatar, replica.InvalidObjectID, fmt.Sprintf("avatar-%d", id))
	if err != nil {
		h.logf("[server] spawn avatar for peer %d: %v", id, err)
		return
	}
	if owned, ok := obj.(ownerAssigner); ok {
		owned.SetOwnerPeer(id)
	}
	h.avatars[id] = obj.ID()
}

// Avatar returns the object owned by peer id. Simulation goroutine only.
func (h *Hub) Avatar(id replica.PeerID) (replica.ObjectID, bool) {
	avatar, ok := h.avatars[id]
	return avatar, ok
}

// Peers lists the connections as of the last Step.
func (h *Hub) Peers() []PeerInfo {
	peers := h.peers.Load()
	if peers == nil {
		return nil
	}
	return append([]PeerInfo(nil), (*peers)...)
}

func (h *Hub) publishPeers() {
	h.mu.Lock()
	out := make([]PeerInfo, 0, len(h.conns))
	for _, pc := range h.conns {
		out = append(out, PeerInfo{ID: pc.id, Remote: pc.conn.RemoteAddr(), Transport: pc.conn.Transport(), Joined: pc.joined})
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for i := range out {
		out[i].Known, _ = h.replicator.Known(out[i].ID)
		if avatar, ok := h.avatars[out[i].ID]; ok {
			out[i].Avatar = avatar
		}
	}
	h.peers.Store(&out)
}

// PeerInfo describes one connection for diagnostics.
type PeerInfo struct {
	ID        replica.PeerID   `json:"id"`
	Remote    string           `json:"remote"`
	Transport string           `json:"transport"`
	Joined    time.Time        `json:"joined"`
	Known     int              `json:"known"`
	Avatar    replica.ObjectID `json:"avatar,omitempty"`
}

func (h *Hub) logf(format string, args ...any) {
	if h.deps.Logger != nil {
		h.deps.Logger.Printf(format, args...)
	}
}
