package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/amerkoleci/rbfx/internal/logging"
	"github.com/amerkoleci/rbfx/internal/logging/replication"
	"github.com/amerkoleci/rbfx/internal/proto"
	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/wire"
)

const (
	metricSnapshots       = "replication_snapshots_total"
	metricDeltas          = "replication_reliable_deltas_total"
	metricRemovals        = "replication_removals_total"
	metricUnreliable      = "replication_unreliable_records_total"
	metricReliableBytes   = "replication_reliable_bytes_total"
	metricUnreliableBytes = "replication_unreliable_bytes_total"
	metricFeedback        = "replication_feedback_records_total"
	metricFeedbackDropped = "replication_feedback_rejected_total"
	metricSendFailures    = "replication_send_failures_total"
	metricPeers           = "replication_peers"
	metricObjects         = "replication_objects"
)

// ServerConfig tunes the server replicator.
type ServerConfig struct {
	TickRate        int
	MaxDatagramSize int
}

// FrameStats summarises one Step.
type FrameStats struct {
	Frame           trace.Frame
	Snapshots       int
	Deltas          int
	Removals        int
	Unreliable      int
	ReliableBytes   int
	UnreliableBytes int
	SendFailures    []replica.PeerID
}

type serverPeer struct {
	peer      *replica.Peer
	sender    Sender
	remote    string
	transport string
	reset     bool
}

// ServerReplicator owns the per-peer replication state on the server. Step
// and the Handle* methods run on the simulation goroutine; peers may be added
// and removed from any goroutine.
type ServerReplicator struct {
	registry *replica.Registry
	cfg      ServerConfig
	deps     Deps
	session  uuid.UUID

	mu    sync.Mutex
	peers map[replica.PeerID]*serverPeer
	frame trace.Frame
}

// NewServerReplicator replicates the objects of registry.
func NewServerReplicator(registry *replica.Registry, cfg ServerConfig, deps Deps) *ServerReplicator {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = proto.MaxDatagramSize
	}
	return &ServerReplicator{
		registry: registry,
		cfg:      cfg,
		deps:     deps.withDefaults(),
		session:  uuid.New(),
		peers:    make(map[replica.PeerID]*serverPeer),
	}
}

// Session identifies this server run.
func (s *ServerReplicator) Session() uuid.UUID {
	return s.session
}

// AddPeer starts replicating to sender and sends the Hello message.
func (s *ServerReplicator) AddPeer(id replica.PeerID, sender Sender, remote, transport string) error {
	s.mu.Lock()
	if _, exists := s.peers[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("session: peer %d already attached", id)
	}
	s.peers[id] = &serverPeer{peer: replica.NewPeer(id), sender: sender, remote: remote, transport: transport}
	frame := s.frame
	count := len(s.peers)
	s.mu.Unlock()

	s.deps.Metrics.Store(metricPeers, uint64(count))
	hello := proto.Encode(&proto.Hello{Peer: id, Session: s.session, TickRate: uint32(s.cfg.TickRate), Frame: frame})
	if err := sender.SendReliable(hello); err != nil {
		s.RemovePeer(id)
		return fmt.Errorf("send hello: %w", err)
	}
	replication.PeerJoined(context.Background(), s.deps.Publisher, uint32(frame), logging.PeerRef(uint32(id)), replication.PeerPayload{Remote: remote, Transport: transport})
	return nil
}

// RemovePeer stops replicating to id.
func (s *ServerReplicator) RemovePeer(id replica.PeerID) {
	s.mu.Lock()
	state, ok := s.peers[id]
	delete(s.peers, id)
	frame := s.frame
	count := len(s.peers)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.deps.Metrics.Store(metricPeers, uint64(count))
	replication.PeerLeft(context.Background(), s.deps.Publisher, uint32(frame), logging.PeerRef(uint32(id)), replication.PeerPayload{
		Remote:    state.remote,
		Transport: state.transport,
		Known:     state.peer.KnownCount(),
	})
}

// PeerCount reports the attached peers.
func (s *ServerReplicator) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Known returns how many objects peer id has been sent.
func (s *ServerReplicator) Known(id replica.PeerID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.peers[id]
	if !ok {
		return 0, false
	}
	return state.peer.KnownCount(), true
}

func (s *ServerReplicator) snapshotPeers() []*serverPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*serverPeer, 0, len(s.peers))
	for _, state := range s.peers {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].peer.ID < out[j].peer.ID })
	return out
}

// Handle applies an inbound client message.
func (s *ServerReplicator) Handle(ctx context.Context, in Inbound) error {
	switch msg := in.Message.(type) {
	case *proto.Feedback:
		s.handleFeedback(ctx, in.Peer, msg)
		return nil
	case *proto.ResyncRequest:
		s.handleResync(ctx, in.Peer, msg)
		return nil
	default:
		return fmt.Errorf("%w: %T from peer %d", ErrUnexpectedMessage, in.Message, in.Peer)
	}
}

func (s *ServerReplicator) handleFeedback(ctx context.Context, sender replica.PeerID, msg *proto.Feedback) {
	for _, rec := range msg.Records {
		obj, ok := s.registry.Get(rec.ObjectID)
		if !ok {
			continue
		}
		if owner := obj.OwnerPeer(); owner != sender {
			s.deps.Metrics.Add(metricFeedbackDropped, 1)
			replication.FeedbackRejected(ctx, s.deps.Publisher, uint32(msg.Frame), logging.ObjectRef(uint32(rec.ObjectID)), replication.FeedbackPayload{
				Owner:  uint32(owner),
				Sender: uint32(sender),
			})
			continue
		}
		if err := obj.ReadUnreliableFeedback(msg.Frame, wire.NewReader(rec.Payload)); err != nil {
			replication.Desync(ctx, s.deps.Publisher, uint32(msg.Frame), logging.ObjectRef(uint32(rec.ObjectID)), replication.DesyncPayload{
				Record: "feedback",
				Error:  err.Error(),
			})
			continue
		}
		s.deps.Metrics.Add(metricFeedback, 1)
	}
}

func (s *ServerReplicator) handleResync(ctx context.Context, id replica.PeerID, msg *proto.ResyncRequest) {
	s.mu.Lock()
	state, ok := s.peers[id]
	if ok {
		state.reset = true
	}
	s.mu.Unlock()
	if ok {
		replication.ResyncRequested(ctx, s.deps.Publisher, uint32(msg.Frame), logging.PeerRef(uint32(id)), replication.ResyncPayload{Reason: msg.Reason})
	}
}

// Step runs the replication pipeline for frame: sample transforms, build the
// shared unreliable payloads, then for every peer send removals, snapshots of
// newly relevant objects and reliable deltas in one reliable message followed
// by the unreliable datagrams. Peers whose send failed are reported in the
// result; the caller decides whether to disconnect them.
func (s *ServerReplicator) Step(ctx context.Context, frame trace.Frame) FrameStats {
	s.mu.Lock()
	s.frame = frame
	s.mu.Unlock()

	stats := FrameStats{Frame: frame}
	objects := s.registry.Ordered()
	for _, obj := range objects {
		obj.UpdateTransformOnServer(frame)
	}

	unreliable := make(map[replica.ObjectID][]byte)
	for _, obj := range objects {
		if !obj.Initialized() || !obj.PrepareUnreliableDelta(frame) {
			continue
		}
		w := wire.NewWriter(32)
		obj.WriteUnreliableDelta(frame, w)
		unreliable[obj.ID()] = w.Bytes()
	}

	for _, state := range s.snapshotPeers() {
		if err := s.stepPeer(ctx, frame, state, objects, unreliable, &stats); err != nil {
			stats.SendFailures = append(stats.SendFailures, state.peer.ID)
			s.deps.Metrics.Add(metricSendFailures, 1)
			s.deps.Logger.Printf("[replication] send to peer %d failed: %v", state.peer.ID, err)
		}
	}

	s.deps.Metrics.Store(metricObjects, uint64(len(objects)))
	s.deps.Metrics.Add(metricSnapshots, uint64(stats.Snapshots))
	s.deps.Metrics.Add(metricDeltas, uint64(stats.Deltas))
	s.deps.Metrics.Add(metricRemovals, uint64(stats.Removals))
	s.deps.Metrics.Add(metricUnreliable, uint64(stats.Unreliable))
	s.deps.Metrics.Add(metricReliableBytes, uint64(stats.ReliableBytes))
	s.deps.Metrics.Add(metricUnreliableBytes, uint64(stats.UnreliableBytes))
	return stats
}

func (s *ServerReplicator) stepPeer(ctx context.Context, frame trace.Frame, state *serverPeer, objects []replica.Object, unreliable map[replica.ObjectID][]byte, stats *FrameStats) error {
	peer := state.peer
	var records []proto.Record

	s.mu.Lock()
	reset := state.reset
	state.reset = false
	s.mu.Unlock()
	if reset {
		peer.Reset()
		records = append(records, proto.Record{Type: proto.RecordReset})
		replication.ResyncServed(ctx, s.deps.Publisher, uint32(frame), logging.PeerRef(uint32(peer.ID)), replication.ResyncPayload{Reason: "client request"})
	}

	records = append(records, s.removals(peer, stats)...)

	fresh := make(map[replica.ObjectID]struct{})
	for _, obj := range objects {
		id := obj.ID()
		if peer.Knows(id) || !obj.Initialized() || !obj.IsRelevantForClient(peer) {
			continue
		}
		w := wire.NewWriter(64)
		obj.WriteSnapshot(peer, frame, w)
		peer.MarkKnown(id)
		fresh[id] = struct{}{}
		records = append(records, proto.Record{
			Type:     proto.RecordSnapshot,
			ObjectID: id,
			Kind:     obj.Kind(),
			Owned:    obj.OwnerPeer() == peer.ID,
			Payload:  w.Bytes(),
		})
		stats.Snapshots++
	}

	for _, obj := range objects {
		id := obj.ID()
		if _, isFresh := fresh[id]; isFresh || !peer.Knows(id) {
			continue
		}
		if !obj.PrepareReliableDelta(peer, frame) {
			continue
		}
		w := wire.NewWriter(16)
		obj.WriteReliableDelta(peer, frame, w)
		records = append(records, proto.Record{Type: proto.RecordDelta, ObjectID: id, Payload: w.Bytes()})
		stats.Deltas++
	}

	if len(records) > 0 {
		msg := proto.Encode(&proto.ReliableFrame{Frame: frame, Records: records})
		stats.ReliableBytes += len(msg)
		if err := state.sender.SendReliable(msg); err != nil {
			return err
		}
	}

	var payloads []proto.ObjectPayload
	for _, obj := range objects {
		id := obj.ID()
		payload, ok := unreliable[id]
		if !ok || !peer.Knows(id) {
			continue
		}
		if _, isFresh := fresh[id]; isFresh {
			continue
		}
		payloads = append(payloads, proto.ObjectPayload{ObjectID: id, Payload: payload})
	}
	stats.Unreliable += len(payloads)
	for _, datagram := range proto.SplitUnreliable(frame, payloads, s.cfg.MaxDatagramSize) {
		stats.UnreliableBytes += len(datagram)
		if err := state.sender.SendUnreliable(datagram); err != nil {
			return err
		}
	}
	return nil
}

// removals lists known objects that were destroyed or stopped being relevant,
// in descending id order.
func (s *ServerReplicator) removals(peer *replica.Peer, stats *FrameStats) []proto.Record {
	known := peer.Known()
	sort.Slice(known, func(i, j int) bool { return known[i] > known[j] })
	var records []proto.Record
	for _, id := range known {
		obj, ok := s.registry.Get(id)
		if ok && obj.IsRelevantForClient(peer) {
			continue
		}
		peer.Forget(id)
		records = append(records, proto.Record{Type: proto.RecordRemove, ObjectID: id})
		stats.Removals++
	}
	return records
}
