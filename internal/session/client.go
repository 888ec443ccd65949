package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amerkoleci/rbfx/internal/logging"
	"github.com/amerkoleci/rbfx/internal/logging/replication"
	"github.com/amerkoleci/rbfx/internal/proto"
	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/scene"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/wire"
)

const (
	metricClientDesyncs        = "replication_client_desyncs_total"
	metricClientResyncs        = "replication_client_resync_requests_total"
	metricClientStaleDatagrams = "replication_client_unreliable_skipped_total"
	metricClientObjects        = "replication_client_objects"
)

// ClientConfig tunes the client replica.
type ClientConfig struct {
	InterpolationDelay float64
	MaxDatagramSize    int
	ResyncCooldown     trace.Frame
}

// ClientReplica mirrors the server's objects on a client. All methods run on
// the client's simulation goroutine.
type ClientReplica struct {
	registry *replica.Registry
	graph    *scene.Graph
	env      replica.Environment
	cfg      ClientConfig
	deps     Deps
	sender   Sender

	peer     replica.PeerID
	session  uuid.UUID
	clock    *Clock
	policy   *ResyncPolicy
	broken   map[replica.ObjectID]struct{}
	feedback trace.Frame
	hello    bool
}

// NewClientReplica builds an empty replica that instantiates prefabs through
// prefabs and sends feedback and resync requests through sender.
func NewClientReplica(graph *scene.Graph, prefabs replica.PrefabResolver, sender Sender, cfg ClientConfig, deps Deps) *ClientReplica {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = proto.MaxDatagramSize
	}
	if cfg.ResyncCooldown == 0 {
		cfg.ResyncCooldown = 30
	}
	registry := replica.NewRegistry()
	return &ClientReplica{
		registry: registry,
		graph:    graph,
		env:      replica.Environment{Registry: registry, Prefabs: prefabs},
		cfg:      cfg,
		deps:     deps.withDefaults(),
		sender:   sender,
		clock:    NewClock(0, cfg.InterpolationDelay),
		policy:   NewResyncPolicy(cfg.ResyncCooldown),
		broken:   make(map[replica.ObjectID]struct{}),
	}
}

// Registry exposes the client's objects.
func (c *ClientReplica) Registry() *replica.Registry {
	return c.registry
}

// Clock exposes the client's time estimate.
func (c *ClientReplica) Clock() *Clock {
	return c.clock
}

// Peer is the id the server assigned in Hello.
func (c *ClientReplica) Peer() (replica.PeerID, uuid.UUID, bool) {
	return c.peer, c.session, c.hello
}

// Broken reports whether id is excluded from replication after a desync.
func (c *ClientReplica) Broken(id replica.ObjectID) bool {
	_, ok := c.broken[id]
	return ok
}

// Apply processes one server message. Desynchronised objects are reported as
// a joined error of *replica.DesyncError values; the rest of the message is
// still applied.
func (c *ClientReplica) Apply(ctx context.Context, msg proto.Message) error {
	switch m := msg.(type) {
	case *proto.Hello:
		c.peer, c.session, c.hello = m.Peer, m.Session, true
		c.clock.SetTickRate(int(m.TickRate))
		return nil
	case *proto.ReliableFrame:
		err := c.applyReliable(ctx, m)
		c.clock.Observe(m.Frame)
		c.deps.Metrics.Store(metricClientObjects, uint64(c.registry.Len()))
		return err
	case *proto.UnreliableFrame:
		err := c.applyUnreliable(ctx, m)
		c.clock.Observe(m.Frame)
		return err
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
}

func (c *ClientReplica) applyReliable(ctx context.Context, m *proto.ReliableFrame) error {
	var errs []error
	for _, rec := range m.Records {
		var err error
		switch rec.Type {
		case proto.RecordReset:
			c.reset()
			continue
		case proto.RecordSnapshot:
			err = c.applySnapshot(m.Frame, rec)
		case proto.RecordDelta:
			if c.Broken(rec.ObjectID) {
				continue
			}
			obj, ok := c.registry.Get(rec.ObjectID)
			if !ok {
				err = replica.ErrUnknownObject
				break
			}
			err = obj.ReadReliableDelta(m.Frame, wire.NewReader(rec.Payload))
		case proto.RecordRemove:
			err = c.remove(rec.ObjectID)
		}
		if err != nil {
			errs = append(errs, c.desync(ctx, m.Frame, rec.ObjectID, recordName(rec.Type), err))
			continue
		}
		c.policy.NoteApplied()
	}
	return errors.Join(errs...)
}

func (c *ClientReplica) applySnapshot(frame trace.Frame, rec proto.Record) error {
	if _, exists := c.registry.Get(rec.ObjectID); exists {
		return replica.ErrAlreadyInitialized
	}
	delete(c.broken, rec.ObjectID)
	node := c.graph.Root().CreateChild(fmt.Sprintf("replica-%d", rec.ObjectID))
	obj, err := replica.NewObject(rec.Kind, rec.ObjectID, node, c.env)
	if err != nil {
		node.Remove()
		return err
	}
	obj.SetOwned(rec.Owned)
	if err := c.registry.Add(obj); err != nil {
		node.Remove()
		return err
	}
	if err := obj.InitializeFromSnapshot(frame, wire.NewReader(rec.Payload)); err != nil {
		c.registry.Remove(rec.ObjectID)
		node.Remove()
		return err
	}
	return nil
}

// remove drops id and moves its child objects to the root; the server
// follows up with hierarchy deltas for them.
func (c *ClientReplica) remove(id replica.ObjectID) error {
	if _, wasBroken := c.broken[id]; wasBroken {
		delete(c.broken, id)
		return nil
	}
	obj, ok := c.registry.Remove(id)
	if !ok {
		return replica.ErrUnknownObject
	}
	for _, other := range c.registry.Ordered() {
		if other.ParentID() == id {
			_ = other.SetParent(replica.InvalidObjectID)
		}
	}
	if node := obj.Node(); node != nil {
		node.Remove()
	}
	return nil
}

func (c *ClientReplica) reset() {
	for _, obj := range c.registry.Ordered() {
		if node := obj.Node(); node != nil {
			node.Remove()
		}
	}
	c.registry.Clear()
	c.broken = make(map[replica.ObjectID]struct{})
	c.policy.NoteReset()
}

func (c *ClientReplica) applyUnreliable(ctx context.Context, m *proto.UnreliableFrame) error {
	var errs []error
	for _, rec := range m.Records {
		obj, ok := c.registry.Get(rec.ObjectID)
		if !ok || !obj.Initialized() || c.Broken(rec.ObjectID) {
			// The reliable snapshot has not arrived yet.
			c.deps.Metrics.Add(metricClientStaleDatagrams, 1)
			continue
		}
		if err := obj.ReadUnreliableDelta(m.Frame, wire.NewReader(rec.Payload)); err != nil {
			errs = append(errs, c.desync(ctx, m.Frame, rec.ObjectID, "unreliable", err))
			continue
		}
		c.policy.NoteApplied()
	}
	return errors.Join(errs...)
}

func (c *ClientReplica) desync(ctx context.Context, frame trace.Frame, id replica.ObjectID, record string, err error) error {
	err = replica.Desync(id, frame, err)
	c.broken[id] = struct{}{}
	c.policy.NoteDesync(id, record)
	c.deps.Metrics.Add(metricClientDesyncs, 1)
	replication.Desync(ctx, c.deps.Publisher, uint32(frame), logging.ObjectRef(uint32(id)), replication.DesyncPayload{Record: record, Error: err.Error()})
	return err
}

func recordName(t proto.RecordType) string {
	switch t {
	case proto.RecordSnapshot:
		return "snapshot"
	case proto.RecordDelta:
		return "delta"
	case proto.RecordRemove:
		return "remove"
	case proto.RecordReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Step advances the clock by dt, interpolates every object, sends feedback
// for owned objects once per input frame and, when the policy asks for it,
// a resync request.
func (c *ClientReplica) Step(ctx context.Context, dt time.Duration) error {
	if !c.clock.Synced() {
		return nil
	}
	c.clock.Advance(dt)
	replicaTime, inputTime := c.clock.ReplicaTime(), c.clock.InputTime()
	objects := c.registry.Ordered()
	for _, obj := range objects {
		if c.Broken(obj.ID()) || !obj.Initialized() {
			continue
		}
		obj.InterpolateState(replicaTime, inputTime)
	}

	var errs []error
	if frame := inputTime.Frame; frame > c.feedback {
		c.feedback = frame
		if err := c.sendFeedback(frame, objects); err != nil {
			errs = append(errs, err)
		}
	}
	if signal, ok := c.policy.Consume(c.clock.LatestFrame()); ok {
		c.deps.Metrics.Add(metricClientResyncs, 1)
		replication.ResyncRequested(ctx, c.deps.Publisher, uint32(c.clock.LatestFrame()), logging.EntityRef{Kind: logging.EntityKindClient, ID: c.session.String()}, replication.ResyncPayload{
			Reason:  signal.Summary(),
			Desyncs: signal.Desyncs,
		})
		req := proto.Encode(&proto.ResyncRequest{Frame: c.clock.LatestFrame(), Reason: signal.Summary()})
		if err := c.sender.SendReliable(req); err != nil {
			errs = append(errs, fmt.Errorf("send resync request: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *ClientReplica) sendFeedback(frame trace.Frame, objects []replica.Object) error {
	var records []proto.ObjectPayload
	for _, obj := range objects {
		if !obj.Owned() || c.Broken(obj.ID()) || !obj.Initialized() || !obj.PrepareUnreliableFeedback(frame) {
			continue
		}
		w := wire.NewWriter(32)
		obj.WriteUnreliableFeedback(frame, w)
		records = append(records, proto.ObjectPayload{ObjectID: obj.ID(), Payload: w.Bytes()})
	}
	for _, datagram := range proto.SplitFeedback(frame, records, c.cfg.MaxDatagramSize) {
		if err := c.sender.SendUnreliable(datagram); err != nil {
			return fmt.Errorf("send feedback: %w", err)
		}
	}
	return nil
}
