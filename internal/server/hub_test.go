package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerkoleci/rbfx/internal/logging"
	"github.com/amerkoleci/rbfx/internal/logging/replication"
	"github.com/amerkoleci/rbfx/internal/logging/sinks"
	"github.com/amerkoleci/rbfx/internal/prefab"
	"github.com/amerkoleci/rbfx/internal/proto"
	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/replica/behaviors"
	"github.com/amerkoleci/rbfx/internal/scene"
	"github.com/amerkoleci/rbfx/internal/session"
	"github.com/amerkoleci/rbfx/internal/transport/memory"
)

const prefabs = `
prefabs:
  - name: marker
    kind: static
  - name: crate
    kind: behavior
    behaviors:
      - type: transform
      - type: label
        text: crate
  - name: avatar
    kind: behavior
    behaviors:
      - type: transform
      - type: input
`

const dt = 1.0 / 30

func newLibrary(t *testing.T) *prefab.Library {
	t.Helper()
	lib, err := prefab.ParseYAML([]byte(prefabs), prefab.DefaultFactory())
	require.NoError(t, err)
	return lib
}

func newHub(t *testing.T, avatar replica.PrefabRef) (*Hub, *sinks.MemorySink) {
	t.Helper()
	events := sinks.NewMemorySink(0)
	pub := logging.PublisherFunc(func(_ context.Context, e logging.Event) { _ = events.Write(e) })
	hub := NewHub(newLibrary(t), Config{TickRate: 30, Avatar: avatar}, session.Deps{Publisher: pub})
	return hub, events
}

type testClient struct {
	t       *testing.T
	conn    *memory.Conn
	replica *session.ClientReplica
	done    chan error
}

func connect(t *testing.T, hub *Hub) *testClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serverEnd, clientEnd := memory.Pipe(64)
	c := &testClient{
		t:       t,
		conn:    clientEnd,
		replica: session.NewClientReplica(scene.NewGraph(), hub.library, clientEnd, session.ClientConfig{InterpolationDelay: 1}, session.Deps{}),
		done:    make(chan error, 1),
	}
	before := hub.connCount()
	go func() { c.done <- hub.Connect(ctx, serverEnd) }()
	require.Eventually(t, func() bool { return hub.connCount() > before }, time.Second, time.Millisecond)
	return c
}

func (h *Hub) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// drain applies everything the server has sent so far.
func (c *testClient) drain() {
	c.t.Helper()
	for {
		data, ok := c.conn.TryReceiveReliable()
		if !ok {
			break
		}
		msg, err := proto.Decode(data)
		require.NoError(c.t, err)
		require.NoError(c.t, c.replica.Apply(context.Background(), msg))
	}
	for {
		data, ok := c.conn.TryReceiveUnreliable()
		if !ok {
			break
		}
		msg, err := proto.Decode(data)
		require.NoError(c.t, err)
		require.NoError(c.t, c.replica.Apply(context.Background(), msg))
	}
}

func (c *testClient) owned() (*replica.BehaviorObject, bool) {
	for _, obj := range c.replica.Registry().Ordered() {
		if obj.Owned() {
			composite, ok := obj.(*replica.BehaviorObject)
			return composite, ok
		}
	}
	return nil, false
}

func TestConnectSpawnsOwnedAvatar(t *testing.T) {
	hub, events := newHub(t, "avatar")
	client := connect(t, hub)

	hub.Step(context.Background(), dt)
	client.drain()

	peer, _, ok := client.replica.Peer()
	require.True(t, ok)
	avatarID, ok := hub.Avatar(peer)
	require.True(t, ok)

	serverAvatar, ok := hub.Registry().Get(avatarID)
	require.True(t, ok)
	assert.Equal(t, peer, serverAvatar.OwnerPeer())

	mirrored, ok := client.owned()
	require.True(t, ok, "client should own its avatar")
	assert.Equal(t, avatarID, mirrored.ID())
	assert.Len(t, events.OfType(replication.EventPeerJoined), 1)

	peers := hub.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "memory", peers[0].Transport)
	assert.Equal(t, 1, peers[0].Known)
	assert.Equal(t, avatarID, peers[0].Avatar)
}

func TestDemoMoversReplicate(t *testing.T) {
	hub, _ := newHub(t, "")
	require.NoError(t, hub.StartDemo(DemoConfig{Marker: "marker", Prefab: "crate", Count: 3, Radius: 5, Speed: 1}))
	client := connect(t, hub)

	for i := 0; i < 10; i++ {
		hub.Step(context.Background(), dt)
		client.drain()
	}

	require.Equal(t, 4, client.replica.Registry().Len())
	frame := hub.Frame()
	for _, m := range hub.demo.movers {
		serverObj, ok := hub.Registry().Get(m.id)
		require.True(t, ok)
		clientObj, ok := client.replica.Registry().Get(m.id)
		require.True(t, ok)
		assert.Equal(t, hub.demo.anchor, clientObj.ParentID())

		transform, ok := findBehavior[*behaviors.Transform](clientObj)
		require.True(t, ok)
		got, ok := transform.RawWorldPosition(frame)
		require.True(t, ok, "frame %d should have been received", frame)
		want := serverObj.Node().WorldPosition()
		assert.True(t, got.ApproxEqualThreshold(want, 1e-4), "mover %d at %v, want %v", m.id, got, want)

		serverLabel, _ := findBehavior[*behaviors.Label](serverObj)
		clientLabel, ok := findBehavior[*behaviors.Label](clientObj)
		require.True(t, ok)
		assert.Equal(t, serverLabel.Text(), clientLabel.Text())
	}
}

func TestDisconnectRemovesAvatar(t *testing.T) {
	hub, events := newHub(t, "avatar")
	first := connect(t, hub)
	second := connect(t, hub)

	hub.Step(context.Background(), dt)
	first.drain()
	second.drain()
	require.Equal(t, 2, second.replica.Registry().Len())

	first.conn.Close()
	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatalf("connection did not stop")
	}

	hub.Step(context.Background(), dt)
	second.drain()
	assert.Equal(t, 1, hub.Registry().Len())
	assert.Equal(t, 1, second.replica.Registry().Len())
	assert.Len(t, events.OfType(replication.EventPeerLeft), 1)
}

func TestAvatarFollowsOwnerInput(t *testing.T) {
	hub, _ := newHub(t, "avatar")
	client := connect(t, hub)

	hub.Step(context.Background(), dt)
	client.drain()

	avatar, ok := client.owned()
	require.True(t, ok)
	input, ok := replica.FindBehavior[*behaviors.InputFeedback](avatar)
	require.True(t, ok)
	input.SetInput(client.replica.Clock().InputTime().Frame, mgl64.Vec3{1, 0, 0})
	require.NoError(t, client.replica.Step(context.Background(), 33*time.Millisecond))

	require.Eventually(t, func() bool { return hub.inbox.Len() > 0 }, time.Second, time.Millisecond)
	hub.Step(context.Background(), 0.5)

	serverAvatar, ok := hub.Registry().Get(avatar.ID())
	require.True(t, ok)
	pos := serverAvatar.Node().WorldPosition()
	assert.InDelta(t, AvatarSpeed*0.5, pos.X(), 1e-9)
	assert.InDelta(t, 0, pos.Z(), 1e-9)
}

func TestDestroyRemovesSubtree(t *testing.T) {
	hub, _ := newHub(t, "")
	require.NoError(t, hub.StartDemo(DemoConfig{Marker: "marker", Prefab: "crate", Count: 2, Radius: 1}))
	require.Equal(t, 3, hub.Registry().Len())

	require.NoError(t, hub.Destroy(hub.demo.anchor))
	assert.Zero(t, hub.Registry().Len())
	assert.Zero(t, hub.Graph().Count())

	err := hub.Destroy(hub.demo.anchor)
	assert.ErrorIs(t, err, replica.ErrUnknownObject)

	// Movers that no longer exist are dropped instead of moved.
	hub.Step(context.Background(), dt)
	assert.Empty(t, hub.demo.movers)
}

func TestReparentIntoOwnSubtreeIsRejected(t *testing.T) {
	hub, _ := newHub(t, "")
	a, err := hub.Spawn("marker", replica.InvalidObjectID, "a")
	require.NoError(t, err)
	b, err := hub.Spawn("marker", a.ID(), "b")
	require.NoError(t, err)
	c, err := hub.Spawn("marker", replica.InvalidObjectID, "c")
	require.NoError(t, err)

	assert.ErrorIs(t, a.SetParent(b.ID()), replica.ErrCyclicParent)
	assert.Equal(t, replica.InvalidObjectID, a.ParentID())

	require.NoError(t, hub.Destroy(c.ID()))
	assert.Equal(t, 2, hub.Registry().Len())
}

// loopedObject reports a fixed parent regardless of the scene, so a cycle
// can exist in the registry.
type loopedObject struct {
	*replica.StaticObject
	parent replica.ObjectID
}

func (o loopedObject) ParentID() replica.ObjectID { return o.parent }

func TestDestroyTerminatesWithParentCycle(t *testing.T) {
	hub, _ := newHub(t, "")
	for _, pair := range [][2]replica.ObjectID{{100, 101}, {101, 100}} {
		node := hub.Graph().Root().CreateChild("looped")
		obj := loopedObject{StaticObject: replica.NewStaticObject(pair[0], node, hub.env), parent: pair[1]}
		require.NoError(t, hub.Registry().Add(obj))
	}
	other, err := hub.Spawn("marker", replica.InvalidObjectID, "other")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- hub.Destroy(other.ID()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Destroy did not return with a parent cycle in the registry")
	}
	assert.Equal(t, 2, hub.Registry().Len())
}

func TestSpawnUnderUnknownParent(t *testing.T) {
	hub, _ := newHub(t, "")
	_, err := hub.Spawn("crate", 99, "orphan")
	assert.ErrorIs(t, err, replica.ErrUnknownParent)
}

func TestMalformedReliableMessageDisconnects(t *testing.T) {
	hub, _ := newHub(t, "")
	client := connect(t, hub)

	require.NoError(t, client.conn.SendReliable([]byte{0xff, 0x01}))
	select {
	case err := <-client.done:
		require.Error(t, err)
		assert.False(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatalf("connection was not dropped")
	}
	assert.Zero(t, hub.connCount())
}

func TestInboxOverflowOnReliableChannelDisconnects(t *testing.T) {
	hub := NewHub(newLibrary(t), Config{TickRate: 30, InboxCapacity: 1}, session.Deps{})
	client := connect(t, hub)

	resync := proto.Encode(&proto.ResyncRequest{Frame: 1, Reason: "test"})
	require.NoError(t, client.conn.SendReliable(resync))
	require.Eventually(t, func() bool { return hub.inbox.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, client.conn.SendUnreliable(resync))
	require.Never(t, func() bool { return len(client.done) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, client.conn.SendReliable(resync))
	select {
	case err := <-client.done:
		require.ErrorIs(t, err, ErrInboxFull)
	case <-time.After(time.Second):
		t.Fatalf("peer was not disconnected on reliable overflow")
	}
}

func TestMalformedDatagramIsIgnored(t *testing.T) {
	hub, _ := newHub(t, "")
	client := connect(t, hub)

	require.NoError(t, client.conn.SendUnreliable([]byte{0xff}))
	require.NoError(t, client.conn.SendReliable(proto.Encode(&proto.ResyncRequest{Frame: 1, Reason: "test"})))
	require.Eventually(t, func() bool { return hub.inbox.Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, hub.connCount())
}
