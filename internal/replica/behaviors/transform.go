// Package behaviors holds the stock behaviors attached to replicated objects.
package behaviors

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/scene"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/wire"
)

// NumUploadAttempts is how many consecutive frames a changed sample is
// resent on an unreliable channel.
const NumUploadAttempts = 8

const (
	positionTolerance = 1e-4
	rotationTolerance = 1e-6
)

// TransformTypeName identifies Transform in prefab definitions.
const TransformTypeName = "transform"

// Transform replicates the world position and rotation of the owner's node.
// The server records a sample whenever the node moved and resends it for
// NumUploadAttempts frames; clients keep the samples in traces and
// reconstruct the transform at replica time.
type Transform struct {
	replica.BehaviorBase

	// TrackOnly keeps the traces up to date without moving the node.
	TrackOnly bool

	positions *trace.Trace[mgl64.Vec3]
	rotations *trace.Trace[mgl64.Quat]

	latestFrame    trace.Frame
	latestPosition mgl64.Vec3
	latestRotation mgl64.Quat
	hasSample      bool
	attemptsLeft   int
}

// NewTransform constructs a Transform with traces of capacity samples.
func NewTransform(capacity int) *Transform {
	return &Transform{
		BehaviorBase: replica.NewBehaviorBase(replica.CallbackUpdateTransformOnServer |
			replica.CallbackUnreliableDelta | replica.CallbackInterpolateState),
		positions:      trace.NewVec3(capacity),
		rotations:      trace.NewQuat(capacity),
		latestRotation: mgl64.QuatIdent(),
	}
}

func (t *Transform) TypeName() string {
	return TransformTypeName
}

func (t *Transform) node() scene.Node {
	owner, ok := t.OwnerObject()
	if !ok {
		return nil
	}
	return owner.Node()
}

// AttemptsLeft reports how many more frames the latest sample will be sent.
func (t *Transform) AttemptsLeft() int {
	return t.attemptsLeft
}

func (t *Transform) WriteSnapshot(frame trace.Frame, w *wire.Writer) {
	pos, rot := t.latestPosition, t.latestRotation
	if node := t.node(); node != nil {
		pos, rot = node.WorldPosition(), node.WorldRotation()
	}
	w.WriteVec3(pos)
	w.WriteQuat(rot)
}

func (t *Transform) InitializeFromSnapshot(frame trace.Frame, r *wire.Reader) error {
	pos, err := r.ReadVec3()
	if err != nil {
		return err
	}
	rot, err := r.ReadQuat()
	if err != nil {
		return err
	}
	t.record(frame, pos, rot)
	if node := t.node(); node != nil && !t.TrackOnly {
		node.SetWorldPosition(pos)
		node.SetWorldRotation(rot)
	}
	return nil
}

func (t *Transform) UpdateTransformOnServer(frame trace.Frame) {
	node := t.node()
	if node == nil {
		return
	}
	pos, rot := node.WorldPosition(), node.WorldRotation()
	if t.hasSample && !moved(t.latestPosition, pos) && !turned(t.latestRotation, rot) {
		return
	}
	t.record(frame, pos, rot)
	t.attemptsLeft = NumUploadAttempts
}

func (t *Transform) record(frame trace.Frame, pos mgl64.Vec3, rot mgl64.Quat) {
	t.positions.Insert(frame, pos)
	t.rotations.Insert(frame, rot)
	if !t.hasSample || frame >= t.latestFrame {
		t.latestFrame, t.latestPosition, t.latestRotation = frame, pos, rot
		t.hasSample = true
	}
}

func moved(from, to mgl64.Vec3) bool {
	return from.Sub(to).Len() > positionTolerance
}

func turned(from, to mgl64.Quat) bool {
	return math.Abs(from.Dot(to)) < 1-rotationTolerance
}

func (t *Transform) PrepareUnreliableDelta(trace.Frame) bool {
	return t.attemptsLeft > 0
}

// WriteUnreliableDelta sends the latest sample with its own frame, so a
// resent sample lands on the same trace slot on the client.
func (t *Transform) WriteUnreliableDelta(_ trace.Frame, w *wire.Writer) {
	w.WriteUvarint(uint64(t.latestFrame))
	w.WriteVec3(t.latestPosition)
	w.WriteQuat(t.latestRotation)
	t.attemptsLeft--
}

func (t *Transform) ReadUnreliableDelta(_ trace.Frame, r *wire.Reader) error {
	frame, err := r.ReadUint32()
	if err != nil {
		return err
	}
	pos, err := r.ReadVec3()
	if err != nil {
		return err
	}
	rot, err := r.ReadQuat()
	if err != nil {
		return err
	}
	t.record(trace.Frame(frame), pos, rot)
	return nil
}

func (t *Transform) InterpolateState(replicaTime, _ trace.NetworkTime) {
	if t.TrackOnly || t.positions.Empty() {
		return
	}
	node := t.node()
	if node == nil {
		return
	}
	node.SetWorldPosition(t.positions.SampleValid(replicaTime))
	node.SetWorldRotation(t.rotations.SampleValid(replicaTime))
}

// TemporalWorldPosition samples the position trace at time.
func (t *Transform) TemporalWorldPosition(time trace.NetworkTime) (mgl64.Vec3, bool) {
	return t.positions.Sample(time)
}

// TemporalWorldRotation samples the rotation trace at time.
func (t *Transform) TemporalWorldRotation(time trace.NetworkTime) (mgl64.Quat, bool) {
	return t.rotations.Sample(time)
}

// RawWorldPosition returns the exact sample received for frame.
func (t *Transform) RawWorldPosition(frame trace.Frame) (mgl64.Vec3, bool) {
	return t.positions.GetRaw(frame)
}

// RawWorldRotation returns the exact sample received for frame.
func (t *Transform) RawWorldRotation(frame trace.Frame) (mgl64.Quat, bool) {
	return t.rotations.GetRaw(frame)
}

// LatestFrame reports the frame of the newest sample.
func (t *Transform) LatestFrame() (trace.Frame, bool) {
	return t.latestFrame, t.hasSample
}
