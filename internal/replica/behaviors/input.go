package behaviors

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/wire"
)

// InputTypeName identifies InputFeedback in prefab definitions.
const InputTypeName = "input"

// InputFeedback carries a movement vector from the owning client to the
// server. Like Transform it resends each change for NumUploadAttempts frames;
// the server keeps received inputs in a trace keyed by client input frame.
type InputFeedback struct {
	replica.BehaviorBase

	// Client.
	input          mgl64.Vec3
	inputFrame     trace.Frame
	attemptsLeft   int
	confirmedFrame trace.Frame

	// Server.
	received *trace.Trace[mgl64.Vec3]
}

func NewInputFeedback(capacity int) *InputFeedback {
	return &InputFeedback{
		BehaviorBase: replica.NewBehaviorBase(replica.CallbackUnreliableFeedback | replica.CallbackUnreliableDeltaHook),
		received:     trace.NewVec3(capacity),
	}
}

func (f *InputFeedback) TypeName() string {
	return InputTypeName
}

// SetInput records the local input for frame. Only owned objects send it.
func (f *InputFeedback) SetInput(frame trace.Frame, input mgl64.Vec3) {
	if f.attemptsLeft > 0 && input.ApproxEqual(f.input) {
		return
	}
	f.input, f.inputFrame = input, frame
	f.attemptsLeft = NumUploadAttempts
}

func (f *InputFeedback) owned() bool {
	owner, ok := f.OwnerObject()
	return ok && owner.Owned()
}

func (f *InputFeedback) PrepareUnreliableFeedback(trace.Frame) bool {
	return f.attemptsLeft > 0 && f.owned()
}

func (f *InputFeedback) WriteUnreliableFeedback(_ trace.Frame, w *wire.Writer) {
	w.WriteUvarint(uint64(f.inputFrame))
	w.WriteVec3(f.input)
	f.attemptsLeft--
}

func (f *InputFeedback) ReadUnreliableFeedback(_ trace.Frame, r *wire.Reader) error {
	frame, err := r.ReadUint32()
	if err != nil {
		return err
	}
	input, err := r.ReadVec3()
	if err != nil {
		return err
	}
	f.received.Insert(trace.Frame(frame), input)
	return nil
}

// OnUnreliableDelta remembers the newest server frame seen for the owner.
func (f *InputFeedback) OnUnreliableDelta(frame trace.Frame) {
	if frame > f.confirmedFrame {
		f.confirmedFrame = frame
	}
}

// ConfirmedFrame is the latest server frame that delivered state for the owner.
func (f *InputFeedback) ConfirmedFrame() trace.Frame {
	return f.confirmedFrame
}

// LatestInput returns the newest input received by the server.
func (f *InputFeedback) LatestInput() (mgl64.Vec3, bool) {
	_, input, ok := f.received.Latest()
	return input, ok
}

// InputAt returns the input the client recorded for frame, interpolated
// between received samples.
func (f *InputFeedback) InputAt(frame trace.Frame) (mgl64.Vec3, bool) {
	return f.received.Sample(trace.At(frame))
}
