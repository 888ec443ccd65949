package behaviors

import (
	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/wire"
)

// LabelTypeName identifies Label in prefab definitions.
const LabelTypeName = "label"

// Label replicates a display string over the reliable channel.
type Label struct {
	replica.BehaviorBase

	text  string
	dirty bool
}

func NewLabel(text string) *Label {
	return &Label{BehaviorBase: replica.NewBehaviorBase(replica.CallbackReliableDelta), text: text}
}

func (l *Label) TypeName() string {
	return LabelTypeName
}

func (l *Label) Text() string {
	return l.text
}

// SetText changes the label on the server; the change is sent with the next
// reliable delta.
func (l *Label) SetText(text string) {
	if text == l.text {
		return
	}
	l.text = text
	l.dirty = true
}

func (l *Label) WriteSnapshot(_ trace.Frame, w *wire.Writer) {
	w.WriteString(l.text)
}

func (l *Label) InitializeFromSnapshot(_ trace.Frame, r *wire.Reader) error {
	text, err := r.ReadString()
	if err != nil {
		return err
	}
	l.text = text
	return nil
}

func (l *Label) PrepareReliableDelta(trace.Frame) bool {
	dirty := l.dirty
	l.dirty = false
	return dirty
}

func (l *Label) WriteReliableDelta(_ trace.Frame, w *wire.Writer) {
	w.WriteString(l.text)
}

func (l *Label) ReadReliableDelta(frame trace.Frame, r *wire.Reader) error {
	return l.InitializeFromSnapshot(frame, r)
}
