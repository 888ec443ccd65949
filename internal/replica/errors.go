package replica

import (
	"errors"
	"fmt"

	"github.com/amerkoleci/rbfx/internal/trace"
)

var (
	// ErrInvalidObjectID reports use of InvalidObjectID where a live id is required.
	ErrInvalidObjectID = errors.New("replica: invalid object id")
	// ErrDuplicateObject reports registering an id twice.
	ErrDuplicateObject = errors.New("replica: duplicate object id")
	// ErrUnknownObject reports a message addressed to an id the peer does not track.
	ErrUnknownObject = errors.New("replica: unknown object")
	// ErrUnknownParent reports a structural reference to an object the peer does not track.
	ErrUnknownParent = errors.New("replica: unknown parent object")
	// ErrCyclicParent reports a parent link that would make an object its own ancestor.
	ErrCyclicParent = errors.New("replica: parent link forms a cycle")
	// ErrNotInitialized reports a delta for an object that has not received its snapshot.
	ErrNotInitialized = errors.New("replica: object not initialized from snapshot")
	// ErrAlreadyInitialized reports a second snapshot for the same object.
	ErrAlreadyInitialized = errors.New("replica: object already initialized")
	// ErrPrefabMismatch reports a behavior layout that differs from the sender's.
	ErrPrefabMismatch = errors.New("replica: prefab behavior layout mismatch")
	// ErrUnknownBehaviorBit reports a mask bit with no matching behavior on this channel.
	ErrUnknownBehaviorBit = errors.New("replica: mask references unknown behavior")

	// ErrPrefabFrozen reports a prefab change after the object started replicating.
	ErrPrefabFrozen = errors.New("replica: prefab reference is frozen")
	// ErrCapabilityViolation reports a behavior whose callback mask disagrees with what it implements.
	ErrCapabilityViolation = errors.New("replica: behavior capability violation")
	// ErrTooManyBehaviors reports attaching more than MaxBehaviors behaviors.
	ErrTooManyBehaviors = errors.New("replica: too many behaviors")
	// ErrBehaviorsFrozen reports attaching a behavior after initialization.
	ErrBehaviorsFrozen = errors.New("replica: behavior list is frozen")
	// ErrOwnerAlreadySet reports binding a behavior to a second owner.
	ErrOwnerAlreadySet = errors.New("replica: behavior owner already set")
)

// DesyncError marks a protocol desynchronisation for one object. It is fatal
// to that object's replication and is surfaced to the connection layer, which
// decides whether to request a full resync.
type DesyncError struct {
	ObjectID ObjectID
	Frame    trace.Frame
	Err      error
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("replica: desync on object %d at frame %d: %v", e.ObjectID, e.Frame, e.Err)
}

func (e *DesyncError) Unwrap() error {
	return e.Err
}

// Desync wraps err as a DesyncError unless it already is one.
func Desync(id ObjectID, frame trace.Frame, err error) error {
	if err == nil {
		return nil
	}
	var existing *DesyncError
	if errors.As(err, &existing) {
		return err
	}
	return &DesyncError{ObjectID: id, Frame: frame, Err: err}
}
