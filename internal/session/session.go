// Package session runs replication over one connection: the server side
// turns the object registry into per-peer frame messages, the client side
// applies them to a local registry and reports desynchronisation.
package session

import (
	"errors"

	"github.com/amerkoleci/rbfx/internal/logging"
	"github.com/amerkoleci/rbfx/internal/telemetry"
)

// ErrUnexpectedMessage reports a message that is not valid in this direction.
var ErrUnexpectedMessage = errors.New("session: unexpected message")

// Sender is the outbound half of a connection. Both calls must not block.
type Sender interface {
	SendReliable(msg []byte) error
	SendUnreliable(msg []byte) error
}

// Deps are the ambient collaborators of a replicator.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = telemetry.LoggerFunc(nil)
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NopMetrics{}
	}
	if d.Publisher == nil {
		d.Publisher = logging.Discard
	}
	return d
}
