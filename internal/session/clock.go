package session

import (
	"time"

	"github.com/amerkoleci/rbfx/internal/trace"
)

// maxExtrapolationFrames bounds how far the estimate runs ahead of the
// newest frame received.
const maxExtrapolationFrames = 1.0

// Clock estimates server time on a client. Replica time, at which remote
// state is sampled, trails the estimate by the interpolation delay; input
// time is the estimate itself.
type Clock struct {
	tickRate float64
	delay    float64

	estimate float64
	latest   trace.Frame
	synced   bool
}

// NewClock builds a clock for a server ticking tickRate times per second
// that interpolates delayFrames behind the newest state.
func NewClock(tickRate int, delayFrames float64) *Clock {
	if tickRate <= 0 {
		tickRate = 30
	}
	if delayFrames < 0 {
		delayFrames = 0
	}
	return &Clock{tickRate: float64(tickRate), delay: delayFrames}
}

// SetTickRate changes the server tick rate, e.g. after Hello.
func (c *Clock) SetTickRate(tickRate int) {
	if tickRate > 0 {
		c.tickRate = float64(tickRate)
	}
}

// Observe feeds a frame received from the server.
func (c *Clock) Observe(frame trace.Frame) {
	if !c.synced || frame > c.latest {
		c.latest = frame
	}
	if !c.synced || float64(frame) > c.estimate {
		c.estimate = float64(frame)
	}
	c.synced = true
}

// Advance moves the estimate forward by dt of local time.
func (c *Clock) Advance(dt time.Duration) {
	if !c.synced || dt <= 0 {
		return
	}
	c.estimate += dt.Seconds() * c.tickRate
	if limit := float64(c.latest) + maxExtrapolationFrames; c.estimate > limit {
		c.estimate = limit
	}
}

// Synced reports whether any frame was observed.
func (c *Clock) Synced() bool {
	return c.synced
}

// LatestFrame is the newest frame received.
func (c *Clock) LatestFrame() trace.Frame {
	return c.latest
}

// ReplicaTime is the time remote state is presented at.
func (c *Clock) ReplicaTime() trace.NetworkTime {
	return trace.NewNetworkTime(c.estimate - c.delay)
}

// InputTime is the estimated current server time.
func (c *Clock) InputTime() trace.NetworkTime {
	return trace.NewNetworkTime(c.estimate)
}
