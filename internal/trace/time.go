// Package trace stores sparse, frame-indexed histories of replicated values
// and samples them at continuous network time.
package trace

import (
	"fmt"
	"math"
)

// Frame identifies one authoritative simulation step.
type Frame uint32

// NetworkTime is a frame plus a fractional offset inside that frame.
type NetworkTime struct {
	Frame    Frame
	Fraction float64
}

// NewNetworkTime converts a continuous frame count into a NetworkTime.
// Negative values clamp to frame zero.
func NewNetworkTime(value float64) NetworkTime {
	if value <= 0 || math.IsNaN(value) {
		return NetworkTime{}
	}
	whole := math.Floor(value)
	if whole >= math.MaxUint32 {
		return NetworkTime{Frame: math.MaxUint32}
	}
	return NetworkTime{Frame: Frame(whole), Fraction: value - whole}
}

// At returns the NetworkTime located exactly at the start of frame.
func At(frame Frame) NetworkTime {
	return NetworkTime{Frame: frame}
}

// Float returns the time as a continuous frame count.
func (t NetworkTime) Float() float64 {
	return float64(t.Frame) + t.Fraction
}

// AddFrames shifts the time by a possibly fractional number of frames.
func (t NetworkTime) AddFrames(delta float64) NetworkTime {
	return NewNetworkTime(t.Float() + delta)
}

// Before reports whether t is strictly earlier than other.
func (t NetworkTime) Before(other NetworkTime) bool {
	return t.Float() < other.Float()
}

func (t NetworkTime) String() string {
	return fmt.Sprintf("%d+%.3f", t.Frame, t.Fraction)
}
