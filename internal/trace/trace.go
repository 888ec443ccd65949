package trace

import "sort"

// DefaultCapacity is the number of samples a trace retains when no explicit
// capacity is given.
const DefaultCapacity = 64

// Interpolator blends two samples; t is in [0, 1].
type Interpolator[T any] func(from, to T, t float64) T

type sample[T any] struct {
	frame Frame
	value T
}

// Trace is a bounded, sparse history of (frame, value) samples for one
// quantity. Only frames that were explicitly recorded are stored. Samples are
// kept ordered by frame so lookups are a binary search.
//
// A Trace is not safe for concurrent use; it belongs to the simulation step of
// the object that owns it.
type Trace[T any] struct {
	samples     []sample[T]
	capacity    int
	interpolate Interpolator[T]
}

// New constructs a trace that keeps at most capacity samples. A nil
// interpolator makes the trace step-sample (the earlier bracketing sample is
// returned).
func New[T any](capacity int, interpolate Interpolator[T]) *Trace[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Trace[T]{
		samples:     make([]sample[T], 0, capacity),
		capacity:    capacity,
		interpolate: interpolate,
	}
}

// Len reports the number of stored samples.
func (tr *Trace[T]) Len() int {
	if tr == nil {
		return 0
	}
	return len(tr.samples)
}

// Capacity reports the maximum number of samples retained.
func (tr *Trace[T]) Capacity() int {
	if tr == nil {
		return 0
	}
	return tr.capacity
}

// Empty reports whether no sample has been recorded.
func (tr *Trace[T]) Empty() bool {
	return tr.Len() == 0
}

// search returns the index of the first sample whose frame is >= frame.
func (tr *Trace[T]) search(frame Frame) int {
	return sort.Search(len(tr.samples), func(i int) bool {
		return tr.samples[i].frame >= frame
	})
}

// Insert records value at frame, replacing any sample already stored for that
// frame. When the trace is full the oldest sample is evicted; a sample older
// than everything retained by a full trace is dropped instead. It reports
// whether the sample was stored.
func (tr *Trace[T]) Insert(frame Frame, value T) bool {
	idx := tr.search(frame)
	if idx < len(tr.samples) && tr.samples[idx].frame == frame {
		tr.samples[idx].value = value
		return true
	}
	if len(tr.samples) == tr.capacity {
		if idx == 0 {
			return false
		}
		copy(tr.samples, tr.samples[1:idx])
		tr.samples[idx-1] = sample[T]{frame: frame, value: value}
		return true
	}
	tr.samples = append(tr.samples, sample[T]{})
	copy(tr.samples[idx+1:], tr.samples[idx:])
	tr.samples[idx] = sample[T]{frame: frame, value: value}
	return true
}

// GetRaw returns the sample recorded at exactly frame.
func (tr *Trace[T]) GetRaw(frame Frame) (T, bool) {
	var zero T
	if tr == nil {
		return zero, false
	}
	idx := tr.search(frame)
	if idx < len(tr.samples) && tr.samples[idx].frame == frame {
		return tr.samples[idx].value, true
	}
	return zero, false
}

// Latest returns the most recent sample.
func (tr *Trace[T]) Latest() (Frame, T, bool) {
	var zero T
	if tr.Empty() {
		return 0, zero, false
	}
	last := tr.samples[len(tr.samples)-1]
	return last.frame, last.value, true
}

// Oldest returns the earliest retained sample.
func (tr *Trace[T]) Oldest() (Frame, T, bool) {
	var zero T
	if tr.Empty() {
		return 0, zero, false
	}
	first := tr.samples[0]
	return first.frame, first.value, true
}

// Sample evaluates the trace at time. Between two recorded frames the value is
// interpolated; outside the recorded range it clamps to the nearest boundary
// sample. It fails only when the trace is empty.
func (tr *Trace[T]) Sample(time NetworkTime) (T, bool) {
	var zero T
	if tr.Empty() {
		return zero, false
	}
	at := time.Float()
	upper := sort.Search(len(tr.samples), func(i int) bool {
		return float64(tr.samples[i].frame) > at
	})
	switch {
	case upper == 0:
		return tr.samples[0].value, true
	case upper == len(tr.samples):
		return tr.samples[len(tr.samples)-1].value, true
	}
	from := tr.samples[upper-1]
	to := tr.samples[upper]
	if float64(from.frame) == at || tr.interpolate == nil {
		return from.value, true
	}
	span := float64(to.frame) - float64(from.frame)
	return tr.interpolate(from.value, to.value, (at-float64(from.frame))/span), true
}

// SampleValid is Sample for callers that already know the trace is not
// empty. Sampling an empty trace is a caller error and panics.
func (tr *Trace[T]) SampleValid(time NetworkTime) T {
	value, ok := tr.Sample(time)
	if !ok {
		panic("trace: SampleValid on empty trace")
	}
	return value
}

// Reset drops every stored sample.
func (tr *Trace[T]) Reset() {
	tr.samples = tr.samples[:0]
}
