package session

import (
	"sync"
	"time"

	"github.com/amerkoleci/rbfx/internal/proto"
	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/telemetry"
)

const (
	inboxOccupancyMetricKey = "session_inbox_occupancy"
	inboxOverflowMetricKey  = "session_inbox_overflow_total"
)

// Inbound is a decoded message waiting for the next simulation step.
type Inbound struct {
	Peer     replica.PeerID
	Message  proto.Message
	Received time.Time
}

// Inbox stores inbound messages in a fixed-size ring. It is safe for
// concurrent producers (transport readers) and a single consumer (the step).
type Inbox struct {
	mu      sync.Mutex
	data    []Inbound
	head    int
	tail    int
	count   int
	metrics telemetry.Metrics
}

// NewInbox constructs a ring buffer with the provided capacity.
func NewInbox(capacity int, metrics telemetry.Metrics) *Inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Inbox{data: make([]Inbound, capacity), metrics: metrics}
}

// Capacity reports the maximum number of messages the inbox can hold.
func (b *Inbox) Capacity() int {
	return len(b.data)
}

// Push stages a message, returning false if the inbox is full.
func (b *Inbox) Push(msg Inbound) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) {
		if b.metrics != nil {
			b.metrics.Add(inboxOverflowMetricKey, 1)
		}
		return false
	}
	b.data[b.tail] = msg
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.storeOccupancyLocked()
	return true
}

// Drain returns all staged messages in arrival order and clears the inbox.
func (b *Inbox) Drain() []Inbound {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	out := make([]Inbound, b.count)
	for i := range out {
		idx := (b.head + i) % len(b.data)
		out[i] = b.data[idx]
		b.data[idx] = Inbound{}
	}
	b.head, b.tail, b.count = 0, 0, 0
	b.storeOccupancyLocked()
	return out
}

// Len reports the number of staged messages.
func (b *Inbox) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Inbox) storeOccupancyLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(inboxOccupancyMetricKey, uint64(b.count))
}
