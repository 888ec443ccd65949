package sinks

import (
	"context"
	"sync"

	"github.com/amerkoleci/rbfx/internal/logging"
)

// MemorySink retains recent events in a ring; used by tests and
// /diagnostics.
type MemorySink struct {
	mu    sync.RWMutex
	ring  []logging.Event
	next  int
	full  bool
	limit int
}

// NewMemorySink keeps the latest limit events, or all of them when
// limit <= 0.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit <= 0 || len(s.ring) < s.limit {
		s.ring = append(s.ring, event)
		return nil
	}
	s.ring[s.next] = event
	s.next = (s.next + 1) % s.limit
	s.full = true
	return nil
}

// Events returns the retained events oldest first.
func (s *MemorySink) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]logging.Event, 0, len(s.ring))
	if s.full {
		out = append(out, s.ring[s.next:]...)
		return append(out, s.ring[:s.next]...)
	}
	return append(out, s.ring...)
}

// OfType filters the retained events by type.
func (s *MemorySink) OfType(eventType logging.EventType) []logging.Event {
	var out []logging.Event
	for _, event := range s.Events() {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ring)
}

func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = s.ring[:0]
	s.next = 0
	s.full = false
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}
