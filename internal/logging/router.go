package logging

import (
	"context"
	"errors"
	"log"
	"maps"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Sink names accepted by Config.Sinks.
const (
	SinkConsole = "console"
	SinkJSON    = "json"
	SinkMemory  = "memory"
)

// maxSinkFailures consecutive write errors disable a sink.
const maxSinkFailures = 5

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

type Config struct {
	Sinks       []string
	QueueSize   int
	MinSeverity Severity
	// Fields are added to every event's Extra.
	Fields        map[string]any
	JSONPath      string
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Sinks:         []string{SinkConsole},
		QueueSize:     512,
		MinSeverity:   SeverityInfo,
		FlushInterval: 2 * time.Second,
	}
}

// Enabled reports whether the named sink is configured.
func (c Config) Enabled(name string) bool {
	for _, s := range c.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

type RouterStats struct {
	Published  uint64 `json:"published"`
	Filtered   uint64 `json:"filtered"`
	Dropped    uint64 `json:"dropped"`
	SinkErrors uint64 `json:"sinkErrors"`
}

// Router queues published events and hands them to every sink from a single
// goroutine. Publish never blocks: events that find the queue full are
// counted as dropped.
type Router struct {
	clock    Clock
	min      Severity
	fields   map[string]any
	sinks    []*routedSink
	fallback *log.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	published  atomic.Uint64
	filtered   atomic.Uint64
	dropped    atomic.Uint64
	sinkErrors atomic.Uint64
}

type routedSink struct {
	NamedSink
	failures int
	disabled bool
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) *Router {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultConfig().QueueSize
	}
	r := &Router{
		clock:    clock,
		min:      cfg.MinSeverity,
		fields:   maps.Clone(cfg.Fields),
		fallback: log.New(os.Stderr, "[logging] ", log.LstdFlags),
		queue:    make(chan Event, size),
		done:     make(chan struct{}),
	}
	for _, named := range namedSinks {
		if named.Sink != nil {
			r.sinks = append(r.sinks, &routedSink{NamedSink: named})
		}
	}
	go r.run()
	return r
}

func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" {
		return
	}
	if event.Severity < r.min {
		r.filtered.Add(1)
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- event:
		r.published.Add(1)
	default:
		// Report the first drop and then every power of two.
		if n := r.dropped.Add(1); n&(n-1) == 0 {
			r.fallback.Printf("queue full, %d events dropped (latest %s at frame %d)", n, event.Type, event.Frame)
		}
	}
}

func (r *Router) run() {
	defer close(r.done)
	for event := range r.queue {
		if event.Time.IsZero() {
			event.Time = r.clock.Now()
		}
		event = event.withFields(r.fields)
		for _, s := range r.sinks {
			r.deliver(s, event)
		}
	}
}

func (r *Router) deliver(s *routedSink, event Event) {
	if s.disabled {
		return
	}
	if err := s.Sink.Write(event.Clone()); err != nil {
		r.sinkErrors.Add(1)
		s.failures++
		if s.failures >= maxSinkFailures {
			s.disabled = true
			r.fallback.Printf("sink %s disabled after %d failures: %v", s.Name, s.failures, err)
		}
		return
	}
	s.failures = 0
}

// Close stops accepting events, delivers the queued ones and closes every
// sink.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, s := range r.sinks {
		if err := s.Sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		Published:  r.published.Load(),
		Filtered:   r.filtered.Load(),
		Dropped:    r.dropped.Load(),
		SinkErrors: r.sinkErrors.Load(),
	}
}

// Sink returns the sink registered under name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, s := range r.sinks {
		if s.Name == name {
			return s.Sink
		}
	}
	return nil
}
