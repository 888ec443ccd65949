package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/amerkoleci/rbfx/internal/logging"
)

// JSON writes newline-delimited events. With a positive flush interval the
// buffer is flushed on the first write after the interval has passed, and on
// Close; otherwise after every event.
type JSON struct {
	mu        sync.Mutex
	dst       io.Writer
	buf       *bufio.Writer
	interval  time.Duration
	lastFlush time.Time
	now       func() time.Time
}

func NewJSON(w io.Writer, flushInterval time.Duration) *JSON {
	if w == nil {
		w = io.Discard
	}
	return &JSON{dst: w, buf: bufio.NewWriter(w), interval: flushInterval, now: time.Now}
}

func (s *JSON) Write(event logging.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.buf.Write(append(data, '\n')); err != nil {
		return err
	}
	if now := s.now(); s.interval <= 0 || now.Sub(s.lastFlush) >= s.interval {
		s.lastFlush = now
		return s.buf.Flush()
	}
	return nil
}

// Close flushes buffered events and closes the destination when it is an
// io.Closer other than a standard stream.
func (s *JSON) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if c, ok := s.dst.(io.Closer); ok && !isStdStream(s.dst) {
		return c.Close()
	}
	return nil
}

func isStdStream(w io.Writer) bool {
	return w == io.Writer(os.Stdout) || w == io.Writer(os.Stderr)
}
