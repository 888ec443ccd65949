// Package memory is an in-process transport. Pairs of connections share
// buffered channels; unreliable messages can be dropped deterministically so
// loss scenarios are reproducible.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/amerkoleci/rbfx/internal/transport"
)

// LossFunc decides whether the n-th unreliable message (starting at 0) sent
// from one side is dropped.
type LossFunc func(n uint64) bool

// DropFirst drops the first count unreliable messages.
func DropFirst(count uint64) LossFunc {
	return func(n uint64) bool { return n < count }
}

// DropEvery drops every period-th unreliable message.
func DropEvery(period uint64) LossFunc {
	if period == 0 {
		return nil
	}
	return func(n uint64) bool { return n%period == period-1 }
}

type link struct {
	once   sync.Once
	closed chan struct{}
}

func (l *link) close() {
	l.once.Do(func() { close(l.closed) })
}

// Conn is one end of a Pipe.
type Conn struct {
	name     string
	link     *link
	reliable chan []byte
	datagram chan []byte
	peer     *Conn

	mu   sync.Mutex
	loss LossFunc

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Pipe returns two connected ends with the given queue depth.
func Pipe(depth int) (*Conn, *Conn) {
	if depth <= 0 {
		depth = transport.DefaultQueueDepth
	}
	l := &link{closed: make(chan struct{})}
	a := &Conn{name: "memory:a", link: l, reliable: make(chan []byte, depth), datagram: make(chan []byte, depth)}
	b := &Conn{name: "memory:b", link: l, reliable: make(chan []byte, depth), datagram: make(chan []byte, depth)}
	a.peer, b.peer = b, a
	return a, b
}

// SetLoss installs the loss model for unreliable messages sent from c. A nil
// function delivers everything.
func (c *Conn) SetLoss(fn LossFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loss = fn
}

// Dropped reports how many unreliable messages from c were discarded.
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Conn) closedErr() error {
	select {
	case <-c.link.closed:
		return transport.ErrClosed
	default:
		return nil
	}
}

func (c *Conn) SendReliable(msg []byte) error {
	if err := c.closedErr(); err != nil {
		return err
	}
	select {
	case c.peer.reliable <- clone(msg):
		return nil
	default:
		return transport.ErrBackpressure
	}
}

func (c *Conn) SendUnreliable(msg []byte) error {
	if err := c.closedErr(); err != nil {
		return err
	}
	n := c.sent.Add(1) - 1
	c.mu.Lock()
	loss := c.loss
	c.mu.Unlock()
	if loss != nil && loss(n) {
		c.dropped.Add(1)
		return nil
	}
	select {
	case c.peer.datagram <- clone(msg):
	default:
		c.dropped.Add(1)
	}
	return nil
}

func (c *Conn) ReceiveReliable(ctx context.Context) ([]byte, error) {
	return c.receive(ctx, c.reliable)
}

func (c *Conn) ReceiveUnreliable(ctx context.Context) ([]byte, error) {
	return c.receive(ctx, c.datagram)
}

// TryReceiveReliable returns a queued reliable message without waiting.
func (c *Conn) TryReceiveReliable() ([]byte, bool) {
	return tryReceive(c.reliable)
}

// TryReceiveUnreliable returns a queued unreliable message without waiting.
func (c *Conn) TryReceiveUnreliable() ([]byte, bool) {
	return tryReceive(c.datagram)
}

func (c *Conn) receive(ctx context.Context, ch chan []byte) ([]byte, error) {
	// Queued messages are still delivered after the link closes.
	if msg, ok := tryReceive(ch); ok {
		return msg, nil
	}
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.link.closed:
		if msg, ok := tryReceive(ch); ok {
			return msg, nil
		}
		return nil, transport.ErrClosed
	}
}

func (c *Conn) RemoteAddr() string {
	return c.peer.name
}

func (c *Conn) Transport() string {
	return "memory"
}

// Close closes both ends.
func (c *Conn) Close() error {
	c.link.close()
	return nil
}

func tryReceive(ch chan []byte) ([]byte, bool) {
	select {
	case msg := <-ch:
		return msg, true
	default:
		return nil, false
	}
}

func clone(msg []byte) []byte {
	return append([]byte(nil), msg...)
}

var _ transport.Conn = (*Conn)(nil)
