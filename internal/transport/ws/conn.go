// Package ws carries both replication channels over one websocket. Each
// binary message starts with a channel tag byte; unreliable messages are
// still delivered in order but may be dropped locally when queues fill.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amerkoleci/rbfx/internal/telemetry"
	"github.com/amerkoleci/rbfx/internal/transport"
)

const (
	writeWait = 10 * time.Second
	// MaxMessageSize bounds one inbound websocket message.
	MaxMessageSize = 1 << 20

	tagReliable   byte = 0
	tagUnreliable byte = 1
)

// Conn adapts a gorilla websocket to transport.Conn.
type Conn struct {
	ws     *websocket.Conn
	logger telemetry.Logger
	remote string

	outReliable chan []byte
	outDatagram chan []byte
	inReliable  chan []byte
	inDatagram  chan []byte

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

func newConn(ws *websocket.Conn, depth int, logger telemetry.Logger) *Conn {
	if depth <= 0 {
		depth = transport.DefaultQueueDepth
	}
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	c := &Conn{
		ws:          ws,
		logger:      logger,
		remote:      ws.RemoteAddr().String(),
		outReliable: make(chan []byte, depth),
		outDatagram: make(chan []byte, depth),
		inReliable:  make(chan []byte, depth),
		inDatagram:  make(chan []byte, depth),
		done:        make(chan struct{}),
	}
	ws.SetReadLimit(MaxMessageSize)
	go c.writeLoop()
	go c.readLoop()
	return c
}

func frame(tag byte, msg []byte) []byte {
	out := make([]byte, 0, len(msg)+1)
	out = append(out, tag)
	return append(out, msg...)
}

func (c *Conn) SendReliable(msg []byte) error {
	if err := c.closedErr(); err != nil {
		return err
	}
	select {
	case c.outReliable <- frame(tagReliable, msg):
		return nil
	default:
		return transport.ErrBackpressure
	}
}

func (c *Conn) SendUnreliable(msg []byte) error {
	if err := c.closedErr(); err != nil {
		return err
	}
	select {
	case c.outDatagram <- frame(tagUnreliable, msg):
	default:
	}
	return nil
}

func (c *Conn) ReceiveReliable(ctx context.Context) ([]byte, error) {
	return c.receive(ctx, c.inReliable)
}

func (c *Conn) ReceiveUnreliable(ctx context.Context) ([]byte, error) {
	return c.receive(ctx, c.inDatagram)
}

func (c *Conn) receive(ctx context.Context, ch chan []byte) ([]byte, error) {
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

func (c *Conn) RemoteAddr() string {
	return c.remote
}

func (c *Conn) Transport() string {
	return "ws"
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears the socket down.
func (c *Conn) Close() error {
	c.shutdown(transport.ErrClosed)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		c.ws.Close()
	})
}

func (c *Conn) closedErr() error {
	select {
	case <-c.done:
		c.errMu.Lock()
		defer c.errMu.Unlock()
		return c.err
	default:
		return nil
	}
}

func (c *Conn) writeLoop() {
	for {
		var data []byte
		// Reliable traffic goes first when both queues are ready.
		select {
		case data = <-c.outReliable:
		default:
			select {
			case data = <-c.outReliable:
			case data = <-c.outDatagram:
			case <-c.done:
				return
			}
		}
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			c.logger.Printf("[ws] write to %s failed: %v", c.remote, err)
			c.shutdown(fmt.Errorf("%w: %v", transport.ErrClosed, err))
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(c.closedErr(), transport.ErrClosed) {
				c.logger.Printf("[ws] read from %s failed: %v", c.remote, err)
			}
			c.shutdown(fmt.Errorf("%w: %v", transport.ErrClosed, err))
			return
		}
		if kind != websocket.BinaryMessage || len(payload) == 0 {
			c.logger.Printf("[ws] discarding malformed message from %s", c.remote)
			continue
		}
		msg := payload[1:]
		switch payload[0] {
		case tagReliable:
			select {
			case c.inReliable <- msg:
			case <-c.done:
				return
			}
		case tagUnreliable:
			select {
			case c.inDatagram <- msg:
			default:
			}
		default:
			c.logger.Printf("[ws] discarding message with channel tag %d from %s", payload[0], c.remote)
		}
	}
}

var _ transport.Conn = (*Conn)(nil)
