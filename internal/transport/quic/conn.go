// Package quic carries the reliable channel over one bidirectional QUIC
// stream with varint length framing and the unreliable channel over QUIC
// datagrams.
package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/amerkoleci/rbfx/internal/telemetry"
	"github.com/amerkoleci/rbfx/internal/transport"
)

const (
	// ALPN is the application protocol negotiated during the handshake.
	ALPN = "rbfx-replica"
	// MaxFrameSize bounds one reliable message.
	MaxFrameSize = 1 << 20

	preamble byte = 0x52

	closeNormal   quic.ApplicationErrorCode = 0
	closeProtocol quic.ApplicationErrorCode = 1
)

var errBadPreamble = errors.New("quic: bad stream preamble")

// Config returns the QUIC settings shared by both sides.
func Config() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
		EnableDatagrams: true,
	}
}

type session interface {
	SendDatagram(payload []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	CloseWithError(code quic.ApplicationErrorCode, reason string) error
	RemoteAddr() net.Addr
}

// Conn adapts a QUIC connection to transport.Conn.
type Conn struct {
	sess   session
	stream io.ReadWriteCloser
	reader *bufio.Reader
	logger telemetry.Logger

	out      chan []byte
	inbound  chan []byte
	done     chan struct{}
	once     sync.Once
	errMu    sync.Mutex
	err      error
	readOnce sync.Once
}

func newConn(sess session, stream io.ReadWriteCloser, depth int, logger telemetry.Logger) *Conn {
	if depth <= 0 {
		depth = transport.DefaultQueueDepth
	}
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	c := &Conn{
		sess:    sess,
		stream:  stream,
		reader:  bufio.NewReader(stream),
		logger:  logger,
		out:     make(chan []byte, depth),
		inbound: make(chan []byte, depth),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) SendReliable(msg []byte) error {
	if err := c.closedErr(); err != nil {
		return err
	}
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrTooLarge, len(msg))
	}
	buf := make([]byte, 0, len(msg)+protowire.SizeVarint(uint64(len(msg))))
	buf = protowire.AppendVarint(buf, uint64(len(msg)))
	buf = append(buf, msg...)
	select {
	case c.out <- buf:
		return nil
	default:
		return transport.ErrBackpressure
	}
}

// SendUnreliable hands msg to the QUIC datagram queue. Datagrams that do not
// fit the path MTU are dropped like any other lost datagram.
func (c *Conn) SendUnreliable(msg []byte) error {
	if err := c.closedErr(); err != nil {
		return err
	}
	if err := c.sess.SendDatagram(msg); err != nil {
		var tooLarge *quic.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			c.logger.Printf("[quic] dropping %d byte datagram to %s: %v", len(msg), c.RemoteAddr(), err)
			return nil
		}
		return fmt.Errorf("send datagram: %w", err)
	}
	return nil
}

func (c *Conn) ReceiveReliable(ctx context.Context) ([]byte, error) {
	c.readOnce.Do(func() { go c.readLoop() })
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

func (c *Conn) ReceiveUnreliable(ctx context.Context) ([]byte, error) {
	msg, err := c.sess.ReceiveDatagram(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.shutdown(fmt.Errorf("%w: %v", transport.ErrClosed, err), closeNormal)
		return nil, c.closedErr()
	}
	return msg, nil
}

func (c *Conn) RemoteAddr() string {
	return c.sess.RemoteAddr().String()
}

func (c *Conn) Transport() string {
	return "quic"
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	c.shutdown(transport.ErrClosed, closeNormal)
	return nil
}

func (c *Conn) shutdown(err error, code quic.ApplicationErrorCode) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.stream.Close()
		c.sess.CloseWithError(code, "")
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
		select {
		case buf := <-c.out:
			if _, err := c.stream.Write(buf); err != nil {
				c.logger.Printf("[quic] write to %s failed: %v", c.RemoteAddr(), err)
				c.shutdown(fmt.Errorf("%w: %v", transport.ErrClosed, err), closeNormal)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		msg, err := readFrame(c.reader)
		if err != nil {
			code := closeNormal
			if errors.Is(err, transport.ErrTooLarge) {
				code = closeProtocol
			}
			c.shutdown(fmt.Errorf("%w: %v", transport.ErrClosed, err), code)
			return
		}
		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", transport.ErrTooLarge, size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Dial connects to a replication server. The stream preamble is written
// immediately so the server can accept the stream.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, depth int, logger telemetry.Logger) (*Conn, error) {
	tlsConf = clientTLS(tlsConf)
	conn, err := quic.DialAddr(ctx, addr, tlsConf, Config())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeProtocol, "failed to open stream")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if _, err := stream.Write([]byte{preamble}); err != nil {
		_ = conn.CloseWithError(closeProtocol, "failed to write preamble")
		return nil, fmt.Errorf("write preamble: %w", err)
	}
	return newConn(conn, stream, depth, logger), nil
}

func clientTLS(conf *tls.Config) *tls.Config {
	if conf == nil {
		conf = &tls.Config{}
	} else {
		conf = conf.Clone()
	}
	conf.NextProtos = []string{ALPN}
	return conf
}
