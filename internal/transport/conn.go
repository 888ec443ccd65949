// Package transport carries encoded replication messages between a server
// and its clients. Every connection has two channels: a reliable ordered one
// and an unreliable one whose messages may be dropped.
package transport

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrBackpressure reports that the reliable send queue is full.
	ErrBackpressure = errors.New("transport: send queue full")
	// ErrTooLarge reports a message above the transport's frame limit.
	ErrTooLarge = errors.New("transport: message too large")
)

// DefaultQueueDepth is the number of messages buffered per channel.
const DefaultQueueDepth = 256

// Conn is one side of a connection. Send calls never block: reliable sends
// fail with ErrBackpressure when the peer cannot keep up and unreliable sends
// drop the message instead.
type Conn interface {
	SendReliable(msg []byte) error
	SendUnreliable(msg []byte) error
	ReceiveReliable(ctx context.Context) ([]byte, error)
	ReceiveUnreliable(ctx context.Context) ([]byte, error)
	RemoteAddr() string
	Transport() string
	Close() error
}

// Handler consumes one received message. Reliable reports which channel it
// arrived on.
type Handler func(msg []byte, reliable bool) error

// Pump reads both channels of conn until ctx is cancelled, the connection
// fails or handle returns an error. The connection is closed on return.
func Pump(ctx context.Context, conn Conn, handle Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			msg, err := conn.ReceiveReliable(ctx)
			if err != nil {
				return err
			}
			if err := handle(msg, true); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			msg, err := conn.ReceiveUnreliable(ctx)
			if err != nil {
				return err
			}
			if err := handle(msg, false); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
