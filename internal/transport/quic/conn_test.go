package quic

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/amerkoleci/rbfx/internal/transport"
)

func TestReadFrame(t *testing.T) {
	var buf []byte
	buf = protowire.AppendVarint(buf, 3)
	buf = append(buf, 'a', 'b', 'c')
	buf = protowire.AppendVarint(buf, 0)

	r := bufio.NewReader(bytes.NewReader(buf))
	msg, err := readFrame(r)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), msg)

	msg, err = readFrame(r)
	require.NoError(t, err)
	require.Empty(t, msg)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	buf := protowire.AppendVarint(nil, MaxFrameSize+1)
	_, err := readFrame(bufio.NewReader(bytes.NewReader(buf)))
	require.ErrorIs(t, err, transport.ErrTooLarge)
}

func TestRoundTripOverLoopback(t *testing.T) {
	ln, err := Listen(ListenConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	accepted := make(chan *Conn, 1)
	go ln.Serve(ctx, func(ctx context.Context, conn *Conn) { accepted <- conn })

	client, err := Dial(ctx, ln.Addr().String(), &tls.Config{InsecureSkipVerify: true}, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var server *Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatalf("server did not accept")
	}

	require.NoError(t, server.SendReliable([]byte("snapshot")))
	got, err := client.ReceiveReliable(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot"), got)

	require.NoError(t, client.SendReliable([]byte("resync")))
	got, err = server.ReceiveReliable(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("resync"), got)

	// Datagrams may be lost even on loopback; retry until one arrives.
	received := make(chan []byte, 1)
	go func() {
		msg, err := server.ReceiveUnreliable(ctx)
		if err == nil {
			received <- msg
		}
	}()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		require.NoError(t, client.SendUnreliable([]byte("input")))
		select {
		case msg := <-received:
			require.Equal(t, []byte("input"), msg)
			require.Equal(t, "quic", server.Transport())
			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatalf("no datagram received")
		}
	}
}

func TestCloseStopsReceivers(t *testing.T) {
	ln, err := Listen(ListenConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	accepted := make(chan *Conn, 1)
	go ln.Serve(ctx, func(ctx context.Context, conn *Conn) { accepted <- conn })

	client, err := Dial(ctx, ln.Addr().String(), &tls.Config{InsecureSkipVerify: true}, 0, nil)
	require.NoError(t, err)
	server := <-accepted

	client.Close()
	_, err = server.ReceiveReliable(ctx)
	require.True(t, errors.Is(err, transport.ErrClosed), "got %v", err)
	require.ErrorIs(t, client.SendReliable([]byte{1}), transport.ErrClosed)
}
