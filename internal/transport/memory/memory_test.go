package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amerkoleci/rbfx/internal/transport"
)

func TestPipeDeliversBothChannels(t *testing.T) {
	a, b := Pipe(4)
	ctx := context.Background()

	if err := a.SendReliable([]byte("hello")); err != nil {
		t.Fatalf("send reliable: %v", err)
	}
	if err := a.SendUnreliable([]byte("tick")); err != nil {
		t.Fatalf("send unreliable: %v", err)
	}

	got, err := b.ReceiveReliable(ctx)
	if err != nil || string(got) != "hello" {
		t.Fatalf("expected reliable hello, got %q (%v)", got, err)
	}
	got, err = b.ReceiveUnreliable(ctx)
	if err != nil || string(got) != "tick" {
		t.Fatalf("expected unreliable tick, got %q (%v)", got, err)
	}
}

func TestSendCopiesPayload(t *testing.T) {
	a, b := Pipe(4)
	buf := []byte("abc")
	if err := a.SendReliable(buf); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf[0] = 'x'
	got, _ := b.TryReceiveReliable()
	if string(got) != "abc" {
		t.Fatalf("payload aliased the caller buffer: %q", got)
	}
}

func TestDeterministicLoss(t *testing.T) {
	a, b := Pipe(16)
	a.SetLoss(DropFirst(3))
	for i := 0; i < 5; i++ {
		if err := a.SendUnreliable([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if a.Dropped() != 3 {
		t.Fatalf("expected 3 drops, got %d", a.Dropped())
	}
	var delivered []byte
	for {
		msg, ok := b.TryReceiveUnreliable()
		if !ok {
			break
		}
		delivered = append(delivered, msg[0])
	}
	if len(delivered) != 2 || delivered[0] != 3 || delivered[1] != 4 {
		t.Fatalf("unexpected delivery %v", delivered)
	}
}

func TestDropEvery(t *testing.T) {
	loss := DropEvery(4)
	var dropped []uint64
	for n := uint64(0); n < 12; n++ {
		if loss(n) {
			dropped = append(dropped, n)
		}
	}
	if len(dropped) != 3 || dropped[0] != 3 || dropped[2] != 11 {
		t.Fatalf("unexpected drop pattern %v", dropped)
	}
	if DropEvery(0) != nil {
		t.Fatalf("expected nil loss for period 0")
	}
}

func TestReliableBackpressure(t *testing.T) {
	a, _ := Pipe(1)
	if err := a.SendReliable([]byte{1}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := a.SendReliable([]byte{2}); !errors.Is(err, transport.ErrBackpressure) {
		t.Fatalf("expected backpressure, got %v", err)
	}
	if err := a.SendUnreliable([]byte{3}); err != nil {
		t.Fatalf("unreliable send should drop silently, got %v", err)
	}
}

func TestCloseDrainsThenFails(t *testing.T) {
	a, b := Pipe(4)
	if err := a.SendReliable([]byte("last")); err != nil {
		t.Fatalf("send: %v", err)
	}
	a.Close()

	got, err := b.ReceiveReliable(context.Background())
	if err != nil || string(got) != "last" {
		t.Fatalf("expected queued message after close, got %q (%v)", got, err)
	}
	if _, err := b.ReceiveReliable(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.SendReliable([]byte{1}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed on send, got %v", err)
	}
}

func TestPumpStopsOnCancel(t *testing.T) {
	a, b := Pipe(4)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- transport.Pump(ctx, b, func(msg []byte, reliable bool) error {
			mu.Lock()
			defer mu.Unlock()
			channel := "u"
			if reliable {
				channel = "r"
			}
			seen = append(seen, channel+string(msg))
			return nil
		})
	}()

	a.SendReliable([]byte("1"))
	a.SendUnreliable([]byte("2"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pump did not deliver messages")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("unexpected pump error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not stop")
	}
	if err := a.SendReliable([]byte{1}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected pump to close the connection, got %v", err)
	}
}

func TestPumpPropagatesHandlerError(t *testing.T) {
	a, b := Pipe(4)
	boom := errors.New("boom")
	a.SendReliable([]byte("x"))
	err := transport.Pump(context.Background(), b, func([]byte, bool) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}
