package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipePairDelivery(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Send(ctx, []byte("one way")); err != nil {
		t.Fatalf("a.Send: %v", err)
	}
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("b.Recv: %v", err)
	}
	if !bytes.Equal(got, []byte("one way")) {
		t.Errorf("frame = %q", got)
	}

	if err := b.Send(ctx, []byte("other way")); err != nil {
		t.Fatalf("b.Send: %v", err)
	}
	got, err = a.Recv(ctx)
	if err != nil {
		t.Fatalf("a.Recv: %v", err)
	}
	if !bytes.Equal(got, []byte("other way")) {
		t.Errorf("frame = %q", got)
	}
}

func TestPipeSendCopiesFrame(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	frame := []byte("mutable")
	if err := a.Send(ctx, frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame[0] = 'X'

	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, []byte("mutable")) {
		t.Errorf("frame mutated after send: %q", got)
	}
}

func TestPipeClose(t *testing.T) {
	a, b := NewPair()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := a.Send(context.Background(), []byte("x")); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send after close: got %v, want ErrTransportClosed", err)
	}
	if _, err := a.Recv(context.Background()); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Recv after close: got %v, want ErrTransportClosed", err)
	}
	_ = b.Close()
}

func TestPipeRecvContext(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv on empty pipe: got %v, want DeadlineExceeded", err)
	}
}
