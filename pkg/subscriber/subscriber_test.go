package subscriber

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/logbus-protocol/logbus/pkg/buffer"
	"github.com/logbus-protocol/logbus/pkg/protocol"
	"github.com/logbus-protocol/logbus/pkg/transport"
)

const (
	testStream  = 1001
	testSession = 7
	testTerm    = 100
)

func testSetupFrame() []byte {
	h := protocol.SetupHeader{
		Version:       protocol.Version,
		SessionID:     testSession,
		StreamID:      testStream,
		InitialTermID: testTerm,
		ActiveTermID:  testTerm,
		TermLength:    protocol.MinTermLength,
		MTULength:     protocol.DefaultMTULength,
	}
	return h.Encode()
}

func testDataFrame(termID, termOffset uint32, payload []byte) []byte {
	h := protocol.DataHeader{
		Version:    protocol.Version,
		Flags:      protocol.FlagsUnfragmented,
		Type:       protocol.TypeData,
		TermOffset: termOffset,
		SessionID:  testSession,
		StreamID:   testStream,
		TermID:     termID,
	}
	return protocol.EncodeData(&h, payload)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// recvStatus reads frames from the peer until a Status frame arrives.
func recvStatus(t *testing.T, peer transport.Transport) protocol.StatusHeader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		raw, err := peer.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if decoded, err := protocol.Decode(raw); err == nil {
			if status, ok := decoded.(protocol.StatusHeader); ok {
				return status
			}
		}
	}
}

func TestSetupCreatesImage(t *testing.T) {
	local, peer := transport.NewPair()
	defer peer.Close()

	var available atomic.Uint32
	sub := New(local, testStream,
		WithImageHandlers(func(uint32) { available.Add(1) }, nil),
		WithReceiverWindow(1<<20))
	defer sub.Close()

	if err := peer.Send(context.Background(), testSetupFrame()); err != nil {
		t.Fatalf("Send setup: %v", err)
	}

	status := recvStatus(t, peer)
	if status.SessionID != testSession || status.StreamID != testStream {
		t.Errorf("status ids = (%d, %d)", status.SessionID, status.StreamID)
	}
	if status.ConsumptionTermID != testTerm || status.ConsumptionTermOffset != 0 {
		t.Errorf("initial consumption = (%d, %d), want (%d, 0)",
			status.ConsumptionTermID, status.ConsumptionTermOffset, testTerm)
	}
	if status.ReceiverWindow != 1<<20 {
		t.Errorf("ReceiverWindow = %d, want %d", status.ReceiverWindow, 1<<20)
	}

	if available.Load() != 1 {
		t.Errorf("available callbacks = %d, want 1", available.Load())
	}
	if _, ok := sub.Image(testSession); !ok {
		t.Error("image not registered")
	}

	// A repeated Setup must not create a second image, only re-acknowledge.
	if err := peer.Send(context.Background(), testSetupFrame()); err != nil {
		t.Fatalf("Send setup: %v", err)
	}
	recvStatus(t, peer)
	if available.Load() != 1 {
		t.Errorf("available callbacks after duplicate setup = %d, want 1", available.Load())
	}
	if st := sub.Snapshot(); st.Images != 1 {
		t.Errorf("Images = %d, want 1", st.Images)
	}
}

func TestInOrderDelivery(t *testing.T) {
	local, peer := transport.NewPair()
	defer peer.Close()

	sub := New(local, testStream)
	defer sub.Close()

	ctx := context.Background()
	if err := peer.Send(ctx, testSetupFrame()); err != nil {
		t.Fatalf("Send setup: %v", err)
	}
	waitFor(t, "image", func() bool { _, ok := sub.Image(testSession); return ok })

	payload := []byte("ordered payload")
	aligned := uint32(protocol.Align(protocol.DataHeaderLength + len(payload)))
	for i := 0; i < 4; i++ {
		frame := testDataFrame(testTerm, uint32(i)*aligned, payload)
		if err := peer.Send(ctx, frame); err != nil {
			t.Fatalf("Send data[%d]: %v", i, err)
		}
	}

	var got int
	waitFor(t, "4 fragments", func() bool {
		got += sub.Poll(func(p []byte, _, _ uint32, _ int64) {
			if !bytes.Equal(p, payload) {
				t.Errorf("payload = %q", p)
			}
		}, 10)
		return got == 4
	})

	// Progress must be acknowledged with Status frames carrying the
	// advancing consumption offset.
	waitFor(t, "consumption status", func() bool {
		return recvStatus(t, peer).ConsumptionTermOffset == 4*aligned
	})
}

func TestOutOfOrderRebuild(t *testing.T) {
	local, peer := transport.NewPair()
	defer peer.Close()

	sub := New(local, testStream)
	defer sub.Close()

	ctx := context.Background()
	if err := peer.Send(ctx, testSetupFrame()); err != nil {
		t.Fatalf("Send setup: %v", err)
	}
	waitFor(t, "image", func() bool { _, ok := sub.Image(testSession); return ok })

	payloads := [][]byte{
		[]byte("message zero ........."),
		[]byte("message one  ........."),
		[]byte("message two  ........."),
	}
	aligned := uint32(protocol.Align(protocol.DataHeaderLength + len(payloads[0])))

	// Deliver out of order: 2, 0, 1. Nothing is ready until the gap at
	// offset 0 fills; frame 1 then completes the contiguous run.
	for _, i := range []int{2, 0, 1} {
		frame := testDataFrame(testTerm, uint32(i)*aligned, payloads[i])
		if err := peer.Send(ctx, frame); err != nil {
			t.Fatalf("Send data[%d]: %v", i, err)
		}
	}

	var got [][]byte
	var positions []int64
	waitFor(t, "3 fragments", func() bool {
		sub.Poll(func(payload []byte, sessionID, streamID uint32, position int64) {
			if sessionID != testSession || streamID != testStream {
				t.Errorf("fragment ids = (%d, %d)", sessionID, streamID)
			}
			got = append(got, payload)
			positions = append(positions, position)
		}, 10)
		return len(got) == 3
	})

	for i, want := range payloads {
		if !bytes.Equal(got[i], want) {
			t.Errorf("fragment[%d] = %q, want %q", i, got[i], want)
		}
		if wantPos := int64(i+1) * int64(aligned); positions[i] != wantPos {
			t.Errorf("fragment[%d] position = %d, want %d", i, positions[i], wantPos)
		}
	}

	img, _ := sub.Image(testSession)
	waitFor(t, "position", func() bool { return img.Position() == 3*int64(aligned) })
}

func TestDuplicateFrameDropped(t *testing.T) {
	local, peer := transport.NewPair()
	defer peer.Close()

	sub := New(local, testStream)
	defer sub.Close()

	ctx := context.Background()
	if err := peer.Send(ctx, testSetupFrame()); err != nil {
		t.Fatalf("Send setup: %v", err)
	}
	waitFor(t, "image", func() bool { _, ok := sub.Image(testSession); return ok })

	frame := testDataFrame(testTerm, 0, []byte("once only"))
	for i := 0; i < 3; i++ {
		if err := peer.Send(ctx, frame); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	var delivered int
	waitFor(t, "fragment", func() bool {
		delivered += sub.Poll(func([]byte, uint32, uint32, int64) {}, 10)
		return delivered >= 1
	})
	waitFor(t, "duplicate counters", func() bool {
		return sub.Snapshot().Duplicates == 2
	})
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

func TestOtherStreamIgnored(t *testing.T) {
	local, peer := transport.NewPair()
	defer peer.Close()

	sub := New(local, testStream)
	defer sub.Close()

	ctx := context.Background()
	other := protocol.SetupHeader{
		Version:       protocol.Version,
		SessionID:     testSession,
		StreamID:      testStream + 1,
		InitialTermID: testTerm,
		TermLength:    protocol.MinTermLength,
	}
	if err := peer.Send(ctx, other.Encode()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Give the loop a chance to process before asserting absence.
	if err := peer.Send(ctx, testSetupFrame()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "image", func() bool { _, ok := sub.Image(testSession); return ok })
	if st := sub.Snapshot(); st.Images != 1 {
		t.Errorf("Images = %d, want 1", st.Images)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	local, peer := transport.NewPair()
	defer peer.Close()

	var unavailable atomic.Uint32
	sub := New(local, testStream,
		WithImageHandlers(nil, func(uint32) { unavailable.Add(1) }))

	if err := peer.Send(context.Background(), testSetupFrame()); err != nil {
		t.Fatalf("Send setup: %v", err)
	}
	waitFor(t, "image", func() bool { _, ok := sub.Image(testSession); return ok })

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if unavailable.Load() != 1 {
		t.Errorf("unavailable callbacks = %d, want 1", unavailable.Load())
	}
}

func TestTermRotationRebuild(t *testing.T) {
	local, peer := transport.NewPair()
	defer peer.Close()

	sub := New(local, testStream)
	defer sub.Close()

	ctx := context.Background()
	if err := peer.Send(ctx, testSetupFrame()); err != nil {
		t.Fatalf("Send setup: %v", err)
	}
	waitFor(t, "image", func() bool { _, ok := sub.Image(testSession); return ok })

	payload := make([]byte, 1024)
	aligned := protocol.Align(protocol.DataHeaderLength + len(payload))
	perTerm := protocol.MinTermLength / aligned

	// Fill the first term completely.
	for i := 0; i < perTerm; i++ {
		copy(payload, fmt.Sprintf("frame %03d", i))
		frame := testDataFrame(testTerm, uint32(i*aligned), payload)
		if err := peer.Send(ctx, frame); err != nil {
			t.Fatalf("Send[%d]: %v", i, err)
		}
	}

	// Padding closes the term; only the 32-byte header travels.
	padOffset := uint32(perTerm * aligned)
	pad := protocol.DataHeader{
		FrameLength: uint32(protocol.MinTermLength) - padOffset,
		Version:     protocol.Version,
		Flags:       protocol.FlagsUnfragmented,
		Type:        protocol.TypePad,
		TermOffset:  padOffset,
		SessionID:   testSession,
		StreamID:    testStream,
		TermID:      testTerm,
	}
	padBuf := buffer.New(protocol.DataHeaderLength)
	if err := pad.WriteAt(padBuf, 0); err != nil {
		t.Fatalf("pad WriteAt: %v", err)
	}
	padFrame, _ := padBuf.Slice(0, protocol.DataHeaderLength)
	if err := peer.Send(ctx, padFrame); err != nil {
		t.Fatalf("Send pad: %v", err)
	}

	// First frame of the next term.
	copy(payload, "next term frame")
	if err := peer.Send(ctx, testDataFrame(testTerm+1, 0, payload)); err != nil {
		t.Fatalf("Send next-term frame: %v", err)
	}

	var count int
	var last int64
	waitFor(t, "all fragments", func() bool {
		count += sub.Poll(func(p []byte, _, _ uint32, position int64) {
			last = position
		}, 128)
		return count == perTerm+1
	})

	want := int64(protocol.MinTermLength + aligned)
	if last != want {
		t.Errorf("final position = %d, want %d", last, want)
	}
	img, _ := sub.Image(testSession)
	if img.Position() != want {
		t.Errorf("image position = %d, want %d", img.Position(), want)
	}
}
