// Package publisher implements the sending half of a logbus stream: messages
// are serialised into the active term partition, transmitted as datagrams,
// and the partitions rotate as they fill. One Publisher owns one datagram
// socket and one term buffer set; application calls from multiple goroutines
// serialize through the Publisher's single exclusion domain.
package publisher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/logbus-protocol/logbus/pkg/logbuffer"
	"github.com/logbus-protocol/logbus/pkg/protocol"
	"github.com/logbus-protocol/logbus/pkg/transport"
)

// Offer result codes. Non-negative results are the stream position after the
// written frame.
const (
	// NotConnected signals that the frame could not be handed to the
	// transport.
	NotConnected int64 = -1
	// BackPressured signals that the active term was full; the term has
	// rotated and the caller must re-offer.
	BackPressured int64 = -2
	// AdminAction signals a transient internal condition (an outstanding
	// claim); the caller should retry shortly.
	AdminAction int64 = -3
	// Closed signals the publisher has been closed.
	Closed int64 = -4
	// MaxPositionExceeded signals the encoded frame exceeds the per-frame
	// capacity limit of termLength/4.
	MaxPositionExceeded int64 = -5
)

// setupInterval is how often the Setup announcement is re-sent until the
// first Status frame arrives.
const setupInterval = 500 * time.Millisecond

// Stats is a snapshot of publisher counters for diagnostics.
type Stats struct {
	Position      int64
	FramesSent    uint64
	BytesSent     uint64
	BackPressures uint64
	Rotations     uint64
	Connected     bool
}

// Option configures a Publisher during construction.
type Option func(*Publisher)

// WithTermLength overrides the default 16 MiB term length.
func WithTermLength(n int) Option {
	return func(p *Publisher) { p.termLength = n }
}

// WithPageSize overrides the default page size.
func WithPageSize(n int) Option {
	return func(p *Publisher) { p.pageSize = n }
}

// WithMTU overrides the MTU advertised in Setup frames.
func WithMTU(n int) Option {
	return func(p *Publisher) { p.mtu = n }
}

// WithLogger installs a structured logger. The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Publisher) { p.log = log }
}

// Publisher writes messages into a rotating term buffer set and transmits
// them over a datagram transport.
type Publisher struct {
	log *zap.Logger
	tr  transport.Transport

	sessionID     uint32
	streamID      uint32
	initialTermID uint32
	termLength    int
	pageSize      int
	mtu           int
	shift         uint

	mu               sync.Mutex
	terms            *logbuffer.TermBufferSet
	connected        bool
	receiverWindow   uint32
	claimOutstanding bool
	closed           bool

	framesSent    uint64
	bytesSent     uint64
	backPressures uint64
	rotations     uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Publisher over tr. The Publisher takes ownership of the
// transport: on construction failure the transport is closed so a partially
// initialised publisher never leaks its socket. The initial term id and
// session id are explicit caller-supplied parameters.
func New(tr transport.Transport, streamID, sessionID, initialTermID uint32, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		log:           zap.NewNop(),
		tr:            tr,
		sessionID:     sessionID,
		streamID:      streamID,
		initialTermID: initialTermID,
		termLength:    protocol.DefaultTermLength,
		mtu:           protocol.DefaultMTULength,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	terms, err := logbuffer.Allocate(p.termLength, p.pageSize)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	p.terms = terms
	p.shift = logbuffer.PositionBitsToShift(p.termLength)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
	return p, nil
}

// Offer serialises payload into the active term and transmits it. It returns
// the new stream position, or one of the negative result codes. On
// BackPressured the term has already rotated and an immediate re-offer will
// land in the fresh term.
func (p *Publisher) Offer(payload []byte) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Closed
	}
	if p.claimOutstanding {
		return AdminAction
	}

	frameLength := protocol.DataHeaderLength + len(payload)
	if frameLength > p.termLength/4 {
		return MaxPositionExceeded
	}
	aligned := protocol.Align(frameLength)

	if !p.terms.CheckSpace(aligned) {
		p.rotateLocked()
		p.backPressures++
		return BackPressured
	}

	index := p.terms.ActiveIndex()
	tail, _ := p.terms.Tail(index)
	termOffset := uint32(tail)
	termID := p.initialTermID + p.terms.ActiveTermCount()

	header := protocol.DataHeader{
		FrameLength: uint32(frameLength),
		Version:     protocol.Version,
		Flags:       protocol.FlagsUnfragmented,
		Type:        protocol.TypeData,
		TermOffset:  termOffset,
		SessionID:   p.sessionID,
		StreamID:    p.streamID,
		TermID:      termID,
	}

	partition, _ := p.terms.Partition(index)
	if err := header.WriteAt(partition, int(tail)); err != nil {
		return AdminAction
	}
	_ = partition.PutBytes(int(tail)+protocol.DataHeaderLength, payload)
	_ = partition.Zero(int(tail)+frameLength, aligned-frameLength)
	_ = p.terms.SetTail(index, tail+uint64(aligned))

	frame, _ := partition.Slice(int(tail), aligned)
	if err := p.tr.Send(context.Background(), frame); err != nil {
		p.log.Warn("offer: transmit failed", zap.Error(err))
		return NotConnected
	}
	p.framesSent++
	p.bytesSent += uint64(aligned)

	return logbuffer.ComputePosition(termID, p.initialTermID, termOffset+uint32(aligned), p.shift)
}

// rotateLocked pads out the active term, transmits the padding header so the
// receiver can complete the term, and advances to the next partition.
func (p *Publisher) rotateLocked() {
	index := p.terms.ActiveIndex()
	tail, _ := p.terms.Tail(index)
	remaining := p.termLength - int(tail)

	if remaining >= protocol.DataHeaderLength {
		pad := protocol.DataHeader{
			FrameLength: uint32(remaining),
			Version:     protocol.Version,
			Flags:       protocol.FlagsUnfragmented,
			Type:        protocol.TypePad,
			TermOffset:  uint32(tail),
			SessionID:   p.sessionID,
			StreamID:    p.streamID,
			TermID:      p.initialTermID + p.terms.ActiveTermCount(),
		}
		partition, _ := p.terms.Partition(index)
		_ = pad.WriteAt(partition, int(tail))
		_ = p.terms.SetTail(index, uint64(p.termLength))

		// Only the 32-byte padding header travels on the wire; its
		// frameLength field tells the rebuilder how far to skip.
		header, _ := partition.Slice(int(tail), protocol.DataHeaderLength)
		if err := p.tr.Send(context.Background(), header); err != nil {
			p.log.Warn("rotate: padding transmit failed", zap.Error(err))
		}
	}

	p.terms.Rotate()
	p.rotations++
	p.log.Debug("term rotated",
		zap.Uint32("active_term_count", p.terms.ActiveTermCount()),
		zap.Int("reclaimed", remaining))
}

// Position returns the current stream position: everything offered so far.
func (p *Publisher) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	tail, _ := p.terms.Tail(p.terms.ActiveIndex())
	termID := p.initialTermID + p.terms.ActiveTermCount()
	return logbuffer.ComputePosition(termID, p.initialTermID, uint32(tail), p.shift)
}

// IsConnected reports whether at least one Status frame has arrived from a
// receiver.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// ReceiverWindow returns the most recent window advertised by the receiver.
// The window is advisory: Offer does not block on it.
func (p *Publisher) ReceiverWindow() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receiverWindow
}

// Snapshot returns current counters for diagnostics.
func (p *Publisher) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	tail, _ := p.terms.Tail(p.terms.ActiveIndex())
	termID := p.initialTermID + p.terms.ActiveTermCount()
	return Stats{
		Position:      logbuffer.ComputePosition(termID, p.initialTermID, uint32(tail), p.shift),
		FramesSent:    p.framesSent,
		BytesSent:     p.bytesSent,
		BackPressures: p.backPressures,
		Rotations:     p.rotations,
		Connected:     p.connected,
	}
}

// run drives the receive side of the publisher socket: Status frames update
// the connection state and advisory window, and the Setup announcement is
// re-sent until the handshake completes.
func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(setupInterval)
	defer ticker.Stop()

	recvCh := make(chan []byte)
	go func() {
		defer close(recvCh)
		for {
			frame, err := p.tr.Recv(ctx)
			if err != nil {
				return
			}
			select {
			case recvCh <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	p.sendSetup()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.IsConnected() {
				p.sendSetup()
			}
		case frame, ok := <-recvCh:
			if !ok {
				return
			}
			p.handleFrame(frame)
		}
	}
}

func (p *Publisher) sendSetup() {
	p.mu.Lock()
	setup := protocol.SetupHeader{
		Version:       protocol.Version,
		SessionID:     p.sessionID,
		StreamID:      p.streamID,
		InitialTermID: p.initialTermID,
		ActiveTermID:  p.initialTermID + p.terms.ActiveTermCount(),
		TermLength:    uint32(p.termLength),
		MTULength:     uint32(p.mtu),
	}
	p.mu.Unlock()

	if err := p.tr.Send(context.Background(), setup.Encode()); err != nil {
		p.log.Debug("setup transmit failed", zap.Error(err))
	}
}

func (p *Publisher) handleFrame(frame []byte) {
	decoded, err := protocol.Decode(frame)
	if err != nil {
		p.log.Debug("dropping undecodable frame", zap.Error(err))
		return
	}
	switch h := decoded.(type) {
	case protocol.StatusHeader:
		p.mu.Lock()
		first := !p.connected
		p.connected = true
		p.receiverWindow = h.ReceiverWindow
		p.mu.Unlock()
		if first {
			p.log.Info("receiver connected",
				zap.Uint32("session_id", h.SessionID),
				zap.Uint32("receiver_window", h.ReceiverWindow))
		}
	case protocol.NakHeader:
		p.log.Debug("nak received",
			zap.Uint32("term_id", h.TermID),
			zap.Uint32("term_offset", h.TermOffset),
			zap.Uint32("length", h.Length))
	default:
		// Publishers only consume control frames.
	}
}

// Close tears the publisher down: the receive loop stops, the socket is
// released, and the term buffers are dropped. Close is idempotent and safe
// against partially failed construction.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	err := p.tr.Close()
	<-p.done
	return err
}
