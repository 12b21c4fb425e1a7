// Package reliable layers sequence-numbered delivery on top of the logbus
// datagram transport: every message carries a monotonically increasing
// sequence number (independent of term/position bookkeeping) and is held by
// the sender until acknowledged. Receivers acknowledge everything they see,
// suppress duplicates, buffer out-of-order arrivals, and deliver in sequence
// order. Messages that exhaust their retransmissions are surfaced as
// delivery failures, never silently lost.
package reliable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/logbus-protocol/logbus/pkg/protocol"
	"github.com/logbus-protocol/logbus/pkg/transport"
)

// Defaults for the reliability timers and window.
const (
	DefaultRetransmitInterval = 100 * time.Millisecond
	DefaultRetryTimeout       = 100 * time.Millisecond
	DefaultHeartbeatInterval  = 1000 * time.Millisecond
	DefaultWindow             = 64
	DefaultAdmissionTimeout   = 5 * time.Second

	// MaxRetries is how many retransmissions a message gets before it is
	// dropped and reported as a delivery failure.
	MaxRetries = 5
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("logbus reliable: endpoint is closed")

	// ErrWindowStalled is returned when the unacknowledged window stayed
	// full for the whole admission timeout. The message was still sent and
	// remains pending; only admission of further sends stalled.
	ErrWindowStalled = errors.New("logbus reliable: send window stalled")

	// ErrDeliveryFailed is passed to the failure handler when a message has
	// been retransmitted MaxRetries times without an acknowledgement.
	ErrDeliveryFailed = errors.New("logbus reliable: delivery failed after max retries")
)

// DeliveryHandler receives each message exactly once, in sequence order.
type DeliveryHandler func(payload []byte, sequence uint32)

// FailureHandler is notified when a message is abandoned. After the call
// the message is gone from the pending set and will never be retried.
type FailureHandler func(sequence uint32, payload []byte, err error)

// PendingMessage is the sender-side record of an unacknowledged message.
type PendingMessage struct {
	Sequence   uint32
	Payload    []byte
	SentAt     time.Time
	RetryCount int
	SessionID  uint32
	StreamID   uint32
}

// Stats is a snapshot of endpoint counters for diagnostics.
type Stats struct {
	Sent        uint64
	Acked       uint64
	Retransmits uint64
	Failures    uint64
	Delivered   uint64
	Duplicates  uint64
	Buffered    int
	Pending     int
}

// Option configures an Endpoint during construction.
type Option func(*Endpoint)

// WithLogger installs a structured logger. The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Endpoint) { e.log = log }
}

// WithWindow sets the maximum number of unacknowledged messages in flight.
func WithWindow(n int) Option {
	return func(e *Endpoint) { e.window = n }
}

// WithTimers overrides the retransmit scan interval, the per-message retry
// timeout, and the heartbeat interval.
func WithTimers(retransmitInterval, retryTimeout, heartbeatInterval time.Duration) Option {
	return func(e *Endpoint) {
		e.retransmitInterval = retransmitInterval
		e.retryTimeout = retryTimeout
		e.heartbeatInterval = heartbeatInterval
	}
}

// WithAdmissionTimeout bounds how long Send waits for the window to open.
func WithAdmissionTimeout(d time.Duration) Option {
	return func(e *Endpoint) { e.admissionTimeout = d }
}

// WithDeliveryHandler registers the application delivery callback.
func WithDeliveryHandler(h DeliveryHandler) Option {
	return func(e *Endpoint) { e.onDeliver = h }
}

// WithFailureHandler registers the delivery-failure callback.
func WithFailureHandler(h FailureHandler) Option {
	return func(e *Endpoint) { e.onFailure = h }
}

// Endpoint is one side of a reliable session. Both peers run the same type;
// each owns one datagram socket, a pending-message map for its sends, and
// receiver state (expected sequence, seen set, reorder buffer) for its
// peer's sends. Timer callbacks and inbound frames are processed on one
// internal loop and share the endpoint's single exclusion domain with
// application Send calls.
type Endpoint struct {
	log       *zap.Logger
	tr        transport.Transport
	sessionID uint32
	streamID  uint32

	window             int
	retransmitInterval time.Duration
	retryTimeout       time.Duration
	heartbeatInterval  time.Duration
	admissionTimeout   time.Duration

	onDeliver DeliveryHandler
	onFailure FailureHandler

	mu      sync.Mutex
	next    uint32
	pending map[uint32]*PendingMessage

	expected   uint32
	received   map[uint32]struct{}
	outOfOrder map[uint32][]byte

	closed bool

	sent        uint64
	acked       uint64
	retransmits uint64
	failures    uint64
	delivered   uint64
	duplicates  uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Endpoint over tr and starts its receive/timer loop. The
// Endpoint takes ownership of the transport.
func New(tr transport.Transport, streamID, sessionID uint32, opts ...Option) *Endpoint {
	e := &Endpoint{
		log:                zap.NewNop(),
		tr:                 tr,
		sessionID:          sessionID,
		streamID:           streamID,
		window:             DefaultWindow,
		retransmitInterval: DefaultRetransmitInterval,
		retryTimeout:       DefaultRetryTimeout,
		heartbeatInterval:  DefaultHeartbeatInterval,
		admissionTimeout:   DefaultAdmissionTimeout,
		pending:            map[uint32]*PendingMessage{},
		received:           map[uint32]struct{}{},
		outOfOrder:         map[uint32][]byte{},
		done:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.run(ctx)
	return e
}

// Send transmits payload with the next sequence number and records it as
// pending until acknowledged. When the unacknowledged count has reached the
// window, Send waits in a bounded poll loop for the window to open; on
// timeout it returns ErrWindowStalled (the message itself was already sent
// and stays pending).
func (e *Endpoint) Send(payload []byte) (uint32, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}

	seq := e.next
	e.next++

	stored := make([]byte, len(payload))
	copy(stored, payload)
	e.pending[seq] = &PendingMessage{
		Sequence:  seq,
		Payload:   stored,
		SentAt:    time.Now(),
		SessionID: e.sessionID,
		StreamID:  e.streamID,
	}
	frame := e.encodeData(seq, stored)
	e.mu.Unlock()

	if err := e.tr.Send(context.Background(), frame); err != nil {
		e.mu.Lock()
		delete(e.pending, seq)
		e.mu.Unlock()
		return 0, fmt.Errorf("logbus reliable: send seq %d: %w", seq, err)
	}

	e.mu.Lock()
	e.sent++
	full := len(e.pending) >= e.window
	e.mu.Unlock()

	if !full {
		return seq, nil
	}

	// Bounded wait-and-recheck: never an unconditional block.
	deadline := time.Now().Add(e.admissionTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		e.mu.Lock()
		open := len(e.pending) < e.window || e.closed
		e.mu.Unlock()
		if open {
			return seq, nil
		}
	}
	return seq, ErrWindowStalled
}

// encodeData builds the wire frame for a sequenced message. Caller holds
// the lock (or the fields are immutable).
func (e *Endpoint) encodeData(seq uint32, payload []byte) []byte {
	h := protocol.DataHeader{
		Version:   protocol.Version,
		Flags:     protocol.FlagsUnfragmented,
		Type:      protocol.TypeData,
		SessionID: e.sessionID,
		StreamID:  e.streamID,
	}
	h.SetSequenceNumber(seq)
	return protocol.EncodeData(&h, payload)
}

// run drives the endpoint: inbound frames, the retransmission scan, and the
// heartbeat all execute here, so they serialize naturally with Send through
// the endpoint lock.
func (e *Endpoint) run(ctx context.Context) {
	defer close(e.done)

	retransmit := time.NewTicker(e.retransmitInterval)
	defer retransmit.Stop()
	heartbeat := time.NewTicker(e.heartbeatInterval)
	defer heartbeat.Stop()

	recvCh := make(chan []byte)
	go func() {
		defer close(recvCh)
		for {
			frame, err := e.tr.Recv(ctx)
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

	for {
		select {
		case <-ctx.Done():
			return
		case <-retransmit.C:
			e.scanPending()
		case <-heartbeat.C:
			e.sendHeartbeat()
		case frame, ok := <-recvCh:
			if !ok {
				return
			}
			e.handleFrame(frame)
		}
	}
}

func (e *Endpoint) handleFrame(frame []byte) {
	decoded, err := protocol.Decode(frame)
	if err != nil {
		e.log.Debug("dropping undecodable frame", zap.Error(err))
		return
	}

	switch f := decoded.(type) {
	case protocol.StatusHeader:
		e.handleAck(f.ConsumptionTermOffset)
	case *protocol.DataFrame:
		if f.Header.StreamID != e.streamID {
			return
		}
		// Heartbeats are zero-payload frames without BEGIN|END; they carry
		// liveness only.
		if len(f.Payload) == 0 && f.Header.Flags&protocol.FlagsUnfragmented == 0 {
			return
		}
		e.handleData(f.Header.SequenceNumber(), f.Payload)
	default:
	}
}

// handleAck settles the pending message for seq, if still tracked.
func (e *Endpoint) handleAck(seq uint32) {
	e.mu.Lock()
	if _, ok := e.pending[seq]; ok {
		delete(e.pending, seq)
		e.acked++
	}
	e.mu.Unlock()
}

// handleData implements the receiver state machine: ACK unconditionally,
// then deliver, buffer, or discard based on the sequence number.
func (e *Endpoint) handleData(seq uint32, payload []byte) {
	// ACK first, always: a retransmission caused by a lost ACK must be
	// re-acknowledged even though it will not be delivered again.
	e.sendAck(seq)

	e.mu.Lock()
	if seq < e.expected {
		e.duplicates++
		e.mu.Unlock()
		return
	}
	if _, seen := e.received[seq]; seen {
		e.duplicates++
		e.mu.Unlock()
		return
	}
	e.received[seq] = struct{}{}

	type delivery struct {
		seq     uint32
		payload []byte
	}
	var deliveries []delivery

	if seq == e.expected {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		deliveries = append(deliveries, delivery{seq, buf})
		e.expected++

		// Drain the reorder buffer while it stays contiguous.
		for {
			next, ok := e.outOfOrder[e.expected]
			if !ok {
				break
			}
			delete(e.outOfOrder, e.expected)
			deliveries = append(deliveries, delivery{e.expected, next})
			e.expected++
		}

		// Sequences below expected can never be consulted again.
		for s := range e.received {
			if s < e.expected {
				delete(e.received, s)
			}
		}
	} else {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		e.outOfOrder[seq] = buf
	}
	e.delivered += uint64(len(deliveries))
	e.mu.Unlock()

	if e.onDeliver != nil {
		for _, d := range deliveries {
			e.onDeliver(d.payload, d.seq)
		}
	}
}

func (e *Endpoint) sendAck(seq uint32) {
	ack := protocol.StatusHeader{
		Version:               protocol.Version,
		SessionID:             e.sessionID,
		StreamID:              e.streamID,
		ConsumptionTermOffset: seq,
		ReceiverWindow:        uint32(e.window),
	}
	if err := e.tr.Send(context.Background(), ack.Encode()); err != nil {
		e.log.Debug("ack transmit failed", zap.Uint32("sequence", seq), zap.Error(err))
	}
}

// scanPending retransmits every pending message older than the retry
// timeout and abandons those that have used up their retries.
func (e *Endpoint) scanPending() {
	now := time.Now()

	e.mu.Lock()
	var resend []*PendingMessage
	var failed []*PendingMessage
	for seq, msg := range e.pending {
		if now.Sub(msg.SentAt) < e.retryTimeout {
			continue
		}
		if msg.RetryCount >= MaxRetries {
			delete(e.pending, seq)
			failed = append(failed, msg)
			e.failures++
			continue
		}
		msg.RetryCount++
		msg.SentAt = now
		resend = append(resend, msg)
		e.retransmits++
	}
	frames := make([][]byte, len(resend))
	for i, msg := range resend {
		frames[i] = e.encodeData(msg.Sequence, msg.Payload)
	}
	e.mu.Unlock()

	for i, msg := range resend {
		if err := e.tr.Send(context.Background(), frames[i]); err != nil {
			e.log.Debug("retransmit failed", zap.Uint32("sequence", msg.Sequence), zap.Error(err))
		}
	}
	for _, msg := range failed {
		e.log.Warn("abandoning message after max retries", zap.Uint32("sequence", msg.Sequence))
		if e.onFailure != nil {
			e.onFailure(msg.Sequence, msg.Payload, ErrDeliveryFailed)
		}
	}
}

// sendHeartbeat emits a zero-payload, flag-less data frame to keep idle
// sessions alive.
func (e *Endpoint) sendHeartbeat() {
	h := protocol.DataHeader{
		Version:   protocol.Version,
		Type:      protocol.TypeData,
		SessionID: e.sessionID,
		StreamID:  e.streamID,
	}
	if err := e.tr.Send(context.Background(), protocol.EncodeData(&h, nil)); err != nil {
		e.log.Debug("heartbeat transmit failed", zap.Error(err))
	}
}

// Pending reports how many sends await acknowledgement.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Snapshot returns current counters for diagnostics.
func (e *Endpoint) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Sent:        e.sent,
		Acked:       e.acked,
		Retransmits: e.retransmits,
		Failures:    e.failures,
		Delivered:   e.delivered,
		Duplicates:  e.duplicates,
		Buffered:    len(e.outOfOrder),
		Pending:     len(e.pending),
	}
}

// Close stops the timers and receive loop, discards in-flight sends
// (reporting each through the failure handler), and releases the socket.
// Close is idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	discarded := make([]*PendingMessage, 0, len(e.pending))
	for seq, msg := range e.pending {
		delete(e.pending, seq)
		discarded = append(discarded, msg)
	}
	e.mu.Unlock()

	e.cancel()
	err := e.tr.Close()
	<-e.done

	if e.onFailure != nil {
		for _, msg := range discarded {
			e.onFailure(msg.Sequence, msg.Payload, ErrClosed)
		}
	}
	return err
}
