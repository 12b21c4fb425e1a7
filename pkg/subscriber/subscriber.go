// Package subscriber implements the receiving half of a logbus stream: a
// Subscription binds to one stream id, demultiplexes inbound frames by
// publishing session into Images, reconstructs each session's ordered byte
// stream, and exposes the rebuilt messages through a pull-style Poll API.
package subscriber

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/logbus-protocol/logbus/pkg/protocol"
	"github.com/logbus-protocol/logbus/pkg/transport"
)

// FragmentHandler receives one fully reconstructed message. position is the
// stream position at the end of the frame that carried the message.
type FragmentHandler func(payload []byte, sessionID, streamID uint32, position int64)

// ImageHandler is notified when an image becomes available or unavailable.
type ImageHandler func(sessionID uint32)

// Stats is a snapshot of subscription counters for diagnostics.
type Stats struct {
	Images     int
	Fragments  uint64
	Bytes      uint64
	Duplicates uint64
	Dropped    uint64
	Ready      int
}

// Option configures a Subscription during construction.
type Option func(*Subscription)

// WithLogger installs a structured logger. The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Subscription) { s.log = log }
}

// WithReceiverWindow overrides the window advertised in Status frames.
func WithReceiverWindow(n uint32) Option {
	return func(s *Subscription) { s.window = n }
}

// WithImageHandlers registers availability callbacks. Either may be nil.
func WithImageHandlers(available, unavailable ImageHandler) Option {
	return func(s *Subscription) {
		s.onAvailable = available
		s.onUnavailable = unavailable
	}
}

// Subscription receives frames for one stream id over a datagram transport.
// It owns the socket; inbound frames are processed on a single internal
// loop, so image state is only ever mutated from one execution context.
type Subscription struct {
	log      *zap.Logger
	tr       transport.Transport
	streamID uint32
	window   uint32

	onAvailable   ImageHandler
	onUnavailable ImageHandler

	mu     sync.Mutex
	images map[uint32]*Image
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Subscription bound to streamID over tr and starts its
// receive loop. The Subscription takes ownership of the transport.
func New(tr transport.Transport, streamID uint32, opts ...Option) *Subscription {
	s := &Subscription{
		log:      zap.NewNop(),
		tr:       tr,
		streamID: streamID,
		window:   protocol.DefaultReceiverWindow,
		images:   map[uint32]*Image{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	return s
}

// run is the single-threaded receive loop: every inbound frame is decoded
// and dispatched under the subscription lock.
func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	for {
		frame, err := s.tr.Recv(ctx)
		if err != nil {
			return
		}
		s.dispatch(frame)
	}
}

func (s *Subscription) dispatch(frame []byte) {
	decoded, err := protocol.Decode(frame)
	if err != nil {
		// Short or unrecognised frames are dropped; the session continues.
		s.log.Debug("dropping undecodable frame", zap.Error(err))
		return
	}

	switch f := decoded.(type) {
	case protocol.SetupHeader:
		s.handleSetup(f)
	case *protocol.DataFrame:
		s.handleData(f.Header, frame)
	default:
		// Status and NAK frames are publisher-bound; nothing to do here.
	}
}

// handleSetup creates an image on first sight of a (streamId, sessionId)
// pair, fires the availability callback, and acknowledges with an initial
// Status frame at consumption position zero.
func (s *Subscription) handleSetup(setup protocol.SetupHeader) {
	if setup.StreamID != s.streamID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.images[setup.SessionID]; exists {
		s.mu.Unlock()
		s.sendStatusFor(setup.SessionID)
		return
	}

	img, err := newImage(setup)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("rejecting setup with invalid term length",
			zap.Uint32("session_id", setup.SessionID),
			zap.Uint32("term_length", setup.TermLength))
		return
	}
	s.images[setup.SessionID] = img
	s.mu.Unlock()

	s.log.Info("image available",
		zap.Uint32("session_id", setup.SessionID),
		zap.Uint32("initial_term_id", setup.InitialTermID),
		zap.Uint32("term_length", setup.TermLength))
	if s.onAvailable != nil {
		s.onAvailable(setup.SessionID)
	}
	s.sendStatusFor(setup.SessionID)
}

// handleData routes a data or padding frame to its session's rebuilder and
// acknowledges progress with a Status frame whenever new fragments became
// ready.
func (s *Subscription) handleData(h protocol.DataHeader, raw []byte) {
	if h.StreamID != s.streamID {
		return
	}

	s.mu.Lock()
	img, ok := s.images[h.SessionID]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("data frame for unknown session", zap.Uint32("session_id", h.SessionID))
		return
	}
	progressed := img.insert(h, raw[:min(len(raw), protocol.Align(int(h.FrameLength)))])
	s.mu.Unlock()

	if progressed {
		s.sendStatusFor(h.SessionID)
	}
}

// sendStatusFor reports the session's consumption point back to the sender.
// This drives the publisher's flow-control window; it is not a per-message
// delivery confirmation.
func (s *Subscription) sendStatusFor(sessionID uint32) {
	s.mu.Lock()
	img, ok := s.images[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	status := protocol.StatusHeader{
		Version:               protocol.Version,
		SessionID:             img.sessionID,
		StreamID:              img.streamID,
		ConsumptionTermID:     img.currentTermID,
		ConsumptionTermOffset: uint32(img.completed),
		ReceiverWindow:        s.window,
	}
	s.mu.Unlock()

	if err := s.tr.Send(context.Background(), status.Encode()); err != nil {
		s.log.Debug("status transmit failed", zap.Error(err))
	}
}

// Poll drains up to limit ready fragments across all images, invoking
// handler for each, and returns the number delivered.
func (s *Subscription) Poll(handler FragmentHandler, limit int) int {
	s.mu.Lock()
	var drained []fragment
	for _, img := range s.images {
		if len(drained) >= limit {
			break
		}
		drained = append(drained, img.drain(limit-len(drained))...)
	}
	s.mu.Unlock()

	for _, f := range drained {
		handler(f.payload, f.sessionID, f.streamID, f.position)
	}
	return len(drained)
}

// Image returns the image for a session, if one exists.
func (s *Subscription) Image(sessionID uint32) (*Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[sessionID]
	return img, ok
}

// Snapshot returns current counters for diagnostics.
func (s *Subscription) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	st.Images = len(s.images)
	for _, img := range s.images {
		st.Fragments += img.fragments
		st.Bytes += img.bytes
		st.Duplicates += img.duplicates
		st.Dropped += img.dropped
		st.Ready += len(img.ready)
	}
	return st
}

// Close stops listening, reports each image unavailable exactly once, and
// releases the socket. Close is idempotent.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]uint32, 0, len(s.images))
	for id := range s.images {
		sessions = append(sessions, id)
	}
	s.mu.Unlock()

	s.cancel()
	err := s.tr.Close()
	<-s.done

	if s.onUnavailable != nil {
		for _, id := range sessions {
			s.onUnavailable(id)
		}
	}
	return err
}
