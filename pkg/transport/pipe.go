package transport

import (
	"context"
	"sync"
)

// pipeBacklog bounds how many undelivered datagrams a pipe endpoint holds.
// Further sends drop, which matches datagram semantics.
const pipeBacklog = 1024

// Pipe is one end of an in-memory datagram pair. It gives tests the exact
// Transport semantics of UDP (whole datagrams, possible drops when the
// backlog is full) without touching the network.
type Pipe struct {
	in  chan []byte
	out chan []byte

	closed chan struct{}
	once   sync.Once
}

// NewPair returns two connected in-memory transports; frames sent on one
// arrive on the other.
func NewPair() (*Pipe, *Pipe) {
	ab := make(chan []byte, pipeBacklog)
	ba := make(chan []byte, pipeBacklog)
	a := &Pipe{in: ba, out: ab, closed: make(chan struct{})}
	b := &Pipe{in: ab, out: ba, closed: make(chan struct{})}
	return a, b
}

// Send delivers one datagram to the peer, dropping it if the peer's backlog
// is full.
func (p *Pipe) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case p.out <- buf:
	default:
		// Backlog full: silently dropped, as a congested network would.
	}
	return nil
}

// Recv blocks until a datagram arrives or the context ends.
func (p *Pipe) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down this end of the pair. Safe to call more than once.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
