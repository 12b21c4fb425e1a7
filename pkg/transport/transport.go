// Package transport provides the datagram transports that carry logbus
// frames: a UDP implementation for real traffic and an in-memory pair for
// deterministic tests. Framing, alignment, and header layout are the
// protocol package's concern; a transport moves opaque datagrams.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrTransportClosed is returned by Send and Recv after Close.
	ErrTransportClosed = errors.New("logbus transport: transport is closed")

	// ErrDatagramTooLarge is returned when a frame exceeds the maximum
	// datagram payload the transport can carry.
	ErrDatagramTooLarge = errors.New("logbus transport: datagram exceeds maximum payload")

	// ErrNoPeer is returned when Send is called on a listening transport
	// before any datagram has arrived to establish the peer address.
	ErrNoPeer = errors.New("logbus transport: peer address not yet known")
)

// Transport is a point-to-point datagram channel. Implementations must be
// safe for one concurrent sender and one concurrent receiver.
type Transport interface {
	// Send transmits one datagram, honouring the context deadline.
	Send(ctx context.Context, frame []byte) error

	// Recv blocks until a datagram arrives, honouring context deadline and
	// cancellation. The returned slice is owned by the caller.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the underlying socket. It is idempotent.
	Close() error
}
