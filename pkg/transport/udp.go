package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// maxUDPPayload is the largest datagram deliverable over IPv4 UDP.
const maxUDPPayload = 65507

// UDPTransport carries logbus frames over a single UDP socket. A dialled
// transport knows its peer from construction; a listening transport learns
// it from the first datagram that arrives, so Status frames can flow back
// to the sender.
type UDPTransport struct {
	conn *net.UDPConn

	mu     sync.Mutex
	remote *net.UDPAddr // nil on a listener until the first datagram
	closed bool
}

// Dial connects to a remote logbus endpoint at addr.
func Dial(addr string) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("logbus transport: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("logbus transport: dial %s: %w", addr, err)
	}
	return &UDPTransport{conn: conn, remote: raddr}, nil
}

// Listen binds a logbus endpoint to addr.
func Listen(addr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("logbus transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("logbus transport: listen %s: %w", addr, err)
	}
	return &UDPTransport{conn: conn}, nil
}

// Send transmits a single frame as one datagram.
func (t *UDPTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	remote := t.remote
	t.mu.Unlock()

	if len(frame) > maxUDPPayload {
		return ErrDatagramTooLarge
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}

	// A dialled socket writes directly; a listening socket replies to the
	// learned peer address.
	if t.conn.RemoteAddr() != nil {
		_, err := t.conn.Write(frame)
		return err
	}
	if remote == nil {
		return ErrNoPeer
	}
	_, err := t.conn.WriteToUDP(frame, remote)
	return err
}

// Recv blocks until a complete datagram arrives.
func (t *UDPTransport) Recv(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}

	// When ctx is cancelled mid-read, expire the read deadline so
	// ReadFromUDP unblocks promptly. The goroutine exits cleanly when the
	// read finishes normally.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.conn.SetReadDeadline(time.Now())
		case <-readDone:
		}
	}()

	buf := make([]byte, maxUDPPayload)
	n, remoteAddr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}

	// Remember where traffic came from so a listener can reply.
	t.mu.Lock()
	if t.remote == nil && remoteAddr != nil {
		t.remote = remoteAddr
	}
	t.mu.Unlock()

	frame := make([]byte, n)
	copy(frame, buf[:n])
	return frame, nil
}

// Close shuts down the socket. Safe to call more than once.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// LocalAddr returns the bound address of the underlying socket.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
