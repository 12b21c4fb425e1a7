package publisher

import (
	"context"
	"errors"

	"github.com/logbus-protocol/logbus/pkg/buffer"
	"github.com/logbus-protocol/logbus/pkg/logbuffer"
	"github.com/logbus-protocol/logbus/pkg/protocol"
)

var (
	// ErrClaimSettled is returned when Commit or Abort is called on a claim
	// that has already been committed or aborted.
	ErrClaimSettled = errors.New("logbus publisher: claim already committed or aborted")
)

// Claim is a zero-copy reservation inside the active term. The frame header
// is pre-written when the claim is granted; the caller fills Buffer and then
// either Commit (advance the tail and transmit) or Abort (zero the header so
// the slot reads as unwritten and is reused by the next write; nothing is
// transmitted). Exactly one claim may be outstanding per publisher; Offer and
// TryClaim return AdminAction while one is open.
type Claim struct {
	p             *Publisher
	partition     *buffer.Buffer
	partitionIdx  int
	termOffset    uint32
	frameLength   int
	alignedLength int
	settled       bool
}

// TryClaim reserves space for a payload of the given length using the same
// placement rules as Offer. On success it returns the claim and the position
// Commit will produce; on failure the claim is nil and the second value is
// one of the Offer result codes.
func (p *Publisher) TryClaim(length int) (*Claim, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, Closed
	}
	if p.claimOutstanding {
		return nil, AdminAction
	}

	frameLength := protocol.DataHeaderLength + length
	if frameLength > p.termLength/4 {
		return nil, MaxPositionExceeded
	}
	aligned := protocol.Align(frameLength)

	if !p.terms.CheckSpace(aligned) {
		p.rotateLocked()
		p.backPressures++
		return nil, BackPressured
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
		return nil, AdminAction
	}
	_ = partition.Zero(int(tail)+protocol.DataHeaderLength, aligned-protocol.DataHeaderLength)

	p.claimOutstanding = true
	position := logbuffer.ComputePosition(termID, p.initialTermID, termOffset+uint32(aligned), p.shift)
	return &Claim{
		p:             p,
		partition:     partition,
		partitionIdx:  index,
		termOffset:    termOffset,
		frameLength:   frameLength,
		alignedLength: aligned,
	}, position
}

// Buffer returns the reserved payload region for the caller to fill in
// place. The slice is only valid until Commit or Abort.
func (c *Claim) Buffer() []byte {
	region, _ := c.partition.Slice(int(c.termOffset)+protocol.DataHeaderLength, c.frameLength-protocol.DataHeaderLength)
	return region
}

// Commit advances the tail past the claimed range and transmits the frame.
func (c *Claim) Commit() (int64, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if c.settled {
		return Closed, ErrClaimSettled
	}
	c.settled = true
	c.p.claimOutstanding = false

	if c.p.closed {
		return Closed, nil
	}

	_ = c.p.terms.SetTail(c.partitionIdx, uint64(c.termOffset)+uint64(c.alignedLength))

	frame, _ := c.partition.Slice(int(c.termOffset), c.alignedLength)
	if err := c.p.tr.Send(context.Background(), frame); err != nil {
		c.p.log.Warn("claim commit: transmit failed")
		return NotConnected, nil
	}
	c.p.framesSent++
	c.p.bytesSent += uint64(c.alignedLength)

	termID := c.p.initialTermID + c.p.terms.ActiveTermCount()
	return logbuffer.ComputePosition(termID, c.p.initialTermID, c.termOffset+uint32(c.alignedLength), c.p.shift), nil
}

// Abort releases the claim without transmitting. The pre-written header is
// zeroed so the slot is indistinguishable from unwritten space; because the
// tail never advanced, the next write simply reuses the range.
func (c *Claim) Abort() error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if c.settled {
		return ErrClaimSettled
	}
	c.settled = true
	c.p.claimOutstanding = false

	return c.partition.Zero(int(c.termOffset), protocol.DataHeaderLength)
}
