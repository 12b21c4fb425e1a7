package subscriber

import (
	"github.com/logbus-protocol/logbus/pkg/logbuffer"
	"github.com/logbus-protocol/logbus/pkg/protocol"
)

// fragment is one fully reconstructed application message awaiting Poll.
type fragment struct {
	payload   []byte
	sessionID uint32
	streamID  uint32
	position  int64
}

// Image is the per-(streamId, sessionId) reconstruction context. Frames are
// copied into a local term buffer set at their term offset; whenever the
// frame at the completed position arrives, the rebuilder scans forward and
// turns every contiguous complete frame into a ready fragment. Gaps simply
// stall the scan until the missing frame arrives; there is no timeout-based
// recovery at this layer.
type Image struct {
	sessionID     uint32
	streamID      uint32
	initialTermID uint32
	termLength    int
	shift         uint

	terms *logbuffer.TermBufferSet

	// currentTermID is the term being rebuilt; completed is the byte count
	// of that term already turned into delivered fragments.
	currentTermID uint32
	completed     int

	// seen holds the (termId, termOffset) dedup sets for the current and
	// next term. Entries for a term are discarded when the term completes.
	seen map[uint32]map[uint32]struct{}

	// ready is the fragment queue drained by Subscription.Poll.
	ready []fragment

	fragments  uint64
	bytes      uint64
	duplicates uint64
	dropped    uint64
}

func newImage(setup protocol.SetupHeader) (*Image, error) {
	terms, err := logbuffer.Allocate(int(setup.TermLength), 0)
	if err != nil {
		return nil, err
	}
	return &Image{
		sessionID:     setup.SessionID,
		streamID:      setup.StreamID,
		initialTermID: setup.InitialTermID,
		termLength:    int(setup.TermLength),
		shift:         logbuffer.PositionBitsToShift(int(setup.TermLength)),
		terms:         terms,
		currentTermID: setup.InitialTermID,
		seen:          map[uint32]map[uint32]struct{}{},
	}, nil
}

// SessionID returns the publishing session this image reconstructs.
func (img *Image) SessionID() uint32 {
	return img.sessionID
}

// Position returns the rebuild position: everything up to it has been turned
// into fragments.
func (img *Image) Position() int64 {
	return logbuffer.ComputePosition(img.currentTermID, img.initialTermID, uint32(img.completed), img.shift)
}

// insert places a received frame into the image's term buffers and advances
// the rebuild scan when possible. It returns true when new fragments became
// ready. raw is the frame exactly as received (header included); for padding
// frames only the header travels, with FrameLength describing the region to
// skip.
func (img *Image) insert(h protocol.DataHeader, raw []byte) bool {
	relative := int32(h.TermID - img.currentTermID)
	switch {
	case relative < 0:
		// A term already completed; late duplicate.
		img.duplicates++
		return false
	case relative > 1:
		// Too far ahead to buffer with a three-partition ring.
		img.dropped++
		return false
	}

	if int(h.TermOffset)+protocol.Align(int(h.FrameLength)) > img.termLength {
		img.dropped++
		return false
	}

	offsets := img.seen[h.TermID]
	if offsets == nil {
		offsets = map[uint32]struct{}{}
		img.seen[h.TermID] = offsets
	}
	if _, dup := offsets[h.TermOffset]; dup {
		img.duplicates++
		return false
	}
	offsets[h.TermOffset] = struct{}{}

	index := int((h.TermID - img.initialTermID) % logbuffer.PartitionCount)
	partition, err := img.terms.Partition(index)
	if err != nil {
		return false
	}
	if err := partition.PutBytes(int(h.TermOffset), raw); err != nil {
		img.dropped++
		return false
	}

	if h.TermID == img.currentTermID && int(h.TermOffset) == img.completed {
		return img.scan()
	}
	return false
}

// scan walks the current term from the completed position, emitting one
// fragment per complete data frame, skipping padding, and rolling into the
// next term when this one finishes. It stops at the first gap (a zero frame
// length) or the end of buffered data.
func (img *Image) scan() bool {
	produced := false
	for {
		index := int((img.currentTermID - img.initialTermID) % logbuffer.PartitionCount)
		partition, err := img.terms.Partition(index)
		if err != nil {
			return produced
		}

		for img.completed < img.termLength {
			h, err := protocol.ReadDataHeader(partition, img.completed)
			if err != nil || h.FrameLength == 0 {
				return produced
			}
			aligned := protocol.Align(int(h.FrameLength))

			if h.Type == protocol.TypeData {
				payload, err := partition.Bytes(img.completed+protocol.DataHeaderLength, int(h.FrameLength)-protocol.DataHeaderLength)
				if err != nil {
					return produced
				}
				img.completed += aligned
				img.ready = append(img.ready, fragment{
					payload:   payload,
					sessionID: img.sessionID,
					streamID:  img.streamID,
					position:  img.Position(),
				})
				img.fragments++
				img.bytes += uint64(len(payload))
				produced = true
			} else {
				// Padding: consume without emitting.
				img.completed += aligned
			}
		}

		img.advanceTerm()
	}
}

// advanceTerm moves the rebuild point into the next term. The partition
// vacated two terms back is recycled: zeroed so stale frames can never be
// mistaken for frames of the term that will land there next.
func (img *Image) advanceTerm() {
	delete(img.seen, img.currentTermID)
	img.currentTermID++
	img.completed = 0

	recycle := int((img.currentTermID - img.initialTermID + 2) % logbuffer.PartitionCount)
	if partition, err := img.terms.Partition(recycle); err == nil {
		_ = partition.Zero(0, img.termLength)
		_ = img.terms.SetTail(recycle, 0)
	}
}

// drain removes up to limit ready fragments.
func (img *Image) drain(limit int) []fragment {
	if limit <= 0 || len(img.ready) == 0 {
		return nil
	}
	n := limit
	if n > len(img.ready) {
		n = len(img.ready)
	}
	out := img.ready[:n]
	img.ready = append([]fragment(nil), img.ready[n:]...)
	return out
}
