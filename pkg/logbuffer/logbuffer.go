// Package logbuffer implements the rotating three-partition term buffer that
// backs a publication, plus the position encoding that maps a (termId,
// termOffset) pair to a global stream position.
package logbuffer

import (
	"errors"
	"fmt"

	"github.com/logbus-protocol/logbus/pkg/buffer"
	"github.com/logbus-protocol/logbus/pkg/protocol"
)

// PartitionCount is the rotation factor: terms cycle through three fixed
// partitions so one can be written while the previous two drain.
const PartitionCount = 3

// DefaultPageSize is used when callers pass zero for pageSize.
const DefaultPageSize = 4096

var (
	// ErrInvalidTermLength is returned when termLength is not a power of two
	// in [MinTermLength, MaxTermLength].
	ErrInvalidTermLength = errors.New("logbus logbuffer: term length must be a power of two between 64 KiB and 1 GiB")

	// ErrInvalidPageSize is returned when pageSize is not a power of two or
	// does not divide the term length.
	ErrInvalidPageSize = errors.New("logbus logbuffer: page size must be a power of two dividing term length")

	// ErrPartitionIndex is returned for a partition index outside [0, 3).
	ErrPartitionIndex = errors.New("logbus logbuffer: partition index out of range")
)

// TermBufferSet owns the three term partitions and the metadata counters:
// one tail per partition and the active-term count. Exactly one writer (the
// owning publication) mutates a given partition's tail at a time; callers
// serialize access through the publication's lock.
type TermBufferSet struct {
	termLength      int
	pageSize        int
	partitions      [PartitionCount]*buffer.Buffer
	tails           [PartitionCount]uint64
	activeTermCount uint32
}

// Allocate creates a TermBufferSet with three zeroed partitions of
// termLength bytes each. Tail counters and the active-term count start at
// zero. A pageSize of zero selects DefaultPageSize.
func Allocate(termLength, pageSize int) (*TermBufferSet, error) {
	if !isPowerOfTwo(termLength) || termLength < protocol.MinTermLength || termLength > protocol.MaxTermLength {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTermLength, termLength)
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if !isPowerOfTwo(pageSize) || termLength%pageSize != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPageSize, pageSize)
	}

	s := &TermBufferSet{termLength: termLength, pageSize: pageSize}
	for i := range s.partitions {
		s.partitions[i] = buffer.New(termLength)
	}
	return s, nil
}

// TermLength returns the fixed partition size in bytes.
func (s *TermBufferSet) TermLength() int {
	return s.termLength
}

// PageSize returns the configured page size.
func (s *TermBufferSet) PageSize() int {
	return s.pageSize
}

// ActiveTermCount returns the number of terms begun so far. The initial term
// counts as zero.
func (s *TermBufferSet) ActiveTermCount() uint32 {
	return s.activeTermCount
}

// ActiveIndex returns the index of the partition currently accepting writes.
func (s *TermBufferSet) ActiveIndex() int {
	return int(s.activeTermCount % PartitionCount)
}

// Partition returns the byte arena for the given partition index.
func (s *TermBufferSet) Partition(index int) (*buffer.Buffer, error) {
	if index < 0 || index >= PartitionCount {
		return nil, ErrPartitionIndex
	}
	return s.partitions[index], nil
}

// Tail returns the 64-bit tail counter for the given partition index.
func (s *TermBufferSet) Tail(index int) (uint64, error) {
	if index < 0 || index >= PartitionCount {
		return 0, ErrPartitionIndex
	}
	return s.tails[index], nil
}

// SetTail writes the tail counter for the given partition index.
func (s *TermBufferSet) SetTail(index int, value uint64) error {
	if index < 0 || index >= PartitionCount {
		return ErrPartitionIndex
	}
	s.tails[index] = value
	return nil
}

// CheckSpace reports whether a write of alignedLength bytes fits in the
// active partition at its current tail. A false result is the rotate signal:
// the caller rotates and retries against the new term.
func (s *TermBufferSet) CheckSpace(alignedLength int) bool {
	tail := s.tails[s.ActiveIndex()]
	return int(tail)+alignedLength <= s.termLength
}

// Rotate advances to the next term: the active-term count is incremented and
// the incoming partition's tail is reset to zero. The partition's bytes are
// cleared so a stale frame header from two terms ago can never be mistaken
// for fresh data.
func (s *TermBufferSet) Rotate() {
	next := int((s.activeTermCount + 1) % PartitionCount)
	s.tails[next] = 0
	_ = s.partitions[next].Zero(0, s.termLength)
	s.activeTermCount++
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
