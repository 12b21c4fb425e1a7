package logbuffer

import "math/bits"

// PositionBitsToShift returns log2(termLength), the shift that converts a
// relative term id into a byte position. termLength must already be a
// validated power of two.
func PositionBitsToShift(termLength int) uint {
	return uint(bits.TrailingZeros64(uint64(termLength)))
}

// ComputePosition maps (activeTermId, termOffset) to the global stream
// position: (activeTermId - initialTermId) << shift + termOffset. The result
// is non-decreasing for the lifetime of one publication.
func ComputePosition(activeTermID, initialTermID uint32, termOffset uint32, shift uint) int64 {
	relative := int64(int32(activeTermID - initialTermID))
	return (relative << shift) + int64(termOffset)
}

// ComputeTermID recovers the absolute term id containing position.
func ComputeTermID(position int64, shift uint, initialTermID uint32) uint32 {
	return initialTermID + uint32(position>>shift)
}

// ComputeTermOffset recovers the byte offset of position within its term.
func ComputeTermOffset(position int64, shift uint) uint32 {
	mask := int64(1)<<shift - 1
	return uint32(position & mask)
}
