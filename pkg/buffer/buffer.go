// Package buffer provides a fixed-length, bounds-checked byte buffer with
// random-access little-endian accessors. Term partitions and frame headers
// are only ever touched through this type; there is no raw offset arithmetic
// anywhere else in the codebase.
package buffer

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrOutOfRange is returned when an access would fall outside the
	// buffer's fixed capacity.
	ErrOutOfRange = errors.New("logbus buffer: access out of range")
)

// Buffer is a fixed-capacity byte region. Unlike an append-style encoder it
// supports writes at arbitrary offsets, which the term-buffer layout needs:
// frames land at their term offset, not at the end of a stream.
type Buffer struct {
	data []byte
}

// New allocates a zeroed Buffer of the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Wrap adopts an existing byte slice without copying.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Capacity returns the fixed size of the buffer.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// check verifies that [offset, offset+n) lies within the buffer.
func (b *Buffer) check(offset, n int) error {
	if offset < 0 || n < 0 || offset+n > len(b.data) {
		return ErrOutOfRange
	}
	return nil
}

// PutUint8 writes a single byte at offset.
func (b *Buffer) PutUint8(offset int, v uint8) error {
	if err := b.check(offset, 1); err != nil {
		return err
	}
	b.data[offset] = v
	return nil
}

// Uint8 reads a single byte at offset.
func (b *Buffer) Uint8(offset int) (uint8, error) {
	if err := b.check(offset, 1); err != nil {
		return 0, err
	}
	return b.data[offset], nil
}

// PutUint16 writes a 16-bit unsigned integer in little-endian order.
func (b *Buffer) PutUint16(offset int, v uint16) error {
	if err := b.check(offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b.data[offset:], v)
	return nil
}

// Uint16 reads a 16-bit unsigned integer in little-endian order.
func (b *Buffer) Uint16(offset int) (uint16, error) {
	if err := b.check(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b.data[offset:]), nil
}

// PutUint32 writes a 32-bit unsigned integer in little-endian order.
func (b *Buffer) PutUint32(offset int, v uint32) error {
	if err := b.check(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b.data[offset:], v)
	return nil
}

// Uint32 reads a 32-bit unsigned integer in little-endian order.
func (b *Buffer) Uint32(offset int) (uint32, error) {
	if err := b.check(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b.data[offset:]), nil
}

// PutUint64 writes a 64-bit unsigned integer in little-endian order.
func (b *Buffer) PutUint64(offset int, v uint64) error {
	if err := b.check(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b.data[offset:], v)
	return nil
}

// Uint64 reads a 64-bit unsigned integer in little-endian order.
func (b *Buffer) Uint64(offset int) (uint64, error) {
	if err := b.check(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b.data[offset:]), nil
}

// PutBytes copies p into the buffer starting at offset.
func (b *Buffer) PutBytes(offset int, p []byte) error {
	if err := b.check(offset, len(p)); err != nil {
		return err
	}
	copy(b.data[offset:], p)
	return nil
}

// Bytes returns a copy of the n bytes starting at offset. The copy is safe
// to retain after the underlying region is overwritten by a later frame.
func (b *Buffer) Bytes(offset, n int) ([]byte, error) {
	if err := b.check(offset, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b.data[offset:offset+n])
	return out, nil
}

// Slice returns a sub-slice of the underlying storage (zero-copy). Callers
// must not retain it past the next write to the same region.
func (b *Buffer) Slice(offset, n int) ([]byte, error) {
	if err := b.check(offset, n); err != nil {
		return nil, err
	}
	return b.data[offset : offset+n], nil
}

// Zero clears the n bytes starting at offset.
func (b *Buffer) Zero(offset, n int) error {
	if err := b.check(offset, n); err != nil {
		return err
	}
	region := b.data[offset : offset+n]
	for i := range region {
		region[i] = 0
	}
	return nil
}
