package logbuffer

import (
	"errors"
	"testing"

	"github.com/logbus-protocol/logbus/pkg/protocol"
)

func TestAllocateValidation(t *testing.T) {
	cases := []struct {
		name       string
		termLength int
		pageSize   int
		wantErr    error
	}{
		{"minimum", protocol.MinTermLength, 0, nil},
		{"default page size", 1 << 20, 0, nil},
		{"not power of two", 65537, 0, ErrInvalidTermLength},
		{"too small", 32 * 1024, 0, ErrInvalidTermLength},
		{"too large", 2 * protocol.MaxTermLength, 0, ErrInvalidTermLength},
		{"bad page size", 1 << 20, 3000, ErrInvalidPageSize},
		{"page exceeds term", protocol.MinTermLength, protocol.MinTermLength * 2, ErrInvalidPageSize},
	}
	for _, c := range cases {
		_, err := Allocate(c.termLength, c.pageSize)
		if !errors.Is(err, c.wantErr) {
			t.Errorf("%s: Allocate(%d, %d) err = %v, want %v", c.name, c.termLength, c.pageSize, err, c.wantErr)
		}
	}
}

func TestAllocateZeroInitialised(t *testing.T) {
	s, err := Allocate(protocol.MinTermLength, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if s.ActiveTermCount() != 0 {
		t.Errorf("ActiveTermCount = %d, want 0", s.ActiveTermCount())
	}
	if s.ActiveIndex() != 0 {
		t.Errorf("ActiveIndex = %d, want 0", s.ActiveIndex())
	}
	for i := 0; i < PartitionCount; i++ {
		tail, err := s.Tail(i)
		if err != nil {
			t.Fatalf("Tail(%d): %v", i, err)
		}
		if tail != 0 {
			t.Errorf("Tail(%d) = %d, want 0", i, tail)
		}
		p, err := s.Partition(i)
		if err != nil {
			t.Fatalf("Partition(%d): %v", i, err)
		}
		if p.Capacity() != protocol.MinTermLength {
			t.Errorf("Partition(%d) capacity = %d, want %d", i, p.Capacity(), protocol.MinTermLength)
		}
	}
}

func TestTailAccessors(t *testing.T) {
	s, _ := Allocate(protocol.MinTermLength, 0)

	if err := s.SetTail(1, 4096); err != nil {
		t.Fatalf("SetTail: %v", err)
	}
	tail, _ := s.Tail(1)
	if tail != 4096 {
		t.Errorf("Tail(1) = %d, want 4096", tail)
	}

	if err := s.SetTail(3, 1); !errors.Is(err, ErrPartitionIndex) {
		t.Errorf("SetTail(3): got %v, want ErrPartitionIndex", err)
	}
	if _, err := s.Tail(-1); !errors.Is(err, ErrPartitionIndex) {
		t.Errorf("Tail(-1): got %v, want ErrPartitionIndex", err)
	}
	if _, err := s.Partition(PartitionCount); !errors.Is(err, ErrPartitionIndex) {
		t.Errorf("Partition(3): got %v, want ErrPartitionIndex", err)
	}
}

func TestCheckSpace(t *testing.T) {
	s, _ := Allocate(protocol.MinTermLength, 0)

	if !s.CheckSpace(protocol.MinTermLength) {
		t.Error("CheckSpace(termLength) on empty term should succeed")
	}
	_ = s.SetTail(0, protocol.MinTermLength-64)
	if !s.CheckSpace(64) {
		t.Error("CheckSpace(64) with 64 bytes free should succeed")
	}
	if s.CheckSpace(96) {
		t.Error("CheckSpace(96) with 64 bytes free should fail")
	}
}

func TestRotate(t *testing.T) {
	s, _ := Allocate(protocol.MinTermLength, 0)

	// Dirty partition 1 so rotation's reset is observable.
	_ = s.SetTail(1, 999)
	p1, _ := s.Partition(1)
	_ = p1.PutUint32(0, 0xFFFFFFFF)

	s.Rotate()

	if s.ActiveTermCount() != 1 {
		t.Errorf("ActiveTermCount = %d, want 1", s.ActiveTermCount())
	}
	if s.ActiveIndex() != 1 {
		t.Errorf("ActiveIndex = %d, want 1", s.ActiveIndex())
	}
	tail, _ := s.Tail(1)
	if tail != 0 {
		t.Errorf("incoming partition tail = %d, want 0", tail)
	}
	if v, _ := p1.Uint32(0); v != 0 {
		t.Errorf("incoming partition not cleared: %#x", v)
	}
}

func TestRotateWrapsAroundRing(t *testing.T) {
	s, _ := Allocate(protocol.MinTermLength, 0)
	for i := 1; i <= 7; i++ {
		s.Rotate()
		if want := i % PartitionCount; s.ActiveIndex() != want {
			t.Fatalf("after %d rotations ActiveIndex = %d, want %d", i, s.ActiveIndex(), want)
		}
	}
	if s.ActiveTermCount() != 7 {
		t.Errorf("ActiveTermCount = %d, want 7", s.ActiveTermCount())
	}
}
