package slab

import (
	"context"
	"fmt"
	"math"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/compactmem/memutils"
	"github.com/vkngwrapper/compactmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Slab is one word-aligned block of memory that reservations are carved out of. The memory is
// allocated from the Go heap as pointer-free words, so the garbage collector never scans it.
type Slab struct {
	id       int
	logger   *slog.Logger
	memory   []uint64
	metadata metadata.BlockMetadata
	strategy metadata.AllocationStrategy
}

func newSlab(logger *slog.Logger, id int, size int, algorithm Algorithm, strategy Strategy) *Slab {
	if !memutils.IsAligned(size, memutils.WordSize) || size <= 0 {
		panic(fmt.Sprintf("invalid slab size %d", size))
	}

	s := &Slab{
		id:       id,
		logger:   logger,
		memory:   make([]uint64, size/int(memutils.WordSize)),
		metadata: algorithm.newMetadata(),
		strategy: strategy.metadataStrategy(),
	}
	s.metadata.Init(size)

	return s
}

// ID returns an identifier unique among the slabs of an arena
func (s *Slab) ID() int { return s.id }

// Size returns the size of the slab in bytes
func (s *Slab) Size() int { return s.metadata.Size() }

// Metadata returns the bookkeeping for the slab's reservations
func (s *Slab) Metadata() metadata.BlockMetadata { return s.metadata }

// IsEmpty returns true if the slab holds no reservations
func (s *Slab) IsEmpty() bool { return s.metadata.IsEmpty() }

func (s *Slab) base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(s.memory))
}

// Pointer returns the address of the byte at offset within the slab
func (s *Slab) Pointer(offset int) unsafe.Pointer {
	if offset < 0 || offset > s.Size() {
		panic(fmt.Sprintf("offset %d is outside of slab %d with size %d", offset, s.id, s.Size()))
	}

	return unsafe.Add(s.base(), offset)
}

// Reserve carves size bytes aligned to alignment out of the slab, storing userData with them. It
// returns the reservation's handle and offset, or an error wrapping memutils.ErrOutOfMemory if the
// slab has no room.
func (s *Slab) Reserve(size int, alignment uint, userData any) (metadata.BlockAllocationHandle, int, error) {
	if !s.metadata.MayHaveFreeBlock(size) {
		return metadata.NoAllocation, 0, errors.Wrapf(memutils.ErrOutOfMemory, "slab %d", s.id)
	}

	success, request, err := s.metadata.CreateAllocationRequest(size, alignment, s.strategy, math.MaxInt)
	if err != nil {
		return metadata.NoAllocation, 0, err
	} else if !success {
		return metadata.NoAllocation, 0, errors.Wrapf(memutils.ErrOutOfMemory, "slab %d", s.id)
	}

	return s.commit(request, userData)
}

func (s *Slab) commit(request metadata.AllocationRequest, userData any) (metadata.BlockAllocationHandle, int, error) {
	err := s.metadata.Alloc(request, userData)
	if err != nil {
		return metadata.NoAllocation, 0, err
	}

	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(s.base(), request.Item.Offset+request.Size)
	}
	memutils.DebugValidate(s.metadata)

	return request.BlockAllocationHandle, request.Item.Offset, nil
}

// Release frees the reservation with the provided handle, which was made with size bytes
func (s *Slab) Release(handle metadata.BlockAllocationHandle, size int) error {
	if memutils.DebugMargin > 0 {
		offset, err := s.metadata.AllocationOffset(handle)
		if err != nil {
			return err
		}

		if !memutils.ValidateMagicValue(s.base(), offset+size) {
			panic("MEMORY CORRUPTION DETECTED AFTER FREED RESERVATION")
		}
	}

	err := s.metadata.Free(handle)
	if err != nil {
		return err
	}

	memutils.DebugValidate(s.metadata)
	return nil
}

// Validate checks the slab's metadata and that every live region belongs to a reservation
func (s *Slab) Validate() error {
	if s.memory == nil {
		return errors.New("no valid memory for this slab")
	}

	if s.metadata.Size() != len(s.memory)*int(memutils.WordSize) {
		return errors.Errorf("slab metadata has size %d but the slab holds %d bytes", s.metadata.Size(), len(s.memory)*int(memutils.WordSize))
	}

	err := s.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		reservation, isReservation := userData.(*Reservation)
		if free && isReservation {
			return errors.Errorf("a region at offset %d is marked as free but contains a reservation", offset)
		} else if !free && (!isReservation || reservation == nil) {
			return errors.Errorf("a region at offset %d is marked as reserved but has no reservation", offset)
		}

		if !free && (reservation.slab != s || reservation.offset != offset) {
			return errors.Errorf("reservation %d is recorded at offset %d but claims to live in slab %d at offset %d", reservation.id, offset, reservation.slab.ID(), reservation.offset)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return s.metadata.Validate()
}

// CheckCorruption verifies the guard markers behind every reservation in the slab
func (s *Slab) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return ErrCorruptionDetectionDisabled
	}

	return s.metadata.CheckCorruption(s.base())
}

// Destroy drops the slab's memory. It fails, logging each one, if reservations are still live.
func (s *Slab) Destroy() error {
	if !s.metadata.IsEmpty() {
		err := s.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			s.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			s.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Errorf("some reservations were not freed before the destruction of slab %d", s.id)
	}

	if s.memory == nil {
		panic("attempting to destroy a slab that has already been destroyed")
	}

	s.memory = nil
	s.metadata = nil
	return nil
}

func (s *Slab) logUnreleasedMemory(offset, size int, userData any) {
	var id uint64
	if reservation, ok := userData.(*Reservation); ok && reservation != nil {
		id = reservation.id
	}

	s.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed reservation",
		slog.Int("slab.id", s.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("reservation.id", id),
	)
}
