package slab_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/compactmem/compact"
	"github.com/vkngwrapper/compactmem/memutils"
	"github.com/vkngwrapper/compactmem/slab"
)

type sample struct {
	ID     uint32
	Values compact.HeapVec[uint64]
}

var sampleLayout = compact.MustDerive[sample]()

func (s *sample) IsStillCompact() bool  { return sampleLayout.IsStillCompact(s) }
func (s *sample) DynamicSizeBytes() int { return sampleLayout.DynamicSizeBytes(s) }
func (s *sample) Release() error        { return sampleLayout.Release(s) }

func (s *sample) CompactFrom(source *sample, dynamic unsafe.Pointer) {
	sampleLayout.CompactFrom(s, source, dynamic)
}

func (s *sample) CompactFromPointer(source unsafe.Pointer, dynamic unsafe.Pointer) {
	s.CompactFrom((*sample)(source), dynamic)
}

var sampleHeaderSize = int(unsafe.Sizeof(sample{}))

func packSample(t *testing.T, arena *slab.Arena, id uint32, values ...uint64) *slab.Handle[sample, *sample] {
	src := &sample{ID: id}
	for _, value := range values {
		require.NoError(t, src.Values.Push(value))
	}

	handle, err := slab.Pack(arena, src)
	require.NoError(t, err)
	require.NoError(t, src.Release())
	return handle
}

func requireSample(t *testing.T, handle *slab.Handle[sample, *sample], id uint32, values ...uint64) {
	value := handle.Get()
	require.Equal(t, id, value.ID)
	require.Equal(t, values, value.Values.Slice())
	require.True(t, value.IsStillCompact())

	if len(values) > 0 {
		require.Equal(t, compact.Behind(value), unsafe.Pointer(unsafe.SliceData(value.Values.Slice())))
	}
}

func TestPack(t *testing.T) {
	skipWithGuardMargin(t)
	arena, _ := newTestArena(t, slab.CreateOptions{SlabSize: 1024})
	before := memutils.HeapStatistics()

	handle := packSample(t, arena, 7, 1, 2, 3)
	require.Equal(t, before, memutils.HeapStatistics())

	requireSample(t, handle, 7, 1, 2, 3)
	require.Equal(t, sampleHeaderSize+4*8, handle.Size())
	require.True(t, handle.IsStillCompact())

	// The reservation is exactly the packed size
	stats := arena.Statistics()
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, handle.Size(), stats.AllocationBytes)

	empty := packSample(t, arena, 8)
	requireSample(t, empty, 8)
	require.Equal(t, sampleHeaderSize, empty.Size())

	require.NoError(t, handle.Free())
	require.NoError(t, empty.Free())
	require.Equal(t, 0, arena.ReservationCount())
	require.NoError(t, arena.Destroy())
}

func TestPackRejectsPointers(t *testing.T) {
	arena, _ := newTestArena(t, slab.CreateOptions{})

	_, err := slab.Pack(arena, &compact.Plain[*int]{})
	require.True(t, errors.Is(err, memutils.ErrNotPlain))
	require.Equal(t, 0, arena.ReservationCount())
}

func TestPackPlain(t *testing.T) {
	arena, _ := newTestArena(t, slab.CreateOptions{})

	handle, err := slab.Pack(arena, &compact.Plain[[3]int32]{Value: [3]int32{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, [3]int32{1, 2, 3}, handle.Get().Value)
	require.NoError(t, handle.Free())
}

func TestPackOutOfMemory(t *testing.T) {
	arena, _ := newTestArena(t, slab.CreateOptions{SlabSize: 64})

	src := &sample{}
	for i := 0; i < 16; i++ {
		require.NoError(t, src.Values.Push(uint64(i)))
	}
	defer func() { require.NoError(t, src.Release()) }()

	_, err := slab.Pack(arena, src)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestRecompact(t *testing.T) {
	arena, _ := newTestArena(t, slab.CreateOptions{SlabSize: 1024})
	before := memutils.HeapStatistics()

	handle := packSample(t, arena, 3, 10, 20)
	offset := handle.Reservation().Offset()

	// Already compact: nothing moves
	require.NoError(t, handle.Recompact())
	require.Equal(t, offset, handle.Reservation().Offset())

	// Growing past the embedded capacity moves the vector's storage out of the slab
	require.NoError(t, handle.Get().Values.Push(30))
	require.False(t, handle.IsStillCompact())
	require.Equal(t, before.AllocationCount+1, memutils.HeapStatistics().AllocationCount)

	require.NoError(t, handle.Recompact())
	requireSample(t, handle, 3, 10, 20, 30)
	require.Equal(t, sampleHeaderSize+4*8, handle.Size())
	require.Equal(t, before, memutils.HeapStatistics())
	require.Equal(t, 1, arena.ReservationCount())
	require.NoError(t, arena.Validate())

	handle.Pin()
	require.NoError(t, handle.Get().Values.Push(40))
	require.NoError(t, handle.Get().Values.Push(50))
	require.True(t, errors.Is(handle.Recompact(), slab.ErrPinned))
	handle.Unpin()

	require.NoError(t, handle.Free())
	require.Equal(t, before, memutils.HeapStatistics())
}

func TestHandleFree(t *testing.T) {
	arena, _ := newTestArena(t, slab.CreateOptions{SlabSize: 1024})
	before := memutils.HeapStatistics()

	handle := packSample(t, arena, 1, 5)
	require.NoError(t, handle.Get().Values.Push(6))
	require.False(t, handle.IsStillCompact())

	// Freeing releases the storage that escaped the slab too
	require.NoError(t, handle.Free())
	require.Equal(t, before, memutils.HeapStatistics())

	require.Panics(t, func() { handle.Get() })
	require.True(t, errors.Is(handle.Free(), slab.ErrUnknownReservation))
}
