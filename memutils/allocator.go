package memutils

import (
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/compactmem/internal/utils"
)

// Allocator produces memory that is independently owned by whoever requested it. Relocatable
// values use it for their "free" storage.
//
// Deallocate must be called with the pointer and size that were used with Allocate. Memory handed
// out must stay reachable until it is deallocated, since references to it may be stored where the
// garbage collector does not look.
type Allocator interface {
	Allocate(size int, alignment uint) (unsafe.Pointer, error)
	Deallocate(ptr unsafe.Pointer, size int) error
}

// DefaultHeap is an Allocator backed by the Go heap. It is a zero-size type so it can be used as a
// type parameter without taking up room in the values that use it.
//
// Every live allocation is registered until it is deallocated, so it stays reachable even when
// the only reference to it is stored in memory the garbage collector does not scan, such as a
// slab. Memory that is never deallocated is never reclaimed.
type DefaultHeap struct{}

var _ Allocator = DefaultHeap{}

type heapBlock struct {
	memory []uint64
	size   int
}

type heapRegistry struct {
	mutex  utils.OptionalMutex
	blocks *swiss.Map[uintptr, heapBlock]
	stats  Statistics
}

var heap = heapRegistry{
	mutex:  utils.OptionalMutex{UseMutex: true},
	blocks: swiss.NewMap[uintptr, heapBlock](64),
}

// Allocate returns size bytes of zeroed memory aligned to alignment. A size of 0 returns nil.
func (DefaultHeap) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}

	if size < 0 || size > math.MaxInt/2 {
		return nil, errors.Wrapf(ErrAllocationFailed, "cannot allocate %d bytes", size)
	}

	err := CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	padding := 0
	if alignment > WordSize {
		padding = int(alignment - WordSize)
	}

	words := make([]uint64, AlignUp(size+padding, WordSize)/int(WordSize))
	base := uintptr(unsafe.Pointer(&words[0]))
	aligned := uintptr(AlignUp(int(base), max(alignment, WordSize)))
	ptr := unsafe.Add(unsafe.Pointer(&words[0]), aligned-base)

	heap.mutex.Lock()
	defer heap.mutex.Unlock()

	heap.blocks.Put(aligned, heapBlock{memory: words, size: size})
	heap.stats.BlockCount++
	heap.stats.AllocationCount++
	heap.stats.BlockBytes += len(words) * int(WordSize)
	heap.stats.AllocationBytes += size

	return ptr, nil
}

// Deallocate releases memory returned from Allocate
func (DefaultHeap) Deallocate(ptr unsafe.Pointer, size int) error {
	if ptr == nil {
		if size != 0 {
			return errors.Wrapf(ErrUnknownAllocation, "attempted to free a nil pointer with size %d", size)
		}
		return nil
	}

	heap.mutex.Lock()
	defer heap.mutex.Unlock()

	block, ok := heap.blocks.Get(uintptr(ptr))
	if !ok {
		return errors.Wrapf(ErrUnknownAllocation, "address %#x", uintptr(ptr))
	}

	if block.size != size {
		return errors.Wrapf(ErrUnknownAllocation, "address %#x was allocated with %d bytes but freed with %d", uintptr(ptr), block.size, size)
	}

	heap.blocks.Delete(uintptr(ptr))
	heap.stats.BlockCount--
	heap.stats.AllocationCount--
	heap.stats.BlockBytes -= len(block.memory) * int(WordSize)
	heap.stats.AllocationBytes -= size

	return nil
}

// HeapStatistics reports the allocations DefaultHeap currently holds
func HeapStatistics() Statistics {
	heap.mutex.Lock()
	defer heap.mutex.Unlock()

	return heap.stats
}
