package compact_test

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/memutils"
)

const guardSize = 32

// guardedArena is a word-aligned region fenced with guard bytes on both sides. Headers and their
// embedded tails are always placed in one arena so they share a heap object.
type guardedArena struct {
	words []uint64
	size  int
}

func newGuardedArena(size int) *guardedArena {
	total := memutils.AlignUp(guardSize+size+guardSize, memutils.WordSize)
	arena := &guardedArena{
		words: make([]uint64, total/int(memutils.WordSize)),
		size:  size,
	}

	memutils.WriteGuardBytes(arena.base(), 0, guardSize)
	memutils.WriteGuardBytes(arena.base(), guardSize+size, total-guardSize-size)
	return arena
}

func (a *guardedArena) base() unsafe.Pointer {
	return unsafe.Pointer(&a.words[0])
}

func (a *guardedArena) region() unsafe.Pointer {
	return unsafe.Add(a.base(), guardSize)
}

func (a *guardedArena) bytes() []byte {
	return memutils.Bytes(a.region(), a.size)
}

func (a *guardedArena) intact() bool {
	total := len(a.words) * int(memutils.WordSize)
	return memutils.GuardBytesIntact(a.base(), 0, guardSize) &&
		memutils.GuardBytesIntact(a.base(), guardSize+a.size, total-guardSize-a.size)
}

// budgetAllocator hands out heap memory until allocationBudget runs out
type budgetAllocator struct{}

var allocationBudget int

var errBudgetExhausted = errors.New("allocation budget exhausted")

func (budgetAllocator) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
	if allocationBudget <= 0 {
		return nil, errBudgetExhausted
	}

	allocationBudget--
	return memutils.DefaultHeap{}.Allocate(size, alignment)
}

func (budgetAllocator) Deallocate(ptr unsafe.Pointer, size int) error {
	return memutils.DefaultHeap{}.Deallocate(ptr, size)
}
