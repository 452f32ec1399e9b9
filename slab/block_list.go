package slab

import (
	"fmt"

	"github.com/vkngwrapper/compactmem/memutils/defrag"
	"github.com/vkngwrapper/compactmem/memutils/metadata"
)

// The methods in this file let a defrag.MetadataDefragContext relocate reservations between the
// arena's slabs. Except for AddStatistics, Lock and Unlock, they expect the arena to be locked.

// MetadataForBlock returns the metadata of the slab at index
func (a *Arena) MetadataForBlock(index int) metadata.BlockMetadata {
	return a.slabs[index].metadata
}

// BlockCount returns the number of slabs in the arena
func (a *Arena) BlockCount() int {
	return len(a.slabs)
}

// Lock takes the arena's write lock. Other arena and handle methods block until Unlock is called.
func (a *Arena) Lock() {
	a.mutex.Lock()
}

// Unlock releases the lock taken with Lock
func (a *Arena) Unlock() {
	a.mutex.Unlock()
}

// MoveDataForUserData describes the move of the reservation stored in a slab's metadata
func (a *Arena) MoveDataForUserData(userData any) defrag.MoveAllocationData[Reservation] {
	reservation, ok := userData.(*Reservation)
	if !ok || reservation == nil {
		panic(fmt.Sprintf("attempted to create a MoveAllocationData for a non-Reservation userData: %+v", userData))
	}

	return defrag.MoveAllocationData[Reservation]{
		Alignment: reservation.alignment,
		Move: defrag.DefragmentationMove[Reservation]{
			Size:             reservation.size,
			SrcAllocation:    reservation,
			SrcBlockMetadata: reservation.slab.metadata,
		},
	}
}

// CreateAlloc returns an empty Reservation to receive a move destination
func (a *Arena) CreateAlloc() *Reservation {
	return &Reservation{}
}

// CommitDefragAllocationRequest reserves the destination of a move in the slab at blockIndex
func (a *Arena) CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, userData any, outAlloc *Reservation) error {
	slab := a.slabs[blockIndex]
	handle, offset, err := slab.commit(allocRequest, userData)
	if err != nil {
		return err
	}

	outAlloc.location = location{
		slab:   slab,
		handle: handle,
		offset: offset,
		size:   allocRequest.Size,
	}
	outAlloc.alignment = alignment
	return nil
}

// SwapBlocks exchanges the positions of two slabs
func (a *Arena) SwapBlocks(left, right int) {
	a.slabs[left], a.slabs[right] = a.slabs[right], a.slabs[left]
}
