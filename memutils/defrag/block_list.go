package defrag

import (
	"github.com/vkngwrapper/compactmem/memutils"
	"github.com/vkngwrapper/compactmem/memutils/metadata"
)

//go:generate mockgen -source block_list.go -destination mocks/block_list.go -package mock_defrag

// BlockList is the memory a MetadataDefragContext relocates allocations within. T is the type
// of the allocation objects the BlockList hands out to its consumers.
type BlockList[T any] interface {
	// MetadataForBlock returns the metadata for the block at the provided index
	MetadataForBlock(index int) metadata.BlockMetadata
	// BlockCount returns the number of blocks currently in the list
	BlockCount() int
	// AddStatistics sums the list's statistics into the provided object
	AddStatistics(stats *memutils.Statistics)
	// MoveDataForUserData returns a move, without its destination, for the allocation that
	// was stored in a block's metadata with the provided userData
	MoveDataForUserData(userData any) MoveAllocationData[T]

	Lock()
	Unlock()

	// CreateAlloc returns a fresh allocation object to receive a move destination
	CreateAlloc() *T
	// CommitDefragAllocationRequest commits allocRequest to the block at blockIndex and populates outAlloc
	// with the new allocation. userData must be stored in the block's metadata for the new allocation.
	CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, userData any, outAlloc *T) error
	// SwapBlocks exchanges the positions of two blocks in the list
	SwapBlocks(leftIndex, rightIndex int)
}
