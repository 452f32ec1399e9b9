package defrag

import (
	"github.com/vkngwrapper/compactmem/memutils/metadata"
)

// DefragmentationMoveOperation indicates what BlockListCompletePass should do with a move once
// the consumer has seen it.
type DefragmentationMoveOperation uint32

const (
	// DefragmentationMoveCopy indicates the data was copied to DstTmpAllocation, which now
	// replaces SrcAllocation. This is the default.
	DefragmentationMoveCopy DefragmentationMoveOperation = iota
	// DefragmentationMoveIgnore indicates the source must stay where it is. DstTmpAllocation is
	// discarded and the source block is treated as immovable for the rest of the run.
	DefragmentationMoveIgnore
	// DefragmentationMoveDestroy indicates the consumer no longer needs the source. Both
	// allocations are freed.
	DefragmentationMoveDestroy
)

var defragmentationMoveOperationMapping = map[DefragmentationMoveOperation]string{
	DefragmentationMoveCopy:    "DefragmentationMoveCopy",
	DefragmentationMoveIgnore:  "DefragmentationMoveIgnore",
	DefragmentationMoveDestroy: "DefragmentationMoveDestroy",
}

func (o DefragmentationMoveOperation) String() string {
	return defragmentationMoveOperationMapping[o]
}

// DefragmentOperationHandler completes a single move during BlockListCompletePass
type DefragmentOperationHandler[T any] func(move DefragmentationMove[T]) error

// DefragmentationMove is a single relocation collected during a defragmentation pass
type DefragmentationMove[T any] struct {
	MoveOperation    DefragmentationMoveOperation
	Size             int
	SrcBlockMetadata metadata.BlockMetadata
	SrcAllocation    *T
	DstBlockMetadata metadata.BlockMetadata
	DstTmpAllocation *T
}

// MoveAllocationData is returned by BlockList.MoveDataForUserData to describe an allocation
// that may be relocated
type MoveAllocationData[T any] struct {
	Alignment uint
	Move      DefragmentationMove[T]
}
