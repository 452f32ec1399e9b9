package defrag

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/memutils"
	"github.com/vkngwrapper/compactmem/memutils/metadata"
)

// Algorithm identifies which defragmentation algorithm will be used for defrag passes
type Algorithm uint32

const (
	// AlgorithmFast indicates that the defragmentation run should only move allocations into
	// earlier blocks. It does not compact data within blocks, but requires fewer passes to
	// complete a full run.
	AlgorithmFast Algorithm = iota + 1
	// AlgorithmFull indicates that the defragmentation run should also move allocations to lower
	// offsets within their own block, allowing subsequent passes to compact memory across blocks
	// into the space that was just freed up.
	//
	// This is the default algorithm if none is specified.
	AlgorithmFull
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmFast: "AlgorithmFast",
	AlgorithmFull: "AlgorithmFull",
}

func (a Algorithm) String() string {
	return algorithmMapping[a]
}

// DefragmentationStats contains basic metrics for defragmentation over time
type DefragmentationStats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// BytesFreed is the number of bytes of blocks released by the BlockList. Relocating an allocation
	// doesn't necessarily free memory: only a block left empty by the run and released by the
	// BlockList counts.
	BytesFreed int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// BlocksFreed is the number of blocks the BlockList has released as a consequence of
	// relocating allocations out of them
	BlocksFreed int
}

func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.BytesMoved += stats.BytesMoved
	s.BytesFreed += stats.BytesFreed
	s.AllocationsMoved += stats.AllocationsMoved
	s.BlocksFreed += stats.BlocksFreed
}

// MetadataDefragContext is the core of the defragmentation logic for memutils. One of these must be
// initialized for each defragmentation run, which will then consist of multiple passes
type MetadataDefragContext[T any] struct {
	// Algorithm is the defragmentation algorithm that should be used
	Algorithm Algorithm
	// Handler is a method that will be called to complete each relocation as part of BlockListCompletePass
	Handler DefragmentOperationHandler[T]
	// BlockList is the memory object this context exists to defragment
	BlockList BlockList[T]

	moves []DefragmentationMove[T]

	immovableBlockCount int

	// scratchStats exists to avoid allocating statistics objects when passing them in to be populated
	scratchStats memutils.Statistics
}

// Init sets up this MetadataDefragContext to be used in a fresh defragmentation run. MetadataDefragContext can
// be reused for multiple runs, as long as this method is called prior to beginning each run, including the first
func (c *MetadataDefragContext[T]) Init() error {
	if c.BlockList == nil {
		panic("attempted to init defragmentation context without a block list")
	}

	for index := 0; index < c.BlockList.BlockCount(); index++ {
		mtData := c.BlockList.MetadataForBlock(index)
		if !mtData.SupportsRandomAccess() {
			return errors.New("attempted to defragment a BlockList that does not support random access- non-random access allocators such as Linear allocators cannot be and do not need to be defragmented")
		}
	}

	if c.Algorithm == 0 {
		c.Algorithm = AlgorithmFull
	}

	c.moves = c.moves[:0]
	c.immovableBlockCount = 0

	return nil
}

// BlockListCompletePass should be called after a defragmentation pass has been worked: BlockListCollectMoves
// has been called, data has been copied for every move found, and moves that could not be completed have
// had their operation changed away from DefragmentationMoveCopy.
//
// This method calls MetadataDefragContext.Handler for each move, updates the pass's DefragmentationStats,
// and moves blocks holding immovable allocations to the front of the BlockList. Errors returned from
// the Handler are combined and returned.
func (c *MetadataDefragContext[T]) BlockListCompletePass(pass *PassContext) error {
	immovableBlocks := make(map[metadata.BlockMetadata]struct{})

	var allErrors []error

	for i := 0; i < len(c.moves); i++ {
		move := c.moves[i]

		c.scratchStats = memutils.Statistics{}
		c.BlockList.AddStatistics(&c.scratchStats)
		prevCount := c.scratchStats.BlockCount
		prevBytes := c.scratchStats.BlockBytes

		err := c.Handler(move)
		if err != nil {
			allErrors = append(allErrors, err)
			continue
		}

		c.scratchStats = memutils.Statistics{}
		c.BlockList.AddStatistics(&c.scratchStats)
		pass.Stats.BlocksFreed += prevCount - c.scratchStats.BlockCount
		pass.Stats.BytesFreed += prevBytes - c.scratchStats.BlockBytes

		switch move.MoveOperation {
		case DefragmentationMoveIgnore:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
			immovableBlocks[move.SrcBlockMetadata] = struct{}{}

		case DefragmentationMoveDestroy:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
		}
	}

	for block := range immovableBlocks {
		c.swapImmovableBlocks(block)
	}

	c.moves = c.moves[:0]

	if len(allErrors) == 0 {
		return nil
	} else if len(allErrors) == 1 {
		return allErrors[0]
	}

	return errors.Join(allErrors...)
}

func (c *MetadataDefragContext[T]) swapImmovableBlocks(mtdata metadata.BlockMetadata) {
	c.BlockList.Lock()
	defer c.BlockList.Unlock()

	for i := c.immovableBlockCount; i < c.BlockList.BlockCount(); i++ {
		if c.BlockList.MetadataForBlock(i) == mtdata {
			c.BlockList.SwapBlocks(i, c.immovableBlockCount)
			c.immovableBlockCount++
			return
		}
	}
}

// BlockListCollectMoves will retrieve a single pass's worth of DefragmentationMove operations to be completed.
// Those operations can be retrieved from MetadataDefragContext.Moves. The return value is true if the
// pass budget was exhausted, which means there may be more work for another pass.
func (c *MetadataDefragContext[T]) BlockListCollectMoves(pass *PassContext) bool {
	c.BlockList.Lock()
	defer c.BlockList.Unlock()

	if c.BlockList.BlockCount() > 1 {
		switch c.Algorithm {
		case AlgorithmFast:
			return c.walkSuballocations(pass, c.defragFastSuballocHandler)
		case AlgorithmFull:
			return c.walkSuballocations(pass, c.defragFullSuballocHandler)
		default:
			panic(fmt.Sprintf("attempted to defragment with unknown algorithm: %s", c.Algorithm.String()))
		}
	} else if c.BlockList.BlockCount() == 1 && c.Algorithm != AlgorithmFast {
		return c.walkSuballocations(pass, c.reallocSuballocHandler)
	}

	return false
}

// Moves returns the list of relocation operations most recently collected with BlockListCollectMoves
func (c *MetadataDefragContext[T]) Moves() []DefragmentationMove[T] {
	return c.moves
}

func (c *MetadataDefragContext[T]) mustBeginAllocationList(mtdata metadata.BlockMetadata) metadata.BlockAllocationHandle {
	handle, err := mtdata.AllocationListBegin()
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting first allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext[T]) mustFindNextAllocation(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) metadata.BlockAllocationHandle {
	handle, err := mtdata.FindNextAllocation(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting next allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext[T]) mustFindOffset(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) int {
	offset, err := mtdata.AllocationOffset(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting allocation offset: %+v", err))
	}

	return offset
}

func (c *MetadataDefragContext[T]) getMoveData(handle metadata.BlockAllocationHandle, mtdata metadata.BlockMetadata) (MoveAllocationData[T], bool) {
	userData, err := mtdata.AllocationUserData(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when retrieving allocation user data: %+v", err))
	}

	// Destinations reserved earlier in this run are tagged with the context itself
	if userData == c {
		return MoveAllocationData[T]{}, true
	}

	return c.BlockList.MoveDataForUserData(userData), false
}

func (c *MetadataDefragContext[T]) commitMove(blockIndex int, mtdata metadata.BlockMetadata, request metadata.AllocationRequest, data *MoveAllocationData[T]) bool {
	data.Move.DstTmpAllocation = c.BlockList.CreateAlloc()
	err := c.BlockList.CommitDefragAllocationRequest(request, blockIndex, data.Alignment, c, data.Move.DstTmpAllocation)
	if errors.Is(err, memutils.ErrOutOfMemory) {
		return false
	} else if err != nil {
		panic(fmt.Sprintf("unexpected error when committing allocation request for defragment: %+v", err))
	}

	data.Move.DstBlockMetadata = mtdata
	c.moves = append(c.moves, data.Move)
	return true
}

func (c *MetadataDefragContext[T]) allocInOtherBlock(start, end int, data *MoveAllocationData[T]) bool {
	for ; start < end; start++ {
		dstMetadata := c.BlockList.MetadataForBlock(start)
		if !dstMetadata.MayHaveFreeBlock(data.Move.Size) {
			continue
		}

		success, request, err := dstMetadata.CreateAllocationRequest(data.Move.Size, data.Alignment, 0, math.MaxInt)
		if err != nil {
			panic(fmt.Sprintf("unexpected error while allocating: %+v", err))
		} else if success && c.commitMove(start, dstMetadata, request, data) {
			return true
		}
	}

	return false
}

type walkHandler[T any] func(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool

func (c *MetadataDefragContext[T]) walkSuballocations(pass *PassContext, suballocHandler walkHandler[T]) bool {
	// Go through allocations in the last blocks and try to fit them inside the first ones
	for blockIndex := c.BlockList.BlockCount() - 1; blockIndex >= c.immovableBlockCount; blockIndex-- {
		mtdata := c.BlockList.MetadataForBlock(blockIndex)

		for handle := c.mustBeginAllocationList(mtdata); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
			moveData, immobile := c.getMoveData(handle, mtdata)
			if immobile {
				continue
			}

			counter := pass.checkCounters(moveData.Move.Size)
			switch counter {
			case defragCounterIgnore:
				continue
			case defragCounterEnd:
				return true
			case defragCounterPass:
				break
			default:
				panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
			}

			if suballocHandler(pass, blockIndex, mtdata, handle, moveData) {
				return true
			}
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) allocIfLowerOffset(offset int, blockIndex int, mtdata metadata.BlockMetadata, moveData *MoveAllocationData[T]) bool {
	success, allocRequest, err := mtdata.CreateAllocationRequest(
		moveData.Move.Size,
		moveData.Alignment,
		metadata.AllocationStrategyMinOffset,
		offset,
	)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when populating allocation request for defrag: %+v", err))
	}

	if !success || allocRequest.Item.Offset >= offset {
		return false
	}

	return c.commitMove(blockIndex, mtdata, allocRequest, moveData)
}

func (c *MetadataDefragContext[T]) reallocSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool {
	offset := c.mustFindOffset(mtdata, handle)
	if offset != 0 && mtdata.MayHaveFreeBlock(moveData.Move.Size) {
		if c.allocIfLowerOffset(offset, blockIndex, mtdata, &moveData) {
			return pass.incrementCounters(moveData.Move.Size)
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) defragFastSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool {
	if blockIndex == 0 {
		return true
	}

	success := c.allocInOtherBlock(0, blockIndex, &moveData)
	if !success {
		return false
	}

	// Have we crossed our threshold for this pass?
	return pass.incrementCounters(moveData.Move.Size)
}

func (c *MetadataDefragContext[T]) defragFullSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool {
	// Check all previous blocks for free space
	if blockIndex > 0 && c.allocInOtherBlock(0, blockIndex, &moveData) {
		return pass.incrementCounters(moveData.Move.Size)
	}

	// If no room found then realloc within block for lower offset
	offset := c.mustFindOffset(mtdata, handle)
	if offset > 0 && mtdata.MayHaveFreeBlock(moveData.Move.Size) {
		if c.allocIfLowerOffset(offset, blockIndex, mtdata, &moveData) {
			return pass.incrementCounters(moveData.Move.Size)
		}
	}

	return false
}
