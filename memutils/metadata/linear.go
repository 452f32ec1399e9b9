package metadata

import (
	"sort"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/compactmem/memutils"
)

// LinearBlockMetadata is a BlockMetadata implementation that represents a simple
// stack memory arena.
//
// Allocations are always placed after the last live allocation. Frees in the middle of the stack
// leave holes that are not reused: space only becomes available again once every allocation
// after it has been freed as well. This is the cheapest way to pack values densely one after
// another, and the way a freshly compacted slab is filled.
//
// Handles are the allocation offset plus one, so they are stable for the life of the allocation.
type LinearBlockMetadata struct {
	BlockMetadataBase

	sumFreeSize    int
	suballocations []Suballocation
	// Number of freed items still present in the suballocation list
	freeItemsCount int
}

var _ BlockMetadata = &LinearBlockMetadata{}

// NewLinearBlockMetadata creates a new LinearBlockMetadata. Init must be called before use.
func NewLinearBlockMetadata() *LinearBlockMetadata {
	return &LinearBlockMetadata{}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *LinearBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.sumFreeSize = size
	m.suballocations = m.suballocations[:0]
	m.freeItemsCount = 0
}

// SumFreeSize returns the number of free bytes of memory in the block, including holes that cannot
// be reused yet.
func (m *LinearBlockMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

// IsEmpty will return true if this block has no live suballocations
func (m *LinearBlockMetadata) IsEmpty() bool {
	return m.AllocationCount() == 0
}

// SupportsRandomAccess always returns false: allocation offsets are decided by the stack.
func (m *LinearBlockMetadata) SupportsRandomAccess() bool { return false }

// AllocationCount returns the number of suballocations currently live in the block.
func (m *LinearBlockMetadata) AllocationCount() int {
	return len(m.suballocations) - m.freeItemsCount
}

func (m *LinearBlockMetadata) stackEnd() int {
	if len(m.suballocations) == 0 {
		return 0
	}

	last := m.suballocations[len(m.suballocations)-1]
	return last.Offset + reservedSize(last.Size)
}

func (m *LinearBlockMetadata) findIndex(allocHandle BlockAllocationHandle) (int, error) {
	if allocHandle == NoAllocation || allocHandle == 0 {
		return -1, errors.Errorf("invalid allocation handle %d", allocHandle)
	}

	offset := int(allocHandle) - 1
	index := sort.Search(len(m.suballocations), func(i int) bool {
		return m.suballocations[i].Offset >= offset
	})

	if index >= len(m.suballocations) || m.suballocations[index].Offset != offset {
		return -1, errors.Errorf("no allocation exists at offset %d", offset)
	}

	if m.suballocations[index].Free {
		return -1, errors.Errorf("the allocation at offset %d has already been freed", offset)
	}

	return index, nil
}

// AllocationOffset returns the offset in bytes within the block of a live allocation.
func (m *LinearBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	index, err := m.findIndex(allocHandle)
	if err != nil {
		return 0, err
	}

	return m.suballocations[index].Offset, nil
}

// AllocationUserData returns the userData value provided by the consumer for a live allocation.
func (m *LinearBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	index, err := m.findIndex(allocHandle)
	if err != nil {
		return nil, err
	}

	return m.suballocations[index].UserData, nil
}

// SetAllocationUserData replaces the userData value of a live allocation.
func (m *LinearBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	index, err := m.findIndex(allocHandle)
	if err != nil {
		return err
	}

	m.suballocations[index].UserData = userData
	return nil
}

// AllocationListBegin is not supported: linear blocks cannot be defragmented.
func (m *LinearBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	return NoAllocation, errors.New("linear block metadata does not support random access")
}

// FindNextAllocation is not supported: linear blocks cannot be defragmented.
func (m *LinearBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	return NoAllocation, errors.New("linear block metadata does not support random access")
}

// FreeRegionsCount returns the number of distinct free ranges, holes included.
func (m *LinearBlockMetadata) FreeRegionsCount() int {
	var count int
	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			count++
		}
		return nil
	})

	return count
}

// MayHaveFreeBlock returns true if the space after the end of the stack could hold size bytes.
func (m *LinearBlockMetadata) MayHaveFreeBlock(size int) bool {
	return m.Size()-m.stackEnd() >= reservedSize(size)
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the block. Neighboring holes are reported as one free region.
func (m *LinearBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	freeStart := -1
	lastOffset := 0

	flushFree := func(end int) error {
		if freeStart < 0 || end <= freeStart {
			freeStart = -1
			return nil
		}

		err := handleBlock(NoAllocation, freeStart, end-freeStart, nil, true)
		freeStart = -1
		return err
	}

	for _, suballoc := range m.suballocations {
		if suballoc.Free {
			if freeStart < 0 {
				freeStart = lastOffset
			}
			lastOffset = suballoc.Offset + reservedSize(suballoc.Size)
			continue
		}

		if freeStart < 0 && suballoc.Offset > lastOffset {
			freeStart = lastOffset
		}

		err := flushFree(suballoc.Offset)
		if err != nil {
			return err
		}

		err = handleBlock(BlockAllocationHandle(suballoc.Offset+1), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
		if err != nil {
			return err
		}

		lastOffset = suballoc.Offset + reservedSize(suballoc.Size)
	}

	if freeStart < 0 {
		freeStart = lastOffset
	}

	return flushFree(m.Size())
}

// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
// in the provided memutils.DetailedStatistics object.
func (m *LinearBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// AddStatistics sums this block's allocation statistics into the statistics currently present in the
// provided memutils.Statistics object.
func (m *LinearBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.Size() - m.sumFreeSize
}

// Clear instantly frees all allocations
func (m *LinearBlockMetadata) Clear() {
	m.Init(m.Size())
}

// BlockJsonData populates a json object with information about this block
func (m *LinearBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.SumFreeSize(), m.AllocationCount(), m.FreeRegionsCount())
}

// CheckCorruption verifies the guard markers behind every live allocation.
func (m *LinearBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	for _, suballoc := range m.suballocations {
		if suballoc.Free {
			continue
		}

		if !memutils.ValidateMagicValue(blockData, suballoc.Offset+suballoc.Size) {
			return errors.Errorf("memory corruption detected after the allocation at offset %d", suballoc.Offset)
		}
	}

	return nil
}

// Validate performs internal consistency checks on the metadata.
func (m *LinearBlockMetadata) Validate() error {
	var sumUsedSize, freeItems, offset int

	for index, suballoc := range m.suballocations {
		if suballoc.Size < 1 {
			return errors.Errorf("suballoc at index %d has invalid size %d", index, suballoc.Size)
		}

		if suballoc.Offset < offset {
			return errors.Errorf("suballoc at index %d has offset %d- this collides with previous suballocations, expected offset %d", index, suballoc.Offset, offset)
		}

		if suballoc.Free {
			freeItems++
		} else {
			sumUsedSize += suballoc.Size
		}

		offset = suballoc.Offset + reservedSize(suballoc.Size)
	}

	if len(m.suballocations) > 0 && m.suballocations[len(m.suballocations)-1].Free {
		return errors.New("there should not be lingering free items at the end of the stack")
	}

	if freeItems != m.freeItemsCount {
		return errors.Errorf("counted %d free items in the stack, but metadata indicates we should have %d", freeItems, m.freeItemsCount)
	}

	if offset > m.Size() {
		return errors.Errorf("calculated a maximum memory offset of %d, but the metadata indicates a total size of %d, which is smaller", offset, m.Size())
	}

	if m.sumFreeSize != m.Size()-sumUsedSize {
		return errors.Errorf("the metadata's free size %d and the calculated used size %d don't add up to the metadata-reported size of %d", m.sumFreeSize, sumUsedSize, m.Size())
	}

	return nil
}

// CreateAllocationRequest produces a request to push an allocation onto the end of the stack.
// The strategy is ignored, the stack only has one place to put things.
func (m *LinearBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy, maxOffset int) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, allocRequest, err
	}

	memutils.DebugValidate(m)

	offset := memutils.AlignUp(m.stackEnd(), allocAlignment)
	if offset >= maxOffset || offset+reservedSize(allocSize) > m.Size() {
		return false, allocRequest, nil
	}

	allocRequest.Type = AllocationRequestEndOfStack
	allocRequest.BlockAllocationHandle = BlockAllocationHandle(offset + 1)
	allocRequest.Size = allocSize
	allocRequest.Item = Suballocation{Offset: offset, Size: allocSize}
	allocRequest.AlgorithmData = uint64(offset)

	return true, allocRequest, nil
}

// Alloc commits a request from CreateAllocationRequest. It fails if the stack has grown past
// the requested offset since the request was made.
func (m *LinearBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestEndOfStack {
		return errors.Errorf("linear block metadata received an allocation request of type %s", request.Type)
	}

	offset := request.Item.Offset
	if offset < m.stackEnd() {
		return errors.Errorf("allocation request at offset %d is no longer valid, the stack ends at %d", offset, m.stackEnd())
	}

	if offset+reservedSize(request.Size) > m.Size() {
		return errors.Errorf("allocation request at offset %d with size %d does not fit in a block of size %d", offset, request.Size, m.Size())
	}

	m.suballocations = append(m.suballocations, Suballocation{
		Offset:   offset,
		Size:     request.Size,
		UserData: userData,
	})
	m.sumFreeSize -= request.Size

	return nil
}

// Free releases an allocation. Space is reclaimed once nothing live remains above it.
func (m *LinearBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	index, err := m.findIndex(allocHandle)
	if err != nil {
		return err
	}

	m.sumFreeSize += m.suballocations[index].Size
	m.suballocations[index].Free = true
	m.suballocations[index].UserData = nil
	m.freeItemsCount++

	// Pop everything free off the top of the stack
	for len(m.suballocations) > 0 && m.suballocations[len(m.suballocations)-1].Free {
		m.suballocations = m.suballocations[:len(m.suballocations)-1]
		m.freeItemsCount--
	}

	return nil
}
