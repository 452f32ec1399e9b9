package metadata

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/compactmem/memutils"
)

var regionAllocator = sync.Pool{
	New: func() any {
		return &freeListRegion{}
	},
}

type freeListRegion struct {
	offset int
	// size is the full extent of the region, guard margin included for allocations
	size      int
	allocSize int

	prevPhysical *freeListRegion
	nextPhysical *freeListRegion

	free     bool
	userData any
	handle   BlockAllocationHandle
}

// FreeListBlockMetadata is a BlockMetadata implementation that keeps every region of the block,
// allocated or free, in a list ordered by offset. Freed regions are merged with free neighbors
// right away, so the list never holds two adjacent free regions.
//
// Any free region can satisfy a request, which makes this implementation suitable for
// defragmentation.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	allocCount      int
	freeCount       int
	sumFreeSize     int
	largestFreeSize int

	nextAllocationHandle BlockAllocationHandle
	handleKey            *swiss.Map[BlockAllocationHandle, *freeListRegion]
	firstRegion          *freeListRegion
}

var _ BlockMetadata = &FreeListBlockMetadata{}

// NewFreeListBlockMetadata creates a new FreeListBlockMetadata. Init must be called before use.
func NewFreeListBlockMetadata() *FreeListBlockMetadata {
	return &FreeListBlockMetadata{}
}

func (m *FreeListBlockMetadata) allocateRegion(offset, size int) *freeListRegion {
	r := regionAllocator.Get().(*freeListRegion)
	*r = freeListRegion{
		offset: offset,
		size:   size,
		free:   true,
	}

	m.nextAllocationHandle++
	r.handle = m.nextAllocationHandle
	m.handleKey.Put(r.handle, r)
	return r
}

func (m *FreeListBlockMetadata) releaseRegion(r *freeListRegion) {
	m.handleKey.Delete(r.handle)
	*r = freeListRegion{}
	regionAllocator.Put(r)
}

func (m *FreeListBlockMetadata) getRegion(handle BlockAllocationHandle) (*freeListRegion, error) {
	region, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.Errorf("received a handle %d that was incompatible with this metadata", handle)
	}
	return region, nil
}

func (m *FreeListBlockMetadata) getAllocation(handle BlockAllocationHandle) (*freeListRegion, error) {
	region, err := m.getRegion(handle)
	if err != nil {
		return nil, err
	}

	if region.free {
		return nil, errors.Errorf("the region at offset %d is not allocated", region.offset)
	}

	return region, nil
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *FreeListBlockMetadata) Init(size int) {
	if m.handleKey != nil {
		for region := m.firstRegion; region != nil; {
			next := region.nextPhysical
			m.releaseRegion(region)
			region = next
		}
	}

	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *freeListRegion](42)
	m.allocCount = 0
	m.freeCount = 0
	m.sumFreeSize = size
	m.largestFreeSize = size
	m.firstRegion = nil

	if size > 0 {
		m.firstRegion = m.allocateRegion(0, size)
		m.freeCount = 1
	}
}

// SupportsRandomAccess always returns true.
func (m *FreeListBlockMetadata) SupportsRandomAccess() bool { return true }

// AllocationCount returns the number of suballocations currently live in the block.
func (m *FreeListBlockMetadata) AllocationCount() int {
	return m.allocCount
}

// FreeRegionsCount returns the number of free regions in the block.
func (m *FreeListBlockMetadata) FreeRegionsCount() int {
	return m.freeCount
}

// SumFreeSize returns the number of free bytes of memory in the block.
func (m *FreeListBlockMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

// MayHaveFreeBlock checks the request against an upper bound of the largest free region. The bound
// is exact after Init and grows on frees, but allocations do not shrink it.
func (m *FreeListBlockMetadata) MayHaveFreeBlock(size int) bool {
	return m.largestFreeSize >= reservedSize(size) && m.sumFreeSize >= reservedSize(size)
}

// IsEmpty will return true if this block has no live suballocations
func (m *FreeListBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the block.
func (m *FreeListBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for region := m.firstRegion; region != nil; region = region.nextPhysical {
		size := region.size
		if !region.free {
			size = region.allocSize
		}

		err := handleBlock(region.handle, region.offset, size, region.userData, region.free)
		if err != nil {
			return err
		}
	}

	return nil
}

// AllocationListBegin returns the handle of the allocation with the lowest offset.
func (m *FreeListBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	for region := m.firstRegion; region != nil; region = region.nextPhysical {
		if !region.free {
			return region.handle, nil
		}
	}

	return NoAllocation, nil
}

// FindNextAllocation returns the handle of the allocation following allocHandle.
func (m *FreeListBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	region, err := m.getAllocation(allocHandle)
	if err != nil {
		return NoAllocation, err
	}

	for region = region.nextPhysical; region != nil; region = region.nextPhysical {
		if !region.free {
			return region.handle, nil
		}
	}

	return NoAllocation, nil
}

// AllocationOffset returns the offset of a region, allocated or free.
func (m *FreeListBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return 0, err
	}

	return region.offset, nil
}

// AllocationUserData returns the userData value provided by the consumer for a live allocation.
func (m *FreeListBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	region, err := m.getAllocation(allocHandle)
	if err != nil {
		return nil, err
	}

	return region.userData, nil
}

// SetAllocationUserData replaces the userData value of a live allocation.
func (m *FreeListBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	region, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	region.userData = userData
	return nil
}

// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
// in the provided memutils.DetailedStatistics object.
func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	for region := m.firstRegion; region != nil; region = region.nextPhysical {
		if region.free {
			stats.AddUnusedRange(region.size)
		} else {
			stats.AddAllocation(region.size)
		}
	}
}

// AddStatistics sums this block's allocation statistics into the statistics currently present in the
// provided memutils.Statistics object.
func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.sumFreeSize
}

// Clear instantly frees all allocations
func (m *FreeListBlockMetadata) Clear() {
	m.Init(m.Size())
}

// BlockJsonData populates a json object with information about this block
func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.sumFreeSize, m.allocCount, m.freeCount)
}

// CheckCorruption verifies the guard markers behind every live allocation.
func (m *FreeListBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	for region := m.firstRegion; region != nil; region = region.nextPhysical {
		if region.free {
			continue
		}

		if !memutils.ValidateMagicValue(blockData, region.offset+region.allocSize) {
			return errors.Errorf("memory corruption detected after the allocation at offset %d", region.offset)
		}
	}

	return nil
}

// Validate performs internal consistency checks on the metadata.
func (m *FreeListBlockMetadata) Validate() error {
	var offset, allocCount, freeCount, freeSize, regionCount int

	for region := m.firstRegion; region != nil; region = region.nextPhysical {
		regionCount++

		if region.offset != offset {
			return errors.Errorf("region at offset %d does not start where the previous region ended, at %d", region.offset, offset)
		}

		if region.size < 1 {
			return errors.Errorf("region at offset %d has invalid size %d", region.offset, region.size)
		}

		if region.nextPhysical != nil && region.nextPhysical.prevPhysical != region {
			return errors.Errorf("region at offset %d has a next region, but the reverse reference is broken", region.offset)
		}

		mapped, ok := m.handleKey.Get(region.handle)
		if !ok || mapped != region {
			return errors.Errorf("region at offset %d is not registered under its handle %d", region.offset, region.handle)
		}

		if region.free {
			freeCount++
			freeSize += region.size

			if region.nextPhysical != nil && region.nextPhysical.free {
				return errors.Errorf("free region at offset %d is followed by another free region", region.offset)
			}
		} else {
			allocCount++
			freeSize += region.size - region.allocSize

			if region.allocSize < 1 || reservedSize(region.allocSize) > region.size {
				return errors.Errorf("allocation at offset %d has size %d, which does not fit its region of size %d", region.offset, region.allocSize, region.size)
			}
		}

		offset += region.size
	}

	if m.firstRegion != nil && m.firstRegion.prevPhysical != nil {
		return errors.New("the first region has a previous region")
	}

	if offset != m.Size() {
		return errors.Errorf("the full size of the metadata is %d, but the regions only added up to %d", m.Size(), offset)
	}

	if regionCount != m.handleKey.Count() {
		return errors.Errorf("there are %d regions, but %d handles are registered", regionCount, m.handleKey.Count())
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the allocated regions only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.freeCount {
		return errors.Errorf("the free region count of the metadata is %d, but there were %d free regions", m.freeCount, freeCount)
	}

	if freeSize != m.sumFreeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free regions only added up to %d", m.sumFreeSize, freeSize)
	}

	return nil
}

func (m *FreeListBlockMetadata) checkRegion(region *freeListRegion, allocSize int, allocAlignment uint, maxOffset int) (int, bool) {
	alignedOffset := memutils.AlignUp(region.offset, allocAlignment)
	if alignedOffset >= maxOffset {
		return 0, false
	}

	if alignedOffset+reservedSize(allocSize) > region.offset+region.size {
		return 0, false
	}

	return alignedOffset, true
}

// CreateAllocationRequest finds a free region for the allocation. AllocationStrategyMinTime and
// AllocationStrategyMinOffset take the first region that fits, which is also the one with the lowest
// offset. Otherwise the smallest region that fits is chosen.
func (m *FreeListBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy, maxOffset int) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, allocRequest, err
	}

	memutils.DebugValidate(m)

	if reservedSize(allocSize) > m.sumFreeSize {
		return false, allocRequest, nil
	}

	firstFit := strategy&(AllocationStrategyMinTime|AllocationStrategyMinOffset) != 0

	var bestRegion *freeListRegion
	var bestOffset int
	for region := m.firstRegion; region != nil; region = region.nextPhysical {
		if !region.free {
			continue
		}

		if region.offset >= maxOffset {
			break
		}

		offset, fits := m.checkRegion(region, allocSize, allocAlignment, maxOffset)
		if !fits {
			continue
		}

		if bestRegion == nil || region.size < bestRegion.size {
			bestRegion = region
			bestOffset = offset
		}

		if firstFit {
			break
		}
	}

	if bestRegion == nil {
		return false, allocRequest, nil
	}

	allocRequest.Type = AllocationRequestFreeList
	allocRequest.BlockAllocationHandle = bestRegion.handle
	allocRequest.Size = allocSize
	allocRequest.Item = Suballocation{Offset: bestOffset, Size: allocSize}
	allocRequest.AlgorithmData = uint64(bestOffset)

	return true, allocRequest, nil
}

func (m *FreeListBlockMetadata) insertAfter(region, newRegion *freeListRegion) {
	newRegion.prevPhysical = region
	newRegion.nextPhysical = region.nextPhysical
	if region.nextPhysical != nil {
		region.nextPhysical.prevPhysical = newRegion
	}
	region.nextPhysical = newRegion
}

// Alloc carves the requested allocation out of the free region named by the request. Alignment
// padding in front of the allocation and the remainder behind it stay free.
func (m *FreeListBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestFreeList {
		return errors.Errorf("free list block metadata received an allocation request of type %s", request.Type)
	}

	region, err := m.getRegion(request.BlockAllocationHandle)
	if err != nil {
		return err
	}

	if !region.free {
		return errors.Errorf("the region at offset %d is no longer free", region.offset)
	}

	offset := request.Item.Offset
	reserved := reservedSize(request.Size)
	if offset < region.offset || offset+reserved > region.offset+region.size {
		return errors.Errorf("allocation request at offset %d with size %d does not fit the free region at offset %d with size %d", offset, request.Size, region.offset, region.size)
	}

	m.sumFreeSize -= region.size
	m.freeCount--

	// Padding before the allocation becomes its own free region
	if offset > region.offset {
		padding := m.allocateRegion(region.offset, offset-region.offset)
		padding.prevPhysical = region.prevPhysical
		padding.nextPhysical = region
		if region.prevPhysical != nil {
			region.prevPhysical.nextPhysical = padding
		} else {
			m.firstRegion = padding
		}
		region.prevPhysical = padding

		region.size -= padding.size
		region.offset = offset
		m.freeCount++
		m.sumFreeSize += padding.size
	}

	// Then the remainder after it
	if region.size > reserved {
		remainder := m.allocateRegion(offset+reserved, region.size-reserved)
		m.insertAfter(region, remainder)
		region.size = reserved
		m.freeCount++
		m.sumFreeSize += remainder.size
	}

	region.free = false
	region.allocSize = request.Size
	region.userData = userData
	m.allocCount++
	m.sumFreeSize += region.size - region.allocSize

	return nil
}

func (m *FreeListBlockMetadata) mergeWithNext(region *freeListRegion) {
	next := region.nextPhysical
	if next == nil || !next.free || !region.free {
		panic(fmt.Sprintf("attempted to merge the region at offset %d with a region that is not free", region.offset))
	}

	region.size += next.size
	region.nextPhysical = next.nextPhysical
	if next.nextPhysical != nil {
		next.nextPhysical.prevPhysical = region
	}

	m.freeCount--
	m.releaseRegion(next)
}

// Free releases an allocation and merges it with free neighbors.
func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	region, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	m.sumFreeSize += region.allocSize
	m.allocCount--
	m.freeCount++

	region.free = true
	region.allocSize = 0
	region.userData = nil

	if region.nextPhysical != nil && region.nextPhysical.free {
		m.mergeWithNext(region)
	}

	if region.prevPhysical != nil && region.prevPhysical.free {
		region = region.prevPhysical
		m.mergeWithNext(region)
	}

	m.largestFreeSize = max(m.largestFreeSize, region.size)

	return nil
}
