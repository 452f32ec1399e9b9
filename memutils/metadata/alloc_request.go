package metadata

// AllocationRequestType is an enum that indicates the type of allocation that is being made.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestFreeList indicates that the allocation request was sourced from FreeListBlockMetadata
	AllocationRequestFreeList AllocationRequestType = iota
	// AllocationRequestEndOfStack indicates that the allocation request was sourced from
	// LinearBlockMetadata and will be pushed onto the end of its stack
	AllocationRequestEndOfStack
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestFreeList:   "FreeList",
	AllocationRequestEndOfStack: "EndOfStack",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. The request can be committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle is a numeric handle used to identify individual allocations within the metadata.
	// For free-list requests it is the handle of the free region the allocation will be carved out of.
	BlockAllocationHandle BlockAllocationHandle
	// Size is the size of the allocation in bytes, guard margins excluded
	Size int
	// Item is a Suballocation object indicating basic information about the allocation
	Item Suballocation
	// Type identifies the sort of allocation this request represents
	Type AllocationRequestType

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}
