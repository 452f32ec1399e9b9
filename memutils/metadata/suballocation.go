package metadata

import "math"

// BlockAllocationHandle identifies a region of memory within a single BlockMetadata
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation is a single region within a block
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Free     bool
}
