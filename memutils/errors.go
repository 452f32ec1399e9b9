package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrAllocationFailed is returned when an Allocator could not produce memory. It is the only
	// recoverable failure of a relocatable value: the value is left exactly as it was.
	ErrAllocationFailed = errors.New("allocation failed")
	// ErrOutOfMemory is returned when a block or arena has no room left for a reservation
	ErrOutOfMemory = errors.New("out of memory")
	// ErrUnknownAllocation is returned when memory is released that was not handed out by the
	// releasing allocator, or with a different size than it was handed out with
	ErrUnknownAllocation = errors.New("memory was not allocated by this allocator")
	// ErrRegionTooSmall is returned by checked relocation when the destination cannot hold the
	// source's dynamic data
	ErrRegionTooSmall = errors.New("destination region is too small")
	// ErrRegionOverlap is returned by checked relocation when the destination overlaps memory
	// reachable from the source
	ErrRegionOverlap = errors.New("destination region overlaps the source")
	// ErrNotPlain is returned when a type that must be copyable byte-for-byte contains pointers
	ErrNotPlain = errors.New("type is not plain data")
)
