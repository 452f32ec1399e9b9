// Package compact implements relocatable values: values that can copy themselves, along with
// every byte of dynamic memory they own, into a single caller-provided region.
//
// A relocatable value has a fixed-size header (the Go value itself) and a dynamic tail. The tail
// is either embedded, stored right after the header in memory the header does not own and
// addressed relative to the header, or free, stored in memory the value obtained from an
// Allocator. Relocating a value copies its header to a destination and its tail to a destination
// region, leaving the copy fully embedded. A fully embedded value can then be moved as one block
// of bytes, as long as header and tail move together.
package compact

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/memutils"
)

// Compact is the relocation contract for values of type T. It is implemented by *T.
type Compact[T any] interface {
	// IsStillCompact returns true if all of the value's dynamic data is embedded
	IsStillCompact() bool
	// DynamicSizeBytes returns the exact number of bytes the value's dynamic tail occupies when
	// embedded
	DynamicSizeBytes() int
	// CompactFrom overwrites the receiver with a copy of source whose dynamic tail is embedded
	// in the region starting at dynamic.
	//
	// This method is unsafe. dynamic must point to at least source.DynamicSizeBytes() writable
	// bytes that do not overlap the receiver or any memory reachable from source. The receiver's
	// previous content is discarded without being released.
	CompactFrom(source *T, dynamic unsafe.Pointer)
}

// Pointer is satisfied by *T when T implements Compact
type Pointer[T any] interface {
	*T
	Compact[T]
}

// Relocatable is the relocation contract without its type parameter. Composition and the slab
// work against this form when the field types are only known at runtime.
type Relocatable interface {
	IsStillCompact() bool
	DynamicSizeBytes() int
	// CompactFromPointer is CompactFrom with source passed as an untyped pointer, which must point
	// to a value of the receiver's type
	CompactFromPointer(source unsafe.Pointer, dynamic unsafe.Pointer)
}

// Releaser is implemented by values that own free storage
type Releaser interface {
	// Release returns every free allocation held by the value to its allocator. Embedded storage
	// is left alone.
	Release() error
}

// StorageVisitor is implemented by values that can report where their dynamic storage lives.
// visit is called once for each contiguous range.
type StorageVisitor interface {
	VisitStorage(visit func(ptr unsafe.Pointer, size int))
}

// TotalSizeBytes returns the size of value's header plus the size of its dynamic tail: the number
// of bytes needed to relocate value into a single region.
func TotalSizeBytes[T any, PT Pointer[T]](value *T) int {
	return int(unsafe.Sizeof(*value)) + PT(value).DynamicSizeBytes()
}

// Behind returns the address immediately after value's header
func Behind[T any](value *T) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(value), unsafe.Sizeof(*value))
}

// CompactBehindFrom relocates source into dst, embedding the dynamic tail right behind dst. dst
// must be followed by source.DynamicSizeBytes() writable bytes.
func CompactBehindFrom[T any, PT Pointer[T]](dst, src *T) {
	PT(dst).CompactFrom(src, Behind(dst))
}

// CompactInto is a checked form of CompactFrom. It returns memutils.ErrRegionTooSmall if region
// cannot hold src's dynamic tail, and memutils.ErrRegionOverlap if region overlaps dst, src, or
// src's dynamic storage. Nothing is written when an error is returned.
//
// src's storage is only known precisely when *T implements StorageVisitor. Otherwise an
// embedded src is assumed to keep its tail right behind its header.
func CompactInto[T any, PT Pointer[T]](dst, src *T, region []byte) error {
	size := PT(src).DynamicSizeBytes()
	if len(region) < size {
		return errors.Wrapf(memutils.ErrRegionTooSmall, "the region holds %d bytes but %d are needed", len(region), size)
	}

	regionPtr := memutils.Pointer(region, 0)
	headerSize := int(unsafe.Sizeof(*src))

	if memutils.Overlaps(regionPtr, size, unsafe.Pointer(dst), headerSize) {
		return errors.Wrap(memutils.ErrRegionOverlap, "the region overlaps the destination header")
	}

	if memutils.Overlaps(regionPtr, size, unsafe.Pointer(src), headerSize) {
		return errors.Wrap(memutils.ErrRegionOverlap, "the region overlaps the source header")
	}

	var overlap bool
	if visitor, ok := any(src).(StorageVisitor); ok {
		visitor.VisitStorage(func(ptr unsafe.Pointer, storageSize int) {
			overlap = overlap || memutils.Overlaps(regionPtr, size, ptr, storageSize)
		})
	} else if PT(src).IsStillCompact() {
		overlap = memutils.Overlaps(regionPtr, size, Behind(src), size)
	}

	if overlap {
		return errors.Wrap(memutils.ErrRegionOverlap, "the region overlaps the source's dynamic storage")
	}

	PT(dst).CompactFrom(src, regionPtr)
	return nil
}
