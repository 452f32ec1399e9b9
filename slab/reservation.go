package slab

import (
	"unsafe"

	"github.com/vkngwrapper/compactmem/memutils/metadata"
)

// location is where a reservation's bytes currently live
type location struct {
	slab   *Slab
	handle metadata.BlockAllocationHandle
	offset int
	size   int
}

func (l location) pointer() unsafe.Pointer {
	return l.slab.Pointer(l.offset)
}

// Reservation is a range of bytes within one of an Arena's slabs. Defragmentation may move the
// bytes to another slab or offset, but the Reservation object stays the same, so it can be held
// as a stable reference.
//
// The accessors are not synchronized with the arena. Use them while holding the arena's lock, or
// while no other goroutine is using the arena.
type Reservation struct {
	location

	id        uint64
	alignment uint
	pins      int

	// release returns any memory the reserved value owns outside the arena
	release func() error
}

// ID returns an identifier unique among the reservations of an arena
func (r *Reservation) ID() uint64 { return r.id }

// Slab returns the slab currently holding the reservation, or nil if it was freed
func (r *Reservation) Slab() *Slab { return r.slab }

// Offset returns the reservation's current offset within its slab
func (r *Reservation) Offset() int { return r.offset }

// Size returns the size of the reservation in bytes
func (r *Reservation) Size() int { return r.size }

// IsPinned returns true if the reservation must not be moved by defragmentation
func (r *Reservation) IsPinned() bool { return r.pins > 0 }

func (r *Reservation) isLive() bool { return r.slab != nil }

func (r *Reservation) releaseValue() error {
	if r.release == nil {
		return nil
	}

	return r.release()
}
