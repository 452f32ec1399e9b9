package slab

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/compact"
	"github.com/vkngwrapper/compactmem/memutils"
)

// Handle is a stable reference to a value packed into an Arena. The value's address changes when
// defragmentation or Recompact moves it, the Handle does not.
type Handle[T any, PT compact.Pointer[T]] struct {
	arena       *Arena
	reservation *Reservation
}

// Pack relocates src into a reservation of exactly compact.TotalSizeBytes(src) bytes, its dynamic
// tail embedded right behind its header. src is left as it was and still owns its storage.
//
// T must be packable, see compact.CheckPackable: the garbage collector does not scan slab memory.
func Pack[T any, PT compact.Pointer[T]](arena *Arena, src *T) (*Handle[T, PT], error) {
	err := compact.CheckPackable[T]()
	if err != nil {
		return nil, err
	}

	size := compact.TotalSizeBytes[T, PT](src)
	alignment := max(uint(unsafe.Alignof(*src)), memutils.WordSize)

	arena.mutex.Lock()
	defer arena.mutex.Unlock()

	reservation, err := arena.reserve(size, alignment)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes to pack %T", size, *src)
	}

	dst := (*T)(reservation.pointer())
	compact.CompactBehindFrom[T, PT](dst, src)

	handle := &Handle[T, PT]{
		arena:       arena,
		reservation: reservation,
	}
	reservation.release = handle.releaseValue

	return handle, nil
}

// releaseValue returns the free storage of the packed value. The arena must be locked.
func (h *Handle[T, PT]) releaseValue() error {
	return release[T, PT]((*T)(h.reservation.pointer()))
}

func release[T any, PT compact.Pointer[T]](value *T) error {
	if releaser, ok := any(PT(value)).(compact.Releaser); ok {
		return releaser.Release()
	}

	return nil
}

// Reservation returns the reservation holding the packed value
func (h *Handle[T, PT]) Reservation() *Reservation {
	return h.reservation
}

// Get returns the packed value's current address. The pointer is only valid until the next
// defragmentation pass or Recompact, and should not be retained past either. Pin the handle to
// keep the address stable across defragmentation.
func (h *Handle[T, PT]) Get() *T {
	return (*T)(h.arena.Pointer(h.reservation))
}

// Size returns the size in bytes of the packed value's reservation
func (h *Handle[T, PT]) Size() int {
	h.arena.mutex.RLock()
	defer h.arena.mutex.RUnlock()

	return h.reservation.size
}

// IsStillCompact returns true if none of the packed value's dynamic data has escaped the
// reservation, for instance because a vector in it grew past its embedded capacity
func (h *Handle[T, PT]) IsStillCompact() bool {
	h.arena.mutex.RLock()
	defer h.arena.mutex.RUnlock()

	h.arena.mustBeLive(h.reservation)
	return PT((*T)(h.reservation.pointer())).IsStillCompact()
}

// Pin prevents defragmentation from moving the packed value until Unpin is called
func (h *Handle[T, PT]) Pin() {
	h.arena.Pin(h.reservation)
}

// Unpin releases a pin taken with Pin
func (h *Handle[T, PT]) Unpin() {
	h.arena.Unpin(h.reservation)
}

// Recompact packs the value again if any of its dynamic data has escaped the reservation. The
// value moves to a new reservation of its current total size and the free storage it had acquired
// is released. A value that is still compact is left alone.
//
// Recompact returns ErrPinned if the handle is pinned.
func (h *Handle[T, PT]) Recompact() error {
	a := h.arena
	a.mutex.Lock()
	defer a.mutex.Unlock()

	r := h.reservation
	a.mustBeLive(r)

	value := (*T)(r.pointer())
	if PT(value).IsStillCompact() {
		return nil
	}

	if r.IsPinned() {
		return errors.Wrapf(ErrPinned, "cannot recompact reservation %d", r.id)
	}

	size := compact.TotalSizeBytes[T, PT](value)
	loc, err := a.reserveLocation(size, r.alignment, r)
	if err != nil {
		return errors.Wrapf(err, "failed to reserve %d bytes to recompact reservation %d", size, r.id)
	}

	dst := (*T)(loc.pointer())
	compact.CompactBehindFrom[T, PT](dst, value)

	err = release[T, PT](value)
	if err != nil {
		a.freeLocation(loc)
		return errors.Wrapf(err, "failed to release the escaped storage of reservation %d", r.id)
	}

	previous := r.location
	r.location = loc
	a.freeLocation(previous)

	return nil
}

// Free releases the packed value's free storage and its reservation. The handle must not be used
// afterward.
func (h *Handle[T, PT]) Free() error {
	return h.arena.Free(h.reservation)
}
