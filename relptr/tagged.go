// Package relptr provides a pointer whose encoding is relative to the address it is stored at,
// carrying one tag bit.
//
// An untagged pointer stores only the byte distance between itself and its target. Copying the
// pointer together with its target, as one block, to any other address keeps it valid without
// any fix-up. Copying the pointer alone breaks it.
//
// A tagged pointer marks a target the pointer's owner allocated independently. Its target is also
// held absolutely, so it survives being copied on its own and keeps the target reachable for the
// garbage collector while the pointer lives in collector-visible memory.
//
// Relative addressing requires that neither the pointer nor its target be moved by the runtime.
// Heap objects in Go do not move, goroutine stacks do: a relative pointer must never live on a
// stack while its target lives elsewhere.
package relptr

import (
	"unsafe"

	_ "go4.org/unsafe/assume-no-moving-gc"
)

// Tagged is a relative pointer to a T with a single tag bit. The zero value is a null, untagged
// pointer.
type Tagged[T any] struct {
	offset uintptr
	target unsafe.Pointer
	tagged bool
}

// Null returns a null pointer carrying the provided tag.
func Null[T any](tagged bool) Tagged[T] {
	return Tagged[T]{tagged: tagged}
}

func (p *Tagged[T]) base() uintptr {
	return uintptr(unsafe.Pointer(p))
}

// Set points p at ptr and sets its tag. A nil ptr makes p null.
func (p *Tagged[T]) Set(ptr unsafe.Pointer, tagged bool) {
	p.tagged = tagged
	p.target = nil
	p.offset = 0

	if ptr == nil {
		return
	}

	// Offset is computed modulo the address space, targets below p wrap around
	p.offset = uintptr(ptr) - p.base()
	if tagged {
		p.target = ptr
	}
}

// SetTyped is Set for a typed pointer.
func (p *Tagged[T]) SetTyped(ptr *T, tagged bool) {
	p.Set(unsafe.Pointer(ptr), tagged)
}

// IsNull returns true if p does not point anywhere.
func (p *Tagged[T]) IsNull() bool {
	return p.offset == 0 && p.target == nil
}

// IsTagged returns the tag bit.
func (p *Tagged[T]) IsTagged() bool {
	return p.tagged
}

// UnsafePointer resolves p to an absolute address at p's current location.
func (p *Tagged[T]) UnsafePointer() unsafe.Pointer {
	if p.tagged {
		return p.target
	}
	if p.offset == 0 {
		return nil
	}

	return unsafe.Add(unsafe.Pointer(p), p.offset)
}

// Ptr resolves p to a typed pointer at p's current location.
func (p *Tagged[T]) Ptr() *T {
	return (*T)(p.UnsafePointer())
}

// Offset returns the raw distance between p and its target. It is meaningful for untagged
// pointers only.
func (p *Tagged[T]) Offset() uintptr {
	return p.offset
}
