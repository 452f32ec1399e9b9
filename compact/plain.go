package compact

import "unsafe"

// Plain makes any fixed-size, pointer-free type relocatable. It has no dynamic tail, so it is
// always compact and relocating it is a copy of the value.
type Plain[T any] struct {
	Value T
}

var _ Compact[Plain[int]] = &Plain[int]{}
var _ Relocatable = &Plain[int]{}

// IsStillCompact always returns true
func (p *Plain[T]) IsStillCompact() bool { return true }

// DynamicSizeBytes always returns 0
func (p *Plain[T]) DynamicSizeBytes() int { return 0 }

// CompactFrom copies source into p. dynamic is ignored.
func (p *Plain[T]) CompactFrom(source *Plain[T], dynamic unsafe.Pointer) {
	p.Value = source.Value
}

// CompactFromPointer copies the Plain[T] at source into p
func (p *Plain[T]) CompactFromPointer(source unsafe.Pointer, dynamic unsafe.Pointer) {
	p.CompactFrom((*Plain[T])(source), dynamic)
}
