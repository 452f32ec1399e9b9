package compact

import (
	"fmt"
	"iter"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/compactmem/memutils"
	"github.com/vkngwrapper/compactmem/relptr"
)

// noCopy makes go vet's copylocks check flag copies of the types that contain it. A header
// copied on its own breaks its relative storage handle.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// zeroSizedBase stands in for the storage of vectors whose elements take up no room
var zeroSizedBase uint64

// Vec is a growable sequence of T that can be relocated. Its storage is either embedded, addressed
// relative to the header and owned by whoever owns the surrounding memory, or free, allocated
// from A and owned by the vector.
//
// T must be plain data, see memutils.IsPlain. The vector panics the first time it stores elements
// of any other type. Vectors of vectors are not supported.
//
// The zero value is an empty vector with no storage. A Vec must not be copied by value: use
// CompactFrom to produce a copy at another address.
type Vec[T any, A memutils.Allocator] struct {
	_   noCopy
	ptr relptr.Tagged[T]
	len int
	cap int
}

// HeapVec is a Vec whose free storage comes from the Go heap
type HeapVec[T any] = Vec[T, memutils.DefaultHeap]

var _ Compact[HeapVec[int]] = &HeapVec[int]{}
var _ Relocatable = &HeapVec[int]{}
var _ Releaser = &HeapVec[int]{}
var _ StorageVisitor = &HeapVec[int]{}

// NewVec returns an empty vector with no storage. No allocation is made.
func NewVec[T any, A memutils.Allocator]() *Vec[T, A] {
	return &Vec[T, A]{}
}

// NewVecWithCapacity returns an empty vector with free storage for capacity elements
func NewVecWithCapacity[T any, A memutils.Allocator](capacity int) (*Vec[T, A], error) {
	v := &Vec[T, A]{}
	err := v.WithCapacity(capacity)
	if err != nil {
		return nil, err
	}

	return v, nil
}

func elemSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

func elemAlign[T any]() uint {
	var zero T
	return uint(unsafe.Alignof(zero))
}

func mustBePlain[T any]() {
	err := memutils.CheckPlain[T]()
	if err != nil {
		panic(fmt.Sprintf("invalid vector element type: %+v", err))
	}
}

// WithCapacity allocates free storage for capacity elements. The vector must not hold any
// storage yet. It is in the free state afterward, even when capacity is 0.
func (v *Vec[T, A]) WithCapacity(capacity int) error {
	if v.cap != 0 || v.len != 0 {
		panic(fmt.Sprintf("attempted to set the capacity of a vector that already has %d elements of storage", v.cap))
	}
	if capacity < 0 {
		panic(fmt.Sprintf("invalid vector capacity %d", capacity))
	}

	return v.reallocate(capacity)
}

// FromBacking initializes v in place as an embedded vector over caller-owned memory. ptr must
// hold room for capacity elements, the first length of which are valid. v never releases ptr.
//
// The handle is relative to v's address, so v must be the vector's final location.
func (v *Vec[T, A]) FromBacking(ptr unsafe.Pointer, length, capacity int) {
	mustBePlain[T]()

	if length < 0 || length > capacity {
		panic(fmt.Sprintf("invalid vector backing: length %d, capacity %d", length, capacity))
	}

	if ptr == nil && capacity > 0 && elemSize[T]() > 0 {
		panic("attempted to back a vector with a nil pointer")
	}

	v.len = length
	v.cap = capacity
	v.ptr.Set(ptr, false)
}

func (v *Vec[T, A]) data() unsafe.Pointer {
	ptr := v.ptr.UnsafePointer()
	if ptr == nil && v.cap > 0 {
		return unsafe.Pointer(&zeroSizedBase)
	}

	return ptr
}

func (v *Vec[T, A]) at(index int) *T {
	return (*T)(unsafe.Add(v.data(), index*elemSize[T]()))
}

func (v *Vec[T, A]) checkIndex(index int) {
	if index < 0 || index >= v.len {
		panic(fmt.Sprintf("vector index %d out of range with length %d", index, v.len))
	}
}

// Len returns the number of elements in the vector
func (v *Vec[T, A]) Len() int { return v.len }

// Cap returns the number of elements the vector's current storage can hold
func (v *Vec[T, A]) Cap() int { return v.cap }

// reallocate moves the vector to new free storage holding capacity elements
func (v *Vec[T, A]) reallocate(capacity int) error {
	mustBePlain[T]()

	size := elemSize[T]()
	if size > 0 && capacity > math.MaxInt/size {
		return errors.Wrapf(memutils.ErrAllocationFailed, "a vector of %d elements of %d bytes is too large", capacity, size)
	}

	var allocator A
	newData, err := allocator.Allocate(capacity*size, elemAlign[T]())
	if err != nil {
		return errors.Wrapf(errors.Mark(err, memutils.ErrAllocationFailed), "failed to allocate storage for %d elements", capacity)
	}

	oldData := v.ptr.UnsafePointer()
	oldFree := v.ptr.IsTagged()
	oldSize := v.cap * size

	memutils.Copy(newData, oldData, v.len*size)
	v.ptr.Set(newData, true)
	v.cap = capacity

	// Embedded storage belongs to the surrounding memory and is never released here
	if oldFree && oldSize > 0 {
		err = allocator.Deallocate(oldData, oldSize)
		if err != nil {
			panic(fmt.Sprintf("failed to release vector storage: %+v", err))
		}
	}

	return nil
}

func (v *Vec[T, A]) grow() error {
	capacity := 1
	if v.cap > 0 {
		capacity = v.cap * 2
	}

	return v.reallocate(capacity)
}

// Push appends value to the end of the vector, doubling its capacity if it is full. If the
// allocator fails, an error wrapping memutils.ErrAllocationFailed is returned and the vector is
// unchanged.
func (v *Vec[T, A]) Push(value T) error {
	if v.len == v.cap {
		err := v.grow()
		if err != nil {
			return err
		}
	}

	*v.at(v.len) = value
	v.len++
	return nil
}

// Pop removes the last element and returns it. The boolean is false if the vector was empty.
func (v *Vec[T, A]) Pop() (T, bool) {
	if v.len == 0 {
		var zero T
		return zero, false
	}

	v.len--
	return *v.at(v.len), true
}

// Insert places value at index, shifting the elements at and after index one place toward the
// end. index may equal Len. Allocation failure is reported as in Push.
func (v *Vec[T, A]) Insert(index int, value T) error {
	if index < 0 || index > v.len {
		panic(fmt.Sprintf("vector insert index %d out of range with length %d", index, v.len))
	}

	if v.len == v.cap {
		err := v.grow()
		if err != nil {
			return err
		}
	}

	memutils.Copy(unsafe.Pointer(v.at(index+1)), unsafe.Pointer(v.at(index)), (v.len-index)*elemSize[T]())
	*v.at(index) = value
	v.len++
	return nil
}

// At returns the element at index. It panics if index is out of range.
func (v *Vec[T, A]) At(index int) T {
	v.checkIndex(index)
	return *v.at(index)
}

// Set replaces the element at index. It panics if index is out of range.
func (v *Vec[T, A]) Set(index int, value T) {
	v.checkIndex(index)
	*v.at(index) = value
}

// Slice returns the live elements as a slice sharing the vector's storage. The slice is only
// valid until the vector's storage changes.
func (v *Vec[T, A]) Slice() []T {
	if v.len == 0 {
		return nil
	}

	return unsafe.Slice((*T)(v.data()), v.len)
}

// All iterates over the vector's elements and their indices
func (v *Vec[T, A]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := 0; i < v.len; i++ {
			if !yield(i, *v.at(i)) {
				return
			}
		}
	}
}

// Release returns free storage to the allocator and resets the vector to empty. Embedded vectors
// are left untouched, their storage belongs to the surrounding memory.
func (v *Vec[T, A]) Release() error {
	if !v.ptr.IsTagged() {
		return nil
	}

	if size := v.DynamicSizeBytes(); size > 0 {
		var allocator A
		err := allocator.Deallocate(v.ptr.UnsafePointer(), size)
		if err != nil {
			return err
		}
	}

	v.ptr.Set(nil, false)
	v.len = 0
	v.cap = 0
	return nil
}

// IsStillCompact returns true if the vector's storage is embedded
func (v *Vec[T, A]) IsStillCompact() bool {
	return !v.ptr.IsTagged()
}

// DynamicSizeBytes returns the size of storage for Cap elements. Spare capacity is kept across
// relocation.
func (v *Vec[T, A]) DynamicSizeBytes() int {
	return v.cap * elemSize[T]()
}

// CompactFrom makes v an embedded copy of source whose storage starts at dynamic. The live
// elements are copied, spare capacity is left uninitialized.
func (v *Vec[T, A]) CompactFrom(source *Vec[T, A], dynamic unsafe.Pointer) {
	mustBePlain[T]()

	sourceData := source.data()
	length, capacity := source.len, source.cap

	v.len = length
	v.cap = capacity
	if capacity == 0 {
		v.ptr.Set(nil, false)
		return
	}

	memutils.Copy(dynamic, sourceData, length*elemSize[T]())
	v.ptr.Set(dynamic, false)
}

// CompactFromPointer is CompactFrom for a source of unknown type
func (v *Vec[T, A]) CompactFromPointer(source unsafe.Pointer, dynamic unsafe.Pointer) {
	v.CompactFrom((*Vec[T, A])(source), dynamic)
}

// VisitStorage reports the vector's storage, if it has any
func (v *Vec[T, A]) VisitStorage(visit func(ptr unsafe.Pointer, size int)) {
	if v.cap > 0 {
		visit(v.data(), v.DynamicSizeBytes())
	}
}

func (v *Vec[T, A]) ownsStorage() {}
