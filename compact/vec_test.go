package compact_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/compactmem/compact"
	"github.com/vkngwrapper/compactmem/memutils"
)

func pushAll[T any, A memutils.Allocator](t *testing.T, v *compact.Vec[T, A], values ...T) {
	for _, value := range values {
		require.NoError(t, v.Push(value))
	}
}

func TestVecScenario(t *testing.T) {
	var v compact.HeapVec[int64]
	require.Equal(t, 0, v.Cap())
	require.True(t, v.IsStillCompact())

	pushAll(t, &v, 5, 7, 9)
	require.Equal(t, 3, v.Len())
	require.Equal(t, 4, v.Cap())
	require.Equal(t, []int64{5, 7, 9}, v.Slice())
	require.False(t, v.IsStillCompact())

	size := compact.TotalSizeBytes(&v)
	require.Equal(t, int(unsafe.Sizeof(v))+4*8, size)

	arena := newGuardedArena(size)
	dst := (*compact.HeapVec[int64])(arena.region())
	compact.CompactBehindFrom(dst, &v)

	require.True(t, arena.intact())
	require.True(t, dst.IsStillCompact())
	require.Equal(t, 3, dst.Len())
	require.Equal(t, 4, dst.Cap())
	require.Equal(t, []int64{5, 7, 9}, dst.Slice())
	require.Equal(t, compact.Behind(dst), unsafe.Pointer(unsafe.SliceData(dst.Slice())))

	require.NoError(t, v.Release())
	require.Equal(t, []int64{5, 7, 9}, dst.Slice())
}

func TestVecGrowth(t *testing.T) {
	var v compact.HeapVec[uint32]
	defer func() { require.NoError(t, v.Release()) }()

	expectedCap := 0
	for i := 0; i < 40; i++ {
		if i == expectedCap {
			if expectedCap == 0 {
				expectedCap = 1
			} else {
				expectedCap *= 2
			}
		}

		require.NoError(t, v.Push(uint32(i)))
		require.Equal(t, i+1, v.Len())
		require.Equal(t, expectedCap, v.Cap())
		require.False(t, v.IsStillCompact())
	}

	for i, value := range v.All() {
		require.Equal(t, uint32(i), value)
	}
}

func TestVecWithCapacity(t *testing.T) {
	v, err := compact.NewVecWithCapacity[int16, memutils.DefaultHeap](5)
	require.NoError(t, err)
	require.Equal(t, 0, v.Len())
	require.Equal(t, 5, v.Cap())
	require.False(t, v.IsStillCompact())
	require.Equal(t, 10, v.DynamicSizeBytes())

	pushAll(t, v, 1, 2, 3, 4, 5)
	require.Equal(t, 5, v.Cap())
	require.NoError(t, v.Release())
	require.Equal(t, 0, v.Len())
	require.True(t, v.IsStillCompact())

	empty, err := compact.NewVecWithCapacity[int16, memutils.DefaultHeap](0)
	require.NoError(t, err)
	require.False(t, empty.IsStillCompact())
	require.Equal(t, 0, empty.DynamicSizeBytes())
	require.NoError(t, empty.Release())

	require.Panics(t, func() {
		_ = v.WithCapacity(-1)
	})
}

func TestVecFromBacking(t *testing.T) {
	headerSize := int(unsafe.Sizeof(compact.HeapVec[int32]{}))
	arena := newGuardedArena(headerSize + 4*4)

	backing := unsafe.Slice((*int32)(unsafe.Add(arena.region(), headerSize)), 4)
	backing[0] = 11
	backing[1] = 22

	v := (*compact.HeapVec[int32])(arena.region())
	v.FromBacking(unsafe.Pointer(&backing[0]), 2, 4)
	require.True(t, v.IsStillCompact())
	require.Equal(t, []int32{11, 22}, v.Slice())

	// Filling the backing keeps the vector embedded
	pushAll(t, v, 33, 44)
	require.True(t, v.IsStillCompact())
	require.Equal(t, []int32{11, 22, 33, 44}, backing)

	// Growing past it moves to free storage and leaves the backing alone
	require.NoError(t, v.Push(55))
	require.False(t, v.IsStillCompact())
	require.Equal(t, 8, v.Cap())
	require.Equal(t, []int32{11, 22, 33, 44, 55}, v.Slice())
	require.Equal(t, []int32{11, 22, 33, 44}, backing)
	require.True(t, arena.intact())

	require.NoError(t, v.Release())

	require.Panics(t, func() {
		v.FromBacking(unsafe.Pointer(&backing[0]), 3, 2)
	})
}

func TestVecPop(t *testing.T) {
	var v compact.HeapVec[int]
	defer func() { require.NoError(t, v.Release()) }()

	_, ok := v.Pop()
	require.False(t, ok)

	pushAll(t, &v, 1, 2, 3)

	value, ok := v.Pop()
	require.True(t, ok)
	require.Equal(t, 3, value)
	require.Equal(t, 2, v.Len())
	require.Equal(t, 4, v.Cap())

	value, ok = v.Pop()
	require.True(t, ok)
	require.Equal(t, 2, value)

	value, ok = v.Pop()
	require.True(t, ok)
	require.Equal(t, 1, value)

	_, ok = v.Pop()
	require.False(t, ok)
	require.Equal(t, 0, v.Len())
}

func TestVecInsert(t *testing.T) {
	testCases := map[string]struct {
		Start    []int
		Index    int
		Value    int
		Expected []int
	}{
		"Empty":  {nil, 0, 9, []int{9}},
		"Front":  {[]int{1, 2, 3}, 0, 9, []int{9, 1, 2, 3}},
		"Middle": {[]int{1, 2, 3}, 1, 9, []int{1, 9, 2, 3}},
		"End":    {[]int{1, 2, 3}, 3, 9, []int{1, 2, 3, 9}},
		"Grow":   {[]int{1, 2, 3, 4}, 2, 9, []int{1, 2, 9, 3, 4}},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			var v compact.HeapVec[int]
			defer func() { require.NoError(t, v.Release()) }()

			pushAll(t, &v, testCase.Start...)
			require.NoError(t, v.Insert(testCase.Index, testCase.Value))
			require.Equal(t, testCase.Expected, v.Slice())
		})
	}
}

func TestVecBounds(t *testing.T) {
	var v compact.HeapVec[int]
	defer func() { require.NoError(t, v.Release()) }()

	pushAll(t, &v, 1, 2)
	v.Set(1, 5)
	require.Equal(t, 5, v.At(1))

	require.Panics(t, func() { v.At(2) })
	require.Panics(t, func() { v.At(-1) })
	require.Panics(t, func() { v.Set(2, 0) })
	require.Panics(t, func() { _ = v.Insert(3, 0) })
}

func TestVecAllocationFailure(t *testing.T) {
	allocationBudget = 2
	defer func() { allocationBudget = 0 }()

	var v compact.Vec[int64, budgetAllocator]
	defer func() { require.NoError(t, v.Release()) }()

	pushAll(t, &v, 1, 2)
	require.Equal(t, 2, v.Cap())

	err := v.Push(3)
	require.True(t, errors.Is(err, memutils.ErrAllocationFailed))
	require.True(t, errors.Is(err, errBudgetExhausted))
	require.Equal(t, 2, v.Len())
	require.Equal(t, 2, v.Cap())
	require.Equal(t, []int64{1, 2}, v.Slice())

	err = v.Insert(0, 3)
	require.True(t, errors.Is(err, memutils.ErrAllocationFailed))
	require.Equal(t, []int64{1, 2}, v.Slice())

	_, err = compact.NewVecWithCapacity[int64, budgetAllocator](4)
	require.True(t, errors.Is(err, memutils.ErrAllocationFailed))
}

func TestVecRejectsPointers(t *testing.T) {
	var v compact.HeapVec[*int]
	require.Panics(t, func() {
		_ = v.Push(nil)
	})

	var nested compact.HeapVec[compact.HeapVec[int]]
	require.Panics(t, func() {
		_ = nested.WithCapacity(1)
	})
}

func TestVecZeroSizedElements(t *testing.T) {
	var v compact.HeapVec[struct{}]
	pushAll(t, &v, struct{}{}, struct{}{}, struct{}{})
	require.Equal(t, 3, v.Len())
	require.Equal(t, 0, v.DynamicSizeBytes())

	_, ok := v.Pop()
	require.True(t, ok)
	require.NoError(t, v.Release())
}

func TestVecRelocateTwice(t *testing.T) {
	var v compact.HeapVec[float64]
	pushAll(t, &v, 1.5, 2.5, 3.5, 4.5, 5.5)
	size := compact.TotalSizeBytes(&v)

	first := newGuardedArena(size)
	firstVec := (*compact.HeapVec[float64])(first.region())
	compact.CompactBehindFrom(firstVec, &v)
	require.NoError(t, v.Release())

	// Relocating an embedded vector reads from its embedded tail
	require.Equal(t, size, compact.TotalSizeBytes(firstVec))
	second := newGuardedArena(size)
	secondVec := (*compact.HeapVec[float64])(second.region())
	compact.CompactBehindFrom(secondVec, firstVec)

	require.True(t, first.intact())
	require.True(t, second.intact())
	require.True(t, secondVec.IsStillCompact())
	require.Equal(t, firstVec.Slice(), secondVec.Slice())
	require.Equal(t, firstVec.Cap(), secondVec.Cap())
	require.Equal(t, compact.Behind(secondVec), unsafe.Pointer(unsafe.SliceData(secondVec.Slice())))

	// Only the live elements are copied, spare capacity stays zeroed
	spare := second.bytes()[size-3*8:]
	require.Equal(t, make([]byte, len(spare)), spare)
}

func TestVecMovesAsOneBlock(t *testing.T) {
	var v compact.HeapVec[uint16]
	pushAll(t, &v, 100, 200, 300)
	size := compact.TotalSizeBytes(&v)

	source := newGuardedArena(size)
	compact.CompactBehindFrom((*compact.HeapVec[uint16])(source.region()), &v)
	require.NoError(t, v.Release())

	destination := newGuardedArena(size)
	memutils.Copy(destination.region(), source.region(), size)

	// Scribble over the source so stale reads would show
	clear(source.bytes())

	moved := (*compact.HeapVec[uint16])(destination.region())
	require.True(t, moved.IsStillCompact())
	require.Equal(t, []uint16{100, 200, 300}, moved.Slice())
	require.True(t, destination.intact())
}
