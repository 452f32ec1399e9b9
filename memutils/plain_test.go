package memutils_test

import (
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/compactmem/memutils"
)

type plainPoint struct {
	X, Y float32
	Tag  [4]byte
}

type pointerHolder struct {
	ID   uint64
	Name string
}

func TestIsPlain(t *testing.T) {
	testCases := map[string]struct {
		Type  reflect.Type
		Plain bool
	}{
		"Int":          {reflect.TypeFor[int](), true},
		"Uintptr":      {reflect.TypeFor[uintptr](), true},
		"Complex":      {reflect.TypeFor[complex128](), true},
		"Struct":       {reflect.TypeFor[plainPoint](), true},
		"ArrayStruct":  {reflect.TypeFor[[3]plainPoint](), true},
		"EmptyArray":   {reflect.TypeFor[[0]*int](), true},
		"String":       {reflect.TypeFor[string](), false},
		"Slice":        {reflect.TypeFor[[]int](), false},
		"Pointer":      {reflect.TypeFor[*int](), false},
		"Map":          {reflect.TypeFor[map[int]int](), false},
		"Interface":    {reflect.TypeFor[any](), false},
		"NestedString": {reflect.TypeFor[pointerHolder](), false},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			require.Equal(t, testCase.Plain, memutils.IsPlain(testCase.Type))
		})
	}
}

func TestCheckPlain(t *testing.T) {
	require.NoError(t, memutils.CheckPlain[plainPoint]())

	err := memutils.CheckPlain[pointerHolder]()
	require.True(t, errors.Is(err, memutils.ErrNotPlain))
}
