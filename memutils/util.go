package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Number is any integer type that sizes and offsets are expressed in
type Number interface {
	constraints.Integer
}

// WordSize is the alignment every block of memory handed out by this module honors
const WordSize uint = 8

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned returns true if value is a multiple of alignment, which must be a power of two
func IsAligned[T Number](value T, alignment uint) bool {
	return uint64(value)&uint64(alignment-1) == 0
}
