//go:build !debug_compactmem

package memutils

import "unsafe"

// DebugMargin is the number of guard bytes placed after every reservation in blocks managed by
// this module
const DebugMargin int = 0

// WriteMagicValue writes guard bytes across DebugMargin bytes at the provided pointer and offset.
// This method no-ops unless the debug_compactmem build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// ValidateMagicValue verifies that the guard bytes written by WriteMagicValue are still present.
// This method always returns true unless the debug_compactmem build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_compactmem build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_compactmem build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
