package memutils

import (
	"encoding/binary"
	"unsafe"
)

// guardMagicValue is the 4-byte pattern written into guard regions
const guardMagicValue uint32 = 0x7F84E666

func guardByte(index int) byte {
	var pattern [4]byte
	binary.LittleEndian.PutUint32(pattern[:], guardMagicValue)
	return pattern[index%4]
}

// WriteGuardBytes fills size bytes at data+offset with an easy-to-identify marker. Unlike
// WriteMagicValue it is not gated by build tags, so tests can build bounds-checked arenas.
func WriteGuardBytes(data unsafe.Pointer, offset, size int) {
	dest := unsafe.Slice((*byte)(unsafe.Add(data, offset)), size)
	for i := range dest {
		dest[i] = guardByte(offset + i)
	}
}

// GuardBytesIntact returns true if the marker written by WriteGuardBytes is still present across
// size bytes at data+offset.
func GuardBytesIntact(data unsafe.Pointer, offset, size int) bool {
	source := unsafe.Slice((*byte)(unsafe.Add(data, offset)), size)
	for i, b := range source {
		if b != guardByte(offset+i) {
			return false
		}
	}

	return true
}
