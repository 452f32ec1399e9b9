package memutils

import "unsafe"

// Copy moves size bytes from src to dst. The ranges may overlap.
func Copy(dst, src unsafe.Pointer, size int) {
	if size == 0 || dst == src {
		return
	}

	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
}

// Overlaps returns true if the byte ranges [a, a+aSize) and [b, b+bSize) share at least one byte
func Overlaps(a unsafe.Pointer, aSize int, b unsafe.Pointer, bSize int) bool {
	if aSize <= 0 || bSize <= 0 {
		return false
	}

	aStart, bStart := uintptr(a), uintptr(b)
	return aStart < bStart+uintptr(bSize) && bStart < aStart+uintptr(aSize)
}

// Bytes views size bytes at ptr as a byte slice
func Bytes(ptr unsafe.Pointer, size int) []byte {
	if size == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(ptr), size)
}

// Pointer returns the address of buffer[offset]. Offset may equal len(buffer).
func Pointer(buffer []byte, offset int) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(buffer)), offset)
}
