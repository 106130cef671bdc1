package core

import "unsafe"

const (
	// CacheLineSize is a common cache line size, typically 64 bytes.
	CacheLineSize = 64
)

// IsAligned checks if a pointer (represented as a uintptr) is aligned to a cache line boundary.
func IsAligned(addr uintptr) bool {
	return addr%CacheLineSize == 0
}

// AlignedSize calculates the size rounded up to the nearest cache line multiple.
func AlignedSize(size uintptr) uintptr {
	return (size + uintptr(CacheLineSize-1)) & ^uintptr(CacheLineSize-1)
}

// AlignedBytes allocates a byte slice with its underlying array aligned to CacheLineSize.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return nil
	}
	// Allocate extra space to allow for alignment.
	buf := make([]byte, size+CacheLineSize-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))

	offset := uintptr(0)
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}

	return buf[offset : offset+uintptr(size)]
}

// AlignedFloats allocates a zeroed float32 slice whose backing array starts on a
// cache line. Tensor buffers are allocated through here.
func AlignedFloats(n int) []float32 {
	if n == 0 {
		return []float32{}
	}
	b := AlignedBytes(n * 4)
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}
