//go:build wasip1

package main

import "unsafe"

// The host ABI: the guest exports malloc/free plus module_execute and
// module_validate with signature fn(ptr, len) -> u64, the return packing
// (output_ptr << 32) | output_len. Payloads are JSON in linear memory.

// allocs pins handed-out buffers so the Go runtime does not collect or
// move them while the host holds the pointer.
var allocs = map[uint32][]byte{}

//go:wasmexport malloc
func guestMalloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	allocs[ptr] = buf
	return ptr
}

//go:wasmexport free
func guestFree(ptr uint32) {
	delete(allocs, ptr)
}

//go:wasmexport module_execute
func moduleExecute(ptr, length uint32) uint64 {
	return pack(execute(readInput(ptr, length)))
}

//go:wasmexport module_validate
func moduleValidate(ptr, length uint32) uint64 {
	return pack(validate(readInput(ptr, length)))
}

func readInput(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	if buf, ok := allocs[ptr]; ok && uint32(len(buf)) >= length {
		return buf[:length]
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

func pack(out []byte) uint64 {
	if len(out) == 0 {
		return 0
	}
	ptr := guestMalloc(uint32(len(out)))
	copy(allocs[ptr], out)
	return uint64(ptr)<<32 | uint64(uint32(len(out)))
}
