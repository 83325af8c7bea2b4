package mem

import (
	"reflect"
	"unsafe"
)

// Memcopy copies size bytes from src to dst. Unlike Memset, no attempt is
// made to exploit any alignment properties of the addresses; callers that
// know they are copying whole, aligned pages should prefer copying in
// PageSize chunks to keep the copy loop TLB-friendly.
func Memcopy(src, dst uintptr, size Size) {
	if size == 0 {
		return
	}

	srcSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: src,
	}))
	dstSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: dst,
	}))

	copy(dstSlice, srcSlice)
}
