// Package heap implements the kernel's general-purpose dynamic memory
// allocator: a growable arena carved out of the vmm heap window, managed
// as a first-fit free list. It backs drivers (DMA buffers, AHCI command
// structures) that need raw kernel memory rather than Go's
// garbage-collected heap.
package heap

import (
	"unsafe"

	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/pmm/allocator"
	"github.com/corvus-os/corvus/kernel/mem/vmm"
	"github.com/corvus-os/corvus/kernel/sync"
)

// blockHeader precedes every allocation (live or free) in the arena.
type blockHeader struct {
	size uintptr
	free bool
	next *blockHeader
}

var headerSize = uintptr(unsafe.Sizeof(blockHeader{}))

var (
	lock        sync.Spinlock
	freeList    *blockHeader
	initialized bool

	earlyReserveRegionFn = vmm.EarlyReserveRegion
	allocFrameFn         = allocator.AllocFrame
)

// arenaGrowth is the size of each chunk reserved from the vmm heap window
// when the arena needs to grow.
const arenaGrowth = mem.Size(4 * 1024 * 1024)

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func dataAddr(b *blockHeader) uintptr {
	return uintptr(unsafe.Pointer(b)) + headerSize
}

func headerFor(dataPtr uintptr) *blockHeader {
	return headerAt(dataPtr - headerSize)
}

// growArena reserves and maps a fresh chunk of memory from the vmm heap
// window and adds it to the free list as a single block.
func growArena(size mem.Size) *kernel.Error {
	virt, err := earlyReserveRegionFn(size)
	if err != nil {
		return err
	}

	page := vmm.PageFromAddress(virt)
	pageCount := size.Pages()
	for i := uint32(0); i < pageCount; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}
		if err := vmm.Map(page+vmm.Page(i), frame, vmm.FlagRW, allocFrameFn); err != nil {
			return err
		}
	}

	block := headerAt(virt)
	block.size = uintptr(size) - headerSize
	block.free = true
	block.next = freeList
	freeList = block
	initialized = true

	return nil
}

// Alloc returns a pointer to a fresh, unzeroed block of at least size
// bytes, or 0 if the arena is exhausted and cannot be grown further.
func Alloc(size mem.Size) uintptr {
	lock.Acquire()
	defer lock.Release()
	return allocLocked(size)
}

func allocLocked(size mem.Size) uintptr {
	if !initialized {
		if err := growArena(arenaGrowth); err != nil {
			return 0
		}
	}

	need := uintptr(size)
	var prev *blockHeader
	for b := freeList; b != nil; b = b.next {
		if b.free && b.size >= need {
			splitIfWorthwhile(b, need)
			b.free = false
			unlink(prev, b)
			return dataAddr(b)
		}
		prev = b
	}

	growSize := arenaGrowth
	if mem.Size(need)+mem.Size(headerSize) > growSize {
		growSize = mem.Size(need) + mem.Size(headerSize) + mem.PageSize
	}
	if err := growArena(growSize); err != nil {
		return 0
	}
	return allocLocked(size)
}

// splitIfWorthwhile carves the unused tail of b off into its own free block
// when it is large enough to be useful on its own.
func splitIfWorthwhile(b *blockHeader, need uintptr) {
	const minRemainder = 32
	if b.size < need+headerSize+minRemainder {
		return
	}

	tail := headerAt(dataAddr(b) + need)
	tail.size = b.size - need - headerSize
	tail.free = true
	tail.next = freeList
	freeList = tail

	b.size = need
}

func unlink(prev, b *blockHeader) {
	if prev == nil {
		freeList = b.next
		return
	}
	prev.next = b.next
}

// Free releases a block previously returned by Alloc or Realloc. It is a
// no-op for ptr == 0.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	lock.Acquire()
	defer lock.Release()

	b := headerFor(ptr)
	b.free = true
	b.next = freeList
	freeList = b
}

// Realloc resizes the block at ptr to size bytes, copying its contents if
// it must move. Passing ptr == 0 behaves like Alloc; the returned pointer
// may be the same as ptr if the existing block was already big enough.
func Realloc(ptr uintptr, size mem.Size) uintptr {
	if ptr == 0 {
		return Alloc(size)
	}

	lock.Acquire()
	b := headerFor(ptr)
	if b.size >= uintptr(size) {
		lock.Release()
		return ptr
	}
	oldSize := b.size
	lock.Release()

	newPtr := Alloc(size)
	if newPtr == 0 {
		return 0
	}
	mem.Memcopy(ptr, newPtr, mem.Size(oldSize))
	Free(ptr)
	return newPtr
}
