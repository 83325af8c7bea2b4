package vmm

import (
	"unsafe"

	"github.com/corvus-os/corvus/kernel/mem"
)

// dirIndex returns the page directory index (bits 22-31) for virtAddr.
func dirIndex(virtAddr uintptr) uintptr {
	return (virtAddr >> pageLevelShifts[0]) & ((1 << pageLevelBits[0]) - 1)
}

// tableIndex returns the page table index (bits 12-21) for virtAddr.
func tableIndex(virtAddr uintptr) uintptr {
	return (virtAddr >> pageLevelShifts[1]) & ((1 << pageLevelBits[1]) - 1)
}

// pdeAddr returns the linear address of the page directory entry for
// virtAddr in the *currently active* address space, reachable via the
// recursive self-map at pdVirtAddr.
func pdeAddr(virtAddr uintptr) uintptr {
	return pdVirtAddr + dirIndex(virtAddr)<<mem.PointerShift
}

// pteAddr returns the linear address of the page table entry for virtAddr
// in the currently active address space, reachable via the recursive
// self-map. The caller must have already established that the owning
// directory entry is present.
func pteAddr(virtAddr uintptr) uintptr {
	return ptVirtAddrBase + dirIndex(virtAddr)<<mem.PageShift + tableIndex(virtAddr)<<mem.PointerShift
}

// walk locates, level by level, the page directory entry and (if present)
// page table entry that describe virtAddr in the currently active address
// space, invoking visit at each level. visit returns false to abort the
// walk early (e.g. because the next level is missing).
//
// level 0 is the directory entry, level 1 is the table entry.
func walk(virtAddr uintptr, visit func(level uint8, pte *pageTableEntry) bool) {
	pde := (*pageTableEntry)(unsafe.Pointer(pdeAddr(virtAddr)))
	if !visit(0, pde) {
		return
	}

	pte := (*pageTableEntry)(unsafe.Pointer(pteAddr(virtAddr)))
	visit(1, pte)
}
