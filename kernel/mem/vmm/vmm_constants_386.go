// +build 386

package vmm

// pageLevels is the number of page-table levels under 32-bit paging: a page
// directory (level 0) and a page table (level 1).
const pageLevels = 2

// pageLevelBits holds, per level, the number of bits of a virtual address
// consumed by that level's index.
var pageLevelBits = [pageLevels]uint8{10, 10}

// pageLevelShifts holds, per level, the bit position where that level's
// index field begins.
var pageLevelShifts = [pageLevels]uint8{22, 12}

// recursiveSlot is the page directory entry index that is always kept
// pointing at the owning directory's own physical frame, giving the kernel
// a linear-address window onto every page table (and the directory itself)
// of the currently active address space without needing a separate
// physical-memory-backed "peek" mechanism.
const recursiveSlot = 1023

// pdVirtAddr is the linear address at which the active page directory,
// viewed as an array of 1024 uint32 entries, is always accessible.
const pdVirtAddr = uintptr(recursiveSlot<<22 | recursiveSlot<<12)

// ptVirtAddrBase is the base of the linear window through which the page
// table for directory index i is accessible at ptVirtAddrBase + i*4096,
// provided directory entry i is present.
const ptVirtAddrBase = uintptr(recursiveSlot << 22)

// tempMappingAddr is a single fixed virtual page reserved for establishing
// short-lived mappings, e.g. to zero a freshly allocated page table before
// it is linked into a directory, or to edit an inactive page directory.
const tempMappingAddr = uintptr(0xFFBFF000)

// KernelWindowStart and KernelWindowEnd bound the always-present, identity
// mapped higher-half kernel window. Every PageDirectory, active or not,
// has this range mapped; inactive directories get it copied in by
// CopyKernelMappings.
const (
	KernelWindowStart = uintptr(0xC0000000)
	KernelWindowEnd   = uintptr(0xE0000000)
)

// MMIOWindowStart and MMIOWindowEnd bound the region reserved for MapMMIO.
// It sits inside the kernel window so it is
// shared across every address space (the AHCI/APIC/I/O-APIC windows opened
// by the kernel must stay valid regardless of which user task is current).
const (
	MMIOWindowStart = uintptr(0xD0000000)
	MMIOWindowEnd   = uintptr(0xDF000000)
)

// HeapWindowStart and HeapWindowEnd bound the region reserved for the Go
// runtime's own memory allocator (sysReserve/sysMap/sysAlloc in the
// goruntime package). It is separate from the MMIO window so a leaky
// runtime heap can never collide with a device mapping.
const (
	HeapWindowStart = uintptr(0xE0000000)
	HeapWindowEnd   = uintptr(0xF0000000)
)
