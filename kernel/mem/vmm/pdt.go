package vmm

import (
	"unsafe"

	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/cpu"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/pmm"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT,
	// which will fault if called outside Ring 0.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT.
	switchPDTFn = cpu.SwitchPDT

	// mapFn/mapTemporaryFn/unmapFn are used by tests and inlined by the
	// compiler in the kernel build.
	mapFn         = Map
	mapTemporaryFn = MapTemporary
	unmapFn       = Unmap
)

// PageDirectory describes the top-most (and, under 32-bit paging, only)
// table in the paging scheme: a directory of 1024 entries, each either
// absent or pointing at a 1024-entry page table.
type PageDirectory struct {
	pdFrame pmm.Frame
}

// lastEntryAddr returns the linear address of directory entry
// recursiveSlot within the directory currently mapped to physical frame
// activeFrame.
func lastEntryAddr(activeFrame pmm.Frame) uintptr {
	return activeFrame.Address() + uintptr(recursiveSlot)<<mem.PointerShift
}

// Init sets up the page directory backed by pdFrame. If pdFrame is not the
// currently active directory, Init establishes a temporary mapping so it
// can zero the frame and install the recursive self-map entry.
func (pd *PageDirectory) Init(pdFrame pmm.Frame, allocFn FrameAllocatorFn) *kernel.Error {
	pd.pdFrame = pdFrame

	if pdFrame.Address() == activePDTFn() {
		return nil
	}

	pdPage, err := mapTemporaryFn(pdFrame, allocFn)
	if err != nil {
		return err
	}

	mem.Memset(pdPage.Address(), 0, mem.PageSize)
	selfEntry := (*pageTableEntry)(unsafe.Pointer(pdPage.Address() + uintptr(recursiveSlot)<<mem.PointerShift))
	*selfEntry = 0
	selfEntry.SetFlags(FlagPresent | FlagRW)
	selfEntry.SetFrame(pdFrame)

	unmapFn(pdPage)

	return nil
}

// Map establishes a mapping in this PageDirectory, which need not be the
// currently active one: if it isn't, Map temporarily retargets the active
// directory's recursive slot to pd's frame so Map/walk can reach it
// through the normal recursive addressing window, then restores it.
func (pd PageDirectory) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	activeFrame := pmm.Frame(activePDTFn() >> mem.PageShift)

	var entryAddr uintptr
	if activeFrame != pd.pdFrame {
		entryAddr = lastEntryAddr(activeFrame)
		entry := (*pageTableEntry)(unsafe.Pointer(entryAddr))
		entry.SetFrame(pd.pdFrame)
		flushTLBEntryFn(entryAddr)
	}

	err := mapFn(page, frame, flags, allocFn)

	if activeFrame != pd.pdFrame {
		entry := (*pageTableEntry)(unsafe.Pointer(entryAddr))
		entry.SetFrame(activeFrame)
		flushTLBEntryFn(entryAddr)
	}

	return err
}

// Unmap removes a mapping previously installed via Map on this
// PageDirectory, applying the same temporary-retargeting trick as Map when
// pd is not the active directory.
func (pd PageDirectory) Unmap(page Page) *kernel.Error {
	activeFrame := pmm.Frame(activePDTFn() >> mem.PageShift)

	var entryAddr uintptr
	if activeFrame != pd.pdFrame {
		entryAddr = lastEntryAddr(activeFrame)
		entry := (*pageTableEntry)(unsafe.Pointer(entryAddr))
		entry.SetFrame(pd.pdFrame)
		flushTLBEntryFn(entryAddr)
	}

	err := unmapFn(page)

	if activeFrame != pd.pdFrame {
		entry := (*pageTableEntry)(unsafe.Pointer(entryAddr))
		entry.SetFrame(activeFrame)
		flushTLBEntryFn(entryAddr)
	}

	return err
}

// Translate resolves the physical address backing page in this
// PageDirectory, applying the same temporary-retargeting trick as Map when
// pd is not the active directory.
func (pd PageDirectory) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	activeFrame := pmm.Frame(activePDTFn() >> mem.PageShift)

	var entryAddr uintptr
	if activeFrame != pd.pdFrame {
		entryAddr = lastEntryAddr(activeFrame)
		entry := (*pageTableEntry)(unsafe.Pointer(entryAddr))
		entry.SetFrame(pd.pdFrame)
		flushTLBEntryFn(entryAddr)
	}

	phys, err := Translate(virtAddr)

	if activeFrame != pd.pdFrame {
		entry := (*pageTableEntry)(unsafe.Pointer(entryAddr))
		entry.SetFrame(activeFrame)
		flushTLBEntryFn(entryAddr)
	}

	return phys, err
}

// CopyKernelMappings duplicates every directory entry that describes the
// kernel window [KernelWindowStart, KernelWindowEnd) from the currently
// active directory into pd, so that the kernel window stays mapped in
// every address space, including ones not yet activated.
// Because the kernel window is whole-directory-entry aligned (each entry
// spans 4MiB), copying directory entries is sufficient: the underlying
// page tables are shared, not duplicated.
func (pd PageDirectory) CopyKernelMappings(allocFn FrameAllocatorFn) *kernel.Error {
	activeFrame := pmm.Frame(activePDTFn() >> mem.PageShift)

	var entryAddr uintptr
	selfActive := activeFrame == pd.pdFrame
	if !selfActive {
		entryAddr = lastEntryAddr(activeFrame)
		entry := (*pageTableEntry)(unsafe.Pointer(entryAddr))
		entry.SetFrame(pd.pdFrame)
		flushTLBEntryFn(entryAddr)
	}

	startIdx := dirIndex(KernelWindowStart)
	endIdx := dirIndex(KernelWindowEnd - 1)
	for i := startIdx; i <= endIdx; i++ {
		srcEntry := (*pageTableEntry)(unsafe.Pointer(activeFrame.Address() + i<<mem.PointerShift))
		dstEntry := (*pageTableEntry)(unsafe.Pointer(ptVirtAddrBase + i<<mem.PointerShift))
		*dstEntry = *srcEntry
	}
	// The directory's own recursive slot always points at itself, never
	// at whatever the kernel directory happens to have there.
	selfEntry := (*pageTableEntry)(unsafe.Pointer(ptVirtAddrBase + uintptr(recursiveSlot)<<mem.PointerShift))
	*selfEntry = 0
	selfEntry.SetFlags(FlagPresent | FlagRW)
	selfEntry.SetFrame(pd.pdFrame)

	if !selfActive {
		entry := (*pageTableEntry)(unsafe.Pointer(entryAddr))
		entry.SetFrame(activeFrame)
		flushTLBEntryFn(entryAddr)
	}

	return nil
}

// Activate loads this PageDirectory into CR3 and flushes the TLB.
func (pd PageDirectory) Activate() {
	switchPDTFn(pd.pdFrame.Address())
}

// Frame returns the physical frame backing this PageDirectory.
func (pd PageDirectory) Frame() pmm.Frame {
	return pd.pdFrame
}
