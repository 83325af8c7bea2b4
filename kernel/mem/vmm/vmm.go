package vmm

import (
	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/cpu"
	"github.com/corvus-os/corvus/kernel/irq"
	"github.com/corvus-os/corvus/kernel/kfmt/early"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn                   = kernel.Panic
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2

	// mmioWindowCache remembers the virtual window already allocated for a
	// given MMIO physical base so repeated MapMMIO calls for the same
	// device (e.g. a driver re-probing its BAR) are idempotent rather than
	// exhausting the MMIO window.
	mmioWindowCache = map[uintptr]uintptr{}

	// mmioNextFree is the bump allocator cursor for the MMIO window.
	mmioNextFree = MMIOWindowStart

	// heapNextFree is the bump allocator cursor for the Go runtime heap
	// window. Regions are never released: the runtime's own allocator is
	// responsible for recycling pages inside what it has reserved.
	heapNextFree = HeapWindowStart
)

// ErrHeapWindowExhausted is returned by EarlyReserveRegion when the
// fixed-size runtime heap window has no room left.
var ErrHeapWindowExhausted = &kernel.Error{Module: "vmm", Message: "heap window exhausted"}

// EarlyReserveRegion reserves size bytes of unmapped virtual address space
// inside the runtime heap window and returns its start address. It backs
// runtime.sysReserve: the caller is expected to map individual pages inside
// the returned region later via Map/MapRegion.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	regionSize := (size + mem.PageSize - 1) &^ (mem.PageSize - 1)

	start := heapNextFree
	if start+uintptr(regionSize) > HeapWindowEnd {
		return 0, ErrHeapWindowExhausted
	}

	heapNextFree = start + uintptr(regionSize)
	return start, nil
}

// ErrMMIOWindowExhausted is returned by MapMMIO when the fixed-size MMIO
// window has no room left for the requested mapping.
var ErrMMIOWindowExhausted = &kernel.Error{Module: "vmm", Message: "MMIO window exhausted"}

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// MapMMIO maps size bytes of physical memory starting at phys into the
// reserved MMIO window and returns the virtual address at which the
// mapping begins. Repeated calls with the same physical base return the
// same virtual address; nothing here unmaps an MMIO window once
// established, so MapMMIO never frees.
func MapMMIO(phys uintptr, size mem.Size) (uintptr, *kernel.Error) {
	phys = phys &^ uintptr(mem.PageSize-1)

	if virt, ok := mmioWindowCache[phys]; ok {
		return virt, nil
	}

	pageCount := uint(size.Pages())
	if pageCount == 0 {
		pageCount = 1
	}

	virt := mmioNextFree
	if virt+uintptr(pageCount)*uintptr(mem.PageSize) > MMIOWindowEnd {
		return 0, ErrMMIOWindowExhausted
	}

	if err := MapRegion(virt, pmm.Frame(phys>>mem.PageShift), pageCount, FlagRW|FlagCD|FlagWT, frameAllocator); err != nil {
		return 0, err
	}

	mmioNextFree = virt + uintptr(pageCount)*uintptr(mem.PageSize)
	mmioWindowCache[phys] = virt

	return virt, nil
}

// pageFaultHandler reports the faulting address and registers, then hands
// off to kernel.Panic: there is no demand paging, swap or copy-on-write to
// recover from, so every page fault is fatal.
func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	nonRecoverablePageFault(uintptr(readCR2Fn()), errorCode, frame, regs, nil)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	early.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		early.Printf("read from non-present page")
	case errorCode == 1:
		early.Printf("page protection violation (read)")
	case errorCode == 2:
		early.Printf("write to non-present page")
	case errorCode == 3:
		early.Printf("page protection violation (write)")
	case errorCode == 4:
		early.Printf("page-fault in user-mode")
	case errorCode == 8:
		early.Printf("page table has reserved bit set")
	case errorCode == 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown")
	}

	early.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panicFn(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	early.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panicFn(nil)
}

// Init installs the paging-related exception handlers. Both page faults and
// general protection faults are treated as unrecoverable structural
// invariant violations.
func Init() *kernel.Error {
	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}
