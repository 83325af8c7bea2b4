package vmm

import (
	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/cpu"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/pmm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry, which will fault if called outside Ring 0.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when an operation is attempted against
	// a virtual address that has no mapping.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "address is not mapped"}

	// errFrameMismatch is returned by Map when the target page is already
	// present and backed by a different physical frame.
	errFrameMismatch = &kernel.Error{Module: "vmm", Message: "page is already mapped to a different frame"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported for this operation"}
)

// FrameAllocatorFn is a function that can allocate a physical frame to back
// a new page table.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// Map establishes a mapping between a virtual page and a physical memory
// frame in the currently active address space. If the directory entry for
// page is missing, a new page table frame is allocated via allocFn, zeroed
// and linked in. Map fails if the directory entry cannot be allocated, or
// if the page is already present and mapped to a different frame than
// frame.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			if pte.HasFlags(FlagPresent) && pte.Frame() != frame {
				err = errFrameMismatch
				return false
			}
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// The page table for this directory entry does not exist yet;
		// allocate a frame for it, link it in, and clear its contents
		// through the recursive mapping before any page table entry of
		// it is used.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			newTableFrame, err = allocFn()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUser)
			flushTLBEntryFn(page.Address())

			mem.Memset(ptVirtAddrBase+dirIndex(page.Address())<<mem.PageShift, 0, mem.PageSize)
		}

		return true
	})

	return err
}

// Unmap clears the page table entry for page, making it non-present, and
// flushes its TLB entry. It fails with ErrInvalidMapping if the owning
// directory entry is missing.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// MapRegion maps n consecutive pages starting at virt to n consecutive
// frames starting at phys. If any page in the run fails to map, the pages
// mapped so far by this call are unmapped before returning, so callers
// never observe a partially-applied region.
func MapRegion(virt uintptr, phys pmm.Frame, n uint, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	var i uint
	for ; i < n; i++ {
		page := PageFromAddress(virt) + Page(i)
		frame := phys + pmm.Frame(i)
		if err := Map(page, frame, flags, allocFn); err != nil {
			for j := uint(0); j < i; j++ {
				_ = Unmap(PageFromAddress(virt) + Page(j))
			}
			return err
		}
	}
	return nil
}

// UnmapRegion unmaps n consecutive pages starting at virt.
func UnmapRegion(virt uintptr, n uint) *kernel.Error {
	for i := uint(0); i < n; i++ {
		if err := Unmap(PageFromAddress(virt) + Page(i)); err != nil {
			return err
		}
	}
	return nil
}

// MapTemporary establishes a short-lived RW mapping of frame at the fixed
// tempMappingAddr, overwriting whatever was mapped there previously. It is
// used to initialize page table / page directory contents before they are
// linked into the live paging structures.
func MapTemporary(frame pmm.Frame, allocFn FrameAllocatorFn) (Page, *kernel.Error) {
	_ = Unmap(PageFromAddress(tempMappingAddr))
	if err := Map(PageFromAddress(tempMappingAddr), frame, FlagRW, allocFn); err != nil {
		return 0, err
	}

	return PageFromAddress(tempMappingAddr), nil
}
