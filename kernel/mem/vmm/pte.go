package vmm

import (
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/pmm"
)

// PageTableEntryFlag enumerates the flag bits that can be set on a page
// directory entry or a page table entry under 32-bit two-level paging.
type PageTableEntryFlag uint32

const (
	// FlagPresent marks the entry as present; the MMU will fault on any
	// access through an entry missing this bit.
	FlagPresent PageTableEntryFlag = 1 << 0
	// FlagRW allows writes through this mapping; without it the page is
	// read-only (read-only at Ring 3 if FlagUser is also set).
	FlagRW PageTableEntryFlag = 1 << 1
	// FlagUser allows Ring-3 access through this mapping.
	FlagUser PageTableEntryFlag = 1 << 2
	// FlagWT selects write-through caching.
	FlagWT PageTableEntryFlag = 1 << 3
	// FlagCD disables caching for the mapped range; required for MMIO.
	FlagCD PageTableEntryFlag = 1 << 4
	// FlagAccessed is set by the MMU on first access.
	FlagAccessed PageTableEntryFlag = 1 << 5
	// FlagDirty is set by the MMU on first write.
	FlagDirty PageTableEntryFlag = 1 << 6
	// FlagHugePage (PS) marks a page directory entry as mapping a 4MiB
	// page directly rather than pointing at a page table. Used only for
	// the kernel identity window.
	FlagHugePage PageTableEntryFlag = 1 << 7
	// FlagGlobal prevents the TLB entry from being flushed on a CR3
	// reload; used for the kernel window that is identical in every
	// address space.
	FlagGlobal PageTableEntryFlag = 1 << 8

	// flagAddrMask isolates the 20-bit frame number stored in bits 12-31
	// of an entry.
	flagAddrMask = PageTableEntryFlag(0xFFFFF000)
)

// pageTableEntry is a single 32-bit page directory or page table entry.
type pageTableEntry uint32

// HasFlags returns true if all bits in flag are set.
func (p *pageTableEntry) HasFlags(flag PageTableEntryFlag) bool {
	return PageTableEntryFlag(*p)&flag == flag
}

// HasAnyFlag returns true if any bit in flag is set.
func (p *pageTableEntry) HasAnyFlag(flag PageTableEntryFlag) bool {
	return PageTableEntryFlag(*p)&flag != 0
}

// SetFlags ORs flag into the entry, leaving the frame number untouched.
func (p *pageTableEntry) SetFlags(flag PageTableEntryFlag) {
	*p |= pageTableEntry(flag)
}

// ClearFlags clears flag from the entry, leaving the frame number untouched.
func (p *pageTableEntry) ClearFlags(flag PageTableEntryFlag) {
	*p &^= pageTableEntry(flag)
}

// Frame returns the physical frame encoded in this entry.
func (p *pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((pageTableEntry(flagAddrMask) & *p) >> mem.PageShift)
}

// SetFrame sets the physical frame encoded in this entry, preserving flags.
// This is the primitive that makes SetPageUser's "preserve frame, OR in
// new flag bits" behavior possible: callers that only need to change flags
// never call SetFrame at all.
func (p *pageTableEntry) SetFrame(f pmm.Frame) {
	addr := pageTableEntry(f) << mem.PageShift
	*p = (*p &^ pageTableEntry(flagAddrMask)) | (addr & pageTableEntry(flagAddrMask))
}
