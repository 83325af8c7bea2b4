package vmm

import (
	"github.com/corvus-os/corvus/kernel"
)

// pteForAddress returns a pointer to the page table entry describing
// virtAddr in the currently active address space, or ErrInvalidMapping if
// either the owning directory entry or the table entry itself is not
// present.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		result *pageTableEntry
		err    *kernel.Error
	)

	walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if level == pageLevels-1 {
			result = pte
		}

		return true
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	physAddr := pte.Frame().Address() + (virtAddr & (uintptr(1)<<pageLevelShifts[pageLevels-1] - 1))

	return physAddr, nil
}

// VirtToPhys returns the physical address mapped to virtAddr, or 0 if
// virtAddr is not mapped.
func VirtToPhys(virtAddr uintptr) uintptr {
	phys, err := Translate(virtAddr)
	if err != nil {
		return 0
	}
	return phys
}

// IsMapped returns true if virtAddr is backed by a present mapping.
func IsMapped(virtAddr uintptr) bool {
	_, err := pteForAddress(virtAddr)
	return err == nil
}

// GetFlags returns the flag bits of the page table entry mapping virtAddr,
// or 0 if virtAddr is not mapped.
func GetFlags(virtAddr uintptr) PageTableEntryFlag {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0
	}
	return PageTableEntryFlag(*pte) &^ flagAddrMask
}

// SetFlags ORs flag into the page table entry mapping virtAddr and
// flushes its TLB entry. It fails with ErrInvalidMapping if virtAddr is
// not mapped.
func SetFlags(virtAddr uintptr, flag PageTableEntryFlag) *kernel.Error {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return err
	}
	pte.SetFlags(flag)
	flushTLBEntryFn(virtAddr)
	return nil
}

// SetPageUser ORs FlagUser into the mapping for virtAddr, preserving the
// mapped physical frame. It returns false if virtAddr is not mapped.
func SetPageUser(virtAddr uintptr) bool {
	return SetFlags(virtAddr, FlagUser) == nil
}
