// Package user maps and populates user-accessible regions of a task's
// address space: argument/stack pages, ELF segments, and the flat loader's
// single code+data+bss region. Every mapping it makes carries FlagUser so
// Ring 3 code can actually touch it.
package user

import (
	"unsafe"

	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/pmm"
	"github.com/corvus-os/corvus/kernel/mem/pmm/allocator"
	"github.com/corvus-os/corvus/kernel/mem/vmm"
)

var (
	// allocFrameFn is used by tests to mock physical frame allocation.
	allocFrameFn = allocator.AllocFrame

	// mapFn/unmapFn/translateFn are used by tests to mock the
	// PageDirectory methods they wrap, and are automatically inlined by
	// the compiler in the kernel build.
	mapFn = func(pd *vmm.PageDirectory, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag, allocFn vmm.FrameAllocatorFn) *kernel.Error {
		return pd.Map(page, frame, flags, allocFn)
	}
	unmapFn = func(pd *vmm.PageDirectory, page vmm.Page) *kernel.Error {
		return pd.Unmap(page)
	}
	translateFn = func(pd *vmm.PageDirectory, virtAddr uintptr) (uintptr, *kernel.Error) {
		return pd.Translate(virtAddr)
	}

	// errVerifyFailed is returned by MapRegion when the post-map
	// verification pass finds a page that does not translate to a
	// physical address. Treated as a fatal caller bug rather than a
	// retryable condition.
	errVerifyFailed = &kernel.Error{Module: "user", Message: "post-map verification failed: page is not user-accessible"}

	// errSmokeTestFailed is returned by CopyToUser when the readback
	// check after the copy does not match what was written.
	errSmokeTestFailed = &kernel.Error{Module: "user", Message: "post-copy smoke test failed"}
)

// MapRegion maps size bytes (rounded up to whole pages) of freshly
// allocated physical memory starting at virtStart into pd with
// FlagUser|FlagRW, and verifies every page translates before returning.
// The frames are not cleared, so their previous contents stay visible.
// label names the region at the call site (e.g. "argv", "stack",
// "elf:.text"); MapRegion does not use it.
func MapRegion(pd *vmm.PageDirectory, virtStart uintptr, size mem.Size, label string) *kernel.Error {
	pageCount := size.Pages()
	startPage := vmm.PageFromAddress(virtStart)

	for i := uint32(0); i < pageCount; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			unmapMapped(pd, startPage, i)
			return err
		}

		if err := mapFn(pd, startPage+vmm.Page(i), frame, vmm.FlagRW|vmm.FlagUser, allocFrameFn); err != nil {
			unmapMapped(pd, startPage, i)
			return err
		}
	}

	if err := verifyMapped(pd, startPage, pageCount); err != nil {
		unmapMapped(pd, startPage, pageCount)
		return err
	}

	_ = label // retained for call-site readability; not otherwise used.
	return nil
}

// verifyMapped re-walks every page in [startPage, startPage+pageCount) and
// confirms it translates to a physical address, i.e. that Map actually
// installed a present mapping rather than silently no-oping. The USER and
// RW bits of the entries are not read back.
func verifyMapped(pd *vmm.PageDirectory, startPage vmm.Page, pageCount uint32) *kernel.Error {
	for i := uint32(0); i < pageCount; i++ {
		if _, err := translateFn(pd, (startPage + vmm.Page(i)).Address()); err != nil {
			return errVerifyFailed
		}
	}
	return nil
}

func unmapMapped(pd *vmm.PageDirectory, startPage vmm.Page, mappedCount uint32) {
	for i := uint32(0); i < mappedCount; i++ {
		_ = unmapFn(pd, startPage+vmm.Page(i))
	}
}

// CopyToUser copies kernelSrc into the user address space described by pd,
// starting at userDst, one page at a time through the vmm temporary mapping
// window, and performs a 16-byte (or len(kernelSrc), if shorter) readback
// smoke test afterwards.
func CopyToUser(pd *vmm.PageDirectory, kernelSrc []byte, userDst uintptr) *kernel.Error {
	remaining := kernelSrc
	dst := userDst

	for len(remaining) > 0 {
		phys, err := translateFn(pd, dst)
		if err != nil {
			return err
		}

		pageOff := dst & uintptr(mem.PageSize-1)
		chunk := uintptr(mem.PageSize) - pageOff
		if chunk > uintptr(len(remaining)) {
			chunk = uintptr(len(remaining))
		}

		tmpPage, err := vmm.MapTemporary(pmm.Frame(phys>>mem.PageShift), allocFrameFn)
		if err != nil {
			return err
		}
		srcAddr := uintptr(unsafe.Pointer(&remaining[0]))
		mem.Memcopy(srcAddr, tmpPage.Address()+pageOff, mem.Size(chunk))
		_ = vmm.Unmap(tmpPage)

		remaining = remaining[chunk:]
		dst += chunk
	}

	return smokeTest(pd, kernelSrc, userDst)
}

// smokeTest re-reads up to the first 16 bytes (or the whole copy, if
// shorter) back out of user memory and compares them against what was
// written, catching silent corruption from a bad translation or an
// off-by-one in CopyToUser itself.
func smokeTest(pd *vmm.PageDirectory, want []byte, userDst uintptr) *kernel.Error {
	n := len(want)
	if n > 16 {
		n = 16
	}

	for i := 0; i < n; i++ {
		addr := userDst + uintptr(i)
		phys, err := translateFn(pd, addr)
		if err != nil {
			return errSmokeTestFailed
		}

		tmpPage, err := vmm.MapTemporary(pmm.Frame(phys>>mem.PageShift), allocFrameFn)
		if err != nil {
			return err
		}
		got := *(*byte)(unsafe.Pointer(tmpPage.Address() + (addr & uintptr(mem.PageSize-1))))
		_ = vmm.Unmap(tmpPage)

		if got != want[i] {
			return errSmokeTestFailed
		}
	}

	return nil
}
