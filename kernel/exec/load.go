package exec

import (
	"unsafe"

	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/hal/vfs"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/pmm/allocator"
	"github.com/corvus-os/corvus/kernel/mem/user"
	"github.com/corvus-os/corvus/kernel/mem/vmm"
	"github.com/corvus-os/corvus/kernel/task"
)

const (
	// execCodeBase is where a flat binary's single segment is mapped;
	// matches the low end of the range task.CreateUserTask validates
	// code addresses against.
	execCodeBase = uintptr(2 * 1024 * 1024)

	// execMaxSize bounds how much of a program readWholeFile will buffer
	// before giving up, so a corrupt or hostile binary cannot exhaust the
	// kernel heap.
	execMaxSize = mem.Size(16) * mem.Mb

	pieBaseStart = uintptr(0x04000000)
	pieBaseStep  = uintptr(16 * 1024 * 1024)
)

var (
	openFn          = vfs.Open
	readFn          = vfs.Read
	closeFn         = vfs.Close
	normalizePathFn = vfs.NormalizePath
	allocFrameFn    = allocator.AllocFrame
	createUserTaskFn = task.CreateUserTask
)

// nextPIEBase hands out successive ET_DYN load bases, 16MiB apart, so two
// concurrently loaded PIE images never overlap.
var nextPIEBase = pieBaseStart

var (
	errOpenFailed    = &kernel.Error{Module: "exec", Message: "failed to open executable"}
	errTooLarge      = &kernel.Error{Module: "exec", Message: "executable exceeds the maximum load size"}
	errMalformed     = &kernel.Error{Module: "exec", Message: "malformed executable image"}
	errUnsupportedISA = &kernel.Error{Module: "exec", Message: "unsupported ELF class/data/machine/type"}
)

// Load reads path from the VFS, maps a fresh address space for it, and
// spawns a user task. argv is laid out on the new task's stack per the
// System V i386 _start convention.
func Load(path string, argv []string) (*task.Task, *kernel.Error) {
	norm := normalizePathFn(path)

	fd, ok := openFn(norm)
	if !ok {
		return nil, errOpenFailed
	}
	defer closeFn(fd)

	buf, err := readWholeFile(fd)
	if err != nil {
		return nil, err
	}

	if isELF(buf) {
		return loadELF(buf, norm, argv)
	}
	return loadFlat(buf, norm, argv)
}

// readWholeFile reads fd to completion into a buffer that doubles in
// capacity each time it fills, up to execMaxSize.
func readWholeFile(fd int) ([]byte, *kernel.Error) {
	chunkSize := mem.Size(4096)
	buf := make([]byte, 0, chunkSize)

	for {
		chunk := make([]byte, chunkSize)
		n := readFn(fd, chunk)
		if n <= 0 {
			break
		}
		buf = append(buf, chunk[:n]...)

		if mem.Size(len(buf)) >= execMaxSize {
			return nil, errTooLarge
		}
		if uint64(n) < uint64(chunkSize) {
			break
		}

		chunkSize *= 2
		if chunkSize > execMaxSize {
			chunkSize = execMaxSize
		}
	}

	return buf, nil
}

func isELF(buf []byte) bool {
	return len(buf) >= 4 && buf[0] == elfMagic0 && buf[1] == elfMagic1 && buf[2] == elfMagic2 && buf[3] == elfMagic3
}

// loadFlat maps a single PRESENT|RW|USER region at execCodeBase, copies
// the whole file into it, and spawns a task whose entry is execCodeBase.
func loadFlat(buf []byte, name string, argv []string) (*task.Task, *kernel.Error) {
	pd, err := newAddressSpace()
	if err != nil {
		return nil, err
	}

	size := mem.Size(len(buf))
	if err := user.MapRegion(pd, execCodeBase, size, "flat"); err != nil {
		return nil, err
	}
	if err := user.CopyToUser(pd, buf, execCodeBase); err != nil {
		return nil, err
	}

	return createUserTaskFn(name, pd, execCodeBase, uintptr(size), execCodeBase, argv)
}

func loadELF(buf []byte, name string, argv []string) (*task.Task, *kernel.Error) {
	if len(buf) < int(unsafe.Sizeof(elf32Header{})) {
		return nil, errMalformed
	}
	hdr := (*elf32Header)(unsafe.Pointer(&buf[0]))
	if err := validateHeader(hdr); err != nil {
		return nil, err
	}

	var delta uintptr
	if hdr.Type == etDyn {
		delta = nextPIEBase
		nextPIEBase += pieBaseStep
	}

	phdrs, err := programHeaders(buf, hdr)
	if err != nil {
		return nil, err
	}

	pd, err := newAddressSpace()
	if err != nil {
		return nil, err
	}

	var codeBase = ^uintptr(0)
	var codeEnd uintptr
	var dynOffset uint32
	haveDyn := false

	for i := range phdrs {
		ph := &phdrs[i]
		switch ph.Type {
		case ptLoad:
			start := uintptr(ph.Vaddr) + delta
			if start < codeBase {
				codeBase = start
			}
			if end := start + uintptr(ph.Memsz); end > codeEnd {
				codeEnd = end
			}
			if err := mapAndCopySegment(pd, buf, ph, delta); err != nil {
				return nil, err
			}
		case ptDynamic:
			dynOffset = ph.Offset
			haveDyn = true
		}
	}

	if haveDyn && delta != 0 {
		if err := applyRelocations(pd, buf, phdrs, dynOffset, delta); err != nil {
			return nil, err
		}
	}

	entry := uintptr(hdr.Entry) + delta
	return createUserTaskFn(name, pd, codeBase, codeEnd-codeBase, entry, argv)
}

func validateHeader(hdr *elf32Header) *kernel.Error {
	if hdr.Ident[0] != elfMagic0 || hdr.Ident[1] != elfMagic1 || hdr.Ident[2] != elfMagic2 || hdr.Ident[3] != elfMagic3 {
		return errMalformed
	}
	if hdr.Ident[4] != elfClass32 || hdr.Ident[5] != elfData2LSB {
		return errUnsupportedISA
	}
	if hdr.Machine != em386 {
		return errUnsupportedISA
	}
	if hdr.Type != etExec && hdr.Type != etDyn {
		return errUnsupportedISA
	}
	return nil
}

func programHeaders(buf []byte, hdr *elf32Header) ([]elf32ProgHeader, *kernel.Error) {
	entSize := uint32(unsafe.Sizeof(elf32ProgHeader{}))
	if hdr.Phentsize != 0 && uint32(hdr.Phentsize) != entSize {
		return nil, errMalformed
	}

	need := uint64(hdr.Phoff) + uint64(hdr.Phnum)*uint64(entSize)
	if need > uint64(len(buf)) {
		return nil, errMalformed
	}

	out := make([]elf32ProgHeader, hdr.Phnum)
	for i := uint16(0); i < hdr.Phnum; i++ {
		off := hdr.Phoff + uint32(i)*entSize
		out[i] = *(*elf32ProgHeader)(unsafe.Pointer(&buf[off]))
	}
	return out, nil
}

// mapAndCopySegment maps a PT_LOAD entry's page-aligned range USER|RW,
// copies its file-backed bytes, and zero-fills the bss tail (memsz beyond
// filesz).
func mapAndCopySegment(pd *vmm.PageDirectory, buf []byte, ph *elf32ProgHeader, delta uintptr) *kernel.Error {
	start := uintptr(ph.Vaddr) + delta
	pageStart := start &^ uintptr(mem.PageSize-1)
	pageEnd := (start + uintptr(ph.Memsz) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)

	if err := user.MapRegion(pd, pageStart, mem.Size(pageEnd-pageStart), "elf-segment"); err != nil {
		return err
	}

	if ph.Filesz > 0 {
		if uint64(ph.Offset)+uint64(ph.Filesz) > uint64(len(buf)) {
			return errMalformed
		}
		if err := user.CopyToUser(pd, buf[ph.Offset:ph.Offset+ph.Filesz], start); err != nil {
			return err
		}
	}

	if ph.Memsz > ph.Filesz {
		bss := make([]byte, ph.Memsz-ph.Filesz)
		if err := user.CopyToUser(pd, bss, start+uintptr(ph.Filesz)); err != nil {
			return err
		}
	}

	return nil
}

// applyRelocations walks PT_DYNAMIC's tags for DT_REL/DT_RELSZ/DT_RELENT
// and adds delta to every R_386_RELATIVE target word.
func applyRelocations(pd *vmm.PageDirectory, buf []byte, phdrs []elf32ProgHeader, dynOffset uint32, delta uintptr) *kernel.Error {
	dynEntSize := uint32(unsafe.Sizeof(elf32Dyn{}))

	var relVaddr, relSz, relEnt uint32
	for off := dynOffset; off+dynEntSize <= uint32(len(buf)); off += dynEntSize {
		d := (*elf32Dyn)(unsafe.Pointer(&buf[off]))
		switch d.Tag {
		case dtNull:
			goto haveTags
		case dtRel:
			relVaddr = d.Val
		case dtRelSz:
			relSz = d.Val
		case dtRelEnt:
			relEnt = d.Val
		}
	}
haveTags:
	if relVaddr == 0 || relSz == 0 {
		return nil
	}
	if relEnt == 0 {
		relEnt = defaultRelEntSize
	}

	relFileOff, ok := fileOffsetForVaddr(phdrs, relVaddr)
	if !ok {
		return errMalformed
	}

	count := relSz / relEnt
	for i := uint32(0); i < count; i++ {
		entOff := relFileOff + i*relEnt
		if uint64(entOff)+uint64(unsafe.Sizeof(elf32Rel{})) > uint64(len(buf)) {
			return errMalformed
		}
		rel := (*elf32Rel)(unsafe.Pointer(&buf[entOff]))
		if rel.relType() != rRelative {
			continue
		}
		if err := relocateWord(pd, buf, phdrs, rel, delta); err != nil {
			return err
		}
	}

	return nil
}

// relocateWord reads the pre-relocation 32-bit word straight out of the
// file image (the unrelocated value already copied into the segment is
// identical to it), adds delta, and writes the fixed-up word back into the
// task's address space.
func relocateWord(pd *vmm.PageDirectory, buf []byte, phdrs []elf32ProgHeader, rel *elf32Rel, delta uintptr) *kernel.Error {
	fileOff, ok := fileOffsetForVaddr(phdrs, rel.Offset)
	if !ok || uint64(fileOff)+4 > uint64(len(buf)) {
		return errMalformed
	}

	orig := *(*uint32)(unsafe.Pointer(&buf[fileOff]))
	fixed := orig + uint32(delta)

	var word [4]byte
	*(*uint32)(unsafe.Pointer(&word[0])) = fixed

	return user.CopyToUser(pd, word[:], uintptr(rel.Offset)+delta)
}

func fileOffsetForVaddr(phdrs []elf32ProgHeader, vaddr uint32) (uint32, bool) {
	for i := range phdrs {
		ph := &phdrs[i]
		if ph.Type != ptLoad {
			continue
		}
		if vaddr >= ph.Vaddr && vaddr < ph.Vaddr+ph.Filesz {
			return ph.Offset + (vaddr - ph.Vaddr), true
		}
	}
	return 0, false
}

func newAddressSpace() (*vmm.PageDirectory, *kernel.Error) {
	frame, err := allocFrameFn()
	if err != nil {
		return nil, err
	}

	pd := &vmm.PageDirectory{}
	if err := pd.Init(frame, allocFrameFn); err != nil {
		return nil, err
	}
	if err := pd.CopyKernelMappings(allocFrameFn); err != nil {
		return nil, err
	}
	return pd, nil
}
