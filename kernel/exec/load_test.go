package exec

import (
	"testing"
	"unsafe"
)

func TestIsELFDetectsMagic(t *testing.T) {
	if isELF([]byte{0x7F, 'E', 'L', 'F'}) != true {
		t.Fatal("expected ELF magic to be recognized")
	}
	if isELF([]byte{0x00, 0x00}) {
		t.Fatal("expected short buffer to be rejected")
	}
	if isELF([]byte("#!/bin/flat\x00")) {
		t.Fatal("expected non-ELF buffer to be rejected")
	}
}

func makeHeader(etype uint16, machine uint16, class, data byte) elf32Header {
	var hdr elf32Header
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
	hdr.Ident[4] = class
	hdr.Ident[5] = data
	hdr.Type = etype
	hdr.Machine = machine
	return hdr
}

func TestValidateHeaderAcceptsExecAndDyn(t *testing.T) {
	for _, etype := range []uint16{etExec, etDyn} {
		hdr := makeHeader(etype, em386, elfClass32, elfData2LSB)
		if err := validateHeader(&hdr); err != nil {
			t.Fatalf("expected e_type=%d to validate, got %+v", etype, err)
		}
	}
}

func TestValidateHeaderRejectsWrongMachine(t *testing.T) {
	hdr := makeHeader(etExec, 0x28 /* EM_ARM */, elfClass32, elfData2LSB)
	if err := validateHeader(&hdr); err != errUnsupportedISA {
		t.Fatalf("expected errUnsupportedISA, got %+v", err)
	}
}

func TestValidateHeaderRejectsWrongClass(t *testing.T) {
	hdr := makeHeader(etExec, em386, 2 /* ELFCLASS64 */, elfData2LSB)
	if err := validateHeader(&hdr); err != errUnsupportedISA {
		t.Fatalf("expected errUnsupportedISA, got %+v", err)
	}
}

func TestValidateHeaderRejectsRelocatableType(t *testing.T) {
	hdr := makeHeader(1 /* ET_REL */, em386, elfClass32, elfData2LSB)
	if err := validateHeader(&hdr); err != errUnsupportedISA {
		t.Fatalf("expected errUnsupportedISA for ET_REL, got %+v", err)
	}
}

func TestProgramHeadersParsesEntries(t *testing.T) {
	hdr := makeHeader(etExec, em386, elfClass32, elfData2LSB)
	hdr.Phoff = uint32(unsafe.Sizeof(elf32Header{}))
	hdr.Phnum = 2
	hdr.Phentsize = uint16(unsafe.Sizeof(elf32ProgHeader{}))

	buf := make([]byte, hdr.Phoff+2*uint32(hdr.Phentsize))
	*(*elf32Header)(unsafe.Pointer(&buf[0])) = hdr

	ph0 := elf32ProgHeader{Type: ptLoad, Vaddr: 0x1000, Memsz: 0x2000, Filesz: 0x1800, Offset: 0x80}
	ph1 := elf32ProgHeader{Type: ptDynamic, Vaddr: 0x3000, Offset: 0x200}
	*(*elf32ProgHeader)(unsafe.Pointer(&buf[hdr.Phoff])) = ph0
	*(*elf32ProgHeader)(unsafe.Pointer(&buf[hdr.Phoff+uint32(hdr.Phentsize)])) = ph1

	phdrs, err := programHeaders(buf, &hdr)
	if err != nil {
		t.Fatalf("programHeaders failed: %+v", err)
	}
	if len(phdrs) != 2 {
		t.Fatalf("expected 2 program headers, got %d", len(phdrs))
	}
	if phdrs[0].Type != ptLoad || phdrs[0].Vaddr != 0x1000 {
		t.Fatalf("unexpected phdrs[0]: %+v", phdrs[0])
	}
	if phdrs[1].Type != ptDynamic || phdrs[1].Vaddr != 0x3000 {
		t.Fatalf("unexpected phdrs[1]: %+v", phdrs[1])
	}
}

func TestProgramHeadersRejectsTruncatedTable(t *testing.T) {
	hdr := makeHeader(etExec, em386, elfClass32, elfData2LSB)
	hdr.Phoff = uint32(unsafe.Sizeof(elf32Header{}))
	hdr.Phnum = 5
	hdr.Phentsize = uint16(unsafe.Sizeof(elf32ProgHeader{}))

	buf := make([]byte, hdr.Phoff+4) // far too short for 5 entries
	if _, err := programHeaders(buf, &hdr); err != errMalformed {
		t.Fatalf("expected errMalformed, got %+v", err)
	}
}

func TestFileOffsetForVaddrFindsContainingSegment(t *testing.T) {
	phdrs := []elf32ProgHeader{
		{Type: ptLoad, Vaddr: 0x1000, Offset: 0x80, Filesz: 0x100},
		{Type: ptLoad, Vaddr: 0x2000, Offset: 0x200, Filesz: 0x100},
	}

	off, ok := fileOffsetForVaddr(phdrs, 0x2010)
	if !ok || off != 0x210 {
		t.Fatalf("expected offset 0x210, got %#x (ok=%v)", off, ok)
	}

	if _, ok := fileOffsetForVaddr(phdrs, 0x9000); ok {
		t.Fatal("expected lookup outside any segment to fail")
	}
}

func TestReadWholeFileGrowsBufferUntilShortRead(t *testing.T) {
	origRead := readFn
	defer func() { readFn = origRead }()

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i)
	}
	pos := 0
	readFn = func(fd int, buf []byte) int {
		if pos >= len(data) {
			return 0
		}
		n := copy(buf, data[pos:])
		pos += n
		return n
	}

	got, err := readWholeFile(0)
	if err != nil {
		t.Fatalf("readWholeFile failed: %+v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("expected %d bytes, got %d", len(data), len(got))
	}
	for i := range got {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], data[i])
		}
	}
}

func TestReadWholeFileRejectsOversizedImage(t *testing.T) {
	origRead := readFn
	defer func() { readFn = origRead }()

	readFn = func(fd int, buf []byte) int {
		for i := range buf {
			buf[i] = 0x41
		}
		return len(buf) // never a short read: looks infinite
	}

	if _, err := readWholeFile(0); err != errTooLarge {
		t.Fatalf("expected errTooLarge, got %+v", err)
	}
}

func TestLoadFailsWhenOpenFails(t *testing.T) {
	origOpen, origNorm := openFn, normalizePathFn
	defer func() { openFn, normalizePathFn = origOpen, origNorm }()

	normalizePathFn = func(p string) string { return p }
	openFn = func(path string) (int, bool) { return 0, false }

	if _, err := Load("/bin/missing", nil); err != errOpenFailed {
		t.Fatalf("expected errOpenFailed, got %+v", err)
	}
}
