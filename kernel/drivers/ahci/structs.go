package ahci

import "unsafe"

const (
	cmdSlotCount   = 32
	cmdHeaderSize  = 32
	cmdListSize    = cmdSlotCount * cmdHeaderSize // 1 KiB, matches CLB alignment
	fisSize        = 256
	cmdTableSize   = 128 + prdtEntryCount*16 // CFIS/ACMD/reserved, then the PRDT
	prdtEntryCount = 1 // one PRDT entry per command is all this driver issues
)

// cmdHeader mirrors one 32-byte command list entry (AHCI 1.3.1 §4.2.2).
// dword0 packs CFL (bits 0-4), ATAPI (5), Write (6), Prefetchable (7), and
// PRDTL (bits 16-31); accessed through the helpers below rather than by
// field since the hardware layout packs multiple logical fields per dword.
type cmdHeader struct {
	dword0 uint32
	prdbc  uint32
	ctba   uint32
	ctbau  uint32
	_      [4]uint32
}

func setCFL(h *cmdHeader, dwords uint8) {
	h.dword0 = (h.dword0 &^ 0x1F) | uint32(dwords&0x1F)
}

func setWrite(h *cmdHeader, write bool) {
	const writeBit = 1 << 6
	if write {
		h.dword0 |= writeBit
	} else {
		h.dword0 &^= writeBit
	}
}

func setPRDTL(h *cmdHeader, n uint16) {
	h.dword0 = (h.dword0 &^ (0xFFFF << 16)) | (uint32(n) << 16)
}

func (h *cmdHeader) setCTBA(phys uint32) {
	h.ctba = phys
}

func (h *cmdHeader) reset() {
	*h = cmdHeader{}
}

// cmdTable mirrors the per-slot command table: a 64-byte command FIS region
// (only the leading H2D Register FIS bytes are populated here), 16 bytes of
// ATAPI command, 48 reserved bytes, then the PRDT.
type cmdTable struct {
	cfis [64]byte
	acmd [16]byte
	_    [48]byte
	prdt [prdtEntryCount]prdtEntry
}

type prdtEntry struct {
	dba  uint32
	dbau uint32
	_    uint32
	dbc  uint32 // bits 0-21: byte count - 1; bit 31: interrupt-on-completion
}

func (e *prdtEntry) set(phys uint32, byteCount uint32) {
	e.dba = phys
	e.dbau = 0
	e.dbc = (byteCount - 1) | (1 << 31)
}

// fisH2DRegister is the Host-to-Device Register FIS (SATA rev 3.x §10.3.4),
// the only FIS type this driver issues.
type fisH2DRegister struct {
	fisType  byte
	pmAndC   byte // bits 0-3 PM port, bit 7 = C (1 = command)
	command  byte
	features byte

	lba0, lba1, lba2 byte
	device           byte

	lba3, lba4, lba5 byte
	featuresHigh     byte

	countLow, countHigh byte
	icc                 byte
	control             byte

	_ [4]byte
}

const fisTypeRegH2D = 0x27

func newH2D(command byte, lba uint64, count uint16, deviceBits byte) fisH2DRegister {
	var f fisH2DRegister
	f.fisType = fisTypeRegH2D
	f.pmAndC = 1 << 7
	f.command = command
	f.lba0 = byte(lba)
	f.lba1 = byte(lba >> 8)
	f.lba2 = byte(lba >> 16)
	f.lba3 = byte(lba >> 24)
	f.lba4 = byte(lba >> 32)
	f.lba5 = byte(lba >> 40)
	f.device = deviceBits
	f.countLow = byte(count)
	f.countHigh = byte(count >> 8)
	return f
}

func copyH2DInto(dst *[64]byte, fis *fisH2DRegister) {
	src := (*[unsafe.Sizeof(fisH2DRegister{})]byte)(unsafe.Pointer(fis))
	copy(dst[:], src[:])
}
