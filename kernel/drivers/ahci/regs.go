// Package ahci drives an AHCI HBA: controller discovery, per-port bring-up,
// command dispatch, LBA28/LBA48 read/write, and interrupt servicing.
package ahci

import "unsafe"

// hbaRegs mirrors the generic host register block at the base of the ABAR
// MMIO window (AHCI 1.3.1 §3.1).
type hbaRegs struct {
	cap       uint32
	ghc       uint32
	is        uint32
	pi        uint32
	vs        uint32
	cccCtl    uint32
	cccPorts  uint32
	emLoc     uint32
	emCtl     uint32
	capExt    uint32
	bohc      uint32
	_         [0xD4]byte // reserved + vendor-specific, padding to 0x100
}

// portRegs mirrors one per-port register block (AHCI 1.3.1 §3.3), starting
// at ABAR + 0x100 + port*0x80.
type portRegs struct {
	clb    uint32
	clbu   uint32
	fb     uint32
	fbu    uint32
	is     uint32
	ie     uint32
	cmd    uint32
	_      uint32
	tfd    uint32
	sig    uint32
	ssts   uint32
	sctl   uint32
	serr   uint32
	sact   uint32
	ci     uint32
	sntf   uint32
	fbs    uint32
	_      [11]uint32
	vendor [4]uint32
}

const (
	ghcAE = 1 << 31
	ghcIE = 1 << 1
	ghcHR = 1 << 0

	bohcBOS = 1 << 0
	bohcOOS = 1 << 1

	cmdST  = 1 << 0
	cmdFRE = 1 << 4
	cmdFR  = 1 << 14
	cmdCR  = 1 << 15
	cmdSUD = 1 << 1

	cmdICCShift = 28
	cmdICCMask  = 0xF << cmdICCShift
	iccActive   = 1

	tfdBSY = 1 << 7
	tfdDRQ = 1 << 3

	isTFES = 1 << 30
	isPCS  = 1 << 6

	sstsDETMask    = 0xF
	sstsDETPresent = 0x3
)

const (
	sigATA  = 0x00000101
	sigATAPI = 0xEB140101
	sigSEMB  = 0xC33C0101
	sigPM    = 0x96690101
)

func readReg32(addr *uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

func writeReg32(addr *uint32, val uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = val
}

func (r *hbaRegs) readCap() uint32    { return readReg32(&r.cap) }
func (r *hbaRegs) readGHC() uint32    { return readReg32(&r.ghc) }
func (r *hbaRegs) writeGHC(v uint32)  { writeReg32(&r.ghc, v) }
func (r *hbaRegs) readIS() uint32     { return readReg32(&r.is) }
func (r *hbaRegs) writeIS(v uint32)   { writeReg32(&r.is, v) }
func (r *hbaRegs) readPI() uint32     { return readReg32(&r.pi) }
func (r *hbaRegs) readVS() uint32     { return readReg32(&r.vs) }
func (r *hbaRegs) readBOHC() uint32   { return readReg32(&r.bohc) }
func (r *hbaRegs) writeBOHC(v uint32) { writeReg32(&r.bohc, v) }

func (p *portRegs) writeCLB(v uint32)  { writeReg32(&p.clb, v) }
func (p *portRegs) writeCLBU(v uint32) { writeReg32(&p.clbu, v) }
func (p *portRegs) writeFB(v uint32)   { writeReg32(&p.fb, v) }
func (p *portRegs) writeFBU(v uint32)  { writeReg32(&p.fbu, v) }
func (p *portRegs) readIS() uint32     { return readReg32(&p.is) }
func (p *portRegs) writeIS(v uint32)   { writeReg32(&p.is, v) }
func (p *portRegs) writeIE(v uint32)   { writeReg32(&p.ie, v) }
func (p *portRegs) readCMD() uint32    { return readReg32(&p.cmd) }
func (p *portRegs) writeCMD(v uint32)  { writeReg32(&p.cmd, v) }
func (p *portRegs) readTFD() uint32    { return readReg32(&p.tfd) }
func (p *portRegs) readSIG() uint32    { return readReg32(&p.sig) }
func (p *portRegs) readSSTS() uint32   { return readReg32(&p.ssts) }
func (p *portRegs) readSACT() uint32   { return readReg32(&p.sact) }
func (p *portRegs) readCI() uint32     { return readReg32(&p.ci) }
func (p *portRegs) writeCI(v uint32)   { writeReg32(&p.ci, v) }

func hbaAt(virt uintptr) *hbaRegs {
	return (*hbaRegs)(unsafe.Pointer(virt))
}

func portAt(hbaVirt uintptr, n int) *portRegs {
	return (*portRegs)(unsafe.Pointer(hbaVirt + 0x100 + uintptr(n)*0x80))
}
