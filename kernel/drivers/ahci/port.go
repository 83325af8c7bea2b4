package ahci

import (
	"unsafe"

	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/drivers/dma"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/vmm"
)

// DeviceType classifies what, if anything, answered a port's signature
// register during init.
type DeviceType int

const (
	DeviceNone DeviceType = iota
	DeviceSATA
	DeviceATAPI
	DeviceSEMB
	DevicePM
)

// PortState is the per-port lifecycle state machine:
// ABSENT -> PRESENT_UNINIT -> STARTING -> RUNNING <-> STOPPED -> UNINIT.
type PortState int

const (
	PortAbsent PortState = iota
	PortPresentUninit
	PortStarting
	PortRunning
	PortStopped
	PortUninit
)

// Port models one AHCI port: its register window, allocated command
// structures, and lifecycle state.
type Port struct {
	num   int
	regs  *portRegs
	state PortState

	present      bool
	signature    uint32
	deviceType   DeviceType
	initialized  bool

	cmdListBuf *dma.Buffer
	fisBuf     *dma.Buffer
	cmdTables  [cmdSlotCount]*dma.Buffer

	commandSlots [cmdSlotCount]bool
}

var (
	errPortAbsent      = &kernel.Error{Module: "ahci", Message: "port has no device attached"}
	errPortStartFailed = &kernel.Error{Module: "ahci", Message: "port failed to start (FR/CR did not assert)"}
	errNoFreeSlot      = &kernel.Error{Module: "ahci", Message: "no free command slot"}
	errCommandTimeout  = &kernel.Error{Module: "ahci", Message: "command did not complete within the timeout"}
	errTaskFileError   = &kernel.Error{Module: "ahci", Message: "device reported a task-file error"}
	errLBAOutOfRange   = &kernel.Error{Module: "ahci", Message: "LBA exceeds the 48-bit addressing range"}

	commandTimeoutIterations = 500_000_000 // approximates the 5s command budget
)

func classify(sig uint32) DeviceType {
	switch sig {
	case sigATA:
		return DeviceSATA
	case sigATAPI:
		return DeviceATAPI
	case sigSEMB:
		return DeviceSEMB
	case sigPM:
		return DevicePM
	default:
		return DeviceNone
	}
}

// init brings up the port: checks DET, classifies by signature, allocates
// the command list/FIS/command-table buffers, wires them into the register
// window, and starts the port.
func (p *Port) init() *kernel.Error {
	ssts := p.regs.readSSTS()
	if ssts&sstsDETMask != sstsDETPresent {
		p.present = false
		p.state = PortAbsent
		return errPortAbsent
	}
	p.present = true
	p.state = PortPresentUninit

	p.signature = p.regs.readSIG()
	p.deviceType = classify(p.signature)
	if p.deviceType != DeviceSATA && p.deviceType != DeviceATAPI {
		return nil
	}

	if err := p.allocateStructures(); err != nil {
		p.freeStructures()
		return err
	}

	p.regs.writeIS(p.regs.readIS())
	p.regs.writeIE(0xFFFFFFFF)

	p.state = PortStarting
	if err := p.start(); err != nil {
		p.freeStructures()
		return err
	}

	p.initialized = true
	p.state = PortRunning
	return nil
}

func (p *Port) allocateStructures() *kernel.Error {
	clBuf, err := dmaPool.Alloc(mem.Size(cmdListSize), 1024, false)
	if err != nil {
		return err
	}
	p.cmdListBuf = clBuf

	fisBuf, err := dmaPool.Alloc(fisSize, 256, false)
	if err != nil {
		return err
	}
	p.fisBuf = fisBuf

	headers := (*[cmdSlotCount]cmdHeader)(unsafe.Pointer(clBuf.Addr))
	for i := 0; i < cmdSlotCount; i++ {
		tableBuf, err := dmaPool.Alloc(cmdTableSize, 128, false)
		if err != nil {
			return err
		}
		p.cmdTables[i] = tableBuf
		headers[i].reset()
		headers[i].setCTBA(uint32(virtToPhysFn(tableBuf.Addr)))
	}

	p.regs.writeCLB(uint32(virtToPhysFn(clBuf.Addr)))
	p.regs.writeCLBU(0)
	p.regs.writeFB(uint32(virtToPhysFn(fisBuf.Addr)))
	p.regs.writeFBU(0)

	return nil
}

func (p *Port) freeStructures() {
	if p.cmdListBuf != nil {
		dmaPool.Free(p.cmdListBuf)
		p.cmdListBuf = nil
	}
	if p.fisBuf != nil {
		dmaPool.Free(p.fisBuf)
		p.fisBuf = nil
	}
	for i := cmdSlotCount - 1; i >= 0; i-- {
		if p.cmdTables[i] != nil {
			dmaPool.Free(p.cmdTables[i])
			p.cmdTables[i] = nil
		}
	}
}

// start runs the port-start sequence: clear ST/FRE, clear IS, set FRE,
// wait for FR, force ICC to Active, set ST, wait for CR.
func (p *Port) start() *kernel.Error {
	cmd := p.regs.readCMD()
	cmd &^= cmdST | cmdFRE
	p.regs.writeCMD(cmd)

	p.regs.writeIS(p.regs.readIS())
	p.regs.writeCMD(p.regs.readCMD() | cmdFRE)

	ok := false
	for i := 0; i < frSpinIterations; i++ {
		if p.regs.readCMD()&cmdFR != 0 {
			ok = true
			break
		}
	}
	if !ok {
		return errPortStartFailed
	}

	cmd = p.regs.readCMD()
	cmd = (cmd &^ cmdICCMask) | (iccActive << cmdICCShift)
	p.regs.writeCMD(cmd)
	p.regs.writeCMD(p.regs.readCMD() | cmdST)

	for i := 0; i < frSpinIterations; i++ {
		if p.regs.readCMD()&cmdCR != 0 {
			return nil
		}
	}
	return errPortStartFailed
}

// stop is the symmetric inverse of start: clear ST, wait for CR to clear,
// clear FRE, wait for FR to clear.
func (p *Port) stop() *kernel.Error {
	p.regs.writeCMD(p.regs.readCMD() &^ cmdST)
	for i := 0; i < frSpinIterations; i++ {
		if p.regs.readCMD()&cmdCR == 0 {
			break
		}
	}

	p.regs.writeCMD(p.regs.readCMD() &^ cmdFRE)
	for i := 0; i < frSpinIterations; i++ {
		if p.regs.readCMD()&cmdFR == 0 {
			p.state = PortStopped
			return nil
		}
	}
	return errPortStartFailed
}

func (p *Port) findCmdSlot() (int, bool) {
	busy := p.regs.readSACT() | p.regs.readCI()
	for i := 0; i < cmdSlotCount; i++ {
		if busy&(1<<uint(i)) == 0 && !p.commandSlots[i] {
			return i, true
		}
	}
	return 0, false
}

func headerAt(clBufAddr uintptr, slot int) *cmdHeader {
	headers := (*[cmdSlotCount]cmdHeader)(unsafe.Pointer(clBufAddr))
	return &headers[slot]
}

func tableAt(tableBufAddr uintptr) *cmdTable {
	return (*cmdTable)(unsafe.Pointer(tableBufAddr))
}
