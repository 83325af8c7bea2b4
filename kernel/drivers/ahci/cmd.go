package ahci

import (
	"unsafe"

	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/vmm"
)

const (
	ataIdentify     = 0xEC
	ataReadDMA      = 0xC8
	ataReadDMAExt   = 0x25
	ataWriteDMA     = 0xCA
	ataWriteDMAExt  = 0x35
	ataIdleImmediate = 0xE1

	lba28Limit = 1 << 28

	sectorSize = 512
)

// sendCommand fills the command header and table for slot, optionally
// wires a data buffer through the PRDT, issues the command, and spins
// until completion or timeout.
func (p *Port) sendCommand(slot int, fis *fisH2DRegister, bufAddr uintptr, size uint32, write bool) *kernel.Error {
	header := headerAt(p.cmdListBuf.Addr, slot)
	header.reset()
	setCFL(header, uint8(unsafe.Sizeof(fisH2DRegister{})/4))
	setWrite(header, write)

	table := tableAt(p.cmdTables[slot].Addr)
	*table = cmdTable{}
	copyH2DInto(&table.cfis, fis)

	if size > 0 {
		setPRDTL(header, 1)
		table.prdt[0].set(uint32(virtToPhysFn(bufAddr)), size)
	} else {
		setPRDTL(header, 0)
	}

	p.commandSlots[slot] = true
	p.regs.writeCI(1 << uint(slot))

	err := waitForSlotFn(p, slot)
	p.commandSlots[slot] = false
	return err
}

// waitForSlotFn spins until the hardware clears slot's CI bit or raises a
// task-file error. Replaced in tests so completion can be simulated
// without a real device.
var waitForSlotFn = waitForSlot

func waitForSlot(p *Port, slot int) *kernel.Error {
	for i := 0; i < commandTimeoutIterations; i++ {
		if p.regs.readIS()&isTFES != 0 {
			p.regs.writeIS(p.regs.readIS())
			return errTaskFileError
		}
		if p.regs.readCI()&(1<<uint(slot)) == 0 {
			return nil
		}
	}
	return errCommandTimeout
}

// Identify issues ATA IDENTIFY DEVICE and copies the 512-byte response into
// buf, which must be at least 512 bytes.
func (p *Port) Identify(buf []byte) *kernel.Error {
	if !p.initialized {
		return errPortAbsent
	}
	if len(buf) < sectorSize {
		return &kernel.Error{Module: "ahci", Message: "identify buffer must be at least 512 bytes"}
	}

	slot, ok := p.findCmdSlot()
	if !ok {
		return errNoFreeSlot
	}

	dmaBuf, err := dmaPool.Alloc(sectorSize, 2, false)
	if err != nil {
		return err
	}
	defer dmaPool.Free(dmaBuf)

	fis := newH2D(ataIdentify, 0, 0, 0)
	if err := p.sendCommand(slot, &fis, dmaBuf.Addr, sectorSize, false); err != nil {
		return err
	}

	src := (*[sectorSize]byte)(unsafe.Pointer(dmaBuf.Addr))
	copy(buf, src[:])
	return nil
}

// ReadSectors reads count sectors starting at lba into buf, which must be
// at least count*512 bytes. LBA28 commands are used when lba fits in 28
// bits; LBA48 otherwise.
func (p *Port) ReadSectors(lba uint64, count uint16, buf []byte) *kernel.Error {
	return p.rwSectors(lba, count, buf, false)
}

// WriteSectors writes count sectors from buf starting at lba.
func (p *Port) WriteSectors(lba uint64, count uint16, buf []byte) *kernel.Error {
	return p.rwSectors(lba, count, buf, true)
}

func (p *Port) rwSectors(lba uint64, count uint16, buf []byte, write bool) *kernel.Error {
	if !p.initialized {
		return errPortAbsent
	}
	if lba >= (1 << 48) {
		return errLBAOutOfRange
	}

	size := uint32(count) * sectorSize
	if uint32(len(buf)) < size {
		return &kernel.Error{Module: "ahci", Message: "buffer too small for requested sector count"}
	}

	slot, ok := p.findCmdSlot()
	if !ok {
		return errNoFreeSlot
	}

	dmaBuf, err := dmaPool.Alloc(mem.Size(size), 2, false)
	if err != nil {
		return err
	}
	defer dmaPool.Free(dmaBuf)

	command := commandFor(lba, write)
	deviceBits := byte(1 << 6)
	if lba < lba28Limit {
		deviceBits |= byte((lba >> 24) & 0x0F)
	}
	fis := newH2D(command, lba, count, deviceBits)

	if write {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(dmaBuf.Addr)), size)
		copy(dst, buf)
	}

	if err := p.sendCommand(slot, &fis, dmaBuf.Addr, size, write); err != nil {
		return err
	}

	if !write {
		src := unsafe.Slice((*byte)(unsafe.Pointer(dmaBuf.Addr)), size)
		copy(buf, src)
	}

	return nil
}

func commandFor(lba uint64, write bool) byte {
	switch {
	case write && lba < lba28Limit:
		return ataWriteDMA
	case write:
		return ataWriteDMAExt
	case lba < lba28Limit:
		return ataReadDMA
	default:
		return ataReadDMAExt
	}
}

// SpinDown issues ATA IDLE IMMEDIATE with the power-management hint byte
// the original firmware used; its exact intent is undocumented but the
// value is preserved literally.
func (p *Port) SpinDown() *kernel.Error {
	slot, ok := p.findCmdSlot()
	if !ok {
		return errNoFreeSlot
	}
	fis := newH2D(ataIdleImmediate, 0, 0, 0)
	fis.features = 0x44
	return p.sendCommand(slot, &fis, 0, 0, false)
}
