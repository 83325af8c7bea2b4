// Package pci enumerates devices on the legacy PCI configuration space
// (ports 0xCF8/0xCFC) and exposes the handful of operations the AHCI driver
// needs: finding the HBA by class code, enabling bus mastering/memory
// space, and reading its BARs.
package pci

import "github.com/corvus-os/corvus/kernel/cpu"

const (
	configAddrPort = 0xCF8
	configDataPort = 0xCFC

	maxBus    = 256
	maxSlot   = 32
	maxFunc   = 8
	numBARs   = 6
	cmdOffset = 0x04
)

var (
	inlFn  = cpu.InL
	outlFn = cpu.OutL
)

// Device identifies a single PCI function and caches its location for
// subsequent config-space accesses.
type Device struct {
	bus, slot, fn uint8
	vendor        uint16
	device        uint16
}

func configAddr(bus, slot, fn uint8, offset uint8) uint32 {
	return uint32(1)<<31 |
		uint32(bus)<<16 |
		uint32(slot)<<11 |
		uint32(fn)<<8 |
		uint32(offset&0xFC)
}

func readConfig32(bus, slot, fn uint8, offset uint8) uint32 {
	outlFn(configAddrPort, configAddr(bus, slot, fn, offset))
	return inlFn(configDataPort)
}

func writeConfig32(bus, slot, fn uint8, offset uint8, val uint32) {
	outlFn(configAddrPort, configAddr(bus, slot, fn, offset))
	outlFn(configDataPort, val)
}

// FindDeviceByClass scans every bus/slot/function for a device matching
// the given class, subclass and programming interface byte, returning the
// first match.
func FindDeviceByClass(class, subclass, progIF byte) (Device, bool) {
	for bus := 0; bus < maxBus; bus++ {
		for slot := 0; slot < maxSlot; slot++ {
			for fn := 0; fn < maxFunc; fn++ {
				idWord := readConfig32(uint8(bus), uint8(slot), uint8(fn), 0x00)
				vendor := uint16(idWord & 0xFFFF)
				if vendor == 0xFFFF {
					continue
				}

				classWord := readConfig32(uint8(bus), uint8(slot), uint8(fn), 0x08)
				devClass := byte(classWord >> 24)
				devSubclass := byte(classWord >> 16)
				devProgIF := byte(classWord >> 8)

				if devClass == class && devSubclass == subclass && devProgIF == progIF {
					return Device{
						bus: uint8(bus), slot: uint8(slot), fn: uint8(fn),
						vendor: vendor,
						device: uint16(idWord >> 16),
					}, true
				}
			}
		}
	}

	return Device{}, false
}

// FindDevice scans for a device matching the given vendor/device ID pair.
func FindDevice(vendor, device uint16) (Device, bool) {
	for bus := 0; bus < maxBus; bus++ {
		for slot := 0; slot < maxSlot; slot++ {
			for fn := 0; fn < maxFunc; fn++ {
				idWord := readConfig32(uint8(bus), uint8(slot), uint8(fn), 0x00)
				if uint16(idWord&0xFFFF) == vendor && uint16(idWord>>16) == device {
					return Device{bus: uint8(bus), slot: uint8(slot), fn: uint8(fn), vendor: vendor, device: device}, true
				}
			}
		}
	}
	return Device{}, false
}

// EnableBusMastering sets the Bus Master Enable bit in the device's command
// register so it may initiate DMA transfers.
func (d Device) EnableBusMastering() {
	cmd := readConfig32(d.bus, d.slot, d.fn, cmdOffset)
	writeConfig32(d.bus, d.slot, d.fn, cmdOffset, cmd|(1<<2))
}

// EnableMemorySpace sets the Memory Space Enable bit so the device's
// memory-mapped BARs respond to accesses.
func (d Device) EnableMemorySpace() {
	cmd := readConfig32(d.bus, d.slot, d.fn, cmdOffset)
	writeConfig32(d.bus, d.slot, d.fn, cmdOffset, cmd|(1<<1))
}

// BAR returns the base address and size of base address register n,
// decoded per the PCI sizing protocol (write all-ones, read back the
// usable-bits mask, restore the original value).
func (d Device) BAR(n int) (addr uint32, size uint32, valid bool) {
	if n < 0 || n >= numBARs {
		return 0, 0, false
	}

	offset := uint8(0x10 + n*4)
	orig := readConfig32(d.bus, d.slot, d.fn, offset)
	if orig == 0 {
		return 0, 0, false
	}

	writeConfig32(d.bus, d.slot, d.fn, offset, 0xFFFFFFFF)
	sizeMask := readConfig32(d.bus, d.slot, d.fn, offset)
	writeConfig32(d.bus, d.slot, d.fn, offset, orig)

	if orig&1 == 1 {
		// I/O space BAR; not used by the AHCI driver, report as present
		// with the address masked to its valid bits.
		return orig &^ 0x3, ^(sizeMask &^ 0x3) + 1, true
	}

	size = ^(sizeMask &^ 0xF) + 1
	return orig &^ 0xF, size, true
}
