// Package irqctl drives the legacy 8259 programmable interrupt controller
// pair: remapping the IRQ lines away from the CPU exception range and
// acknowledging serviced interrupts.
package irqctl

import "github.com/corvus-os/corvus/kernel/cpu"

const (
	masterCommandPort = 0x20
	masterDataPort    = 0x21
	slaveCommandPort  = 0xA0
	slaveDataPort     = 0xA1

	icw1Init    = 0x10
	icw1ICW4    = 0x01
	icw4_8086   = 0x01
	picEOI      = 0x20
	cascadeIRQ  = 2
)

var (
	inbFn  = cpu.InB
	outbFn = cpu.OutB
)

// vectorBase is the interrupt vector the first remapped IRQ line (IRQ0)
// lands on; vectors 32-47 are reserved for hardware IRQs, leaving 0-31 for
// CPU exceptions.
const vectorBase = 32

// Init remaps the master/slave PICs so IRQ0-15 raise interrupts 32-47
// instead of colliding with the CPU's own exception vectors 0-15.
func Init() {
	outbFn(masterCommandPort, icw1Init|icw1ICW4)
	outbFn(slaveCommandPort, icw1Init|icw1ICW4)
	outbFn(masterDataPort, vectorBase)
	outbFn(slaveDataPort, vectorBase+8)
	outbFn(masterDataPort, 1<<cascadeIRQ)
	outbFn(slaveDataPort, 2)
	outbFn(masterDataPort, icw4_8086)
	outbFn(slaveDataPort, icw4_8086)

	// Mask every line; individual drivers unmask the ones they use.
	outbFn(masterDataPort, 0xFF)
	outbFn(slaveDataPort, 0xFF)
}

// Vector returns the interrupt vector number that the given legacy IRQ line
// is remapped to.
func Vector(irq uint8) uint8 {
	return vectorBase + irq
}

// Unmask enables delivery of the given IRQ line.
func Unmask(irq uint8) {
	port := uint16(masterDataPort)
	line := irq
	if irq >= 8 {
		port = slaveDataPort
		line -= 8
		Unmask(cascadeIRQ)
	}
	mask := inbFn(port)
	outbFn(port, mask&^(1<<line))
}

// EOI sends an end-of-interrupt notification for the given IRQ line. Both
// PICs must be acknowledged when the serviced IRQ came from the slave
// (lines 8-15).
func EOI(irq uint8) {
	if irq >= 8 {
		outbFn(slaveCommandPort, picEOI)
	}
	outbFn(masterCommandPort, picEOI)
}
