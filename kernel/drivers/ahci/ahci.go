package ahci

import (
	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/drivers/dma"
	"github.com/corvus-os/corvus/kernel/hal/irqctl"
	"github.com/corvus-os/corvus/kernel/hal/pci"
	"github.com/corvus-os/corvus/kernel/irq"
	"github.com/corvus-os/corvus/kernel/kfmt/early"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/vmm"
)

const (
	pciClassStorage   = 0x01
	pciSubclassSATA   = 0x06
	pciProgIFAHCI     = 0x01

	maxPorts = 32

	bohcSpinIterations = 25_000_000 // approximates the 25s BIOS handoff budget
	frSpinIterations   = 10_000

	abarBAR = 5
)

// Controller models the host bus adapter: its MMIO window, capabilities,
// and the set of ports discovered behind it.
type Controller struct {
	abarVirt uintptr

	ports           [maxPorts]Port
	portsImplemented uint32
	portCount        int

	commandSlots int
	supports64Bit bool
	supportsNCQ   bool

	initialized bool
}

// HBA is the package-level controller singleton: process-wide state with
// a single init entry point.
var HBA Controller

var (
	findDeviceByClassFn = pci.FindDeviceByClass
	mapMMIOFn           = vmm.MapMMIO
	handleIRQFn         = irq.HandleIRQ
	unmaskFn            = irqctl.Unmask
	virtToPhysFn        = vmm.VirtToPhys
)

var (
	errNoHBA        = &kernel.Error{Module: "ahci", Message: "no AHCI controller found on the PCI bus"}
	errMapFailed    = &kernel.Error{Module: "ahci", Message: "failed to map ABAR into the MMIO window"}
	errNoPortsReady = &kernel.Error{Module: "ahci", Message: "no AHCI ports initialized"}
)

func (c *Controller) regs() *hbaRegs {
	return hbaAt(c.abarVirt)
}

// Init discovers the AHCI controller on the PCI bus, maps its register
// window, negotiates BIOS handoff, enables the controller, and brings up
// every port the PI mask reports as implemented.
func Init() *kernel.Error {
	return HBA.Init()
}

func (c *Controller) Init() *kernel.Error {
	dev, ok := findDeviceByClassFn(pciClassStorage, pciSubclassSATA, pciProgIFAHCI)
	if !ok {
		return errNoHBA
	}

	dev.EnableBusMastering()
	dev.EnableMemorySpace()

	barAddr, barSize, valid := dev.BAR(abarBAR)
	if !valid {
		return errMapFailed
	}

	virt, err := mapMMIOFn(uintptr(barAddr), mem.Size(barSize))
	if err != nil {
		return errMapFailed
	}
	c.abarVirt = virt

	regs := c.regs()
	capReg := regs.readCap()
	c.commandSlots = int((capReg>>8)&0x1F) + 1
	c.supports64Bit = capReg&(1<<31) != 0
	c.supportsNCQ = capReg&(1<<30) != 0
	c.portsImplemented = regs.readPI()

	biosHandoff(regs)

	regs.writeGHC(regs.readGHC() | ghcAE)
	regs.writeGHC(regs.readGHC() | ghcIE)

	for i := 0; i < maxPorts; i++ {
		if c.portsImplemented&(1<<uint(i)) == 0 {
			continue
		}
		c.ports[i].num = i
		c.ports[i].regs = portAt(c.abarVirt, i)
		if err := c.ports[i].init(); err != nil {
			early.Printf("ahci: port %d init failed: %s\n", i, err.Message)
			continue
		}
		c.portCount++
	}

	if c.portCount == 0 {
		return errNoPortsReady
	}

	handleIRQFn(irq.AHCIIRQ, c.handleIRQ)
	unmaskFn(uint8(irq.AHCIIRQ))

	c.initialized = true
	return nil
}

// biosHandoff requests OS ownership of the controller per AHCI 1.3.1 §10.6.3,
// logging and proceeding regardless of whether the firmware released it
// within the budget.
func biosHandoff(regs *hbaRegs) {
	bohc := regs.readBOHC()
	if bohc&bohcBOS == 0 {
		return
	}

	regs.writeBOHC(bohc | bohcOOS)
	for i := 0; i < bohcSpinIterations; i++ {
		if regs.readBOHC()&bohcBOS == 0 {
			return
		}
	}
	early.Printf("ahci: BIOS handoff timed out, proceeding anyway\n")
}

// Port returns the port at the given index if it was discovered and
// initialized, or ok == false otherwise.
func (c *Controller) Port(n int) (*Port, bool) {
	if n < 0 || n >= maxPorts || !c.ports[n].initialized {
		return nil, false
	}
	return &c.ports[n], true
}

// handleIRQ services a pending AHCI interrupt: for every port bit set in the
// global IS register, it reads and acknowledges that port's IS, logs
// task-file errors and connection changes, then clears the global bit and
// sends EOI to the interrupt controller.
func (c *Controller) handleIRQ(_ *irq.Frame, _ *irq.Regs) {
	regs := c.regs()
	is := regs.readIS()

	for i := 0; i < maxPorts; i++ {
		if is&(1<<uint(i)) == 0 {
			continue
		}
		port := &c.ports[i]
		if !port.initialized {
			continue
		}

		portIS := port.regs.readIS()
		if portIS&isTFES != 0 {
			early.Printf("ahci: port %d task-file error (IS=%8x)\n", i, portIS)
		}
		if portIS&isPCS != 0 {
			early.Printf("ahci: port %d connection change (IS=%8x)\n", i, portIS)
		}
		port.regs.writeIS(portIS)
	}

	regs.writeIS(is)
	irqctl.EOI(uint8(irq.AHCIIRQ))
}

// dmaPool is the DMA pool AHCI allocates command lists, FIS buffers,
// and command tables from.
var dmaPool = &dma.DefaultPool
