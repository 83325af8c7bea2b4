package ahci

import (
	"testing"
	"unsafe"

	"github.com/corvus-os/corvus/kernel/hal/pci"
	"github.com/corvus-os/corvus/kernel/irq"
)

func TestInitFailsWhenNoDeviceFound(t *testing.T) {
	origFind := findDeviceByClassFn
	findDeviceByClassFn = func(class, subclass, progIF byte) (pci.Device, bool) { return pci.Device{}, false }
	defer func() { findDeviceByClassFn = origFind }()

	var c Controller
	if err := c.Init(); err != errNoHBA {
		t.Fatalf("expected errNoHBA, got %+v", err)
	}
}

func TestHandleIRQAcknowledgesPortAndGlobalIS(t *testing.T) {
	hbaBuf := make([]byte, unsafe.Sizeof(hbaRegs{})+0x100+maxPorts*0x80)
	hba := (*hbaRegs)(unsafe.Pointer(&hbaBuf[0]))

	var c Controller
	c.abarVirt = uintptr(unsafe.Pointer(hba))
	c.ports[0].num = 0
	c.ports[0].regs = portAt(c.abarVirt, 0)
	c.ports[0].initialized = true

	hba.writeIS(1) // port 0 has a pending interrupt
	c.ports[0].regs.writeIS(isTFES)

	c.handleIRQ(&irq.Frame{}, &irq.Regs{})

	if hba.readIS() != 0 {
		t.Fatalf("expected global IS cleared, got %#x", hba.readIS())
	}
	if c.ports[0].regs.readIS() != 0 {
		t.Fatalf("expected port 0 IS cleared, got %#x", c.ports[0].regs.readIS())
	}
}

func TestControllerPortReturnsOnlyInitializedPorts(t *testing.T) {
	var c Controller
	c.ports[3].initialized = true

	if _, ok := c.Port(1); ok {
		t.Fatal("expected port 1 to be unavailable")
	}
	if p, ok := c.Port(3); !ok || p != &c.ports[3] {
		t.Fatal("expected port 3 to be returned")
	}
	if _, ok := c.Port(maxPorts); ok {
		t.Fatal("expected out-of-range port to be rejected")
	}
}

func TestIdentifyRejectsUninitializedPort(t *testing.T) {
	p := &Port{}
	buf := make([]byte, sectorSize)
	if err := p.Identify(buf); err != errPortAbsent {
		t.Fatalf("expected errPortAbsent, got %+v", err)
	}
}

func TestReadSectorsRejectsOutOfRangeLBA(t *testing.T) {
	p := newTestPort()
	buf := make([]byte, sectorSize)
	if err := p.ReadSectors(uint64(1)<<48, 1, buf); err != errLBAOutOfRange {
		t.Fatalf("expected errLBAOutOfRange, got %+v", err)
	}
}

func TestCommandForPicksLBA28VsLBA48(t *testing.T) {
	cases := []struct {
		lba   uint64
		write bool
		want  byte
	}{
		{0, false, ataReadDMA},
		{lba28Limit, false, ataReadDMAExt},
		{0, true, ataWriteDMA},
		{lba28Limit, true, ataWriteDMAExt},
	}
	for _, c := range cases {
		if got := commandFor(c.lba, c.write); got != c.want {
			t.Errorf("commandFor(%d, %v) = %#x, want %#x", c.lba, c.write, got, c.want)
		}
	}
}
