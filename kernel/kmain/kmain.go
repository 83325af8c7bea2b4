package kmain

import (
	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/drivers/ahci"
	"github.com/corvus-os/corvus/kernel/goruntime"
	"github.com/corvus-os/corvus/kernel/hal"
	"github.com/corvus-os/corvus/kernel/hal/irqctl"
	"github.com/corvus-os/corvus/kernel/hal/multiboot"
	"github.com/corvus-os/corvus/kernel/hal/pit"
	"github.com/corvus-os/corvus/kernel/irq"
	"github.com/corvus-os/corvus/kernel/kfmt/early"
	"github.com/corvus-os/corvus/kernel/mem/pmm/allocator"
	"github.com/corvus-os/corvus/kernel/mem/vmm"
	"github.com/corvus-os/corvus/kernel/task"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// timerIRQ drives the scheduler's tick accounting; it never touches the
// console or allocates, since it can interrupt any task at any point in
// its kernel-stack usage.
func timerIRQ(_ *irq.Frame, _ *irq.Regs) {
	task.Sched.Tick()
	irqctl.EOI(uint8(irq.TimerIRQ))
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		panic(err)
	} else if err = vmm.Init(); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	}

	irqctl.Init()
	pit.Init()
	irq.HandleIRQ(irq.TimerIRQ, timerIRQ)
	irqctl.Unmask(uint8(irq.TimerIRQ))

	if err = task.Sched.Init(); err != nil {
		panic(err)
	}

	if err = ahci.Init(); err != nil {
		early.Printf("ahci: %s\n", err.Message)
	}

	// Start never returns on success: it hands the CPU off to the idle task
	// (or whatever Init/ahci.Init already made READY) on its own kernel
	// stack. It only returns an error if Init was never called.
	if err = task.Sched.Start(); err != nil {
		panic(err)
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
