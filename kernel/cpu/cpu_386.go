// +build 386

package cpu

// EnableInterrupts enables interrupt handling (sti).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (cli).
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt (hlt).
func Halt()

// FlushTLBEntry flushes a single TLB entry for a particular virtual address
// (invlpg).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page directory to point to the specified physical
// address and flushes the entire TLB (mov to cr3).
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page
// directory (mov from cr3).
func ActivePDT() uintptr

// ReadCR2 returns the faulting linear address recorded by the last page
// fault.
func ReadCR2() uintptr

// ReadEFLAGS returns the current EFLAGS register contents.
func ReadEFLAGS() uint32

// PushfCli saves EFLAGS and clears the interrupt flag, returning the saved
// value so callers can restore it with PopfRestore. Used to bracket short
// critical sections with a pushf/cli/popf pairing.
func PushfCli() uint32

// PopfRestore restores EFLAGS from a value previously obtained via PushfCli.
func PopfRestore(savedEFLAGS uint32)

// InB reads a single byte from the given I/O port.
func InB(port uint16) uint8

// OutB writes a single byte to the given I/O port.
func OutB(port uint16, val uint8)

// InL reads a 32-bit dword from the given I/O port. Used for PCI
// configuration space access via ports 0xCF8/0xCFC.
func InL(port uint16) uint32

// OutL writes a 32-bit dword to the given I/O port.
func OutL(port uint16, val uint32)
