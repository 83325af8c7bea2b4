// +build 386

package cpu

// Context is a snapshot of the CPU state needed to resume a task: the
// callee-saved general purpose registers, the segment selectors, the
// instruction/stack/frame pointers and EFLAGS. It is deliberately a flat,
// fixed-layout struct (no pointers, no slices) because Switch and
// EnterUserMode are implemented in assembly and index into it by a
// compile-time-fixed byte offset; see context_386.s.
type Context struct {
	// Callee-saved general purpose registers (System V / cdecl layout
	// for i386: EDI, ESI, EBX, EBP are preserved across calls; EAX, ECX,
	// EDX are caller-saved and are not part of a voluntary switch).
	EDI uint32
	ESI uint32
	EBX uint32
	EBP uint32
	ESP uint32

	EIP uint32

	CS uint32
	DS uint32
	ES uint32
	FS uint32
	GS uint32
	SS uint32

	EFLAGS uint32
}

// Switch saves the caller's callee-saved registers and EFLAGS into old,
// loads new's registers and EFLAGS, and resumes execution at new.EIP. The
// interrupt-enable bit of EFLAGS is part of the saved/restored state so
// that the IF flag in effect before the switch is transparently restored
// when the outgoing task is resumed later.
//
// Switch must be called with interrupts disabled; the scheduler
// (kernel/task) guarantees this.
func Switch(old, new *Context)

// EnterUserMode loads ctx into the CPU, drops to CS=ctx.CS/SS=ctx.SS (Ring
// 3 when ctx encodes RPL 3 selectors) via an IRET-style far return, and
// begins execution at ctx.EIP with ESP=ctx.ESP. EnterUserMode never
// returns to its caller; a bad RPL in ctx.CS/ctx.SS is a structural
// invariant violation and the assembly stub double-faults, which is
// treated as fatal.
func EnterUserMode(ctx *Context)
