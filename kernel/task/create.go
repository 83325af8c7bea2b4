package task

import (
	"unsafe"

	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/cpu"
	"github.com/corvus-os/corvus/kernel/hal/heap"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/mem/pmm/allocator"
	"github.com/corvus-os/corvus/kernel/mem/user"
	"github.com/corvus-os/corvus/kernel/mem/vmm"
)

const (
	// kernelCodeSelector and kernelDataSelector are the GDT selectors a
	// kernel task runs with (Ring 0).
	kernelCodeSelector = 0x08
	kernelDataSelector = 0x10

	// userCodeSelector and userDataSelector carry RPL 3 in their low bits.
	userCodeSelector = 0x1B
	userDataSelector = 0x23

	initialEFLAGSKernel = 0x200 // IF (bit 9) set; the trampoline also enables interrupts itself
	initialEFLAGSUser    = 0x202

	userStackSize  = 64 * 1024
	userStackPages = userStackSize / int(mem.PageSize)
)

var (
	heapAllocFn  = heap.Alloc
	allocFrameFn = allocator.AllocFrame
)

// funcPC extracts the code entry address of a plain (non-closure)
// top-level function, the same trick the Go runtime itself relies on to
// convert a func value into a callable address: a func value is a pointer
// to a structure whose first word is the entry PC.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

// newKernelTask allocates and initializes a task record without inserting
// it into the scheduler's ready list. The returned task is already marked
// READY; callers decide when (or whether) to insert it.
func (s *Scheduler) newKernelTask(name string, prio Priority, entry func(arg uintptr), arg uintptr) (*Task, *kernel.Error) {
	t := &Task{}
	t.ID = s.nextTaskID
	s.nextTaskID++
	t.SetName(name)
	t.Priority = prio
	t.State = StateCreated
	t.TimeSlice = s.quantumTicks
	t.initFDTable()
	t.entry = entry
	t.entryArg = arg

	stackPtr := heapAllocFn(mem.Size(kernelStackSize))
	if stackPtr == 0 {
		return nil, &kernel.Error{Module: "task", Message: "failed to allocate kernel stack"}
	}
	stack := unsafe.Slice((*byte)(unsafe.Pointer(stackPtr)), kernelStackSize)
	for i := range stack {
		stack[i] = kernelStackFillByte
	}
	t.kernelStack = stack

	top := (stackPtr + kernelStackSize) &^ 0xF
	canaryAddr := (*uint32)(unsafe.Pointer(top - 4))
	*canaryAddr = stackCanary
	t.kernelStackTop = top - 4

	t.Context = cpuContext(funcPC(entryTrampoline), t.kernelStackTop, kernelCodeSelector, kernelDataSelector, initialEFLAGSKernel)

	t.State = StateReady
	return t, nil
}

// CreateKernelTask creates a new kernel-mode task whose entry trampoline
// invokes entry(arg) with interrupts enabled, then exits with code 0 if
// entry returns. The task is inserted READY into the scheduler.
func CreateKernelTask(name string, prio Priority, entry func(arg uintptr), arg uintptr) (*Task, *kernel.Error) {
	t, err := Sched.newKernelTask(name, prio, entry, arg)
	if err != nil {
		return nil, err
	}
	Sched.insert(t)
	return t, nil
}

// CreateUserTask loads a user task whose code already lives at
// [codeBase, codeBase+codeSize) in pd's address space (the ELF/flat loader
// is responsible for that) and whose first instruction is userEntry. It
// validates the code range, checks that every code page is mapped in pd
// (their USER/RW flags are neither checked nor changed), allocates a
// guarded user stack, builds the argv vector on it per the
// System V i386 _start ABI, and schedules a kernel task whose body is the
// Ring-3 trampoline.
func CreateUserTask(name string, pd *vmm.PageDirectory, codeBase, codeSize, userEntry uintptr, argv []string) (*Task, *kernel.Error) {
	if codeBase < userCodeMin || codeBase >= userCodeMax {
		return nil, &kernel.Error{Module: "task", Message: "user code address outside the permitted range"}
	}

	if err := ensureUserCodeMapped(pd, codeBase, codeSize); err != nil {
		return nil, err
	}

	stackTop, err := allocUserStack(pd)
	if err != nil {
		return nil, err
	}

	espInit := buildArgv(stackTop, argv)

	t, err := Sched.newKernelTask(name, PriorityNormal, nil, 0)
	if err != nil {
		return nil, err
	}
	t.Flags |= FlagUserMode
	t.UserEntry = userEntry
	t.UserCodeBase = codeBase
	t.UserCodeSize = codeSize
	t.pageDir = pd
	t.userEntryESP = espInit

	t.Context = cpuContext(funcPC(userModeTrampoline), t.kernelStackTop, kernelCodeSelector, kernelDataSelector, initialEFLAGSKernel)

	Sched.insert(t)
	return t, nil
}

// ensureUserCodeMapped confirms every page of [codeBase, codeBase+codeSize)
// already translates inside pd. The loader (kernel/exec) is responsible for
// actually mapping code pages USER|RW before calling CreateUserTask; pd may
// not be the active address space at this point, so the check goes through
// pd's own Translate rather than the package-level, active-directory-only
// vmm helpers.
func ensureUserCodeMapped(pd *vmm.PageDirectory, codeBase, codeSize uintptr) *kernel.Error {
	page := vmm.PageFromAddress(codeBase)
	pageCount := mem.Size(codeSize).Pages()
	for i := uint32(0); i < pageCount; i++ {
		addr := (page + vmm.Page(i)).Address()
		if _, err := pd.Translate(addr); err != nil {
			return &kernel.Error{Module: "task", Message: "user code page not present"}
		}
	}
	return nil
}

// allocUserStack reserves a guard page followed by userStackSize bytes of
// PRESENT|RW|USER stack, returning the initial (aligned) top of usable
// stack. The guard page is mapped present but not user-accessible, so a
// Ring-3 stack underflow takes a privilege-check page fault instead of
// silently touching unrelated memory.
func allocUserStack(pd *vmm.PageDirectory) (uintptr, *kernel.Error) {
	totalPages := uint32(userStackPages + 1)
	virtBase, err := vmm.EarlyReserveRegion(mem.Size(totalPages) * mem.PageSize)
	if err != nil {
		return 0, err
	}

	guardPage := vmm.PageFromAddress(virtBase)
	guardFrame, err := allocFrameFn()
	if err != nil {
		return 0, err
	}
	if err := pd.Map(guardPage, guardFrame, vmm.FlagRW, allocFrameFn); err != nil {
		return 0, err
	}

	stackStart := virtBase + uintptr(mem.PageSize)
	if err := user.MapRegion(pd, stackStart, mem.Size(userStackPages)*mem.PageSize, "user-stack"); err != nil {
		return 0, err
	}

	return stackStart + uintptr(userStackPages)*uintptr(mem.PageSize), nil
}

// buildArgv lays out argv on the user stack per the System V i386 _start
// convention: string bodies (descending), 4-byte alignment padding, a NULL
// sentinel, pointers in reverse, then argc. It returns the resulting ESP,
// which on entry to _start points at argc.
func buildArgv(stackTop uintptr, argv []string) uintptr {
	sp := stackTop
	ptrs := make([]uintptr, len(argv))

	for i := len(argv) - 1; i >= 0; i-- {
		s := argv[i]
		sp -= uintptr(len(s) + 1)
		dst := unsafe.Slice((*byte)(unsafe.Pointer(sp)), len(s)+1)
		copy(dst, s)
		dst[len(s)] = 0
		ptrs[i] = sp
	}

	sp &^= 3 // 4-byte align before the pointer table

	sp -= 4 // NULL sentinel
	*(*uint32)(unsafe.Pointer(sp)) = 0

	for i := len(ptrs) - 1; i >= 0; i-- {
		sp -= 4
		*(*uint32)(unsafe.Pointer(sp)) = uint32(ptrs[i])
	}

	sp -= 4
	*(*uint32)(unsafe.Pointer(sp)) = uint32(len(argv))

	return sp
}

// cpuContext builds the initial register state for a task that has never
// run: eip at the trampoline, esp/ebp at the top of its kernel stack, flat
// segment selectors, and the requested EFLAGS.
func cpuContext(eip, esp uintptr, cs, ds uint32, eflags uint32) cpu.Context {
	return cpu.Context{
		EIP:    uint32(eip),
		ESP:    uint32(esp),
		EBP:    uint32(esp),
		CS:     cs,
		DS:     ds,
		ES:     ds,
		FS:     ds,
		GS:     ds,
		SS:     ds,
		EFLAGS: eflags,
	}
}
