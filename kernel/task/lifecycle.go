package task

import (
	"unsafe"

	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/cpu"
	"github.com/corvus-os/corvus/kernel/hal/heap"
	"github.com/corvus-os/corvus/kernel/hal/vfs"
)

// ticksPerMillisecond matches the timer's configured rate: a tick every
// 10ms.
const ticksPerMillisecond = 10

var heapFreeFn = heap.Free

// Sleep puts the calling task to sleep for at least ms milliseconds,
// rounded up to the next tick, and yields. A zero-millisecond sleep still
// gives up the rest of the current quantum for exactly one tick.
func Sleep(ms uint32) {
	flags := pushfCliFn()

	ticks := uint64(ms+ticksPerMillisecond-1) / ticksPerMillisecond
	if ticks == 0 {
		ticks = 1
	}

	cur := Sched.Current()
	cur.State = StateSleeping
	cur.SleepUntilTick = Sched.ticksSinceBoot + ticks

	popfRestoreFn(flags)
	Sched.Yield()
}

// Exit terminates the calling task with the given exit code. It is
// forbidden for the idle task, which must never stop running. Exit never
// returns: the task is marked FINISHED for the reaper (running inside the
// idle task) to collect, and control is handed to the scheduler for good.
func Exit(code int) {
	cur := Sched.Current()
	if cur == Sched.idle {
		kernel.Panic(&kernel.Error{Module: "task", Message: "idle task must never exit"})
	}

	cur.ExitCode = code
	cur.State = StateFinished

	for {
		Sched.Yield()
	}
}

// Destroy removes t from scheduling. If t is the currently running task,
// it marks itself a zombie and yields forever, leaving cleanup to the
// reaper; otherwise t is unlinked immediately and its resources freed.
func Destroy(t *Task) {
	if t == Sched.Current() {
		t.State = StateZombie
		for {
			Sched.Yield()
		}
	}

	flags := pushfCliFn()
	Sched.unlink(t)
	popfRestoreFn(flags)

	releaseResources(t)
}

// releaseResources frees everything newKernelTask/CreateUserTask attached
// to t. The kernel stack is always heap-backed and freed here; a user
// task's address space (code, stack, page tables) is torn down by the
// loader that owns its PageDirectory, not here.
func releaseResources(t *Task) {
	if t.kernelStack != nil {
		heapFreeFn(uintptr(unsafe.Pointer(&t.kernelStack[0])))
		t.kernelStack = nil
	}
	for i, fd := range t.fds {
		if fd >= 0 {
			vfs.Close(fd)
			t.fds[i] = -1
		}
	}
}

// idleLoop is the idle task's body: halt until the next interrupt, then
// walk the ready list reaping any FINISHED or ZOMBIE task other than the
// one currently running.
func idleLoop(_ uintptr) {
	for {
		cpu.Halt()
		reapFinishedTasks()
	}
}

func reapFinishedTasks() {
	flags := pushfCliFn()
	defer popfRestoreFn(flags)

	if Sched.taskList == nil {
		return
	}

	t := Sched.taskList
	for {
		next := t.next
		if (t.State == StateFinished || t.State == StateZombie) && t != Sched.current {
			Sched.unlink(t)
			releaseResources(t)
		}
		if next == Sched.taskList || Sched.taskList == nil {
			break
		}
		t = next
	}
}
