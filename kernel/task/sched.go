package task

import (
	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/cpu"
	"github.com/corvus-os/corvus/kernel/sync"
)

// defaultQuantumTicks is how many ticks a task runs before being forced to
// yield to another READY task of equal or lower priority.
const defaultQuantumTicks = 10

// Scheduler owns the circular ready list and drives context switches. It is
// process-wide state, mutated only with interrupts disabled (a
// uniprocessor design).
type Scheduler struct {
	taskList    *Task // any task currently known to the scheduler; list is circular
	current     *Task
	idle        *Task
	nextTaskID  uint32
	quantumTicks int
	enabled     bool
	totalSwitches uint64
	ticksSinceBoot uint64
}

// Sched is the package-level scheduler singleton.
var Sched Scheduler

var (
	switchFn      = cpu.Switch
	enterUserModeFn = cpu.EnterUserMode
	pushfCliFn    = cpu.PushfCli
	popfRestoreFn = cpu.PopfRestore

	errNoIdleTask = &kernel.Error{Module: "task", Message: "scheduler has no idle task installed"}
)

// Init creates the idle task and marks the scheduler ready to run. It does
// not enable preemption on its own; the caller enables interrupts once the
// rest of kernel init has completed.
func (s *Scheduler) Init() *kernel.Error {
	s.quantumTicks = defaultQuantumTicks
	idle, err := s.newKernelTask("idle", PriorityLow, idleLoop, 0)
	if err != nil {
		return err
	}
	// The idle task is never inserted as a normal READY candidate; it is
	// consulted only when no other task is runnable.
	s.unlink(idle)
	idle.State = StateRunning
	s.idle = idle
	s.current = idle
	s.enabled = true

	sync.SetYieldFn(s.Yield)
	return nil
}

// bootContext is the throwaway Context Start saves the boot stack's
// registers into; nothing ever switches back to it, since kmain never
// returns.
var bootContext cpu.Context

// Start hands off the CPU from the boot stack kmain is still running on to
// the idle task (or, if other tasks were already created and inserted
// before Start is called, whichever task pickNext selects first). It never
// returns on success. It does not go through switchTo/s.current the way an
// ordinary switch does, since the boot stack has no Task record of its own
// to save a "previous" context into; bootContext absorbs that save and is
// never read back.
func (s *Scheduler) Start() *kernel.Error {
	if s.idle == nil {
		return errNoIdleTask
	}

	next := s.pickNext()
	if next == nil {
		next = s.idle
	}
	next.State = StateRunning
	next.TimeSlice = s.quantumTicks
	next.SwitchCount++
	s.current = next
	s.totalSwitches++

	if next.pageDir != nil {
		next.pageDir.Activate()
	}

	switchFn(&bootContext, &next.Context)
	return nil
}

// insert adds t to the circular ready list.
func (s *Scheduler) insert(t *Task) {
	if s.taskList == nil {
		t.next = t
		t.prev = t
		s.taskList = t
		return
	}
	last := s.taskList.prev
	t.next = s.taskList
	t.prev = last
	last.next = t
	s.taskList.prev = t
}

// unlink removes t from the circular ready list. A task that is not in the
// list (its next link is nil) is left as it is.
func (s *Scheduler) unlink(t *Task) {
	if t.next == nil {
		return
	}
	if t.next == t {
		if s.taskList == t {
			s.taskList = nil
		}
		t.next, t.prev = nil, nil
		return
	}
	t.prev.next = t.next
	t.next.prev = t.prev
	if s.taskList == t {
		s.taskList = t.next
	}
	t.next, t.prev = nil, nil
}

// Current returns the task currently occupying the CPU.
func (s *Scheduler) Current() *Task {
	return s.current
}

// pickNext implements the scheduling policy: starting at current.next,
// walk the circular list once and return the READY task with the
// numerically lowest priority, ties broken by list order. If no non-idle
// task is READY, the idle task is returned.
func (s *Scheduler) pickNext() *Task {
	if s.taskList == nil {
		return s.idle
	}

	var best *Task
	start := s.current.next
	if start == nil {
		start = s.taskList
	}

	t := start
	for {
		if t.State == StateReady && (best == nil || t.Priority < best.Priority) {
			best = t
		}
		t = t.next
		if t == start {
			break
		}
	}

	if best == nil {
		return s.idle
	}
	return best
}

// Tick is invoked from the timer IRQ handler roughly every 10ms. It wakes
// any SLEEPING task whose deadline has passed, accounts runtime and
// quantum for the current task, and switches if the policy picks someone
// else.
func (s *Scheduler) Tick() {
	if !s.enabled {
		return
	}
	s.ticksSinceBoot++

	if s.taskList != nil {
		t := s.taskList
		for {
			next := t.next
			if t.State == StateSleeping && s.ticksSinceBoot >= t.SleepUntilTick {
				t.State = StateReady
			}
			t = next
			if t == s.taskList {
				break
			}
		}
	}

	cur := s.current
	if cur != s.idle {
		cur.TotalRuntime++
		if cur.TimeSlice > 0 {
			cur.TimeSlice--
		}
	}

	needSwitch := cur.State != StateRunning || (cur != s.idle && cur.TimeSlice == 0)
	if !needSwitch && cur == s.idle {
		needSwitch = s.hasReadyTask()
	}
	if !needSwitch {
		return
	}

	next := s.pickNext()
	if next != cur {
		s.switchTo(next)
	} else if cur.TimeSlice == 0 {
		cur.TimeSlice = s.quantumTicks
	}
}

func (s *Scheduler) hasReadyTask() bool {
	if s.taskList == nil {
		return false
	}
	t := s.taskList
	for {
		if t.State == StateReady {
			return true
		}
		t = t.next
		if t == s.taskList {
			return false
		}
	}
}

// switchTo performs the actual context switch: the outgoing task (if still
// runnable) goes back to READY, the incoming task becomes RUNNING, and
// cpu.Switch transfers control. Must be called with interrupts disabled by
// the caller (Tick runs inside the IRQ handler; Yield disables them itself).
func (s *Scheduler) switchTo(next *Task) {
	prev := s.current
	if prev.State == StateRunning {
		prev.State = StateReady
	}

	next.State = StateRunning
	next.TimeSlice = s.quantumTicks
	next.SwitchCount++
	s.current = next
	s.totalSwitches++

	if next.pageDir != nil {
		next.pageDir.Activate()
	}

	switchFn(&prev.Context, &next.Context)
}

// Yield voluntarily gives up the remainder of the current task's quantum.
func (s *Scheduler) Yield() {
	flags := pushfCliFn()
	defer popfRestoreFn(flags)

	next := s.pickNext()
	if next != s.current {
		s.switchTo(next)
	}
}
