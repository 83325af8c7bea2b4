package task

import (
	"testing"
	"unsafe"

	"github.com/corvus-os/corvus/kernel/cpu"
	"github.com/corvus-os/corvus/kernel/mem"
)

// mockStackBacking installs a heapAllocFn backed by real, GC-visible memory
// so newKernelTask's canary write and fill loop touch valid storage, and
// returns a restore func. Mirrors the dma package's alloc-mock pattern.
func mockStackBacking(t *testing.T) {
	t.Helper()
	orig := heapAllocFn
	backing := make([]byte, kernelStackSize+32)
	heapAllocFn = func(size mem.Size) uintptr {
		_ = backing
		return uintptr(unsafe.Pointer(&backing[0]))
	}
	t.Cleanup(func() { heapAllocFn = orig })
}

func mockNoopSwitch(t *testing.T) {
	t.Helper()
	origSwitch, origPushf, origPopf := switchFn, pushfCliFn, popfRestoreFn
	switchFn = func(old, new *cpu.Context) {}
	pushfCliFn = func() uint32 { return 0 }
	popfRestoreFn = func(uint32) {}
	t.Cleanup(func() {
		switchFn, pushfCliFn, popfRestoreFn = origSwitch, origPushf, origPopf
	})
}

func freshScheduler(t *testing.T) *Scheduler {
	t.Helper()
	mockStackBacking(t)
	mockNoopSwitch(t)
	s := &Scheduler{}
	if err := s.Init(); err != nil {
		t.Fatalf("Init failed: %+v", err)
	}
	return s
}

func TestInitInstallsIdleTaskOutsideReadyList(t *testing.T) {
	s := freshScheduler(t)
	if s.idle == nil {
		t.Fatal("expected idle task to be set")
	}
	if s.current != s.idle {
		t.Fatal("expected idle task to be current after Init")
	}
	if s.taskList != nil {
		t.Fatal("expected idle task not to be part of the ready list")
	}
}

func TestPickNextPrefersLowerPriorityAndListOrder(t *testing.T) {
	s := freshScheduler(t)

	low, _ := s.newKernelTask("low", PriorityLow, func(uintptr) {}, 0)
	s.insert(low)
	high, _ := s.newKernelTask("high", PriorityHigh, func(uintptr) {}, 0)
	s.insert(high)
	normal, _ := s.newKernelTask("normal", PriorityNormal, func(uintptr) {}, 0)
	s.insert(normal)

	low.State, high.State, normal.State = StateReady, StateReady, StateReady
	s.current = low // next search starts at low.next

	next := s.pickNext()
	if next != high {
		t.Fatalf("expected high-priority task to win, got %s", next.NameString())
	}
}

func TestPickNextFallsBackToIdleWhenNoneReady(t *testing.T) {
	s := freshScheduler(t)

	t1, _ := s.newKernelTask("t1", PriorityNormal, func(uintptr) {}, 0)
	s.insert(t1)
	t1.State = StateWaiting

	if next := s.pickNext(); next != s.idle {
		t.Fatalf("expected idle fallback, got %s", next.NameString())
	}
}

func TestTickWakesSleeperWhenDeadlinePasses(t *testing.T) {
	s := freshScheduler(t)

	sleeper, _ := s.newKernelTask("sleeper", PriorityNormal, func(uintptr) {}, 0)
	s.insert(sleeper)
	sleeper.State = StateSleeping
	sleeper.SleepUntilTick = 4

	s.ticksSinceBoot = 2
	s.Tick()
	if sleeper.State != StateSleeping {
		t.Fatalf("expected sleeper to remain asleep at tick 3, got %s", sleeper.State)
	}

	s.Tick()
	if sleeper.State != StateRunning {
		t.Fatalf("expected sleeper to be woken and dispatched by tick 4, got %s", sleeper.State)
	}
}

func TestTickSwitchesWhenQuantumExhausted(t *testing.T) {
	s := freshScheduler(t)

	runner, _ := s.newKernelTask("runner", PriorityNormal, func(uintptr) {}, 0)
	s.insert(runner)
	runner.State = StateRunning
	runner.TimeSlice = 1
	s.current = runner

	other, _ := s.newKernelTask("other", PriorityNormal, func(uintptr) {}, 0)
	s.insert(other)
	other.State = StateReady

	s.Tick()

	if s.current != other {
		t.Fatalf("expected switch to other task, current=%s", s.current.NameString())
	}
	if runner.State != StateReady {
		t.Fatalf("expected preempted runner to go back to ready, got %s", runner.State)
	}
}

func TestYieldSwitchesToNextReadyTask(t *testing.T) {
	s := freshScheduler(t)

	a, _ := s.newKernelTask("a", PriorityNormal, func(uintptr) {}, 0)
	s.insert(a)
	a.State = StateRunning
	s.current = a

	b, _ := s.newKernelTask("b", PriorityNormal, func(uintptr) {}, 0)
	s.insert(b)
	b.State = StateReady

	s.Yield()

	if s.current != b {
		t.Fatalf("expected yield to switch to b, current=%s", s.current.NameString())
	}
}
