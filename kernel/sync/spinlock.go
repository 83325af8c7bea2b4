// Package sync provides synchronization primitive implementations for
// spinlocks used by code paths that must not block on the Go scheduler
// (there isn't one): the kernel heap and the DMA pool's buffer slot table.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked between failed acquire attempts once a task
	// scheduler is running, so a spinning task gives up the remainder of
	// its time slice instead of burning it. It defaults to a no-op so
	// the package remains usable before the scheduler is initialized.
	yieldFn = func() {}
)

// SetYieldFn installs the function called between failed lock-acquire
// attempts. The task scheduler calls this once during its own Init so that
// Spinlock.Acquire cooperates with round-robin scheduling instead of
// starving every other task on a single CPU.
func SetYieldFn(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	const attemptsBeforeYielding = 1000

	for {
		var attempts uint32
		for attempts = 0; attempts < attemptsBeforeYielding; attempts++ {
			if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
				return
			}
		}
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
