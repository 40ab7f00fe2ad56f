// Package sync provides synchronization primitive implementations for spinlocks.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked between acquisition attempts. It is nil while
	// there is nothing to yield to (single core, no scheduler) and is
	// replaced by tests with runtime.Gosched.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// TryToAcquireWithin makes up to attempts calls to TryToAcquire, yielding
// between them, and reports whether the lock was acquired. Unlike Acquire it
// never blocks indefinitely, so a lock that is already held by the current
// task is reported back to the caller instead of deadlocking.
func (l *Spinlock) TryToAcquireWithin(attempts uint32) bool {
	for ; attempts > 0; attempts-- {
		if l.TryToAcquire() {
			return true
		}

		if yieldFn != nil {
			yieldFn()
		}
	}

	return false
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock spins on state until it can be flipped from 0 to 1. The
// yield function is invoked every attemptsBeforeYielding failed attempts.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		if attempts == attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}
