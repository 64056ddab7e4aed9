// Package spinlock provides the single-word test-and-set lock shared by
// monitor code running on several cores at once.
package spinlock

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Lock is a test-and-set spinlock. The zero value is unlocked.
//
// There is no owner or recursion tracking: a core that acquires a lock it
// already holds spins forever. Acquisition has no timeout either, so a core
// that faults while holding a lock hangs every other core waiting on it.
type Lock struct {
	word atomicbitops.Uint64
}

// Lock spins until the lock is acquired.
func (l *Lock) Lock() {
	for !l.word.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *Lock) TryLock() bool {
	return l.word.CompareAndSwap(0, 1)
}

// Unlock releases the lock. It may be called from a different core than the
// one that acquired it; the bring-up rendezvous relies on that.
func (l *Lock) Unlock() {
	l.word.Store(0)
}

// Held reports whether the lock is currently taken by anyone.
func (l *Lock) Held() bool {
	return l.word.Load() != 0
}

// Rendezvous waits for the current holder to release the lock and then
// releases it again immediately.
func (l *Lock) Rendezvous() {
	l.Lock()
	l.Unlock()
}
