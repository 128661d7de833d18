package tscb

import (
	"sync"
	"sync/atomic"
)

// DeferredLock is the C2 guard: a read-biased lock where readers never
// block and writers never spin. Grounded on the original C++
// deferrable_rwlock (tscb/deferred.h, src/deferred.cc) rather than the
// plainer deferred_rwlock, because only the deferrable variant has the
// synchronous writeLockSync the registry's shutdown path needs.
//
// readers is biased by one: it starts at 1, and 0 is a sentinel meaning
// "a writer currently holds the lock synchronously" rather than "no
// readers". readLock's fast path is a CAS loop that refuses to advance
// once it observes 0, so a synchronous writer excludes every reader
// without taking writers itself.
type DeferredLock struct {
	noCopy

	readers atomic.Uint64

	writers       sync.Mutex
	queued        bool
	waiting       bool
	waitingWriter sync.Cond
}

// NewDeferredLock returns a lock with no readers and no queued writer.
func NewDeferredLock() *DeferredLock {
	l := &DeferredLock{}
	l.readers.Store(1)
	l.waitingWriter.L = &l.writers
	return l
}

// readLock acquires a read lock. If it returns true, the lock is in
// "synchronizing" state: the caller must run the pending commit work and
// then call syncFinished, after which it must retry readLock.
func (l *DeferredLock) readLock() (needsSync bool) {
	if l.readAcquire() {
		return false
	}
	return l.readLockSlow()
}

func (l *DeferredLock) readAcquire() bool {
	for {
		expected := l.readers.Load()
		if expected == 0 {
			return false
		}
		if l.readers.CompareAndSwap(expected, expected+1) {
			return true
		}
	}
}

func (l *DeferredLock) readLockSlow() bool {
	l.writers.Lock()
	for l.waiting {
		l.waiting = false
		l.writers.Unlock()
		l.waitingWriter.Broadcast()
		l.writers.Lock()
	}
	if l.readAcquire() {
		l.writers.Unlock()
		return false
	}
	return true
}

// readUnlock releases a read lock. It returns true iff this was the last
// reader and a writer staged work while readers were present; the caller
// must then call synchronize() followed by syncFinished.
func (l *DeferredLock) readUnlock() (needsSync bool) {
	if l.readRelease() {
		return false
	}
	return l.readUnlockSlow()
}

func (l *DeferredLock) readRelease() bool {
	return l.readers.Add(^uint64(0)) != 0 // fetch_sub(1) != 1, i.e. result != 0
}

func (l *DeferredLock) readUnlockSlow() bool {
	l.writers.Lock()
	for l.waiting {
		l.waiting = false
		l.writers.Unlock()
		l.waitingWriter.Broadcast()
		l.writers.Lock()
	}
	// A concurrent 1->0 transition serializes with us by taking writers
	// afterward; a concurrent 0->1 transition only happens under writers.
	if l.readers.Load() != 0 {
		l.writers.Unlock()
		return false
	}
	return true
}

// writeLockAsync stages a write. It always leaves writers locked on
// return — matching the original, where the mutex is released only by
// writeUnlockAsync or (via syncFinished) the sole-writer path, never by
// writeLockAsync itself. Returns true iff there were no readers, in which
// case the caller may modify protected state directly and must call
// syncFinished instead of writeUnlockAsync. Returns false if readers were
// present, in which case the caller must stage a deferred-visible change
// and call writeUnlockAsync; a subsequent readUnlock is then guaranteed to
// report needsSync.
func (l *DeferredLock) writeLockAsync() (isSync bool) {
	l.writers.Lock()
	sync := false
	if !l.queued && !l.waiting {
		sync = l.readers.Add(^uint64(0)) == 0 // fetch_sub(1) == 1
	}
	l.queued = true
	return sync
}

// writeUnlockAsync releases the lock after a deferred (non-synchronous)
// write; must not be called after writeLockAsync returned true.
func (l *DeferredLock) writeUnlockAsync() {
	l.writers.Unlock()
}

// writeLockSync blocks until no reader or writer is active and returns
// holding writers locked for synchronous, exclusive access. Used only at
// shutdown (the registry's cancel-all path), per §4.2.
func (l *DeferredLock) writeLockSync() {
	l.writers.Lock()
	for {
		if !l.queued && !l.waiting {
			if l.readers.Add(^uint64(0)) == 0 {
				return
			}
		}
		l.waiting = true
		l.waitingWriter.Wait()
	}
}

// writeUnlockSync releases a lock taken by writeLockSync; equivalent to
// syncFinished.
func (l *DeferredLock) writeUnlockSync() {
	l.syncFinished()
}

// syncFinished drops the synchronous-writer/queued state and unlocks
// writers. Must be called with writers already held — every path that
// returns needsSync/isSync==true (readLock, readUnlock, writeLockAsync,
// writeLockSync) leaves writers locked on return for exactly this reason.
func (l *DeferredLock) syncFinished() {
	l.queued = false
	l.waiting = false
	l.readers.Add(1)
	l.writers.Unlock()
}
