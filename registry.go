package tscb

import (
	"sync"
	"sync/atomic"
)

// fdEntry is one fd's bucket in the registry: the full doubly linked list
// of every link ever registered on the fd (mutated only under C2 write
// mode) and the lock-free `active` head the dispatcher traverses without
// taking any lock. effectiveMask is the union of active links' masks plus
// the implicit error|hangup bits, recomputed on every insert/remove.
type fdEntry struct {
	fd            int
	first, last   *link
	active        atomic.Pointer[link]
	effectiveMask int32
}

// registry is the C4 callback registry: a per-fd table of fdEntry plus a
// lock-free deferred-removal chain reclaimed by synchronize(). Table
// lookup is an array-for-small-fd + sync.Map-for-large-fd split, adapted
// from the teacher's ArrayMapUnion (array_map_union.go) but specialized to
// *fdEntry and folded directly into this file rather than kept generic,
// since the registry is its only user.
type registry struct {
	noCopy

	lock    *DeferredLock
	backend Backend

	arrSize int
	arr     []atomic.Pointer[fdEntry]
	large   sync.Map // fd (int) -> *fdEntry, for fd >= arrSize

	deferredDestroy atomic.Pointer[link]
}

func newRegistry(lock *DeferredLock, backend Backend, arrSize int) *registry {
	return &registry{
		lock:    lock,
		backend: backend,
		arrSize: arrSize,
		arr:     make([]atomic.Pointer[fdEntry], arrSize),
	}
}

func (r *registry) loadEntry(fd int) *fdEntry {
	if fd >= 0 && fd < r.arrSize {
		return r.arr[fd].Load()
	}
	if v, ok := r.large.Load(fd); ok {
		return v.(*fdEntry)
	}
	return nil
}

func (r *registry) storeEntry(fd int, e *fdEntry) {
	if fd >= 0 && fd < r.arrSize {
		r.arr[fd].Store(e)
		return
	}
	r.large.Store(fd, e)
}

func (r *registry) deleteEntry(fd int) {
	if fd >= 0 && fd < r.arrSize {
		r.arr[fd].Store(nil)
		return
	}
	r.large.Delete(fd)
}

// add inserts l into its fd's bucket. Grounded on childproc-monitor.cc's
// watch_childproc insert sequence: take the link's registration mutex,
// enter C2 write mode, splice into the full list and (if it is the new
// tail with no active successor yet) the active chain, publish the
// back-pointer, leave write mode, and run the synchronize commit if this
// was the synchronous (no-readers) case.
func (r *registry) add(l *link, reactor *Reactor) {
	l.regMu.Lock()

	entry := r.loadEntry(l.fd)
	isNewFd := entry == nil
	if isNewFd {
		entry = &fdEntry{fd: l.fd}
	}

	sync := r.lock.writeLockAsync()

	l.next = nil
	l.prev = entry.last
	l.activeNext.Store(nil)

	tmp := entry.last
	for {
		if tmp == nil {
			if entry.active.Load() == nil {
				entry.active.Store(l)
			}
			break
		}
		if tmp.activeNext.Load() != nil {
			break
		}
		tmp.activeNext.Store(l)
		tmp = tmp.prev
	}

	if entry.last != nil {
		entry.last.next = l
	} else {
		entry.first = l
	}
	entry.last = l
	entry.effectiveMask = aggregateMask(entry.effectiveMask, l.mask)
	r.storeEntry(l.fd, entry)

	l.reactor = reactor
	l.regMu.Unlock()

	mask := entry.effectiveMask
	if sync {
		r.backendApply(l.fd, mask, isNewFd)
		r.synchronize()
	} else {
		r.lock.writeUnlockAsync()
		// Deferred case: the backend mask still needs updating, but it is
		// not racing a reader's view of `active` (only the list splice
		// is), so it is safe to apply immediately.
		r.backendApply(l.fd, mask, isNewFd)
	}
}

// remove implements the §4.4 removal protocol. It is invoked by
// link.disconnect() with l.regMu already held; it must unlock l.regMu
// itself (see link.disconnect's comment on lock ordering) before any
// possible call to synchronize().
func (r *registry) remove(l *link) {
	entry := r.loadEntry(l.fd)

	sync := r.lock.writeLockAsync()

	if entry != nil {
		next := l.activeNext.Load()
		tmp := l.prev
		for {
			if tmp == nil {
				if entry.active.Load() == l {
					entry.active.Store(next)
				}
				break
			}
			if tmp.activeNext.Load() != l {
				break
			}
			tmp.activeNext.Store(next)
			tmp = tmp.prev
		}

		for {
			head := r.deferredDestroy.Load()
			l.deferredDestroyNext = head
			if r.deferredDestroy.CompareAndSwap(head, l) {
				break
			}
		}
	}

	l.reactor = nil
	l.regMu.Unlock()

	if sync {
		r.synchronize()
	} else {
		r.lock.writeUnlockAsync()
	}
}

// synchronize walks the deferred-destroy chain, repairs the full list's
// prev/next pointers around each removed link, recomputes the fd's
// effective mask, reprograms the backend, and finally drops the lock's
// synchronizing state. Grounded on childproc_monitor::synchronize: fix up
// links, swap the chain to empty, call sync_finished, THEN run
// per-link teardown after the lock is released so side effects cannot
// deadlock against a concurrent reader.
func (r *registry) synchronize() {
	toDestroy := r.deferredDestroy.Load()

	touched := map[int]*fdEntry{}
	for cur := toDestroy; cur != nil; cur = cur.deferredDestroyNext {
		entry := r.loadEntry(cur.fd)
		if entry == nil {
			continue
		}
		if cur.prev != nil {
			cur.prev.next = cur.next
		} else {
			entry.first = cur.next
		}
		if cur.next != nil {
			cur.next.prev = cur.prev
		} else {
			entry.last = cur.prev
		}
		touched[cur.fd] = entry
	}

	for fd, entry := range touched {
		mask := int32(0)
		for cur := entry.first; cur != nil; cur = cur.next {
			mask = aggregateMask(mask, cur.mask)
		}
		entry.effectiveMask = mask
		if entry.first == nil {
			r.deleteEntry(fd)
			r.backendApply(fd, 0, false)
		} else {
			r.backendApply(fd, mask, false)
		}
	}

	r.deferredDestroy.Store(nil)
	r.lock.syncFinished()

	for cur := toDestroy; cur != nil; {
		next := cur.deferredDestroyNext
		cur.deferredDestroyNext = nil
		cur.ioCallback = nil
		cur = next
	}
}

// aggregateMask ORs in the implicit error|hangup interest whenever the
// union of requested masks is non-zero; these bits are never silenceable
// per §4.3.
func aggregateMask(existing, add int32) int32 {
	m := existing | add
	if m != 0 {
		m |= maskError | maskHangup
	}
	return m
}

// backendApply reprograms the backend for fd. isNewFd selects EPOLL_CTL_ADD
// over EPOLL_CTL_MOD for a fd the backend has never seen before — passing
// Modify for a brand-new fd fails with ENOENT on the real epoll backend.
func (r *registry) backendApply(fd int, mask int32, isNewFd bool) {
	if r.backend == nil {
		return
	}
	if mask == 0 {
		r.backend.Remove(fd)
		return
	}
	if isNewFd {
		r.backend.Add(fd, mask)
		return
	}
	r.backend.Modify(fd, mask)
}

// dispatchSafe walks fd's active chain without any lock (the caller must
// already hold C2 in read mode) invoking matching callbacks, up to max
// invocations. A panicking callback is recovered and wrapped in
// ErrCallbackFailed; per §7 ("already-invoked callbacks in the same batch
// are not re-invoked; pending ones remain pending"), the walk stops at the
// first failure rather than continuing through the rest of the chain —
// the untouched links simply get a fresh chance next time this fd is
// reported ready.
func (r *registry) dispatchSafe(fd int, mask int32, max int) (int, error) {
	entry := r.loadEntry(fd)
	if entry == nil {
		return 0, nil
	}
	n := 0
	for cur := entry.active.Load(); cur != nil && (max <= 0 || n < max); cur = cur.activeNext.Load() {
		if cur.mask&mask == 0 {
			continue
		}
		n++
		if err := invokeIO(cur.ioCallback, fd, mask&cur.mask); err != nil {
			return n, err
		}
	}
	return n, nil
}

// cancelAll disconnects every currently active link and blocks until the
// removals have been committed, for use at Reactor shutdown. Grounded on
// the destructor sequences in ioready-epoll.cc and childproc-monitor.cc:
// enter read mode (running any already-queued synchronize first), walk
// each fd's active chain calling disconnect() — safe to do while
// read-locked because disconnect's write_lock_async only contends on the
// writers mutex, never on the reader count this goroutine holds — then
// leave read mode; if that was the last reader (needsSync), commit via
// synchronize(), otherwise force a synchronous write lock to guarantee
// the commit has happened before returning.
func (r *registry) cancelAll() {
	for r.lock.readLock() {
		r.synchronize()
	}

	for _, entry := range r.allEntries() {
		for {
			l := entry.active.Load()
			if l == nil {
				break
			}
			l.disconnect()
		}
	}

	if r.lock.readUnlock() {
		r.synchronize()
	} else {
		r.lock.writeLockSync()
		r.synchronize()
	}
}

func (r *registry) allEntries() []*fdEntry {
	var out []*fdEntry
	for i := 0; i < r.arrSize; i++ {
		if e := r.arr[i].Load(); e != nil {
			out = append(out, e)
		}
	}
	r.large.Range(func(_, v any) bool {
		out = append(out, v.(*fdEntry))
		return true
	})
	return out
}

func invokeIO(fn func(fd int, mask int32), fd int, mask int32) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicToCallbackErr(p)
		}
	}()
	fn(fd, mask)
	return nil
}

// recomputeMask re-aggregates effective_mask for fd from its full link
// list and reprograms the backend. Used by Connection.Modify (§4.3).
func (r *registry) recomputeMask(fd int) {
	sync := r.lock.writeLockAsync()

	entry := r.loadEntry(fd)
	var mask int32
	if entry != nil {
		for cur := entry.first; cur != nil; cur = cur.next {
			mask = aggregateMask(mask, cur.mask)
		}
		entry.effectiveMask = mask
	}

	if sync {
		if entry != nil {
			r.backendApply(fd, mask, false)
		}
		r.lock.syncFinished()
	} else {
		r.lock.writeUnlockAsync()
		if entry != nil {
			r.backendApply(fd, mask, false)
		}
	}
}
