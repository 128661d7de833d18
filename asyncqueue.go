package tscb

import "sync/atomic"

// asyncQueue is the C5 async-safe work queue: a per-link activation flag
// for test-and-set coalescing plus a lock-free LIFO of pending links,
// drained single-consumer on the dispatch thread. Grounded on the
// teacher's notify.go (notifyOnce.CompareAndSwap(0,1) coalescing) for the
// activation-flag half, and on momentics-hioload-ws's lock_free_queue.go
// CAS-retry style for the Treiber-stack push/swap half (poll_sync_opt.go's
// mutex-guarded swap-and-drain is the same idea but can't give the
// signal-handler safety §4.5 submission requires, so it is not reused
// directly here).
type asyncQueue struct {
	noCopy

	pending atomic.Pointer[link]
	trigger *EventFlag
}

func newAsyncQueue(trigger *EventFlag) *asyncQueue {
	return &asyncQueue{trigger: trigger}
}

// submit implements the §4.5 submission protocol from any thread,
// including a signal handler: only atomic operations and (via set(), one
// retried write(2) on the trigger pipe) a single syscall.
func (q *asyncQueue) submit(l *link) {
	if l.activationFlag.Swap(true) {
		return // already pending: coalesce
	}
	for {
		head := q.pending.Load()
		l.pendingNext.Store(head)
		if q.pending.CompareAndSwap(head, l) {
			break
		}
	}
	// set() is itself idempotent/cheap when already set, so an exact
	// "was empty" transition check is unnecessary — every push posts.
	q.trigger.set()
}

// drain implements the §4.5 dispatch() step: atomically swap pending with
// empty, then for each link in the swapped chain clear its activation flag
// and invoke the callback if still registered, otherwise reconcile the
// disconnect race by simply dropping the reference (the link carries no
// other owned resource once unregistered). Per §7/§9, a failing callback
// stops the batch immediately rather than being skipped over: the still-
// pending remainder (mirroring async-safe-work.cc's
// async_pending_dequeue_helper destructor) is spliced back onto pending and
// the error is returned — already-invoked entries before the failing one
// are not re-invoked. The trigger is only re-raised when a remainder
// actually exists, the same `if (!head) return;` guard the destructor
// applies before re-signaling, so a failing dispatch that consumes the
// last pending entry leaves the flag clear rather than spuriously set.
func (q *asyncQueue) drain() error {
	head := q.pending.Swap(nil)
	for cur := head; cur != nil; {
		next := cur.pendingNext.Load()
		cur.pendingNext.Store(nil)
		cur.activationFlag.Store(false)

		if cur.isConnected() {
			if err := invokeAsync(cur.asyncCallback); err != nil {
				if next != nil {
					q.requeue(next)
					q.trigger.set()
				}
				return err
			}
		}
		cur = next
	}
	return nil
}

// requeue splices the still-pending chain starting at head back onto
// pending, merged with anything concurrently pushed by submit(), the way
// async_pending_dequeue_helper's destructor re-adds undispatched entries.
func (q *asyncQueue) requeue(head *link) {
	if head == nil {
		return
	}
	tail := head
	for tail.pendingNext.Load() != nil {
		tail = tail.pendingNext.Load()
	}
	for {
		cur := q.pending.Load()
		tail.pendingNext.Store(cur)
		if q.pending.CompareAndSwap(cur, head) {
			return
		}
	}
}

// remove handles disconnect of an async link per §4.5: it never walks the
// pending chain (that would need O(n) traversal from an arbitrary
// thread); it only marks the link unregistered. If the link is currently
// in the pending chain, drain() will observe isConnected()==false and
// reclaim it there instead of invoking it.
func (q *asyncQueue) remove(l *link) {
	l.reactor = nil
	l.regMu.Unlock()
}

func invokeAsync(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToCallbackErr(r)
		}
	}()
	fn()
	return nil
}
