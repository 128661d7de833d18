package tscb

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// childMonitor is the supplemented child-process watcher: a caller can
// WatchChild a pid and be told its exit status, off the reactor's normal
// Dispatch rather than from inside a signal handler. Grounded on
// childproc-monitor.cc's childproc_monitor: its own single process-wide
// active/first/last/deferred_cancel chain (not per-fd, since there is
// exactly one chain for every watched pid) guarded by its own
// deferrable_rwlock, with dispatch() doing a non-blocking wait4 per active
// link and disconnecting+invoking on the ones that have exited.
//
// The original's dispatch() runs under an ordinary read_guard from
// whatever drives the reactor's own dispatch loop; a real SIGCHLD arriving
// during that call is otherwise unconstrained because wait4/the chain
// walk are already async-safe in C++. Go programs cannot install a raw
// signal handler the way sigaction does, so this instead bridges
// syscall.SIGCHLD through signal.Notify into a goroutine that does nothing
// but Post() the pre-registered async link (C5) — dispatch() itself still
// only ever runs from a Dispatch call on a reactor goroutine, never from
// the signal-bridging goroutine, matching the original's concurrency
// contract even though the mechanism for getting there differs.
type childMonitor struct {
	noCopy

	reactor *Reactor

	lock            *DeferredLock
	active          atomic.Pointer[link]
	first, last     *link
	deferredDestroy atomic.Pointer[link]

	startOnce sync.Once
	startErr  error
	trigger   Connection
	sigCh     chan os.Signal
	stop      chan struct{}
}

func newChildMonitor(r *Reactor) *childMonitor {
	return &childMonitor{reactor: r, lock: NewDeferredLock()}
}

// start lazily wires the SIGCHLD bridge and the dispatch-side async
// procedure the first time a pid is watched.
func (m *childMonitor) start() error {
	m.startOnce.Do(func() {
		conn, err := m.reactor.AsyncProcedure(m.dispatch)
		if err != nil {
			m.startErr = err
			return
		}
		m.trigger = conn
		m.sigCh = make(chan os.Signal, 1)
		m.stop = make(chan struct{})
		signal.Notify(m.sigCh, syscall.SIGCHLD)
		go m.signalLoop()
	})
	return m.startErr
}

func (m *childMonitor) signalLoop() {
	for {
		select {
		case <-m.stop:
			signal.Stop(m.sigCh)
			return
		case <-m.sigCh:
			m.trigger.Post()
		}
	}
}

// watch registers callback to run, via the reactor's async queue, once pid
// exits. Grounded on watch_childproc's insert sequence (§4.4's write/splice
// pattern applied to this monitor's own chain instead of the registry's).
func (m *childMonitor) watch(pid int, callback func(status int, rusage *unix.Rusage)) (Connection, error) {
	if callback == nil {
		return Connection{}, fmt.Errorf("%w: nil callback", ErrAllocationFailed)
	}
	if err := m.start(); err != nil {
		return Connection{}, err
	}

	l := &link{kind: linkChild, pid: pid, childCallback: callback}

	l.regMu.Lock()
	sync := m.lock.writeLockAsync()

	l.next = nil
	l.prev = m.last
	l.activeNext.Store(nil)

	tmp := m.last
	for {
		if tmp == nil {
			if m.active.Load() == nil {
				m.active.Store(l)
			}
			break
		}
		if tmp.activeNext.Load() != nil {
			break
		}
		tmp.activeNext.Store(l)
		tmp = tmp.prev
	}

	if m.last != nil {
		m.last.next = l
	} else {
		m.first = l
	}
	m.last = l

	l.reactor = m.reactor
	l.regMu.Unlock()

	if sync {
		m.synchronize()
	} else {
		m.lock.writeUnlockAsync()
	}

	return Connection{l}, nil
}

// remove is link.disconnect's linkChild case, called with l.regMu already
// held. Mirrors childproc_monitor::remove.
func (m *childMonitor) remove(l *link) {
	sync := m.lock.writeLockAsync()

	next := l.activeNext.Load()
	tmp := l.prev
	for {
		if tmp == nil {
			if m.active.Load() == l {
				m.active.Store(next)
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
		head := m.deferredDestroy.Load()
		l.deferredDestroyNext = head
		if m.deferredDestroy.CompareAndSwap(head, l) {
			break
		}
	}

	l.reactor = nil
	l.regMu.Unlock()

	if sync {
		m.synchronize()
	} else {
		m.lock.writeUnlockAsync()
	}
}

// synchronize repairs the full chain around every deferred-destroy link
// and drops the lock's synchronizing state. Mirrors
// childproc_monitor::synchronize.
func (m *childMonitor) synchronize() {
	toDestroy := m.deferredDestroy.Load()

	for cur := toDestroy; cur != nil; cur = cur.deferredDestroyNext {
		if cur.prev != nil {
			cur.prev.next = cur.next
		} else {
			m.first = cur.next
		}
		if cur.next != nil {
			cur.next.prev = cur.prev
		} else {
			m.last = cur.prev
		}
	}

	m.deferredDestroy.Store(nil)
	m.lock.syncFinished()

	for cur := toDestroy; cur != nil; {
		next := cur.deferredDestroyNext
		cur.deferredDestroyNext = nil
		cur.childCallback = nil
		cur = next
	}
}

// dispatch walks the active chain under C2 read mode doing a non-blocking
// wait4 per pid; an exited child is disconnected and its callback invoked.
// Runs as an ordinary async_procedure (C5) posted by the SIGCHLD-bridging
// goroutine, so it only ever executes from a Dispatch call. The original's
// dispatch() invokes the callback with no surrounding try/catch, so a
// throwing callback there would abort the rest of the active-chain walk;
// this keeps that stop-on-first-failure behavior (same as C4/C5's own
// dispatch paths, per §7) rather than isolating each child callback, and
// re-posts itself so the unreaped remainder is retried on the next
// Dispatch. Mirrors childproc_monitor::dispatch.
func (m *childMonitor) dispatch() {
	for m.lock.readLock() {
		m.synchronize()
	}

	var callbackErr error
	for cur := m.active.Load(); cur != nil; cur = cur.activeNext.Load() {
		var status unix.WaitStatus
		var rusage unix.Rusage
		wpid, err := unix.Wait4(cur.pid, &status, unix.WNOHANG, &rusage)
		if err != nil || wpid != cur.pid {
			continue
		}
		cur.disconnect()
		if cerr := invokeChild(cur.childCallback, int(status), &rusage); cerr != nil {
			callbackErr = cerr
			break
		}
	}

	if m.lock.readUnlock() {
		m.synchronize()
	}

	if callbackErr != nil {
		m.reactor.logger.Errorf("child callback failed: %v", callbackErr)
		m.trigger.Post()
	}
}

// cancelAll disconnects every watched pid and stops the signal bridge, for
// use at Reactor shutdown.
func (m *childMonitor) cancelAll() {
	for m.lock.readLock() {
		m.synchronize()
	}

	for {
		l := m.active.Load()
		if l == nil {
			break
		}
		l.disconnect()
	}

	if m.lock.readUnlock() {
		m.synchronize()
	} else {
		m.lock.writeLockSync()
		m.synchronize()
	}

	if m.stop != nil {
		close(m.stop)
	}
}

func invokeChild(fn func(status int, rusage *unix.Rusage), status int, rusage *unix.Rusage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicToCallbackErr(p)
		}
	}()
	fn(status, rusage)
	return nil
}
