package tscb

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// linkKind distinguishes the four composition operations a link can back.
// A single struct covers all four, mirroring the teacher's Event base type
// (ev_handler.go) carrying fields for every handler kind rather than one
// struct per kind.
type linkKind int

const (
	linkIO linkKind = iota
	linkTimer
	linkAsync
	linkChild
)

// link is the C3 capability object. It is held by three parties per §4.3:
// the external Connection handle, the owning Reactor's active chain(s), and
// (transiently, for IO/async links) the dispatcher while invoking the
// callback. Go's garbage collector makes the original's manual intrusive
// refcount unnecessary for memory safety — once no Connection and no
// registry chain references a link it is simply collected — so only the
// cancellation-mutex-guarded nullable back-pointer discipline from
// tscb/connection.h and childproc-monitor.cc's link_type is carried over,
// not the atomic refcount itself.
type link struct {
	noCopy

	regMu   sync.Mutex
	reactor *Reactor // nil once disconnected; guarded by regMu

	kind linkKind

	// IO-only. fd/mask/callback are set once at registration and read only
	// while attached; prev/next form the owning fd-bucket's full doubly
	// linked list (mutated only under C2 write mode), activeNext is the
	// lock-free singly linked list the dispatcher traverses without C2,
	// and deferredDestroyNext threads removed links onto the chain that
	// synchronize() reclaims. All three are grounded directly on
	// childproc-monitor.cc's link_type (prev_/next_/active_next_/
	// deferred_destroy_next_).
	fd         int
	mask       int32
	ioCallback func(fd int, mask int32)

	prev, next          *link
	activeNext          atomic.Pointer[link]
	deferredDestroyNext *link

	// Timer-only.
	heapIndex     int
	deadline      time.Time
	timerCallback func(now time.Time) (next time.Time, reschedule bool)
	wasPending    bool // set by removeTimer; read by Connection.WasPending

	// Async-only: activationFlag implements the §4.5 test-and-set;
	// pendingNext threads the link onto the dispatcher's lock-free LIFO.
	activationFlag atomic.Bool
	asyncCallback  func()
	pendingNext    atomic.Pointer[link]

	// Child-only: mirrors the IO fields above but against childMonitor's
	// single process-wide active/full chain instead of a per-fd bucket,
	// grounded on childproc-monitor.cc's childproc_callback.
	pid           int
	childCallback func(status int, rusage *unix.Rusage)
}

// disconnect implements the §4.3 two-phase handshake: lock, check the
// back-pointer, and if still attached ask the owning structure to perform
// the actual removal (which nulls the back-pointer and unlocks regMu
// itself, since the unlock must happen before the potentially-deferred
// synchronize() call to avoid holding regMu across it).
func (l *link) disconnect() {
	l.regMu.Lock()
	if l.reactor == nil {
		l.regMu.Unlock()
		return
	}
	r := l.reactor
	switch l.kind {
	case linkIO:
		r.registry.remove(l)
	case linkTimer:
		r.removeTimer(l)
	case linkAsync:
		r.async.remove(l)
	case linkChild:
		r.childMonitor.remove(l)
	}
}

// isConnected reports whether the link is still attached.
func (l *link) isConnected() bool {
	l.regMu.Lock()
	defer l.regMu.Unlock()
	return l.reactor != nil
}

// Connection is the external handle returned by Watch, Timer, and
// AsyncProcedure. The zero value is a valid, already-disconnected
// Connection.
type Connection struct {
	l *link
}

// Disconnect breaks the connection. It is idempotent and safe to call from
// any thread, including from within the callback it is disconnecting.
func (c Connection) Disconnect() {
	if c.l != nil {
		c.l.disconnect()
	}
}

// IsConnected reports whether the callback is still registered.
func (c Connection) IsConnected() bool {
	return c.l != nil && c.l.isConnected()
}

// WasPending reports whether a timer connection was still pending (not yet
// fired, not yet cancelled) at the moment Disconnect was called, mirroring
// timer::cancel()'s boolean return in the original. Valid only after
// Disconnect has been called on a timer connection; false for every other
// connection kind.
func (c Connection) WasPending() bool {
	if c.l == nil || c.l.kind != linkTimer {
		return false
	}
	c.l.regMu.Lock()
	defer c.l.regMu.Unlock()
	return c.l.wasPending
}
