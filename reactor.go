package tscb

import (
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"golang.org/x/sys/unix"
)

// Reactor is the C6 I/O-readiness dispatcher: it owns the wake-up event
// flag (C1, lazily created), the backend readiness facility, the callback
// registry (C4) guarded by the deferred RW-lock (C2), the timer queue, and
// the async-safe work queue (C5). Grounded on the teacher's Reactor
// (reactor.go) and evPoll (epoll.go)'s run loop shape, generalized to
// stage writer effects through C2 instead of the teacher's plain
// ArrayMapUnion, since the teacher has no reader/writer staging at all —
// that is this library's actual contribution over the teacher.
type Reactor struct {
	noCopy

	opts    *options
	logger  *Logger
	backend Backend

	lock     *DeferredLock
	registry *registry

	timersMu sync.Mutex
	timers   *timerHeap

	async   *asyncQueue
	pending *pendingQueue

	triggerOnce sync.Once
	trigger     *EventFlag
	triggerErr  error

	childOnce    sync.Once
	childMonitor *childMonitor
}

// NewReactor constructs a Reactor bound to the platform's native backend.
func NewReactor(opts ...Option) (*Reactor, error) {
	backend, err := newPlatformBackend()
	if err != nil {
		return nil, err
	}
	return newReactorWithBackend(backend, opts...)
}

// newReactorWithBackend builds a Reactor around an already-constructed
// Backend; NewReactor is a thin wrapper over this using the platform
// backend. Also used directly by tests to substitute a fakeBackend where a
// real epoll fd would make disconnect/overflow races platform-dependent or
// flaky.
func newReactorWithBackend(backend Backend, opts ...Option) (*Reactor, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	r := &Reactor{
		opts:    o,
		logger:  newLogger(o.logDir),
		backend: backend,
		lock:    NewDeferredLock(),
		timers:  newTimerHeap(o.timerHeapInitCap),
		pending: newPendingQueue(),
	}
	r.registry = newRegistry(r.lock, r.backend, o.fdTableArraySize)

	if o.eagerEventTrigger {
		if _, err := r.EventTrigger(); err != nil {
			backend.Close()
			return nil, err
		}
	}
	return r, nil
}

// EventTrigger lazily creates the wake-up flag and wires its read end into
// the registry as an ordinary watched fd with a no-op callback — mirrored
// directly from get_eventtrigger()'s double-checked-locking singleton plus
// watch(drain_queue, flag->readfd, ioready_input) in
// _examples/original_source/src/ioready-epoll.cc. Actual draining happens
// unconditionally once per Dispatch (step 7), never in this callback.
func (r *Reactor) EventTrigger() (*EventFlag, error) {
	r.triggerOnce.Do(func() {
		flag, err := NewEventFlag()
		if err != nil {
			r.triggerErr = err
			return
		}
		r.async = newAsyncQueue(flag)
		r.trigger = flag
		r.registry.add(&link{
			kind:       linkIO,
			fd:         flag.ReadFd(),
			mask:       maskInput,
			ioCallback: func(int, int32) {},
		}, r)
	})
	return r.trigger, r.triggerErr
}

// Watch registers fd for readiness notification on the bits set in mask;
// error and hangup bits are unconditionally ORed in once mask is nonzero,
// per §4.3's modify() rule applied uniformly at registration too.
func (r *Reactor) Watch(fd int, mask int32, callback func(fd int, mask int32)) (Connection, error) {
	if callback == nil {
		return Connection{}, fmt.Errorf("%w: nil callback", ErrAllocationFailed)
	}
	if mask != 0 {
		mask |= maskError | maskHangup
	}
	l := &link{kind: linkIO, fd: fd, mask: mask, ioCallback: callback}
	r.registry.add(l, r)
	return Connection{l}, nil
}

// Modify changes an I/O connection's mask in place, per §4.3's modify().
func (c Connection) Modify(mask int32) error {
	if c.l == nil || c.l.kind != linkIO {
		return fmt.Errorf("%w: not an I/O connection", ErrAllocationFailed)
	}
	c.l.regMu.Lock()
	r := c.l.reactor
	if r == nil {
		c.l.regMu.Unlock()
		return nil
	}
	if mask != 0 {
		mask |= maskError | maskHangup
	}
	c.l.mask = mask
	c.l.regMu.Unlock()
	r.registry.recomputeMask(c.l.fd)
	return nil
}

// EventMask reports an I/O connection's currently registered mask.
func (c Connection) EventMask() int32 {
	if c.l == nil || c.l.kind != linkIO {
		return 0
	}
	c.l.regMu.Lock()
	defer c.l.regMu.Unlock()
	return c.l.mask
}

// Timer schedules callback to run at deadline. The callback's return
// value controls rescheduling: returning (t, true) reschedules at t;
// returning (_, false) lets the timer expire without requeuing.
func (r *Reactor) Timer(deadline time.Time, callback func(now time.Time) (time.Time, bool)) (Connection, error) {
	if callback == nil {
		return Connection{}, fmt.Errorf("%w: nil callback", ErrAllocationFailed)
	}
	l := &link{kind: linkTimer, deadline: deadline, timerCallback: callback, reactor: r}
	r.timersMu.Lock()
	r.timers.push(l)
	r.timersMu.Unlock()
	if t, err := r.EventTrigger(); err == nil {
		t.set()
	}
	return Connection{l}, nil
}

// removeTimer is link.disconnect's linkTimer case: timers have no deferred
// visibility requirement (nothing iterates the heap lock-free), so a plain
// mutex-guarded removal is sufficient and simpler than routing through C2.
func (r *Reactor) removeTimer(l *link) {
	r.timersMu.Lock()
	wasPending := r.timers.remove(l)
	r.timersMu.Unlock()
	l.wasPending = wasPending
	l.reactor = nil
	l.regMu.Unlock()
}

// AsyncProcedure registers callback to be invoked, coalesced, whenever
// Post is called on the returned Connection from any goroutine.
func (r *Reactor) AsyncProcedure(callback func()) (Connection, error) {
	if callback == nil {
		return Connection{}, fmt.Errorf("%w: nil callback", ErrAllocationFailed)
	}
	if _, err := r.EventTrigger(); err != nil {
		return Connection{}, err
	}
	l := &link{kind: linkAsync, asyncCallback: callback, reactor: r}
	return Connection{l}, nil
}

// Post submits c's async link for invocation, per §4.5. It is a no-op if
// c does not carry an async link or has been disconnected.
func (c Connection) Post() {
	if c.l == nil || c.l.kind != linkAsync {
		return
	}
	c.l.regMu.Lock()
	r := c.l.reactor
	c.l.regMu.Unlock()
	if r != nil {
		r.async.submit(c.l)
	}
}

// WatchChild registers callback to run, via Dispatch, once pid exits. It is
// a POSIX-only supplement (no equivalent on a platform without SIGCHLD)
// grounded on childproc-monitor.cc's watch_childproc, bridged onto Go's
// os/signal channel in place of the original's sigaction-based handler.
func (r *Reactor) WatchChild(pid int, callback func(status int, rusage *unix.Rusage)) (Connection, error) {
	r.childOnce.Do(func() {
		r.childMonitor = newChildMonitor(r)
	})
	return r.childMonitor.watch(pid, callback)
}

// Dispatch implements the §4.6 algorithm. timeout < 0 means block
// indefinitely; max <= 0 means no cap. It returns the number of I/O
// callbacks invoked, or a wrapped ErrCallbackFailed if an I/O or async
// procedure callback panicked (already-invoked callbacks are not
// re-invoked; the event flag is re-raised so the remainder is retried on
// the next call). Timer callback panics are logged, not returned.
func (r *Reactor) Dispatch(timeout time.Duration, max int) (int, error) {
	trigger, err := r.EventTrigger()
	if err != nil {
		return 0, err
	}

	effTimeout := r.effectiveTimeout(timeout)
	alreadySet := trigger.startWaiting()
	if alreadySet {
		effTimeout = 0
	}

	events, waitErr := r.backend.Wait(millisOf(effTimeout), nil)
	trigger.stopWaiting()
	if waitErr != nil {
		return 0, fmt.Errorf("backend wait: %w", waitErr)
	}

	consumed, n, dispatchErr := r.dispatchReady(events, max)
	if consumed < len(events) {
		r.pending.pushAll(events[consumed:])
	}

	trigger.clear()
	if dispatchErr != nil {
		// Re-raise what dispatchReady set on failure; the clear above
		// would otherwise drop it.
		trigger.set()
	}
	if asyncErr := r.async.drain(); asyncErr != nil && dispatchErr == nil {
		dispatchErr = asyncErr
	}
	r.expireTimers()

	return n, dispatchErr
}

// DispatchPending drains readiness events buffered by a prior Dispatch
// call whose max cut a backend batch short (SPEC_FULL §11.1), clears the
// event flag, then drains the async queue and expired timers — without
// calling the backend again.
func (r *Reactor) DispatchPending(max int) (int, error) {
	trigger, err := r.EventTrigger()
	if err != nil {
		return 0, err
	}

	// popUpTo already caps the event count to max, but a single fd's
	// active chain can hold more links than events remain, so the
	// invocation-count cap still has to be enforced inside dispatchReady.
	events := r.pending.popUpTo(max)
	consumed, n, dispatchErr := r.dispatchReady(events, max)
	if consumed < len(events) {
		// Happens when max invocations were used up by the leading events'
		// chains, or a callback failed mid-list: keep the unconsumed tail
		// for a later call rather than drop it silently.
		r.pending.pushAll(events[consumed:])
	}

	trigger.clear()
	if dispatchErr != nil {
		trigger.set()
	}
	if asyncErr := r.async.drain(); asyncErr != nil && dispatchErr == nil {
		dispatchErr = asyncErr
	}
	r.expireTimers()

	return n, dispatchErr
}

// dispatchReady acquires C2 in read mode, invokes matching callbacks for
// each ready fd (steps 4-6 of §4.6) up to max total invocations, and
// releases it, running synchronize() whenever either side reports
// needs_sync. It returns how many of the leading events were consumed
// (touched at all) and how many callbacks were invoked; the caller is
// responsible for re-queuing events[consumed:] since max may have been
// reached, or a callback may have failed, mid-list. Per §7, a failing
// callback stops the whole batch immediately — the remaining events are
// left unconsumed so the caller requeues them rather than this function
// skipping ahead to the next fd.
func (r *Reactor) dispatchReady(events []ReadyEvent, max int) (consumed, invoked int, err error) {
	for r.lock.readLock() {
		r.registry.synchronize()
	}

	var callbackErr error
	for i, ev := range events {
		if max > 0 && invoked >= max {
			break
		}
		consumed = i + 1
		remaining := 0
		if max > 0 {
			remaining = max - invoked
		}
		n, cbErr := r.registry.dispatchSafe(ev.Fd, ev.Mask, remaining)
		invoked += n
		if cbErr != nil {
			callbackErr = cbErr
			break
		}
	}

	if r.lock.readUnlock() {
		r.registry.synchronize()
	}

	if callbackErr != nil {
		if t, terr := r.EventTrigger(); terr == nil {
			t.set()
		}
	}
	return consumed, invoked, callbackErr
}

// expireTimers pops and invokes every timer whose deadline has passed,
// rescheduling those whose callback asked for it.
func (r *Reactor) expireTimers() {
	now := time.Now()
	for {
		r.timersMu.Lock()
		l := r.timers.popDue(now)
		r.timersMu.Unlock()
		if l == nil {
			return
		}

		next, reschedule, err := invokeTimer(l.timerCallback, now)
		if err != nil {
			r.logger.Errorf("timer callback panicked: %v", err)
		}

		l.regMu.Lock()
		stillActive := l.reactor != nil
		l.regMu.Unlock()

		if stillActive && reschedule {
			l.deadline = next
			r.timersMu.Lock()
			r.timers.push(l)
			r.timersMu.Unlock()
		}
	}
}

// effectiveTimeout is the smaller of the caller's timeout and the time
// until the nearest timer, per §4.6 step 1. A negative input timeout
// means "block indefinitely" and is only shortened, never lengthened, by
// a pending timer.
func (r *Reactor) effectiveTimeout(timeout time.Duration) time.Duration {
	r.timersMu.Lock()
	due, ok := r.timers.peekDue()
	r.timersMu.Unlock()
	if !ok {
		return timeout
	}
	untilDue := time.Until(due)
	if untilDue < 0 {
		untilDue = 0
	}
	if timeout < 0 || untilDue < timeout {
		return untilDue
	}
	return timeout
}

func millisOf(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int(d.Milliseconds())
}

// Close disconnects every registered I/O, timer and child-watch link, then
// releases the backend and the wake-up flag. Those connections become
// permanently disconnected. Async procedure connections are not tracked by
// the Reactor and are not disconnected by Close. Grounded on the destructor
// sequence in ioready-epoll.cc (cancel everything under a commit-guarded
// read/write handoff before tearing down the backend).
func (r *Reactor) Close() error {
	r.registry.cancelAll()
	if r.childMonitor != nil {
		r.childMonitor.cancelAll()
	}

	r.timersMu.Lock()
	pending := r.timers.items
	r.timers.items = nil
	r.timersMu.Unlock()
	for _, l := range pending {
		l.regMu.Lock()
		l.reactor = nil
		l.regMu.Unlock()
	}

	if r.trigger != nil {
		r.trigger.Close()
	}
	return r.backend.Close()
}

// Run spawns n goroutines each looping Dispatch with the given per-call
// timeout until stop is closed, supervised by a taskgroup.Group in place
// of the teacher's manual sync.WaitGroup + mutex-guarded error slice
// (reactor.go's Run). Matches §5's "multiple OS threads may enter dispatch
// concurrently" model; epoll_wait itself is safe for concurrent waiters
// (the teacher's own leader/follower comment in epoll.go describes the
// same property).
func (r *Reactor) Run(n int, perCallTimeout time.Duration, stop <-chan struct{}) error {
	var g taskgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				if _, err := r.Dispatch(perCallTimeout, r.opts.readyBatchSize); err != nil {
					r.logger.Warnf("dispatch: %v", err)
				}
			}
		})
	}
	return g.Wait()
}

func panicToCallbackErr(r any) error {
	return fmt.Errorf("%w: %v", ErrCallbackFailed, r)
}

func invokeTimer(fn func(now time.Time) (time.Time, bool), now time.Time) (next time.Time, reschedule bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicToCallbackErr(p)
		}
	}()
	next, reschedule = fn(now)
	return
}
