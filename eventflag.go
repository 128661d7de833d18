package tscb

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// flag states, per the data model: a byte is in the pipe iff state == flagWakePosted.
const (
	flagCleared    int32 = 0
	flagSetNoWake  int32 = 1
	flagWakePosted int32 = 2
)

// EventFlag is a single-slot wake-up primitive: set() wakes a blocked wait()
// exactly once per set→clear cycle, with no spurious and no lost wakeups.
// It is backed by a close-on-exec pipe so it can also serve as a readiness
// source for a poll/epoll backend (the read end is the fd to watch for
// POLLIN). Grounded on the teacher's notify.go (eventfd test-and-set
// coalescing), translated from an 8-byte eventfd write to the spec's
// required single pipe byte.
type EventFlag struct {
	noCopy

	state   atomic.Int32
	waiters atomic.Int32

	readFd  int
	writeFd int
}

// NewEventFlag allocates the backing pipe. Returns ErrResourceExhausted if
// the pipe cannot be created.
func NewEventFlag() (*EventFlag, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("%w: pipe2: %v", ErrResourceExhausted, err)
	}
	// Both ends stay in blocking mode. The read end is only ever drained
	// from clear(), and only when clear() moved the state away from
	// flagWakePosted. If that happens before the setter's write() has
	// landed, the blocking read waits for that one byte. Making the read
	// end non-blocking would open a race: such a read would get EAGAIN,
	// leaving the byte in the pipe with nothing to drain it.
	return &EventFlag{readFd: fds[0], writeFd: fds[1]}, nil
}

// ReadFd is the fd a backend should watch for POLLIN to observe set().
func (f *EventFlag) ReadFd() int { return f.readFd }

// Close releases the backing pipe. The flag must not be used afterwards.
func (f *EventFlag) Close() {
	retryClose(f.readFd)
	retryClose(f.writeFd)
}

// set implements the §4.1 set() protocol.
func (f *EventFlag) set() {
	// Release-fence: publish whatever state the caller just wrote before
	// any waiter can observe the flag and read that state.
	if f.state.Load() != flagCleared {
		return // fast path: already set
	}
	if !f.state.CompareAndSwap(flagCleared, flagSetNoWake) {
		return // another setter won
	}
	if f.waiters.Load() == 0 {
		return // no one to wake
	}
	if !f.state.CompareAndSwap(flagSetNoWake, flagWakePosted) {
		return // a clearer raced, or another setter already posted
	}
	var b [1]byte
	for {
		n, _ := retryWrite(f.writeFd, b[:])
		if n == 1 {
			return
		}
	}
}

// Wait blocks the calling goroutine until set() is observed, using its own
// poll(2) loop on the read end. This is the standalone blocking form of the
// external interface's wait(); the dispatcher does not use it (it multiplexes
// the same read fd together with every other watched fd via startWaiting/
// stopWaiting instead, so a single backend Wait call serves both).
func (f *EventFlag) Wait() {
	f.wait(func() {
		fds := []unix.PollFd{{Fd: int32(f.readFd), Events: unix.POLLIN}}
		for {
			n, err := unix.Poll(fds, -1)
			if err == unix.EINTR {
				continue
			}
			if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
				return
			}
		}
	})
}

// wait implements the §4.1 wait() protocol: blocks until set() is observed.
// blockOnBackend is called (with the flag's waiters count already
// incremented) to actually block for POLLIN on ReadFd(); it returns once
// readiness is observed or the flag was already set.
func (f *EventFlag) wait(blockOnBackend func()) {
	if f.state.Load() != flagCleared {
		return // fast path
	}
	f.waiters.Add(1)
	if f.state.Load() == flagCleared {
		// Dekker-style recheck-after-increment: a concurrent set() that
		// ran between our first load and the increment is guaranteed to
		// see waiters > 0 here and will post a wakeup byte.
		blockOnBackend()
	}
	f.waiters.Add(-1)
}

// startWaiting/stopWaiting expose the wait protocol's increment/decrement
// halves so a dispatcher can register interest, call the backend's own
// blocking wait (which may also be waiting on other fds), and then
// decrement — without EventFlag owning the backend call itself.
func (f *EventFlag) startWaiting() (alreadySet bool) {
	if f.state.Load() != flagCleared {
		return true
	}
	f.waiters.Add(1)
	return f.state.Load() != flagCleared
}

func (f *EventFlag) stopWaiting() {
	f.waiters.Add(-1)
}

// clear implements the §4.1 clear() protocol: CAS the flag down to
// flagCleared using the observed old value, and drain the pipe byte iff the
// old value was flagWakePosted. The read blocks only until the setter that
// moved the state to flagWakePosted has written its byte.
func (f *EventFlag) clear() {
	for {
		old := f.state.Load()
		if old == flagCleared {
			return
		}
		if f.state.CompareAndSwap(old, flagCleared) {
			if old == flagWakePosted {
				var b [1]byte
				retryRead(f.readFd, b[:])
			}
			return
		}
	}
}

// isSet reports whether the flag is currently set, without side effects.
func (f *EventFlag) isSet() bool {
	return f.state.Load() != flagCleared
}
