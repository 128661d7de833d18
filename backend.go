package tscb

// IoReadyEvents bits, preserved numerically per §6 so callers can compose
// masks across implementations.
const (
	maskInput  int32 = 0x001
	maskOutput int32 = 0x002
	maskError  int32 = 0x100
	maskHangup int32 = 0x200
)

const (
	// Input is readiness for reading (POLLIN-equivalent).
	Input = maskInput
	// Output is readiness for writing (POLLOUT-equivalent).
	Output = maskOutput
	// Error is an error condition on the fd; always implicitly requested
	// once any other bit is set, never silenceable.
	Error = maskError
	// Hangup is a peer hangup condition; always implicitly requested once
	// any other bit is set, never silenceable.
	Hangup = maskHangup
)

// Backend is the opaque platform readiness facility the dispatcher treats
// as a black box per §1 and §6 ("I/O-readiness dispatcher skeleton...
// around a platform readiness facility"). Add/Modify/Remove mutate fd
// interest; Wait blocks (subject to timeoutMillis, -1 meaning forever, 0
// meaning poll) and appends ready fds/masks to dst, returning the
// extended slice. Grounded on the teacher's epoll.go (open/add/remove/run)
// and momentics-hioload-ws/reactor/epoll_reactor.go's Register/Unregister/
// Poll/Close interface shape — adapted so readiness flows back through C4
// rather than a callback map, since tscb's registry (not the backend) owns
// dispatch.
type Backend interface {
	Add(fd int, mask int32) error
	Modify(fd int, mask int32) error
	Remove(fd int) error
	Wait(timeoutMillis int, dst []ReadyEvent) ([]ReadyEvent, error)
	Close() error
}

// ReadyEvent is one fd's reported readiness from a single Wait call.
type ReadyEvent struct {
	Fd   int
	Mask int32
}
