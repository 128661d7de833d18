//go:build linux

package tscb

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollBackend is the Linux Backend, grounded on the teacher's epoll.go
// (open/add/remove: EpollCreate1 with CLOEXEC, EpollCtl ADD/MOD/DEL,
// EpollWait) translated from syscall to golang.org/x/sys/unix per the
// domain stack, and on momentics-hioload-ws/reactor/epoll_reactor.go's
// go:build linux convention for the platform file itself.
type epollBackend struct {
	noCopy

	epfd int
}

// newEpollBackend allocates the epoll instance.
func newEpollBackend() (*epollBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: epoll_create1: %v", ErrResourceExhausted, err)
	}
	return &epollBackend{epfd: fd}, nil
}

func toEpollEvents(mask int32) uint32 {
	var ev uint32
	if mask&maskInput != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&maskOutput != 0 {
		ev |= unix.EPOLLOUT
	}
	// EPOLLERR and EPOLLHUP are always reported by the kernel regardless of
	// the requested event mask; no bit needs to be set to request them.
	return ev
}

func fromEpollEvents(ev uint32) int32 {
	var mask int32
	if ev&unix.EPOLLIN != 0 {
		mask |= maskInput
	}
	if ev&unix.EPOLLOUT != 0 {
		mask |= maskOutput
	}
	if ev&unix.EPOLLERR != 0 {
		mask |= maskError
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		mask |= maskHangup
	}
	return mask
}

func (b *epollBackend) Add(fd int, mask int32) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (b *epollBackend) Modify(fd int, mask int32) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (b *epollBackend) Remove(fd int) error {
	// The event argument is ignored by the kernel for EPOLL_CTL_DEL but
	// must be non-nil on kernels < 2.6.9; pass a zero value for safety.
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

func (b *epollBackend) Wait(timeoutMillis int, dst []ReadyEvent) ([]ReadyEvent, error) {
	buf := make([]unix.EpollEvent, 256)
	for {
		n, err := unix.EpollWait(b.epfd, buf, timeoutMillis)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return dst, fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			dst = append(dst, ReadyEvent{
				Fd:   int(buf[i].Fd),
				Mask: fromEpollEvents(buf[i].Events),
			})
		}
		return dst, nil
	}
}

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}

func newPlatformBackend() (Backend, error) {
	return newEpollBackend()
}
